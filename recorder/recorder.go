// Package recorder runs one recording: it opens every producer against a
// single clock epoch, paces video frames to the encoder, relays pause and
// stop to the audio, cursor and webcam loops, and finalizes or discards the
// artifacts.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"go2tv.app/screenrec/audio"
	"go2tv.app/screenrec/capture"
	"go2tv.app/screenrec/clock"
	"go2tv.app/screenrec/control"
	"go2tv.app/screenrec/cursor"
	"go2tv.app/screenrec/encoder"
	"go2tv.app/screenrec/framepool"
	"go2tv.app/screenrec/internal/logging"
	"go2tv.app/screenrec/internal/observe"
	"go2tv.app/screenrec/segment"
)

const (
	defaultFrameRate   = 30
	maxFrameRate       = 240
	defaultStaleBudget = 10
	progressInterval   = time.Second
)

var (
	// ErrAlreadyStarted is returned when Start or Run is called out of order.
	ErrAlreadyStarted = errors.New("recorder already started")
	// ErrNotStarted is returned by Run before a successful Start.
	ErrNotStarted = errors.New("recorder not started")
)

// State is the recorder lifecycle position.
type State int

const (
	Idle State = iota
	Starting
	Recording
	Paused
	Stopping
	Complete
	Cancelled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Recording:
		return "recording"
	case Paused:
		return "paused"
	case Stopping:
		return "stopping"
	case Complete:
		return "complete"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Command is sent to a running recorder. Closing the command channel is
// the same as Stop.
type Command int

const (
	Pause Command = iota
	Resume
	Stop
	Cancel
)

func (c Command) String() string {
	switch c {
	case Pause:
		return "pause"
	case Resume:
		return "resume"
	case Stop:
		return "stop"
	case Cancel:
		return "cancel"
	default:
		return fmt.Sprintf("Command(%d)", int(c))
	}
}

// ParseCommand accepts the lower-case command names.
func ParseCommand(s string) (Command, error) {
	for _, c := range []Command{Pause, Resume, Stop, Cancel} {
		if c.String() == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown command %q", s)
}

// VideoSink consumes paced video frames. ts is the position on the
// recording timeline with pauses removed.
type VideoSink interface {
	WriteFrame(pix []byte, ts time.Duration) error
	Close() error
}

// Progress is reported at most once per second while recording.
type Progress struct {
	Frames   int64
	Recorded time.Duration
	Dropped  uint64
	Stale    int
	Timeouts int64
}

// Hooks replace hardware-facing constructors. Nil fields use the real
// devices.
type Hooks struct {
	OpenSource       func(capture.Target, *capture.Options) (capture.Source, error)
	OpenVideoSink    func(path string, width, height int, format capture.PixelFormat) (VideoSink, error)
	OpenAudio        func(kind audio.Kind, device string, format audio.Format) (audio.Device, error)
	OpenCursorInput  func() (cursor.Input, error)
	OpenCursorImages func() (cursor.ImageSource, error)
	OpenAux          func() (segment.AuxSource, error)
	NewFragment      segment.WriterFunc
	Inhibit          func(ctx context.Context) (release func() error, err error)
	// Finalize runs the post-recording mux. Nil uses ffmpeg.
	Finalize func(ctx context.Context, a Artifacts) error
}

// Options configures a recording.
type Options struct {
	Target capture.Target

	// OutputDir receives one directory per recording.
	OutputDir string

	FrameRate   int
	MaxDuration time.Duration

	// FirstFrameTimeout bounds the wait for the first captured frame.
	FirstFrameTimeout time.Duration

	// StaleBudget is how many pre-start frames may be skipped before
	// frames are forwarded regardless.
	StaleBudget int

	// EncoderOrientation is the row order the video sink expects.
	EncoderOrientation framepool.Orientation

	CaptureBackend capture.Backend

	SystemAudio      bool
	Microphone       bool
	SystemDevice     string
	MicrophoneDevice string
	AudioFormat      audio.Format

	Cursor              bool
	CursorPollInterval  time.Duration
	CursorFlushInterval time.Duration

	Webcam          bool
	WebcamOptions   segment.WebcamOptions
	SegmentDuration time.Duration

	// BestEffort keeps recording when an optional producer (audio,
	// cursor, webcam) cannot be opened.
	BestEffort bool

	InhibitIdle bool

	// SkipFinalize leaves the raw artifacts unmuxed.
	SkipFinalize bool
	FFmpegPath   string

	OnProgress func(Progress)
	OnState    func(State)

	Hooks   Hooks
	Logger  *zap.Logger
	Metrics *observe.Metrics
}

func normalizeOptions(opts Options) (Options, error) {
	if opts.OutputDir == "" {
		return Options{}, errors.New("output directory is required")
	}
	if opts.FrameRate <= 0 {
		opts.FrameRate = defaultFrameRate
	}
	opts.FrameRate = min(opts.FrameRate, maxFrameRate)
	if opts.FirstFrameTimeout <= 0 {
		opts.FirstFrameTimeout = capture.DefaultFirstFrameTimeout
	}
	if opts.StaleBudget < 0 {
		opts.StaleBudget = 0
	}
	if opts.AudioFormat.SampleRate == 0 || opts.AudioFormat.Channels == 0 {
		opts.AudioFormat = audio.DefaultFormat
	}
	if opts.SegmentDuration <= 0 {
		opts.SegmentDuration = segment.DefaultSegmentDuration
	}
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if opts.MaxDuration < 0 {
		opts.MaxDuration = 0
	}
	opts.Logger = logging.OrNop(opts.Logger)
	return opts, nil
}

// Recorder owns one recording session. It is single-use.
type Recorder struct {
	opts Options
	log  *zap.Logger
	id   uuid.UUID

	mu      sync.Mutex
	state   State
	running bool

	dir       string
	epoch     clock.Epoch
	flags     *control.Flags
	startRef  time.Duration
	startedAt time.Time

	src       capture.Source
	pool      *framepool.Pool
	sink      VideoSink
	videoPath string

	tracks []*audio.Track
	actor  *cursor.Actor
	table  *cursor.ImageTable
	muxer  *segment.Muxer
	aux    segment.AuxSource

	producers errgroup.Group
	release   func() error

	warnMu   sync.Mutex
	warnings []string

	stale        staleFilter
	frames       int64
	timeouts     int64
	mismatched   int64
	lastProgress time.Time
	lastWarn     atomic.Int64
}

// New validates opts. Nothing is opened until Start.
func New(opts Options) (*Recorder, error) {
	o, err := normalizeOptions(opts)
	if err != nil {
		return nil, err
	}
	id := uuid.New()
	return &Recorder{
		opts: o,
		log:  o.Logger.Named("recorder").With(zap.String("session", id.String())),
		id:   id,
	}, nil
}

// ID identifies the session.
func (r *Recorder) ID() uuid.UUID { return r.id }

// Dir is the session directory, set by Start.
func (r *Recorder) Dir() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dir
}

// State reports the lifecycle position.
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Recorder) setState(s State) {
	r.mu.Lock()
	prev := r.state
	r.state = s
	r.mu.Unlock()
	if prev == s {
		return
	}
	r.log.Debug("state", zap.Stringer("from", prev), zap.Stringer("to", s))
	if r.opts.OnState != nil {
		r.opts.OnState(s)
	}
}

// Record runs New, Start and Run.
func Record(ctx context.Context, opts Options, cmds <-chan Command) (Result, error) {
	r, err := New(opts)
	if err != nil {
		return Result{}, err
	}
	if err := r.Start(ctx); err != nil {
		return Result{}, err
	}
	return r.Run(ctx, cmds)
}

func (r *Recorder) encoderSink(path string, width, height int, format capture.PixelFormat) (VideoSink, error) {
	return encoder.Start(&encoder.Options{
		FFmpegPath:  r.opts.FFmpegPath,
		Output:      path,
		Width:       width,
		Height:      height,
		PixelFormat: string(format),
		FrameRate:   r.opts.FrameRate,
		GOPSeconds:  2,
		Input:       r.opts.EncoderOrientation,
		Logger:      r.opts.Logger,
		Metrics:     r.opts.Metrics,
	})
}
