package cursor

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"go2tv.app/screenrec/control"
	"go2tv.app/screenrec/internal/logging"
	"go2tv.app/screenrec/internal/observe"
)

const (
	DefaultPollInterval  = 16 * time.Millisecond
	DefaultFlushInterval = 5 * time.Second
)

// ActorOptions configures an Actor.
type ActorOptions struct {
	Input Input

	// Images may be nil; every event then carries NoCursor.
	Images ImageSource

	Table *ImageTable
	Flags *control.Flags

	// LogPath is where the JSON event log is flushed.
	LogPath string

	// Bounds returns the captured area in screen coordinates. Move
	// positions are normalized against it.
	Bounds func() image.Rectangle

	// PollInterval defaults to 16ms, FlushInterval to 5s.
	PollInterval  time.Duration
	FlushInterval time.Duration

	Logger  *zap.Logger
	Metrics *observe.Metrics
}

// Actor polls pointer state at a fixed cadence and accumulates the event
// log. The log and the image table are only mutated by the actor's
// goroutine; Snapshot copies them under a lock.
type Actor struct {
	opts ActorOptions
	log  *zap.Logger

	mu     sync.Mutex
	events Log

	last       Sample
	hasLast    bool
	cursorID   int
	lastSerial uint32

	lastErrLog atomic.Int64
}

// NewActor validates opts.
func NewActor(opts ActorOptions) (*Actor, error) {
	if opts.Input == nil {
		return nil, errors.New("cursor actor: nil input")
	}
	if opts.Table == nil {
		return nil, errors.New("cursor actor: nil image table")
	}
	if opts.Flags == nil {
		return nil, errors.New("cursor actor: nil control flags")
	}
	if opts.Bounds == nil {
		return nil, errors.New("cursor actor: nil capture bounds")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	return &Actor{
		opts:     opts,
		log:      logging.OrNop(opts.Logger).Named("cursor"),
		cursorID: NoCursor,
	}, nil
}

// Run polls until the stop flag is set or ctx is done, then writes the final
// log. Cancellation is only observed between polls.
func (a *Actor) Run(ctx context.Context) error {
	poll := time.NewTicker(a.opts.PollInterval)
	defer poll.Stop()
	flush := time.NewTicker(a.opts.FlushInterval)
	defer flush.Stop()

	for {
		select {
		case <-ctx.Done():
			return a.Flush()
		case <-flush.C:
			if err := a.Flush(); err != nil {
				a.log.Warn("flush cursor log", zap.Error(err))
			}
		case <-poll.C:
			if a.opts.Flags.Stopped() {
				return a.Flush()
			}
			if a.opts.Flags.Paused() {
				// A press or release during the pause is reported as a
				// transition on the first poll after resume.
				continue
			}
			a.poll()
		}
	}
}

func (a *Actor) poll() {
	s, err := a.opts.Input.Sample()
	if err != nil {
		a.warn("read pointer", err)
		return
	}
	a.resolveCursor()

	now := a.opts.Flags.Recorded().Seconds() * 1000
	x, y := normalize(s, a.opts.Bounds())

	a.mu.Lock()
	defer a.mu.Unlock()

	moved := !a.hasLast || s.X != a.last.X || s.Y != a.last.Y
	if moved {
		a.events.Moves = append(a.events.Moves, Move{TimeMS: now, X: x, Y: y, CursorID: a.cursorID})
		a.count("move", 1)
	}
	if a.hasLast && s.Buttons != a.last.Buttons {
		changed := s.Buttons ^ a.last.Buttons
		for _, b := range buttonNames {
			if changed&b.b == 0 {
				continue
			}
			a.events.Clicks = append(a.events.Clicks, Click{
				TimeMS:   now,
				Button:   b.name,
				Pressed:  s.Buttons&b.b != 0,
				CursorID: a.cursorID,
			})
			a.count("click", 1)
		}
	}
	a.last, a.hasLast = s, true
}

// normalize maps a screen position into fractions of b. An empty b leaves
// the position at the origin.
func normalize(s Sample, b image.Rectangle) (x, y float64) {
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return 0, 0
	}
	return float64(s.X-b.Min.X) / float64(b.Dx()), float64(s.Y-b.Min.Y) / float64(b.Dy())
}

// resolveCursor runs every poll so shape changes without movement are
// attributed to the right id.
func (a *Actor) resolveCursor() {
	if a.opts.Images == nil {
		return
	}
	img, err := a.opts.Images.Current()
	if err != nil {
		a.warn("capture cursor image", err)
		return
	}
	if img.Serial != 0 && img.Serial == a.lastSerial && a.cursorID != NoCursor {
		return
	}
	a.mu.Lock()
	id, created, err := a.opts.Table.Resolve(img)
	if err == nil {
		a.cursorID = id
	}
	a.mu.Unlock()
	if err != nil {
		a.warn("store cursor image", err)
		return
	}
	if created {
		a.opts.Metrics.Add(context.Background(), observe.CursorImages, 1)
		a.log.Debug("new cursor image", zap.Int("id", id), zap.Int("w", img.Width), zap.Int("h", img.Height))
	}
	a.lastSerial = img.Serial
}

func (a *Actor) count(kind string, n int64) {
	a.opts.Metrics.Add(context.Background(), observe.CursorEvents, n, attribute.String("kind", kind))
}

func (a *Actor) warn(msg string, err error) {
	if logging.Every(&a.lastErrLog, 5*time.Second) {
		a.log.Warn(msg, zap.Error(err))
	}
}

// Snapshot returns a copy of the log accumulated so far.
func (a *Actor) Snapshot() Log {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Log{
		Clicks:  append([]Click(nil), a.events.Clicks...),
		Moves:   append([]Move(nil), a.events.Moves...),
		Cursors: a.opts.Table.Images(),
	}
}

// Flush writes the whole log atomically.
func (a *Actor) Flush() error {
	l := a.Snapshot()
	return writeLog(a.opts.LogPath, &l)
}

// Close releases the input and image source.
func (a *Actor) Close() error {
	var err error
	if a.opts.Images != nil {
		err = a.opts.Images.Close()
	}
	return errors.Join(err, a.opts.Input.Close())
}
