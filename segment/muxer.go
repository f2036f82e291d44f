package segment

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
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
	// DefaultSegmentDuration is the corrected duration after which a
	// fragment is rotated.
	DefaultSegmentDuration = 3 * time.Second
	defaultPollTimeout     = 100 * time.Millisecond
	defaultPrefix          = "fragment"
	defaultExt             = ".ts"
)

var (
	// ErrFinalized is returned by WriteFrame once the muxer has finished.
	ErrFinalized = errors.New("segment muxer finalized")

	// ErrFragmentFailed is returned once a fragment encoder has failed. The
	// failed fragment is dropped and the track ends, so the completed
	// fragments stay a gapless prefix of the recording.
	ErrFragmentFailed = errors.New("fragment encoder failed")
)

// State is the muxer lifecycle position.
type State int

const (
	NoSegment State = iota
	SegmentActive
	Finalizing
	Done
)

func (s State) String() string {
	switch s {
	case NoSegment:
		return "no_segment"
	case SegmentActive:
		return "segment_active"
	case Finalizing:
		return "finalizing"
	case Done:
		return "done"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// AuxFrame is one frame from an auxiliary device. Timestamp is on the
// device's own clock.
type AuxFrame struct {
	Pix       []byte
	Width     int
	Height    int
	Timestamp time.Duration
}

// AuxSource produces auxiliary frames.
type AuxSource interface {
	Next(timeout time.Duration) (*AuxFrame, bool)
	Err() error
	Close() error
}

// FragmentWriter encodes one fragment. ts is relative to the fragment's
// first frame. Close must not return until the fragment file is complete.
type FragmentWriter interface {
	WriteFrame(pix []byte, ts time.Duration) error
	Close() error
}

// WriterFunc starts the writer for a new fragment file.
type WriterFunc func(path string, width, height int) (FragmentWriter, error)

// MuxerOptions configures a Muxer.
type MuxerOptions struct {
	Dir             string
	Prefix          string
	Ext             string
	SegmentDuration time.Duration
	Flags           *control.Flags
	NewWriter       WriterFunc
	PollTimeout     time.Duration
	Logger          *zap.Logger
	Metrics         *observe.Metrics
}

// Muxer rotates fragment writers at a fixed corrected duration and keeps
// the manifest current after every transition.
type Muxer struct {
	opts  MuxerOptions
	log   *zap.Logger
	drift *DriftTracker

	mu           sync.Mutex
	state        State
	manifest     Manifest
	writer       FragmentWriter
	segStart     time.Duration
	lastTS       time.Duration
	lastInterval time.Duration
	frames       int
	resync       bool
	failed       error

	discarded atomic.Int64
	lastWarn  atomic.Int64
}

// NewMuxer creates the segment directory and writes an empty manifest.
func NewMuxer(opts MuxerOptions) (*Muxer, error) {
	if opts.Dir == "" {
		return nil, errors.New("segment directory is required")
	}
	if opts.Flags == nil {
		return nil, errors.New("control flags are required")
	}
	if opts.NewWriter == nil {
		return nil, errors.New("fragment writer is required")
	}
	if opts.SegmentDuration <= 0 {
		opts.SegmentDuration = DefaultSegmentDuration
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = defaultPollTimeout
	}
	if opts.Prefix == "" {
		opts.Prefix = defaultPrefix
	}
	if opts.Ext == "" {
		opts.Ext = defaultExt
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("segment dir: %w", err)
	}

	m := &Muxer{
		opts:     opts,
		log:      logging.OrNop(opts.Logger).Named("segment"),
		drift:    NewDriftTracker(),
		manifest: Manifest{Fragments: []Fragment{}},
	}
	if err := m.manifest.Save(opts.Dir); err != nil {
		return nil, err
	}
	return m, nil
}

// Dir is the segment directory.
func (m *Muxer) Dir() string { return m.opts.Dir }

// State reports the lifecycle position.
func (m *Muxer) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Manifest returns a copy of the current manifest.
func (m *Muxer) Manifest() Manifest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.manifest.clone()
}

// Discarded counts frames dropped while paused.
func (m *Muxer) Discarded() int64 { return m.discarded.Load() }

// Run pulls frames from src until the stop flag is set or ctx ends, then
// finalizes. A source failure ends the track but still finalizes what was
// written.
func (m *Muxer) Run(ctx context.Context, src AuxSource) error {
	defer src.Close()

	for {
		if ctx.Err() != nil || m.opts.Flags.Stopped() {
			return m.Finish()
		}
		f, ok := src.Next(m.opts.PollTimeout)
		if !ok {
			if err := src.Err(); err != nil {
				m.log.Warn("aux source failed", zap.Error(err))
				return errors.Join(fmt.Errorf("aux source: %w", err), m.Finish())
			}
			continue
		}
		if err := m.WriteFrame(f); err != nil {
			if errors.Is(err, ErrFinalized) {
				return nil
			}
			if errors.Is(err, ErrFragmentFailed) {
				return errors.Join(err, m.Finish())
			}
			if logging.Every(&m.lastWarn, 2*time.Second) {
				m.log.Warn("fragment write failed", zap.Error(err))
			}
		}
	}
}

// WriteFrame places f on the timeline and routes it to the active
// fragment, rotating first when the fragment has reached its duration.
// Frames arriving while paused are discarded.
func (m *Muxer) WriteFrame(f *AuxFrame) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == Finalizing || m.state == Done {
		return ErrFinalized
	}
	if m.failed != nil {
		return m.failed
	}
	if m.opts.Flags.Paused() {
		m.discarded.Add(1)
		m.resync = true
		return nil
	}
	if m.resync {
		m.drift.Reset()
		m.resync = false
	}

	ts := m.drift.Correct(f.Timestamp, m.opts.Flags.Recorded())
	if m.state == SegmentActive && ts-m.segStart >= m.opts.SegmentDuration {
		if err := m.closeActive(ts - m.segStart); err != nil {
			return m.fail(err)
		}
	}
	if m.state == NoSegment {
		if err := m.open(ts, f.Width, f.Height); err != nil {
			return m.fail(err)
		}
	}

	if err := m.writer.WriteFrame(f.Pix, ts-m.segStart); err != nil {
		_ = m.writer.Close()
		m.dropActive()
		return m.fail(fmt.Errorf("write fragment %d: %w", len(m.manifest.Fragments), err))
	}
	if m.frames > 0 {
		m.lastInterval = ts - m.lastTS
	}
	m.lastTS = ts
	m.frames++
	return nil
}

func (m *Muxer) open(ts time.Duration, width, height int) error {
	index := len(m.manifest.Fragments)
	name := fmt.Sprintf("%s_%04d%s", m.opts.Prefix, index, m.opts.Ext)
	w, err := m.opts.NewWriter(filepath.Join(m.opts.Dir, name), width, height)
	if err != nil {
		return fmt.Errorf("start fragment %d: %w", index, err)
	}

	m.manifest.Fragments = append(m.manifest.Fragments, Fragment{Path: name, Index: index})
	if err := m.manifest.Save(m.opts.Dir); err != nil {
		m.log.Warn("manifest save failed", zap.Error(err))
	}
	m.writer = w
	m.state = SegmentActive
	m.segStart = ts
	m.frames = 0
	m.lastInterval = 0
	m.log.Debug("fragment started", zap.Int("index", index), zap.String("path", name))
	return nil
}

// closeActive waits for the active writer and marks its fragment
// completed. A writer that fails to close is dropped from the manifest.
func (m *Muxer) closeActive(duration time.Duration) error {
	cur := &m.manifest.Fragments[len(m.manifest.Fragments)-1]
	if err := m.writer.Close(); err != nil {
		index := cur.Index
		m.dropActive()
		return fmt.Errorf("close fragment %d: %w", index, err)
	}
	cur.Completed = true
	cur.DurationMS = float64(duration) / float64(time.Millisecond)
	m.opts.Metrics.Add(context.Background(), observe.FragmentsCompleted, 1, attribute.String("track", m.opts.Prefix))
	m.log.Debug("fragment completed", zap.Int("index", cur.Index), zap.Duration("duration", duration))

	m.writer = nil
	m.state = NoSegment
	if err := m.manifest.Save(m.opts.Dir); err != nil {
		m.log.Warn("manifest save failed", zap.Error(err))
	}
	return nil
}

// dropActive removes the in-progress fragment from the manifest and disk.
func (m *Muxer) dropActive() {
	last := len(m.manifest.Fragments) - 1
	cur := m.manifest.Fragments[last]
	m.manifest.Fragments = m.manifest.Fragments[:last]
	m.writer = nil
	m.state = NoSegment
	if err := m.manifest.Save(m.opts.Dir); err != nil {
		m.log.Warn("manifest save failed", zap.Error(err))
	}
	if err := os.Remove(filepath.Join(m.opts.Dir, cur.Path)); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.log.Debug("remove failed fragment", zap.String("path", cur.Path), zap.Error(err))
	}
}

// fail ends the track. Later frames are refused with the same error.
func (m *Muxer) fail(cause error) error {
	m.failed = fmt.Errorf("%w: %w", ErrFragmentFailed, cause)
	m.log.Warn("aux track ended", zap.Int("completed", len(m.manifest.Completed())), zap.Error(cause))
	return m.failed
}

// Finish closes the active fragment and marks the manifest finalized.
func (m *Muxer) Finish() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == Done {
		return nil
	}
	var closeErr error
	if m.state == SegmentActive {
		closeErr = m.closeActive(m.lastTS - m.segStart + m.lastInterval)
	}
	m.state = Finalizing
	m.manifest.Finalized = true
	err := errors.Join(closeErr, m.manifest.Save(m.opts.Dir))
	m.state = Done
	m.log.Info("segments finalized",
		zap.Int("fragments", len(m.manifest.Completed())),
		zap.Int64("paused_discarded", m.discarded.Load()),
	)
	return err
}
