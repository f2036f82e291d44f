package audio

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"go2tv.app/screenrec/clock"
	"go2tv.app/screenrec/control"
	"go2tv.app/screenrec/internal/logging"
	"go2tv.app/screenrec/internal/observe"
)

const (
	defaultWaitTimeout = 100 * time.Millisecond
	defaultResumeFlush = 50 * time.Millisecond
	defaultPatchEvery  = time.Second
)

// TrackOptions configures one audio track.
type TrackOptions struct {
	// Name labels the track in logs, metrics and results.
	Name string

	// Path of the WAV file to create.
	Path string

	Device Device
	Flags  *control.Flags

	// WaitTimeout bounds each wait for device data. Default 100ms.
	WaitTimeout time.Duration

	// ResumeFlush bounds the drain-and-discard pass after a resume.
	// Default 50ms.
	ResumeFlush time.Duration

	// PatchEvery is how much audio may be written between header patches.
	// Default 1s.
	PatchEvery time.Duration

	// FillGaps writes silence when the device goes quiet. Loopback devices
	// deliver nothing while no application plays sound.
	FillGaps bool

	Logger  *zap.Logger
	Metrics *observe.Metrics
}

// TrackResult describes a finished track.
type TrackResult struct {
	Name string
	Path string

	// Offset is the recorded-timeline position of the first sample.
	Offset   time.Duration
	Duration time.Duration
	Frames   int64

	// Discarded counts samples dropped while paused or flushed on resume.
	Discarded int64

	// Err is set when the track ended early on a device failure.
	Err error
}

// Track streams one device into a WAV file until the stop flag is set.
type Track struct {
	opts   TrackOptions
	file   *os.File
	writer *WAVWriter
	log    *zap.Logger

	started   bool
	offset    time.Duration
	lastTS    clock.Ticks
	discarded atomic.Int64

	mu     sync.Mutex
	result TrackResult
	done   chan struct{}
}

// NewTrack creates the output file. Failures here happen before the
// recording starts so the caller can proceed without the track.
func NewTrack(opts TrackOptions) (*Track, error) {
	if opts.Device == nil {
		return nil, errors.New("audio track: nil device")
	}
	if opts.Flags == nil {
		return nil, errors.New("audio track: nil control flags")
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = defaultWaitTimeout
	}
	if opts.ResumeFlush <= 0 {
		opts.ResumeFlush = defaultResumeFlush
	}
	if opts.PatchEvery <= 0 {
		opts.PatchEvery = defaultPatchEvery
	}

	f, err := os.Create(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("audio track %s: %w", opts.Name, err)
	}
	w, err := NewWAVWriter(f, opts.Device.Format(), opts.PatchEvery)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(opts.Path)
		return nil, fmt.Errorf("audio track %s: %w", opts.Name, err)
	}
	return &Track{
		opts:   opts,
		file:   f,
		writer: w,
		log:    logging.OrNop(opts.Logger).Named("audio").With(zap.String("track", opts.Name)),
		done:   make(chan struct{}),
	}, nil
}

// Name of the track.
func (t *Track) Name() string { return t.opts.Name }

// Path of the track's WAV file.
func (t *Track) Path() string { return t.opts.Path }

// Run captures until the stop flag is set or ctx is done, then finalizes the
// file. A device failure ends only this track: the file is finalized with
// what was captured and the error is returned and kept in Result.
func (t *Track) Run(ctx context.Context) (err error) {
	defer close(t.done)
	defer func() {
		err = errors.Join(err, t.finish(err))
	}()

	dev := t.opts.Device
	if err := dev.Start(); err != nil {
		return fmt.Errorf("start device: %w", err)
	}
	// Anything buffered before the start belongs to no recording.
	if _, err := dev.Drain(nil); err != nil {
		return err
	}

	var (
		flags     = t.opts.Flags
		buf       []float32
		wasPaused bool
	)
	for {
		if flags.Stopped() || ctx.Err() != nil {
			break
		}
		dev.Wait(t.opts.WaitTimeout)

		buf, err = dev.Drain(buf[:0])
		if err != nil {
			return err
		}
		if flags.Paused() {
			wasPaused = true
			t.discard(len(buf))
			continue
		}
		if wasPaused {
			wasPaused = false
			t.discard(len(buf))
			if err := t.flushResume(); err != nil {
				return err
			}
			continue
		}
		if err := t.write(t.frame(buf)); err != nil {
			return err
		}
	}

	// Samples buffered between the last wake and the stop are still part of
	// the recording.
	buf, err = dev.Drain(buf[:0])
	if err != nil {
		return err
	}
	if !flags.Paused() {
		return t.write(t.frame(buf))
	}
	return nil
}

func (t *Track) flushResume() error {
	deadline := time.Now().Add(t.opts.ResumeFlush)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		if !t.opts.Device.Wait(remaining) {
			return nil
		}
		buf, err := t.opts.Device.Drain(nil)
		if err != nil {
			return err
		}
		if len(buf) == 0 {
			return nil
		}
		t.discard(len(buf))
	}
}

func (t *Track) discard(n int) {
	if n == 0 {
		return
	}
	t.discarded.Add(int64(n))
	t.opts.Metrics.Add(context.Background(), observe.AudioFrames, int64(n),
		attribute.String("track", t.opts.Name), attribute.String("outcome", "discarded"))
}

// frame stamps one drain. The samples end at the current recorded time, so
// the first one sits their duration earlier. Stamps never go backwards.
func (t *Track) frame(samples []float32) Frame {
	format := t.writer.format
	count := int64(len(samples) / int(format.Channels))
	ts := t.opts.Flags.RecordedTicks() - clock.ToTicks(format.FrameDuration(count))
	ts = max(ts, t.lastTS, 0)
	t.lastTS = ts
	return Frame{Samples: samples, Timestamp: ts, FrameCount: count}
}

func (t *Track) write(f Frame) error {
	format := t.writer.format
	if !t.started {
		if f.FrameCount == 0 && !t.opts.FillGaps {
			return nil
		}
		t.started = true
		t.offset = f.Timestamp.Duration()
		t.log.Debug("first samples", zap.Duration("offset", t.offset), zap.Int64("ticks", int64(f.Timestamp)))
	}

	if f.FrameCount == 0 {
		if !t.opts.FillGaps {
			return nil
		}
		gap := f.Timestamp.Duration() - t.offset - t.writer.Duration()
		if gap > 2*t.opts.WaitTimeout {
			fill := format.FramesIn(gap - t.opts.WaitTimeout)
			if err := t.writer.WriteSilence(fill); err != nil {
				return err
			}
		}
		return nil
	}

	if err := t.writer.Write(f.Samples); err != nil {
		return err
	}
	t.opts.Metrics.Add(context.Background(), observe.AudioFrames, int64(len(f.Samples)),
		attribute.String("track", t.opts.Name), attribute.String("outcome", "written"))
	return nil
}

func (t *Track) finish(runErr error) error {
	closeErr := errors.Join(t.writer.Close(), t.file.Close())
	devErr := t.opts.Device.Close()

	res := TrackResult{
		Name:      t.opts.Name,
		Path:      t.opts.Path,
		Offset:    t.offset,
		Duration:  t.writer.Duration(),
		Frames:    t.writer.Frames(),
		Discarded: t.discarded.Load(),
		Err:       runErr,
	}
	t.mu.Lock()
	t.result = res
	t.mu.Unlock()

	if runErr != nil {
		t.log.Warn("track ended early", zap.Error(runErr), zap.Duration("captured", res.Duration))
	} else {
		t.log.Debug("track finalized", zap.Duration("duration", res.Duration), zap.Int64("discarded", res.Discarded))
	}
	return errors.Join(closeErr, devErr)
}

// Done is closed once Run has finalized the file.
func (t *Track) Done() <-chan struct{} { return t.done }

// Result is valid after Done is closed.
func (t *Track) Result() TrackResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

// Abort releases a track whose Run was never started and removes its file.
func (t *Track) Abort() error {
	return errors.Join(t.file.Close(), t.opts.Device.Close(), os.Remove(t.opts.Path))
}
