package recorder

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"go2tv.app/screenrec/internal/logging"
	"go2tv.app/screenrec/internal/observe"
)

// Run paces frames from the capture source to the video sink until Stop,
// Cancel, a closed command channel, the end of ctx or the max duration.
// It then finalizes (or on Cancel discards) every artifact.
func (r *Recorder) Run(ctx context.Context, cmds <-chan Command) (Result, error) {
	r.mu.Lock()
	switch r.state {
	case Recording:
	case Idle, Starting:
		r.mu.Unlock()
		return Result{}, ErrNotStarted
	default:
		r.mu.Unlock()
		return Result{}, ErrAlreadyStarted
	}
	if r.running {
		r.mu.Unlock()
		return Result{}, ErrAlreadyStarted
	}
	r.running = true
	r.mu.Unlock()

	outcome, loopErr := r.loop(ctx, cmds)
	return r.finish(ctx, outcome, loopErr)
}

const maxResumeDrain = 64

func (r *Recorder) loop(ctx context.Context, cmds <-chan Command) (Command, error) {
	interval := time.Second / time.Duration(r.opts.FrameRate)
	timer := time.NewTimer(interval)
	defer timer.Stop()
	next := time.Now()

	for {
		if r.opts.MaxDuration > 0 && r.flags.Recorded() >= r.opts.MaxDuration {
			r.log.Info("max duration reached", zap.Duration("max", r.opts.MaxDuration))
			return Stop, nil
		}

		wait := interval
		if !r.flags.Paused() {
			wait = max(0, time.Until(next))
		}
		timer.Reset(wait)

		select {
		case c, ok := <-cmds:
			if !ok {
				r.log.Debug("command channel closed")
				return Stop, nil
			}
			if r.handle(c) {
				return c, nil
			}
			next = time.Now()
			continue
		case <-ctx.Done():
			return Stop, nil
		case <-timer.C:
		}

		if r.flags.Paused() {
			r.progress()
			continue
		}
		next = next.Add(interval)
		if time.Since(next) > interval {
			// Fell behind; do not burst to catch up.
			next = time.Now().Add(interval)
		}
		if err := r.step(interval); err != nil {
			return Stop, err
		}
		r.progress()
	}
}

// handle applies one command. It reports whether the loop must end.
func (r *Recorder) handle(c Command) bool {
	switch c {
	case Pause:
		if r.flags.Pause() {
			r.log.Info("paused", zap.Duration("recorded", r.flags.Recorded()))
			r.setState(Paused)
		}
	case Resume:
		if d, ok := r.flags.Resume(); ok {
			drained := r.drain()
			r.log.Info("resumed", zap.Duration("paused_for", d), zap.Duration("paused_total", r.flags.PausedTotal()), zap.Int("drained", drained))
			r.setState(Recording)
		}
	case Stop, Cancel:
		r.log.Info("command", zap.Stringer("command", c))
		return true
	default:
		r.log.Warn("unknown command ignored", zap.Stringer("command", c))
	}
	return false
}

// drain discards frames the source queued while paused. The queue is small,
// so the bound only guards against a source that never runs dry.
func (r *Recorder) drain() int {
	n := 0
	for n < maxResumeDrain {
		if _, ok := r.src.NextFrame(0); !ok {
			break
		}
		n++
	}
	if n > 0 {
		r.opts.Metrics.Add(context.Background(), observe.FramesDropped, int64(n), attribute.String("reason", "paused"))
	}
	return n
}

// step pulls at most one frame and forwards it. A read timeout is not an
// error; a dead source or encoder is.
func (r *Recorder) step(timeout time.Duration) error {
	ctx := context.Background()

	f, ok := r.src.NextFrame(timeout)
	if !ok {
		r.timeouts++
		r.opts.Metrics.Add(ctx, observe.FrameTimeouts, 1)
		if err := r.src.Err(); err != nil {
			return fmt.Errorf("capture source: %w", err)
		}
		return nil
	}

	if !r.stale.admit(f) {
		r.opts.Metrics.Add(ctx, observe.StaleFrames, 1)
		r.log.Debug("stale frame skipped", zap.Int("skipped", r.stale.skipped))
		if r.stale.exhausted() {
			r.log.Warn("stale frame budget exhausted, forwarding regardless", zap.Int("budget", r.stale.budget))
		}
		return nil
	}

	if f.Width != r.pool.Width() || f.Height != r.pool.Height() {
		r.mismatched++
		r.opts.Metrics.Add(ctx, observe.FramesDropped, 1, attribute.String("reason", "size_changed"))
		if logging.Every(&r.lastWarn, 2*time.Second) {
			r.log.Warn("frame size changed, dropping",
				zap.Int("width", f.Width), zap.Int("height", f.Height),
				zap.Int("want_width", r.pool.Width()), zap.Int("want_height", r.pool.Height()),
				zap.Int64("dropped", r.mismatched),
			)
		}
		return nil
	}

	buf, err := r.pool.Prepare(f.Pix, f.Stride)
	if err != nil {
		r.opts.Metrics.Add(ctx, observe.FramesDropped, 1, attribute.String("reason", "short_frame"))
		if logging.Every(&r.lastWarn, 2*time.Second) {
			r.log.Warn("frame skipped", zap.Error(err))
		}
		return nil
	}

	// The capture timestamp is only diagnostic; frames are placed by
	// elapsed time so every producer shares one clock.
	ts := r.flags.Recorded()
	if native, ok := r.epoch.Project(f.Timestamp); ok && r.frames == 0 {
		r.log.Debug("first frame forwarded", zap.Duration("ts", ts), zap.Duration("native", native))
	}
	if err := r.sink.WriteFrame(buf, ts); err != nil {
		return fmt.Errorf("video encoder: %w", err)
	}
	r.frames++
	r.opts.Metrics.Add(ctx, observe.FramesForwarded, 1)
	return nil
}

func (r *Recorder) progress() {
	if r.opts.OnProgress == nil {
		return
	}
	now := time.Now()
	if now.Sub(r.lastProgress) < progressInterval {
		return
	}
	r.lastProgress = now
	r.opts.OnProgress(Progress{
		Frames:   r.frames,
		Recorded: r.flags.Recorded(),
		Dropped:  r.src.Dropped(),
		Stale:    r.stale.skipped,
		Timeouts: r.timeouts,
	})
}
