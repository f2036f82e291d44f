// Package control holds the only mutable state shared between the
// orchestrator and the capture producers: the pause and stop flags and the
// pause accumulator.
//
// The orchestrator is the single writer. Producers receive the same *Flags at
// construction and only read it.
package control

import (
	"sync"
	"sync/atomic"
	"time"

	"go2tv.app/screenrec/clock"
)

// Flags is the shared pause/stop contract for one recording.
type Flags struct {
	epoch   clock.Epoch
	paused  atomic.Bool
	stopped atomic.Bool
	pauses  PauseAccumulator

	// now reads the epoch timeline; overridden in tests.
	now func() time.Duration
}

// New returns flags bound to epoch. Recorded durations are measured from the
// epoch instant.
func New(epoch clock.Epoch) *Flags {
	return &Flags{epoch: epoch, now: epoch.Now}
}

// NewWithClock is New with a custom timeline reader. now must be monotonic
// non-decreasing; it lets tests drive pause accounting deterministically.
func NewWithClock(epoch clock.Epoch, now func() time.Duration) *Flags {
	if now == nil {
		now = epoch.Now
	}
	return &Flags{epoch: epoch, now: now}
}

// Epoch returns the epoch the flags were built with.
func (f *Flags) Epoch() clock.Epoch { return f.epoch }

// Paused reports whether the recording is currently paused.
func (f *Flags) Paused() bool { return f.paused.Load() }

// Stopped reports whether stop (or cancel) has been requested.
func (f *Flags) Stopped() bool { return f.stopped.Load() }

// Pause marks the recording paused. It returns false if already paused.
func (f *Flags) Pause() bool {
	if !f.paused.CompareAndSwap(false, true) {
		return false
	}
	f.pauses.Begin(f.now())
	return true
}

// Resume clears the pause flag and folds the pause into the accumulator. It
// returns the length of the pause that just ended, or false if not paused.
func (f *Flags) Resume() (time.Duration, bool) {
	if !f.paused.Load() {
		return 0, false
	}
	d := f.pauses.End(f.now())
	f.paused.Store(false)
	return d, true
}

// Stop sets the stop flag. Idempotent.
func (f *Flags) Stop() { f.stopped.Store(true) }

// Elapsed is the raw time since the epoch.
func (f *Flags) Elapsed() time.Duration { return f.now() }

// PausedTotal is the accumulated pause time, including a pause in progress.
func (f *Flags) PausedTotal() time.Duration { return f.pauses.Total(f.now()) }

// Recorded is the position on the recording timeline: elapsed time minus all
// paused time. It does not advance while paused.
func (f *Flags) Recorded() time.Duration {
	now := f.now()
	return f.pauses.Recorded(now)
}

// RecordedTicks is [Flags.Recorded] in 100ns ticks.
func (f *Flags) RecordedTicks() clock.Ticks { return clock.ToTicks(f.Recorded()) }

// PauseAccumulator sums wall time spent paused. Instants are positions on the
// epoch timeline.
type PauseAccumulator struct {
	mu      sync.Mutex
	total   time.Duration
	started time.Duration
	active  bool
}

// Begin records the start of a pause at now. A second Begin without End is
// ignored.
func (p *PauseAccumulator) Begin(now time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active {
		return
	}
	p.active = true
	p.started = now
}

// End closes the pause begun by Begin and returns its length.
func (p *PauseAccumulator) End(now time.Duration) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.active {
		return 0
	}
	d := now - p.started
	if d < 0 {
		d = 0
	}
	p.total += d
	p.active = false
	return d
}

// Total returns completed pause time plus the running pause, if any.
func (p *PauseAccumulator) Total(now time.Duration) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active && now > p.started {
		return p.total + now - p.started
	}
	return p.total
}

// Recorded returns elapsed minus Total(elapsed), never negative.
func (p *PauseAccumulator) Recorded(elapsed time.Duration) time.Duration {
	d := elapsed - p.Total(elapsed)
	if d < 0 {
		return 0
	}
	return d
}
