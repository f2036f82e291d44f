// Package clock ties the independent clocks of the capture producers to one
// recording timeline.
//
// An [Epoch] is captured exactly once per recording. It records, at a single
// instant, the monotonic clock, the wall clock and (where the platform has
// one) a raw hardware performance counter. Producers stamp their data in
// whatever [Domain] their backend natively reports and the orchestrator
// projects those stamps through the shared epoch. Two epochs taken for the
// same recording make all downstream timestamps incomparable.
package clock

import (
	"fmt"
	"time"
)

// Domain identifies the native clock a timestamp was read from.
type Domain uint8

const (
	// Monotonic stamps are nanoseconds on the process monotonic clock, as
	// returned by [MonoNow].
	Monotonic Domain = iota

	// Wall stamps are Unix nanoseconds.
	Wall

	// Perf stamps are nanoseconds on the raw hardware counter, as returned by
	// [PerfNow].
	Perf
)

func (d Domain) String() string {
	switch d {
	case Monotonic:
		return "monotonic"
	case Wall:
		return "wall"
	case Perf:
		return "perf"
	default:
		return fmt.Sprintf("domain(%d)", uint8(d))
	}
}

// Stamp is a timestamp in a native clock domain.
type Stamp struct {
	Domain Domain
	Nanos  int64
}

// MonoStamp returns the current instant in the Monotonic domain.
func MonoStamp() Stamp { return Stamp{Domain: Monotonic, Nanos: int64(MonoNow())} }

// WallStamp converts t to a Wall stamp.
func WallStamp(t time.Time) Stamp { return Stamp{Domain: Wall, Nanos: t.UnixNano()} }

// processBase anchors the Monotonic domain. time.Time values created by
// time.Now carry a monotonic reading, so differences against it never jump.
var processBase = time.Now()

// MonoNow returns the time elapsed on the monotonic clock since process start.
func MonoNow() time.Duration {
	return time.Since(processBase)
}

// Ticks is a 100ns-resolution position on the recording timeline.
type Ticks int64

// TicksPerSecond is the number of Ticks in one second.
const TicksPerSecond Ticks = 10_000_000

// ToTicks converts a duration to Ticks, truncating below 100ns.
func ToTicks(d time.Duration) Ticks { return Ticks(d / 100) }

// Duration converts t back to a time.Duration.
func (t Ticks) Duration() time.Duration { return time.Duration(t) * 100 }

// Milliseconds returns t as fractional milliseconds.
func (t Ticks) Milliseconds() float64 { return float64(t) / 10_000 }

// Epoch is one correlated snapshot of every clock domain. The zero value is
// not usable; construct with [NewEpoch].
type Epoch struct {
	mono    time.Duration
	wall    time.Time
	perf    time.Duration
	hasPerf bool
}

// NewEpoch reads every available clock back to back. The monotonic and wall
// references come from the same time.Now call.
func NewEpoch() Epoch {
	perf, ok := PerfNow()
	now := time.Now()
	return Epoch{
		mono:    now.Sub(processBase),
		wall:    now.Round(0),
		perf:    perf,
		hasPerf: ok,
	}
}

// Wall returns the wall-clock instant of the epoch.
func (e Epoch) Wall() time.Time { return e.wall }

// HasPerf reports whether the epoch carries a perf-counter reference.
func (e Epoch) HasPerf() bool { return e.hasPerf }

// Now returns the current position on the epoch's timeline. It only reads
// the monotonic clock.
func (e Epoch) Now() time.Duration {
	return MonoNow() - e.mono
}

// Project maps s onto the epoch's timeline. The result is negative for
// instants before the epoch. ok is false when s is in the Perf domain and the
// epoch has no perf reference.
func (e Epoch) Project(s Stamp) (d time.Duration, ok bool) {
	switch s.Domain {
	case Monotonic:
		return time.Duration(s.Nanos) - e.mono, true
	case Wall:
		return time.Duration(s.Nanos - e.wall.UnixNano()), true
	case Perf:
		if !e.hasPerf {
			return 0, false
		}
		return time.Duration(s.Nanos) - e.perf, true
	default:
		return 0, false
	}
}

// String implements fmt.Stringer for diagnostics.
func (e Epoch) String() string {
	if e.hasPerf {
		return fmt.Sprintf("epoch(wall=%s mono=%s perf=%s)", e.wall.Format(time.RFC3339Nano), e.mono, e.perf)
	}
	return fmt.Sprintf("epoch(wall=%s mono=%s)", e.wall.Format(time.RFC3339Nano), e.mono)
}
