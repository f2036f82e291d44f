package segment

import "time"

const (
	defaultSlew   = 0.05
	defaultResync = 500 * time.Millisecond
)

// DriftTracker maps timestamps from a device clock onto the recording
// timeline. The offset between the two clocks is anchored on the first
// sample and then slewed toward the observed error, so a device clock that
// runs fast or slow is pulled back gradually instead of jumping.
type DriftTracker struct {
	// Slew is the fraction of the observed error absorbed per sample.
	Slew float64
	// Resync is the error beyond which the mapping re-anchors.
	Resync time.Duration

	anchored bool
	offset   float64
	last     time.Duration
	hasLast  bool
}

// NewDriftTracker returns a tracker with default slew and resync limits.
func NewDriftTracker() *DriftTracker {
	return &DriftTracker{Slew: defaultSlew, Resync: defaultResync}
}

// Correct maps device onto the timeline given reference, the timeline
// position observed when the sample arrived. Results strictly increase.
func (d *DriftTracker) Correct(device, reference time.Duration) time.Duration {
	if !d.anchored {
		d.offset = float64(reference - device)
		d.anchored = true
	}
	mapped := float64(device) + d.offset
	diff := float64(reference) - mapped
	if time.Duration(abs(diff)) > d.Resync {
		d.offset = float64(reference - device)
	} else {
		d.offset += diff * d.Slew
	}

	out := time.Duration(float64(device) + d.offset)
	if d.hasLast && out <= d.last {
		out = d.last + time.Microsecond
	}
	d.last = out
	d.hasLast = true
	return out
}

// Reset drops the anchor. The next sample re-anchors, still later than
// every earlier result.
func (d *DriftTracker) Reset() { d.anchored = false }

// Offset is the current device to timeline offset.
func (d *DriftTracker) Offset() time.Duration { return time.Duration(d.offset) }

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
