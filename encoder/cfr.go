package encoder

import "time"

// maxPadSeconds caps how many seconds of repeated frames a single late frame
// may produce.
const maxPadSeconds = 5

// cfrPadder maps timestamped frames onto a constant-rate output. Each frame
// fills every output slot from the last written slot up to its own.
type cfrPadder struct {
	fps     int
	next    int64
	written int64
}

func newCFRPadder(fps int) *cfrPadder {
	if fps <= 0 {
		fps = 30
	}
	return &cfrPadder{fps: fps}
}

// slot is the output frame index nearest to ts.
func (c *cfrPadder) slot(ts time.Duration) int64 {
	if ts < 0 {
		return 0
	}
	return (int64(ts)*int64(c.fps) + int64(time.Second)/2) / int64(time.Second)
}

// Repeat returns how many times the frame stamped ts must be written.
// Zero means the frame arrived for a slot that is already filled.
func (c *cfrPadder) Repeat(ts time.Duration) int {
	idx := c.slot(ts)
	if idx < c.next {
		return 0
	}
	n := idx - c.next + 1
	if limit := int64(c.fps * maxPadSeconds); n > limit {
		n = limit
	}
	c.next = idx + 1
	c.written += n
	return int(n)
}

// Written is the number of output frames produced so far.
func (c *cfrPadder) Written() int64 { return c.written }

// Duration is the media duration of the frames produced so far.
func (c *cfrPadder) Duration() time.Duration {
	return time.Duration(c.written) * time.Second / time.Duration(c.fps)
}
