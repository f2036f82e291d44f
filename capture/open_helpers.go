package capture

import (
	"fmt"
	"time"
)

// DefaultFirstFrameTimeout bounds WaitFirstFrame when no timeout is given.
const DefaultFirstFrameTimeout = 8 * time.Second

const firstFramePoll = 100 * time.Millisecond

// WaitFirstFrame blocks until src delivers a frame. Some backends only learn
// their dimensions from the first frame, so callers size their buffers from
// it. It fails if the backend stops or timeout elapses first.
func WaitFirstFrame(src Source, timeout time.Duration) (*Frame, error) {
	if timeout <= 0 {
		timeout = DefaultFirstFrameTimeout
	}
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("capture timed out waiting for first frame after %s", timeout)
		}
		if f, ok := src.NextFrame(min(remaining, firstFramePoll)); ok {
			return f, nil
		}
		if err := src.Err(); err != nil {
			return nil, fmt.Errorf("capture stopped before first frame: %w", err)
		}
	}
}
