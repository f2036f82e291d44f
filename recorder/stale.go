package recorder

import (
	"time"

	"go2tv.app/screenrec/capture"
	"go2tv.app/screenrec/clock"
)

// staleFilter drops frames captured before the recording began. It only
// applies until the first frame is admitted, and gives up after budget
// skips so a backend with a skewed clock still records.
type staleFilter struct {
	epoch   clock.Epoch
	start   time.Duration
	budget  int
	skipped int
	done    bool
}

func newStaleFilter(epoch clock.Epoch, start time.Duration, budget int) staleFilter {
	return staleFilter{epoch: epoch, start: start, budget: budget, done: budget <= 0}
}

// admit reports whether f may be forwarded.
func (s *staleFilter) admit(f *capture.Frame) bool {
	if s.done {
		return true
	}
	if at, ok := s.epoch.Project(f.Timestamp); ok && at < s.start {
		s.skipped++
		if s.skipped >= s.budget {
			s.done = true
		}
		return false
	}
	s.done = true
	return true
}

// exhausted reports whether the budget ran out before a fresh frame.
func (s *staleFilter) exhausted() bool {
	return s.budget > 0 && s.skipped >= s.budget
}
