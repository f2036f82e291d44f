//go:build !linux

package clock

import "time"

// PerfNow reports no perf counter on platforms without a raw hardware clock
// exposed through x/sys.
func PerfNow() (time.Duration, bool) {
	return 0, false
}
