//go:build linux

package clock

import (
	"time"

	"golang.org/x/sys/unix"
)

// PerfNow reads CLOCK_MONOTONIC_RAW, the clock V4L2 and ALSA use for hardware
// buffer timestamps. It is not slewed by NTP.
func PerfNow() (time.Duration, bool) {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC_RAW, &ts); err != nil {
		return 0, false
	}
	return time.Duration(ts.Nano()), true
}
