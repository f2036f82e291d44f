package segment

import (
	"testing"
	"time"
)

func TestDriftTrackerAnchorsOnFirstSample(t *testing.T) {
	d := NewDriftTracker()
	if got := d.Correct(42*time.Second, 100*time.Millisecond); got != 100*time.Millisecond {
		t.Fatalf("got %s, want 100ms", got)
	}
	if got := d.Correct(42*time.Second+33*time.Millisecond, 133*time.Millisecond); got != 133*time.Millisecond {
		t.Fatalf("got %s, want 133ms", got)
	}
}

func TestDriftTrackerAbsorbsFastDeviceClock(t *testing.T) {
	d := NewDriftTracker()
	const step = 33 * time.Millisecond
	var worst time.Duration
	for i := 0; i < 2000; i++ {
		ref := time.Duration(i) * step
		device := 3*time.Second + ref + ref/100 // 1% fast
		got := d.Correct(device, ref)
		diff := got - ref
		if diff < 0 {
			diff = -diff
		}
		if i > 200 && diff > worst {
			worst = diff
		}
	}
	if worst > 20*time.Millisecond {
		t.Fatalf("steady-state error %s exceeds 20ms", worst)
	}
}

func TestDriftTrackerResyncsOnJump(t *testing.T) {
	d := NewDriftTracker()
	d.Correct(time.Second, 0)
	d.Correct(time.Second+100*time.Millisecond, 100*time.Millisecond)
	// Device clock jumps two seconds ahead.
	got := d.Correct(3*time.Second+200*time.Millisecond, 200*time.Millisecond)
	if got != 200*time.Millisecond {
		t.Fatalf("got %s, want 200ms", got)
	}
}

func TestDriftTrackerStaysMonotonic(t *testing.T) {
	d := NewDriftTracker()
	first := d.Correct(time.Second, time.Second)
	d.Reset()
	second := d.Correct(0, 500*time.Millisecond)
	if second <= first {
		t.Fatalf("second %s not after first %s", second, first)
	}
}
