package recorder

import (
	"testing"
	"time"

	"go2tv.app/screenrec/clock"
)

func TestStaleFilter(t *testing.T) {
	epoch := clock.NewEpoch()
	start := 200 * time.Millisecond
	at := func(d time.Duration) clock.Stamp {
		return clock.Stamp{Domain: clock.Wall, Nanos: epoch.Wall().Add(d).UnixNano()}
	}

	f := newStaleFilter(epoch, start, 3)
	if f.admit(testFrame(at(100 * time.Millisecond))) {
		t.Fatal("admitted frame from before start")
	}
	if !f.admit(testFrame(at(250 * time.Millisecond))) {
		t.Fatal("rejected fresh frame")
	}
	// Once a frame is through, later timestamps are not checked.
	if !f.admit(testFrame(at(0))) {
		t.Fatal("stale check still active after first frame")
	}
	if f.exhausted() {
		t.Fatal("budget reported exhausted")
	}

	f = newStaleFilter(epoch, start, 2)
	f.admit(testFrame(at(0)))
	f.admit(testFrame(at(0)))
	if !f.exhausted() {
		t.Fatal("budget not exhausted after two skips")
	}
	if !f.admit(testFrame(at(0))) {
		t.Fatal("stale frame rejected after budget ran out")
	}

	f = newStaleFilter(epoch, start, 0)
	if !f.admit(testFrame(at(0))) {
		t.Fatal("disabled filter rejected a frame")
	}

	// Stamps that cannot be projected are forwarded.
	f = newStaleFilter(epoch, start, 3)
	if !f.admit(testFrame(clock.Stamp{Domain: clock.Domain(99)})) {
		t.Fatal("unprojectable stamp rejected")
	}
}
