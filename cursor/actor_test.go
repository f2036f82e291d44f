package cursor

import (
	"context"
	"image"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"go2tv.app/screenrec/clock"
	"go2tv.app/screenrec/control"
)

// scriptInput replays samples, repeating the last one.
type scriptInput struct {
	mu      sync.Mutex
	samples []Sample
	closed  bool
}

func (s *scriptInput) Sample() (Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.samples[0]
	if len(s.samples) > 1 {
		s.samples = s.samples[1:]
	}
	return cur, nil
}

func (s *scriptInput) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// scriptImages replays bitmaps, repeating the last one.
type scriptImages struct {
	mu     sync.Mutex
	images []*Image
	calls  int
}

func (s *scriptImages) Current() (*Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	cur := s.images[0]
	if len(s.images) > 1 {
		s.images = s.images[1:]
	}
	return cur, nil
}

func (s *scriptImages) Close() error { return nil }

type actorFixture struct {
	actor   *Actor
	flags   *control.Flags
	logPath string
	dir     string
}

func newActorFixture(t *testing.T, in Input, imgs ImageSource, flush time.Duration) *actorFixture {
	t.Helper()
	dir := t.TempDir()
	table, err := NewImageTable(filepath.Join(dir, "cursors"))
	if err != nil {
		t.Fatal(err)
	}
	flags := control.New(clock.NewEpoch())
	logPath := filepath.Join(dir, "cursor.json")
	a, err := NewActor(ActorOptions{
		Input:         in,
		Images:        imgs,
		Table:         table,
		Flags:         flags,
		LogPath:       logPath,
		Bounds:        func() image.Rectangle { return image.Rect(100, 50, 100+200, 50+100) },
		PollInterval:  time.Millisecond,
		FlushInterval: flush,
	})
	if err != nil {
		t.Fatal(err)
	}
	return &actorFixture{actor: a, flags: flags, logPath: logPath, dir: dir}
}

func (f *actorFixture) runFor(t *testing.T, d time.Duration) *Log {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- f.actor.Run(context.Background()) }()
	time.Sleep(d)
	f.flags.Stop()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("actor did not stop")
	}
	l, err := ReadLog(f.logPath)
	if err != nil {
		t.Fatalf("ReadLog: %v", err)
	}
	return l
}

func TestActorDeduplicatesRepeatedBitmap(t *testing.T) {
	t.Parallel()

	// K polls of the same bitmap bytes with a move each time.
	const k = 20
	samples := make([]Sample, k)
	images := make([]*Image, k)
	for i := range samples {
		samples[i] = Sample{X: 100 + i, Y: 50}
		images[i] = solidImage(12, 12, 0x80)
	}
	f := newActorFixture(t, &scriptInput{samples: samples}, &scriptImages{images: images}, time.Hour)
	l := f.runFor(t, 200*time.Millisecond)

	if len(l.Cursors) != 1 {
		t.Fatalf("cursors = %d, want 1", len(l.Cursors))
	}
	entries, err := os.ReadDir(filepath.Join(f.dir, "cursors"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("%d bitmap files, want 1", len(entries))
	}
	if len(l.Moves) != k {
		t.Fatalf("moves = %d, want %d", len(l.Moves), k)
	}
	for _, m := range l.Moves {
		if m.CursorID != l.Cursors[0].ID {
			t.Fatalf("move references cursor %d, want %d", m.CursorID, l.Cursors[0].ID)
		}
	}
	if l.Moves[0].X != 0 || l.Moves[0].Y != 0 {
		t.Errorf("first move = (%v,%v), want (0,0) at the area origin", l.Moves[0].X, l.Moves[0].Y)
	}
	// Sample 10 is (110,50): 10px into a 200px wide area.
	if l.Moves[10].X != 0.05 || l.Moves[10].Y != 0 {
		t.Errorf("move 10 = (%v,%v), want (0.05,0)", l.Moves[10].X, l.Moves[10].Y)
	}
}

func TestActorEventsAreOrderedAndTransitional(t *testing.T) {
	t.Parallel()

	samples := []Sample{
		{X: 10, Y: 10},
		{X: 10, Y: 10},
		{X: 12, Y: 10},
		{X: 12, Y: 10, Buttons: ButtonLeft},
		{X: 12, Y: 10, Buttons: ButtonLeft},
		{X: 14, Y: 11, Buttons: ButtonLeft | ButtonRight},
		{X: 14, Y: 11},
		{X: 14, Y: 11},
	}
	arrow := solidImage(8, 8, 1)
	hand := solidImage(8, 8, 2)
	images := []*Image{arrow, arrow, arrow, arrow, hand, hand, hand, hand}

	f := newActorFixture(t, &scriptInput{samples: samples}, &scriptImages{images: images}, time.Hour)
	l := f.runFor(t, 100*time.Millisecond)

	if len(l.Moves) != 3 {
		t.Errorf("moves = %d, want 3 (position changes only): %+v", len(l.Moves), l.Moves)
	}
	wantClicks := []struct {
		button  string
		pressed bool
		cursor  int
	}{
		{"left", true, 0},
		{"right", true, 1},
		{"left", false, 1},
		{"right", false, 1},
	}
	if len(l.Clicks) != len(wantClicks) {
		t.Fatalf("clicks = %+v", l.Clicks)
	}
	for i, w := range wantClicks {
		c := l.Clicks[i]
		if c.Button != w.button || c.Pressed != w.pressed || c.CursorID != w.cursor {
			t.Errorf("click %d = %+v, want %+v", i, c, w)
		}
	}
	// The shape changed without a move; the next event still sees it.
	if got := l.Moves[len(l.Moves)-1].CursorID; got != 1 {
		t.Errorf("last move cursor = %d, want 1", got)
	}

	moveTimes := make([]float64, len(l.Moves))
	for i, m := range l.Moves {
		moveTimes[i] = m.TimeMS
	}
	clickTimes := make([]float64, len(l.Clicks))
	for i, c := range l.Clicks {
		clickTimes[i] = c.TimeMS
	}
	if !sort.Float64sAreSorted(moveTimes) {
		t.Errorf("move times not monotonic: %v", moveTimes)
	}
	if !sort.Float64sAreSorted(clickTimes) {
		t.Errorf("click times not monotonic: %v", clickTimes)
	}
}

func TestActorFlushesPeriodically(t *testing.T) {
	t.Parallel()

	in := &scriptInput{samples: []Sample{{X: 1, Y: 1}, {X: 2, Y: 2}}}
	f := newActorFixture(t, in, nil, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- f.actor.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if l, err := ReadLog(f.logPath); err == nil && len(l.Moves) == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("log was not flushed while running")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	l, err := ReadLog(f.logPath)
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range l.Moves {
		if m.CursorID != NoCursor {
			t.Errorf("cursor id = %d without an image source, want %d", m.CursorID, NoCursor)
		}
	}
	if l.Clicks == nil || l.Cursors == nil {
		t.Error("empty lists must be written as [] not null")
	}
}

func TestActorSkipsPollsWhilePaused(t *testing.T) {
	t.Parallel()

	in := &scriptInput{samples: []Sample{{X: 1, Y: 1}}}
	imgs := &scriptImages{images: []*Image{solidImage(4, 4, 9)}}
	f := newActorFixture(t, in, imgs, time.Hour)
	f.flags.Pause()

	l := f.runFor(t, 50*time.Millisecond)
	if len(l.Moves) != 0 || len(l.Clicks) != 0 {
		t.Errorf("events recorded while paused: %+v", l)
	}
	imgs.mu.Lock()
	calls := imgs.calls
	imgs.mu.Unlock()
	if calls != 0 {
		t.Errorf("image source polled %d times while paused", calls)
	}
}

func TestNewActorValidates(t *testing.T) {
	t.Parallel()

	if _, err := NewActor(ActorOptions{}); err == nil {
		t.Error("expected error for empty options")
	}
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	b := image.Rect(1920, 0, 1920+1280, 720)
	cases := []struct {
		s    Sample
		x, y float64
	}{
		{Sample{X: 1920, Y: 0}, 0, 0},
		{Sample{X: 1920 + 640, Y: 360}, 0.5, 0.5},
		{Sample{X: 1920 + 1280, Y: 720}, 1, 1},
		// Outside the area to the left, on another display.
		{Sample{X: 1920 - 320, Y: 180}, -0.25, 0.25},
	}
	for _, c := range cases {
		if x, y := normalize(c.s, b); x != c.x || y != c.y {
			t.Errorf("normalize(%+v) = (%v,%v), want (%v,%v)", c.s, x, y, c.x, c.y)
		}
	}
	if x, y := normalize(Sample{X: 5, Y: 5}, image.Rectangle{}); x != 0 || y != 0 {
		t.Errorf("empty bounds = (%v,%v), want (0,0)", x, y)
	}
}
