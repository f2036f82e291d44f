package capture

import (
	"errors"
	"image"
	"sync"
	"testing"
	"time"
)

func TestNormalizeOptions(t *testing.T) {
	t.Parallel()

	opts := normalizeOptions(nil)
	if opts.FrameRate != defaultFrameRate || opts.QueueSize != defaultQueueSize {
		t.Errorf("defaults = %+v", opts)
	}
	if opts.Backend != BackendAuto || opts.GStreamer != "gst-launch-1.0" || opts.Logger == nil {
		t.Errorf("defaults = %+v", opts)
	}

	opts = normalizeOptions(&Options{FrameRate: 60, QueueSize: 4, Backend: BackendScreenshot})
	if opts.FrameRate != 60 || opts.QueueSize != 4 || opts.Backend != BackendScreenshot {
		t.Errorf("explicit options not kept: %+v", opts)
	}

	opts = normalizeOptions(&Options{FrameRate: 2_000_000_000})
	if opts.FrameRate != maxFrameRate {
		t.Errorf("frame rate = %d, want %d", opts.FrameRate, maxFrameRate)
	}
}

func TestTargetString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		target Target
		want   string
	}{
		{DisplayTarget(1), "display:1"},
		{RegionTarget(image.Rect(10, 20, 110, 70)), "region:10,20,100x50"},
		{WindowTarget(0x3a00007), "window:0x3a00007"},
	}
	for _, tt := range tests {
		if got := tt.target.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestOpenRejectsUnknownBackend(t *testing.T) {
	t.Parallel()

	_, err := Open(DisplayTarget(0), &Options{Backend: "vnc"})
	if !errors.Is(err, ErrInvalidTarget) {
		t.Fatalf("err = %v, want ErrInvalidTarget", err)
	}
}

// scriptedSource delivers frames after a delay, then reports err.
type scriptedSource struct {
	mu     sync.Mutex
	frames []*Frame
	delay  time.Duration
	start  time.Time
	err    error
}

func (s *scriptedSource) NextFrame(timeout time.Duration) (*Frame, bool) {
	s.mu.Lock()
	ready := time.Since(s.start) >= s.delay && len(s.frames) > 0
	var f *Frame
	if ready {
		f, s.frames = s.frames[0], s.frames[1:]
	}
	s.mu.Unlock()
	if ready {
		return f, true
	}
	time.Sleep(min(timeout, 5*time.Millisecond))
	return nil, false
}

func (s *scriptedSource) Width() int              { return 0 }
func (s *scriptedSource) Height() int             { return 0 }
func (s *scriptedSource) Bounds() image.Rectangle { return image.Rectangle{} }
func (s *scriptedSource) Format() PixelFormat     { return PixelFormatBGRA }
func (s *scriptedSource) Dropped() uint64         { return 0 }
func (s *scriptedSource) Close() error            { return nil }
func (s *scriptedSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func TestWaitFirstFrame(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{
		frames: []*Frame{{Width: 640, Height: 360}},
		delay:  30 * time.Millisecond,
		start:  time.Now(),
	}
	f, err := WaitFirstFrame(src, time.Second)
	if err != nil {
		t.Fatalf("WaitFirstFrame: %v", err)
	}
	if f.Width != 640 || f.Height != 360 {
		t.Errorf("frame = %dx%d", f.Width, f.Height)
	}
}

func TestWaitFirstFrameTimeout(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{start: time.Now()}
	start := time.Now()
	if _, err := WaitFirstFrame(src, 50*time.Millisecond); err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("timeout took %s", elapsed)
	}
}

func TestWaitFirstFrameBackendError(t *testing.T) {
	t.Parallel()

	boom := errors.New("permission denied")
	src := &scriptedSource{start: time.Now(), err: boom}
	if _, err := WaitFirstFrame(src, 5*time.Second); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
}
