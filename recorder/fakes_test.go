package recorder

import (
	"context"
	"errors"
	"image"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go2tv.app/screenrec/audio"
	"go2tv.app/screenrec/capture"
	"go2tv.app/screenrec/clock"
	"go2tv.app/screenrec/cursor"
	"go2tv.app/screenrec/segment"
)

const (
	testWidth  = 4
	testHeight = 2
)

func testFrame(ts clock.Stamp) *capture.Frame {
	return &capture.Frame{
		Pix:       make([]byte, testWidth*testHeight*4),
		Width:     testWidth,
		Height:    testHeight,
		Stride:    testWidth * 4,
		Format:    capture.PixelFormatBGRA,
		Timestamp: ts,
	}
}

// staleFrame is stamped well before any epoch built by the test.
func staleFrame() *capture.Frame {
	return testFrame(clock.Stamp{Domain: clock.Monotonic, Nanos: int64(clock.MonoNow() - time.Hour)})
}

type scriptItem struct {
	frame   *capture.Frame
	timeout bool
}

// fakeSource replays script, then generates fresh frames. fresh < 0 means
// unlimited.
type fakeSource struct {
	mu     sync.Mutex
	script []scriptItem
	fresh  int
	err    error
	closed atomic.Bool
}

func (s *fakeSource) NextFrame(timeout time.Duration) (*capture.Frame, bool) {
	s.mu.Lock()
	if len(s.script) > 0 {
		it := s.script[0]
		s.script = s.script[1:]
		s.mu.Unlock()
		if it.timeout {
			time.Sleep(timeout)
			return nil, false
		}
		return it.frame, true
	}
	if s.fresh != 0 {
		if s.fresh > 0 {
			s.fresh--
		}
		s.mu.Unlock()
		return testFrame(clock.MonoStamp()), true
	}
	s.mu.Unlock()
	time.Sleep(timeout)
	return nil, false
}

// push queues frames as if captured while the consumer was not reading.
func (s *fakeSource) push(frames ...*capture.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range frames {
		s.script = append(s.script, scriptItem{frame: f})
	}
}

func (s *fakeSource) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.script)
}

func (s *fakeSource) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
	s.fresh = 0
}

func (s *fakeSource) Width() int                  { return testWidth }
func (s *fakeSource) Height() int                 { return testHeight }
func (s *fakeSource) Bounds() image.Rectangle     { return image.Rect(100, 50, 100+testWidth, 50+testHeight) }
func (s *fakeSource) Format() capture.PixelFormat { return capture.PixelFormatBGRA }
func (s *fakeSource) Dropped() uint64             { return 0 }
func (s *fakeSource) Close() error                { s.closed.Store(true); return nil }

func (s *fakeSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

type fakeSink struct {
	mu      sync.Mutex
	stamps  []time.Duration
	failAt  int
	closed  bool
	openErr error
}

func (s *fakeSink) WriteFrame(pix []byte, ts time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAt > 0 && len(s.stamps) >= s.failAt {
		return errors.New("ffmpeg exited")
	}
	s.stamps = append(s.stamps, ts)
	return nil
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stamps)
}

func (s *fakeSink) timestamps() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.stamps...)
}

// fakeDevice delivers samples in real time after Start.
type fakeDevice struct {
	format    audio.Format
	failAfter time.Duration

	mu    sync.Mutex
	buf   []float32
	err   error
	ready chan struct{}
	stop  chan struct{}
	once  sync.Once
}

func newFakeDevice(format audio.Format) *fakeDevice {
	return &fakeDevice{format: format, ready: make(chan struct{}, 1), stop: make(chan struct{})}
}

func (d *fakeDevice) Format() audio.Format { return d.format }

func (d *fakeDevice) Start() error {
	go func() {
		start := time.Now()
		var pushed int64
		tick := time.NewTicker(5 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-d.stop:
				return
			case <-tick.C:
			}
			elapsed := time.Since(start)
			d.mu.Lock()
			if d.failAfter > 0 && elapsed > d.failAfter {
				d.err = audio.ErrDeviceStopped
				d.mu.Unlock()
				d.signal()
				return
			}
			target := d.format.FramesIn(elapsed)
			n := int(target-pushed) * int(d.format.Channels)
			for i := 0; i < n; i++ {
				d.buf = append(d.buf, 0.25)
			}
			pushed = target
			d.mu.Unlock()
			d.signal()
		}
	}()
	return nil
}

func (d *fakeDevice) signal() {
	select {
	case d.ready <- struct{}{}:
	default:
	}
}

func (d *fakeDevice) Wait(timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-d.ready:
		return true
	case <-t.C:
		return false
	}
}

func (d *fakeDevice) Drain(dst []float32) ([]float32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dst = append(dst, d.buf...)
	d.buf = d.buf[:0]
	return dst, d.err
}

func (d *fakeDevice) Close() error {
	d.once.Do(func() { close(d.stop) })
	return nil
}

type fakeInput struct {
	n      atomic.Int64
	closed atomic.Bool
}

func (in *fakeInput) Sample() (cursor.Sample, error) {
	n := int(in.n.Add(1))
	return cursor.Sample{X: 100 + n%7, Y: 60}, nil
}

func (in *fakeInput) Close() error { in.closed.Store(true); return nil }

type fakeImages struct{}

func (fakeImages) Current() (*cursor.Image, error) {
	return &cursor.Image{Width: 1, Height: 1, Pix: []byte{0, 0, 0, 255}, Serial: 1}, nil
}
func (fakeImages) Close() error { return nil }

// fakeCamera emits a frame every 10ms on a skewed device clock.
type fakeCamera struct {
	closed atomic.Bool
}

func (c *fakeCamera) Next(timeout time.Duration) (*segment.AuxFrame, bool) {
	time.Sleep(10 * time.Millisecond)
	if c.closed.Load() {
		return nil, false
	}
	return &segment.AuxFrame{Pix: []byte{1, 2, 3, 4}, Width: 1, Height: 1, Timestamp: clock.MonoNow() + 5*time.Second}, true
}
func (c *fakeCamera) Err() error   { return nil }
func (c *fakeCamera) Close() error { c.closed.Store(true); return nil }

type fileFragment struct{ f *os.File }

func (w fileFragment) WriteFrame(pix []byte, ts time.Duration) error {
	_, err := w.f.Write(pix)
	return err
}
func (w fileFragment) Close() error { return w.f.Close() }

func newFileFragment(path string, width, height int) (segment.FragmentWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return fileFragment{f: f}, nil
}

// harness wires every hook to fakes.
type harness struct {
	t         *testing.T
	opts      Options
	src       *fakeSource
	sink      *fakeSink
	devMu     sync.Mutex
	devices   map[audio.Kind]*fakeDevice
	input     *fakeInput
	camera    *fakeCamera
	artifacts chan Artifacts
	states    chan State
	audioErr  error
	inhibited atomic.Bool
	released  atomic.Bool
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:         t,
		src:       &fakeSource{script: []scriptItem{{frame: testFrame(clock.MonoStamp())}}, fresh: -1},
		sink:      &fakeSink{},
		devices:   map[audio.Kind]*fakeDevice{},
		input:     &fakeInput{},
		camera:    &fakeCamera{},
		artifacts: make(chan Artifacts, 1),
		states:    make(chan State, 32),
	}
	h.opts = Options{
		Target:              capture.DisplayTarget(0),
		OutputDir:           t.TempDir(),
		FrameRate:           50,
		FirstFrameTimeout:   time.Second,
		StaleBudget:         defaultStaleBudget,
		CursorPollInterval:  5 * time.Millisecond,
		CursorFlushInterval: time.Hour,
		SegmentDuration:     100 * time.Millisecond,
		InhibitIdle:         true,
		OnState: func(s State) {
			select {
			case h.states <- s:
			default:
			}
		},
		Hooks: Hooks{
			OpenSource: func(capture.Target, *capture.Options) (capture.Source, error) { return h.src, nil },
			OpenVideoSink: func(path string, width, height int, format capture.PixelFormat) (VideoSink, error) {
				if width != testWidth || height != testHeight {
					t.Errorf("sink sized %dx%d", width, height)
				}
				if h.sink.openErr != nil {
					return nil, h.sink.openErr
				}
				return h.sink, nil
			},
			OpenAudio: func(kind audio.Kind, device string, format audio.Format) (audio.Device, error) {
				h.devMu.Lock()
				defer h.devMu.Unlock()
				if h.audioErr != nil {
					return nil, h.audioErr
				}
				d, ok := h.devices[kind]
				if !ok {
					d = newFakeDevice(format)
					h.devices[kind] = d
				}
				return d, nil
			},
			OpenCursorInput:  func() (cursor.Input, error) { return h.input, nil },
			OpenCursorImages: func() (cursor.ImageSource, error) { return fakeImages{}, nil },
			OpenAux:          func() (segment.AuxSource, error) { return h.camera, nil },
			NewFragment:      newFileFragment,
			Inhibit: func(context.Context) (func() error, error) {
				h.inhibited.Store(true)
				return func() error { h.released.Store(true); return nil }, nil
			},
			Finalize: func(_ context.Context, a Artifacts) error {
				h.artifacts <- a
				return nil
			},
		},
	}
	return h
}

type runResult struct {
	res Result
	err error
}

// start runs Start and launches Run in the background.
func (h *harness) start() (*Recorder, chan Command, <-chan runResult) {
	h.t.Helper()
	r, err := New(h.opts)
	if err != nil {
		h.t.Fatalf("New: %v", err)
	}
	if err := r.Start(context.Background()); err != nil {
		h.t.Fatalf("Start: %v", err)
	}
	cmds := make(chan Command, 4)
	done := make(chan runResult, 1)
	go func() {
		res, err := r.Run(context.Background(), cmds)
		done <- runResult{res, err}
	}()
	return r, cmds, done
}

func wait(t *testing.T, done <-chan runResult) runResult {
	t.Helper()
	select {
	case rr := <-done:
		return rr
	case <-time.After(5 * time.Second):
		t.Fatal("recorder did not finish")
		return runResult{}
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
