package capture

import (
	"fmt"
	"image"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kbinani/screenshot"
	"go.uber.org/zap"

	"go2tv.app/screenrec/clock"
	"go2tv.app/screenrec/internal/logging"
)

// maxConsecutiveGrabErrors stops a polling source whose target is gone for
// good (a closed window, an unplugged display). Isolated failures below it
// are logged and skipped.
const maxConsecutiveGrabErrors = 90

// grabFunc captures one image and reports the absolute screen area it covers.
type grabFunc func() (*image.RGBA, image.Rectangle, error)

// pollSource runs grab at a fixed rate on a locked OS thread and publishes
// every image into a latest-wins queue.
type pollSource struct {
	queue    *frameQueue
	grab     grabFunc
	interval time.Duration
	log      *zap.Logger

	width  atomic.Int32
	height atomic.Int32

	mu     sync.Mutex
	bounds image.Rectangle
	err    error

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	lastErrLog atomic.Int64
}

func startPollSource(name string, initial image.Rectangle, grab grabFunc, opts Options, log *zap.Logger) *pollSource {
	s := &pollSource{
		queue:    newFrameQueue(name, opts.QueueSize, log, opts.Metrics),
		grab:     grab,
		interval: time.Second / time.Duration(opts.FrameRate),
		log:      logging.OrNop(log),
		bounds:   initial,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *pollSource) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(s.done)
	defer s.queue.Close()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}

		stamp := clock.MonoStamp()
		img, area, err := s.grab()
		if err != nil {
			failures++
			if failures >= maxConsecutiveGrabErrors {
				s.fail(fmt.Errorf("capture failed %d times in a row: %w", failures, err))
				return
			}
			if logging.Every(&s.lastErrLog, time.Second) {
				s.log.Warn("frame grab failed", zap.Error(err), zap.Int("consecutive", failures))
			}
			continue
		}
		failures = 0
		s.publish(img, area, stamp)
	}
}

func (s *pollSource) publish(img *image.RGBA, area image.Rectangle, stamp clock.Stamp) {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	s.width.Store(int32(w))
	s.height.Store(int32(h))
	s.mu.Lock()
	s.bounds = area
	s.mu.Unlock()

	s.queue.Publish(&Frame{
		Pix:       img.Pix,
		Width:     w,
		Height:    h,
		Stride:    img.Stride,
		Format:    PixelFormatRGBA,
		Timestamp: stamp,
	})
}

func (s *pollSource) fail(err error) {
	s.log.Error("capture stopped", zap.Error(err))
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

func (s *pollSource) NextFrame(timeout time.Duration) (*Frame, bool) {
	return s.queue.Next(timeout)
}

func (s *pollSource) Width() int          { return int(s.width.Load()) }
func (s *pollSource) Height() int         { return int(s.height.Load()) }
func (s *pollSource) Format() PixelFormat { return PixelFormatRGBA }
func (s *pollSource) Dropped() uint64     { return s.queue.Dropped() }

func (s *pollSource) Bounds() image.Rectangle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bounds
}

func (s *pollSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *pollSource) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		<-s.done
		s.mu.Lock()
		if s.err == nil {
			s.err = ErrClosed
		}
		s.mu.Unlock()
	})
	return nil
}

func openDisplay(index int, opts Options, log *zap.Logger) (Source, error) {
	d, err := displayByIndex(index, Displays())
	if err != nil {
		return nil, err
	}
	if err := probeGrab(d.Bounds); err != nil {
		return nil, err
	}
	grab := func() (*image.RGBA, image.Rectangle, error) {
		img, err := screenshot.CaptureRect(d.Bounds)
		return img, d.Bounds, err
	}
	return startPollSource("display", d.Bounds, grab, opts, log), nil
}

func openRegion(region image.Rectangle, opts Options, log *zap.Logger) (Source, error) {
	d, local, err := Locate(region, Displays())
	if err != nil {
		return nil, err
	}
	log.Debug("region located", zap.Int("display", d.Index), zap.Stringer("local", local))
	return openDisplayCrop(d, local, opts, log)
}

// openDisplayCrop grabs local, given in coordinates relative to display d.
func openDisplayCrop(d Display, local image.Rectangle, opts Options, log *zap.Logger) (Source, error) {
	abs := local.Add(d.Bounds.Min)
	if err := probeGrab(abs); err != nil {
		return nil, err
	}
	grab := func() (*image.RGBA, image.Rectangle, error) {
		img, err := screenshot.CaptureRect(abs)
		return img, abs, err
	}
	return startPollSource("region", abs, grab, opts, log), nil
}

// probeGrab surfaces permission and display server failures at construction
// instead of on the first tick.
func probeGrab(r image.Rectangle) error {
	if r.Empty() {
		return fmt.Errorf("%w: empty capture area", ErrInvalidTarget)
	}
	probe := image.Rect(r.Min.X, r.Min.Y, r.Min.X+1, r.Min.Y+1)
	if _, err := screenshot.CaptureRect(probe); err != nil {
		return fmt.Errorf("screen capture unavailable: %w", err)
	}
	return nil
}

var _ Source = (*pollSource)(nil)
