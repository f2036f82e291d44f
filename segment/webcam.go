package segment

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"go2tv.app/screenrec/clock"
	"go2tv.app/screenrec/internal/logging"
	"go2tv.app/screenrec/internal/processutil"
)

const defaultWebcamQueue = 8

// WebcamOptions configures a camera capture through ffmpeg.
type WebcamOptions struct {
	FFmpegPath string
	// Device is platform specific: /dev/video0, an avfoundation index or a
	// dshow device name.
	Device    string
	Width     int
	Height    int
	FrameRate int
	QueueSize int
	Logger    *zap.Logger
}

func normalizeWebcamOptions(o WebcamOptions) WebcamOptions {
	if o.FFmpegPath == "" {
		o.FFmpegPath = "ffmpeg"
	}
	if o.Device == "" {
		switch runtime.GOOS {
		case "darwin":
			o.Device = "0"
		case "windows":
			o.Device = "video=Integrated Camera"
		default:
			o.Device = "/dev/video0"
		}
	}
	if o.Width <= 0 || o.Height <= 0 {
		o.Width, o.Height = 640, 360
	}
	if o.FrameRate <= 0 {
		o.FrameRate = 30
	}
	if o.QueueSize <= 0 {
		o.QueueSize = defaultWebcamQueue
	}
	return o
}

func inputFormat(goos string) string {
	switch goos {
	case "darwin":
		return "avfoundation"
	case "windows":
		return "dshow"
	default:
		return "v4l2"
	}
}

// webcamArgs reads the camera and writes scaled BGRA frames to stdout.
func webcamArgs(o WebcamOptions, goos string) []string {
	fps := strconv.Itoa(o.FrameRate)
	return []string{
		"-hide_banner", "-loglevel", "error", "-nostdin",
		"-f", inputFormat(goos),
		"-framerate", fps,
		"-i", o.Device,
		"-an",
		"-vf", fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2,fps=%s", o.Width, o.Height, o.Width, o.Height, fps),
		"-pix_fmt", "bgra",
		"-f", "rawvideo",
		"pipe:1",
	}
}

// Webcam is an AuxSource backed by an ffmpeg camera capture. Frames are
// stamped on arrival with the perf counter when available.
type Webcam struct {
	opts   WebcamOptions
	log    *zap.Logger
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *processutil.TailBuffer
	now    func() time.Duration

	frames chan *AuxFrame
	done   chan struct{}

	errMu sync.Mutex
	err   error

	dropped   atomic.Int64
	lastDrop  atomic.Int64
	closing   atomic.Bool
	closeOnce sync.Once
}

// OpenWebcam starts the camera process.
func OpenWebcam(options WebcamOptions) (*Webcam, error) {
	o := normalizeWebcamOptions(options)
	if _, err := exec.LookPath(o.FFmpegPath); err != nil {
		return nil, fmt.Errorf("webcam: %w", err)
	}

	cmd := processutil.Command(o.FFmpegPath, webcamArgs(o, runtime.GOOS)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("webcam stdout: %w", err)
	}
	stderr := &processutil.TailBuffer{}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("webcam start: %w", err)
	}

	now := clock.MonoNow
	if _, ok := clock.PerfNow(); ok {
		now = func() time.Duration {
			d, _ := clock.PerfNow()
			return d
		}
	}

	w := &Webcam{
		opts:   o,
		log:    logging.OrNop(o.Logger).Named("webcam"),
		cmd:    cmd,
		stdout: stdout,
		stderr: stderr,
		now:    now,
		frames: make(chan *AuxFrame, o.QueueSize),
		done:   make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *Webcam) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(w.done)

	size := w.opts.Width * w.opts.Height * 4
	for {
		buf := make([]byte, size)
		if _, err := io.ReadFull(w.stdout, buf); err != nil {
			waitErr := w.cmd.Wait()
			if w.closing.Load() {
				w.setErr(ErrSourceClosed)
				return
			}
			w.setErr(fmt.Errorf("webcam ended: %w: %s", errors.Join(err, waitErr), w.stderr.Tail(300)))
			return
		}
		w.publish(&AuxFrame{Pix: buf, Width: w.opts.Width, Height: w.opts.Height, Timestamp: w.now()})
	}
}

// publish drops the oldest queued frame when the consumer lags.
func (w *Webcam) publish(f *AuxFrame) {
	for {
		select {
		case w.frames <- f:
			return
		default:
		}
		select {
		case <-w.frames:
			w.dropped.Add(1)
			if logging.Every(&w.lastDrop, 2*time.Second) {
				w.log.Debug("webcam frame dropped", zap.Int64("dropped", w.dropped.Load()))
			}
		default:
		}
	}
}

func (w *Webcam) setErr(err error) {
	w.errMu.Lock()
	defer w.errMu.Unlock()
	if w.err == nil {
		w.err = err
	}
}

// ErrSourceClosed is reported by Err after Close.
var ErrSourceClosed = errors.New("aux source closed")

// Next waits up to timeout for a frame. It returns false on timeout and
// once the source has ended and its queue is drained.
func (w *Webcam) Next(timeout time.Duration) (*AuxFrame, bool) {
	select {
	case f := <-w.frames:
		return f, true
	default:
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case f := <-w.frames:
		return f, true
	case <-w.done:
		return nil, false
	case <-t.C:
		return nil, false
	}
}

// Err reports why the source ended. Closing the source is not an error.
func (w *Webcam) Err() error {
	w.errMu.Lock()
	defer w.errMu.Unlock()
	if errors.Is(w.err, ErrSourceClosed) {
		return nil
	}
	return w.err
}

// Dropped counts frames discarded because the consumer lagged.
func (w *Webcam) Dropped() int64 { return w.dropped.Load() }

// Close kills the camera process and waits for the reader to exit.
func (w *Webcam) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.closing.Store(true)
		if w.cmd.Process != nil {
			if kerr := w.cmd.Process.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
				err = kerr
			}
		}
		select {
		case <-w.done:
		case <-time.After(2 * time.Second):
		}
	})
	return err
}
