// Package encoder drives ffmpeg subprocesses: the raw-frame video encoder,
// the post-recording track mux and fragment concatenation.
package encoder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"go2tv.app/screenrec/framepool"
	"go2tv.app/screenrec/internal/logging"
	"go2tv.app/screenrec/internal/observe"
	"go2tv.app/screenrec/internal/processutil"
)

const (
	defaultFrameRate    = 30
	defaultCloseTimeout = 10 * time.Second
	defaultTrack        = "video"
)

// ErrClosed is returned by WriteFrame after Close.
var ErrClosed = errors.New("encoder closed")

// Options configures a raw-video encoding process.
type Options struct {
	FFmpegPath string
	Output     string
	// Format forces the ffmpeg muxer. Empty derives it from Output.
	Format      string
	Width       int
	Height      int
	PixelFormat string
	FrameRate   int
	// GOPSeconds is the keyframe interval. Fragments use one keyframe per
	// fragment start so they concatenate without re-encoding.
	GOPSeconds int
	// Input is the row order of frames handed to WriteFrame.
	Input        framepool.Orientation
	Plan         *Plan
	CloseTimeout time.Duration
	Track        string
	Logger       *zap.Logger
	Metrics      *observe.Metrics
}

func normalizeOptions(options *Options) (Options, error) {
	if options == nil {
		return Options{}, errors.New("nil options")
	}
	opts := *options
	if strings.TrimSpace(opts.FFmpegPath) == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if strings.TrimSpace(opts.Output) == "" {
		return Options{}, errors.New("output path is required")
	}
	if opts.Width <= 0 || opts.Height <= 0 {
		return Options{}, fmt.Errorf("invalid frame size %dx%d", opts.Width, opts.Height)
	}
	if opts.PixelFormat == "" {
		opts.PixelFormat = "bgra"
	}
	if opts.FrameRate <= 0 {
		opts.FrameRate = defaultFrameRate
	}
	if opts.GOPSeconds <= 0 {
		opts.GOPSeconds = 2
	}
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = defaultCloseTimeout
	}
	if opts.Track == "" {
		opts.Track = defaultTrack
	}
	if opts.Format == "" {
		opts.Format = formatFor(opts.Output)
	}
	opts.Logger = logging.OrNop(opts.Logger)
	return opts, nil
}

func formatFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ts":
		return "mpegts"
	case ".mkv":
		return "matroska"
	case ".mov":
		return "mov"
	default:
		return "mp4"
	}
}

// encodeArgs builds the ffmpeg command line for a raw frame pipe on stdin.
func encodeArgs(opts Options, plan Plan) []string {
	fps := strconv.Itoa(opts.FrameRate)
	args := []string{"-hide_banner", "-loglevel", "error", "-y"}
	if logging.DebugEnabled() {
		args = []string{"-hide_banner", "-loglevel", "verbose", "-y"}
	}
	args = append(args, plan.GlobalArgs...)
	args = append(args,
		"-f", "rawvideo",
		"-pix_fmt", strings.ToLower(opts.PixelFormat),
		"-s", fmt.Sprintf("%dx%d", opts.Width, opts.Height),
		"-r", fps,
		"-i", "pipe:0",
		"-an",
	)

	filters := []string{}
	if opts.Input == framepool.BottomUp {
		filters = append(filters, "vflip")
	}
	// H.264 needs even dimensions.
	filters = append(filters, "scale=trunc(iw/2)*2:trunc(ih/2)*2")
	if plan.Filter != "" {
		filters = append(filters, plan.Filter)
	}
	args = append(args, "-vf", strings.Join(filters, ","))
	args = append(args, plan.CodecArgs...)
	args = append(args,
		"-force_key_frames", fmt.Sprintf("expr:gte(t,n_forced*%d)", opts.GOPSeconds),
		"-r", fps,
	)
	if opts.Format == "mp4" || opts.Format == "mov" {
		args = append(args, "-movflags", "+faststart")
	}
	return append(args, "-f", opts.Format, opts.Output)
}

// Process is a running ffmpeg encoder fed with raw frames on stdin.
type Process struct {
	opts       Options
	plan       Plan
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	stderr     *processutil.TailBuffer
	done       chan error
	frameBytes int

	mu        sync.Mutex
	cfr       *cfrPadder
	exitErr   error
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Start launches ffmpeg. When opts.Plan is nil the encoder is probed with
// Select.
func Start(options *Options) (*Process, error) {
	opts, err := normalizeOptions(options)
	if err != nil {
		return nil, err
	}
	var plan Plan
	if opts.Plan != nil {
		plan = *opts.Plan
	} else {
		plan = Select(opts.FFmpegPath, opts.FrameRate*opts.GOPSeconds, opts.Logger)
	}
	if err := os.MkdirAll(filepath.Dir(opts.Output), 0o755); err != nil {
		return nil, fmt.Errorf("encoder output dir: %w", err)
	}

	args := encodeArgs(opts, plan)
	opts.Logger.Debug("ffmpeg encode",
		zap.String("track", opts.Track),
		zap.String("ffmpeg", opts.FFmpegPath),
		zap.String("args", strings.Join(args, " ")),
	)

	cmd := processutil.Command(opts.FFmpegPath, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdin: %w", err)
	}
	stderr := &processutil.TailBuffer{}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ffmpeg start: %w", err)
	}

	p := &Process{
		opts:       opts,
		plan:       plan,
		cmd:        cmd,
		stdin:      stdin,
		stderr:     stderr,
		done:       make(chan error, 1),
		frameBytes: opts.Width * opts.Height * framepool.BytesPerPixel,
		cfr:        newCFRPadder(opts.FrameRate),
	}
	go func() {
		err := cmd.Wait()
		if err != nil {
			err = fmt.Errorf("ffmpeg exited: %w: %s", err, stderr.Tail(300))
		}
		p.mu.Lock()
		p.exitErr = err
		p.mu.Unlock()
		p.done <- err
		close(p.done)
	}()
	return p, nil
}

// Plan reports the encoder in use.
func (p *Process) Plan() Plan { return p.plan }

// Output is the file being written.
func (p *Process) Output() string { return p.opts.Output }

// Done is closed when ffmpeg exits. It yields the exit error first.
func (p *Process) Done() <-chan error { return p.done }

// StderrTail returns the last n bytes ffmpeg wrote to stderr.
func (p *Process) StderrTail(n int) string { return p.stderr.Tail(n) }

// Frames is the number of frames written after constant-rate padding.
func (p *Process) Frames() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfr.Written()
}

// Duration is the media duration written so far.
func (p *Process) Duration() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfr.Duration()
}

// WriteFrame queues one frame stamped ts on the recording timeline. Frames
// are repeated or dropped so the output keeps a constant rate.
func (p *Process) WriteFrame(pix []byte, ts time.Duration) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if len(pix) < p.frameBytes {
		return fmt.Errorf("frame has %d bytes, want %d", len(pix), p.frameBytes)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exitErr != nil {
		return p.exitErr
	}
	n := p.cfr.Repeat(ts)
	started := time.Now()
	for i := 0; i < n; i++ {
		if _, err := p.stdin.Write(pix[:p.frameBytes]); err != nil {
			return fmt.Errorf("ffmpeg write: %w: %s", err, p.stderr.Tail(300))
		}
	}
	if n > 0 {
		p.opts.Metrics.ObserveEncoderWrite(context.Background(), time.Since(started).Seconds(), p.opts.Track)
	}
	return nil
}

// Close ends the input and waits for ffmpeg to finish the file. ffmpeg is
// killed when it does not exit within the close timeout.
func (p *Process) Close() error {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		// Not under mu: a blocked WriteFrame holds it until the pipe closes.
		err := p.stdin.Close()
		if err != nil && !errors.Is(err, os.ErrClosed) {
			p.opts.Logger.Debug("ffmpeg stdin close", zap.Error(err))
		}

		select {
		case err := <-p.done:
			p.closeErr = err
		case <-time.After(p.opts.CloseTimeout):
			p.closeErr = errors.Join(
				fmt.Errorf("ffmpeg did not exit within %s", p.opts.CloseTimeout),
				p.kill(),
			)
		}
		p.opts.Logger.Debug("ffmpeg encode finished",
			zap.String("track", p.opts.Track),
			zap.String("output", p.opts.Output),
			zap.Int64("frames", p.Frames()),
			zap.Error(p.closeErr),
		)
	})
	return p.closeErr
}

// Kill stops ffmpeg without waiting for a clean trailer.
func (p *Process) Kill() error {
	p.closed.Store(true)
	return p.kill()
}

func (p *Process) kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	err := p.cmd.Process.Kill()
	if err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
