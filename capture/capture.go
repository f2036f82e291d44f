// Package capture turns a screen capture target (a window, a cropped region
// or a whole display) into a lazy, non-restartable sequence of frames.
//
// Every backend runs its capture loop on a dedicated OS thread and publishes
// into a small most-recent-wins queue: when the consumer falls behind the
// oldest unread frame is dropped, the backend never blocks.
package capture

import (
	"errors"
	"fmt"
	"image"
	"os"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"

	"go2tv.app/screenrec/clock"
	"go2tv.app/screenrec/internal/observe"
)

// PixelFormat names the byte order of one 32-bit pixel, using ffmpeg's
// pix_fmt spelling.
type PixelFormat string

const (
	PixelFormatBGRA PixelFormat = "bgra"
	PixelFormatRGBA PixelFormat = "rgba"
)

var (
	ErrNotImplemented = errors.New("screen capture backend is not implemented on this platform")
	ErrCancelled      = errors.New("screen capture request was cancelled")
	ErrNoStreams      = errors.New("screen capture returned no streams")
	ErrInvalidTarget  = errors.New("invalid screen capture target")
	ErrClosed         = errors.New("capture source closed")
)

// BytesPerPixel is the size of one pixel in every supported format.
const BytesPerPixel = 4

const (
	defaultFrameRate = 30
	maxFrameRate     = 240
	defaultQueueSize = 2
)

// Kind selects the capture variant.
type Kind uint8

const (
	KindDisplay Kind = iota
	KindRegion
	KindWindow
)

func (k Kind) String() string {
	switch k {
	case KindDisplay:
		return "display"
	case KindRegion:
		return "region"
	case KindWindow:
		return "window"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Target is a resolved capture target. Region is in absolute screen
// coordinates; Window is a platform window handle (an X11 window ID on
// linux).
type Target struct {
	Kind    Kind
	Display int
	Region  image.Rectangle
	Window  uint32
}

// DisplayTarget captures display index i.
func DisplayTarget(i int) Target { return Target{Kind: KindDisplay, Display: i} }

// RegionTarget captures r, given in absolute screen coordinates.
func RegionTarget(r image.Rectangle) Target { return Target{Kind: KindRegion, Region: r} }

// WindowTarget captures the window with handle id.
func WindowTarget(id uint32) Target { return Target{Kind: KindWindow, Window: id} }

func (t Target) String() string {
	switch t.Kind {
	case KindDisplay:
		return fmt.Sprintf("display:%d", t.Display)
	case KindRegion:
		return fmt.Sprintf("region:%d,%d,%dx%d", t.Region.Min.X, t.Region.Min.Y, t.Region.Dx(), t.Region.Dy())
	case KindWindow:
		return fmt.Sprintf("window:0x%x", t.Window)
	default:
		return t.Kind.String()
	}
}

// Frame is one captured image. Timestamp is in the backend's native clock
// domain; the orchestrator keeps it for diagnostics only.
type Frame struct {
	Pix       []byte
	Width     int
	Height    int
	Stride    int
	Format    PixelFormat
	Timestamp clock.Stamp
}

// Source is a running capture backend.
type Source interface {
	// NextFrame blocks for at most timeout and returns the oldest unread
	// frame, or false on timeout or when the source has stopped.
	NextFrame(timeout time.Duration) (*Frame, bool)

	// Width and Height of the most recent frame. Zero until the first frame
	// for backends that cannot know dimensions in advance.
	Width() int
	Height() int

	// Bounds is the captured area in absolute screen coordinates.
	Bounds() image.Rectangle

	// Format of the pixels the source delivers.
	Format() PixelFormat

	// Dropped counts frames discarded under backpressure.
	Dropped() uint64

	// Err returns the error that stopped the backend, if any.
	Err() error

	Close() error
}

// Backend selects how a target is captured.
type Backend string

const (
	BackendAuto       Backend = "auto"
	BackendScreenshot Backend = "screenshot"
	BackendPortal     Backend = "portal"
)

// Options configures Open.
type Options struct {
	// FrameRate is the backend polling rate. Default 30.
	FrameRate int

	// QueueSize bounds the most-recent-wins queue. Default 2.
	QueueSize int

	// Backend defaults to BackendAuto: the xdg-desktop-portal on Wayland
	// sessions for display and window targets, screenshot grabs otherwise.
	Backend Backend

	// GStreamer is the gst-launch-1.0 binary used by the portal backend.
	GStreamer string

	Logger  *zap.Logger
	Metrics *observe.Metrics
}

func normalizeOptions(options *Options) Options {
	opts := Options{}
	if options != nil {
		opts = *options
	}
	if opts.FrameRate <= 0 {
		opts.FrameRate = defaultFrameRate
	}
	opts.FrameRate = min(opts.FrameRate, maxFrameRate)
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Backend == "" {
		opts.Backend = BackendAuto
	}
	if opts.GStreamer == "" {
		opts.GStreamer = "gst-launch-1.0"
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return opts
}

// Open starts capturing target. Construction failures (permission denied,
// unknown window, region outside every display) are returned here; once
// running, individual grab failures are logged and skipped.
func Open(target Target, options *Options) (Source, error) {
	opts := normalizeOptions(options)
	log := opts.Logger.Named("capture").With(zap.Stringer("target", target))

	backend := opts.Backend
	if backend == BackendAuto {
		backend = BackendScreenshot
		if waylandSession() && target.Kind != KindRegion {
			backend = BackendPortal
		}
	}
	log.Debug("open", zap.String("backend", string(backend)), zap.Int("fps", opts.FrameRate))

	switch backend {
	case BackendPortal:
		return openPortal(target, opts, log)
	case BackendScreenshot:
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", ErrInvalidTarget, backend)
	}

	switch target.Kind {
	case KindDisplay:
		return openDisplay(target.Display, opts, log)
	case KindRegion:
		return openRegion(target.Region, opts, log)
	case KindWindow:
		return openWindow(target.Window, opts, log)
	default:
		return nil, fmt.Errorf("%w: kind %s", ErrInvalidTarget, target.Kind)
	}
}

func waylandSession() bool {
	if runtime.GOOS != "linux" {
		return false
	}
	return strings.TrimSpace(os.Getenv("WAYLAND_DISPLAY")) != "" ||
		strings.EqualFold(os.Getenv("XDG_SESSION_TYPE"), "wayland")
}
