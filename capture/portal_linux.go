//go:build linux

package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
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
	"go2tv.app/screenrec/internal/portal"
	"go2tv.app/screenrec/internal/processutil"
)

// portalSelectTimeout covers the user picking a source in the portal dialog.
const portalSelectTimeout = 2 * time.Minute

// openPortal asks xdg-desktop-portal for a PipeWire stream and decodes it
// with a gst-launch pipeline writing raw BGRA frames to stdout. On Wayland
// the user picks the monitor or window in the portal dialog.
func openPortal(target Target, opts Options, log *zap.Logger) (Source, error) {
	ctx, cancel := context.WithTimeout(context.Background(), portalSelectTimeout)
	defer cancel()

	if _, err := exec.LookPath(opts.GStreamer); err != nil {
		return nil, fmt.Errorf("portal capture needs %s: %w", opts.GStreamer, err)
	}

	p, err := portal.Connect(log)
	if err != nil {
		return nil, err
	}
	sc, err := p.CreateScreenCast(ctx)
	if err != nil {
		return nil, portalError(err)
	}

	available, err := p.AvailableSourceTypes()
	if err != nil {
		log.Debug("source types unavailable", zap.Error(err))
		available = 0
	}
	types, err := sourceTypes(target.Kind, available)
	if err != nil {
		_ = sc.Close()
		return nil, err
	}
	if target.Kind == KindWindow {
		log.Info("window handles are not addressable through the portal; pick the window in the dialog")
	}
	if err := sc.SelectSources(ctx, portal.SelectOptions{
		Types:      types,
		CursorMode: cursorMode(p, log),
	}); err != nil {
		_ = sc.Close()
		return nil, portalError(err)
	}
	streams, err := sc.Start(ctx, "")
	if err != nil {
		_ = sc.Close()
		return nil, portalError(err)
	}
	if len(streams) == 0 {
		_ = sc.Close()
		return nil, ErrNoStreams
	}

	stream, crop, err := pickStream(target, streams)
	if err != nil {
		_ = sc.Close()
		return nil, err
	}
	log.Debug("portal stream",
		zap.Uint32("node", stream.NodeID),
		zap.Int32s("size", stream.Size[:]),
		zap.Stringer("crop", crop))

	remote, err := sc.OpenPipeWireRemote()
	if err != nil {
		_ = sc.Close()
		return nil, err
	}

	src, err := startPortalSource(sc, remote, stream, crop, opts, log)
	if err != nil {
		_ = remote.Close()
		_ = sc.Close()
		return nil, err
	}
	return src, nil
}

func portalError(err error) error {
	if errors.Is(err, portal.ErrCancelled) {
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	return err
}

// sourceTypes maps the target kind to the SelectSources mask. An unknown
// available mask (0) is not checked.
func sourceTypes(kind Kind, available uint32) (uint32, error) {
	want := portal.SourceTypeMonitor
	if kind == KindWindow {
		want = portal.SourceTypeWindow
	}
	if available != 0 && available&want == 0 {
		return 0, fmt.Errorf("%w: portal offers source types %#x, need %#x", ErrInvalidTarget, available, want)
	}
	return want, nil
}

// cursorMode prefers a stream without the pointer; the cursor actor records
// it separately.
func cursorMode(p *portal.Portal, log *zap.Logger) uint32 {
	modes, err := p.AvailableCursorModes()
	if err != nil {
		log.Debug("cursor modes unavailable", zap.Error(err))
		return 0
	}
	if modes&portal.CursorModeHidden != 0 {
		return portal.CursorModeHidden
	}
	return portal.CursorModeEmbedded
}

func streamDisplays(streams []portal.Stream) []Display {
	out := make([]Display, 0, len(streams))
	for i, s := range streams {
		x, y := int(s.Position[0]), int(s.Position[1])
		out = append(out, Display{Index: i, Bounds: image.Rect(x, y, x+int(s.Size[0]), y+int(s.Size[1]))})
	}
	return out
}

// pickStream selects the stream for target and the crop in stream-local
// coordinates. An empty crop means the whole stream.
func pickStream(target Target, streams []portal.Stream) (portal.Stream, image.Rectangle, error) {
	switch target.Kind {
	case KindRegion:
		d, local, err := Locate(target.Region, streamDisplays(streams))
		if err != nil {
			return portal.Stream{}, image.Rectangle{}, err
		}
		return streams[d.Index], local, nil
	case KindDisplay:
		if target.Display >= 0 && target.Display < len(streams) {
			return streams[target.Display], image.Rectangle{}, nil
		}
		return streams[0], image.Rectangle{}, nil
	default:
		return streams[0], image.Rectangle{}, nil
	}
}

// gstArgs builds a pipeline that emits width*height*4 byte BGRA frames.
func gstArgs(node uint32, full, crop image.Rectangle, fps int) (args []string, width, height int) {
	width, height = full.Dx(), full.Dy()
	args = []string{
		"-q",
		"pipewiresrc", "fd=3", "path=" + strconv.FormatUint(uint64(node), 10), "always-copy=true",
		"!", "videoconvert",
	}
	if !crop.Empty() {
		args = append(args, "!", "videocrop",
			"left="+strconv.Itoa(crop.Min.X),
			"top="+strconv.Itoa(crop.Min.Y),
			"right="+strconv.Itoa(max(0, width-crop.Max.X)),
			"bottom="+strconv.Itoa(max(0, height-crop.Max.Y)),
		)
		width, height = crop.Dx(), crop.Dy()
	}
	args = append(args,
		"!", "videoscale",
		"!", "videorate",
		"!", fmt.Sprintf("video/x-raw,format=BGRA,width=%d,height=%d,framerate=%d/1", width, height, fps),
		"!", "fdsink", "fd=1", "sync=false",
	)
	return args, width, height
}

type portalSource struct {
	queue   *frameQueue
	session *portal.ScreenCast
	remote  *os.File
	cmd     *exec.Cmd
	stdout  io.ReadCloser
	stderr  *processutil.TailBuffer
	log     *zap.Logger

	width, height int
	bounds        image.Rectangle

	mu        sync.Mutex
	err       error
	closing   atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

func startPortalSource(sc *portal.ScreenCast, remote *os.File, stream portal.Stream, crop image.Rectangle, opts Options, log *zap.Logger) (*portalSource, error) {
	full := image.Rect(0, 0, int(stream.Size[0]), int(stream.Size[1]))
	if full.Empty() {
		return nil, fmt.Errorf("%w: portal stream %d reports no size", ErrInvalidTarget, stream.NodeID)
	}
	args, w, h := gstArgs(stream.NodeID, full, crop, opts.FrameRate)

	cmd := processutil.Command(opts.GStreamer, args...)
	cmd.ExtraFiles = []*os.File{remote}
	stderr := &processutil.TailBuffer{}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	log.Debug("gstreamer", zap.String("path", opts.GStreamer), zap.Strings("args", args))
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", opts.GStreamer, err)
	}

	origin := image.Pt(int(stream.Position[0]), int(stream.Position[1]))
	bounds := full.Add(origin)
	if !crop.Empty() {
		bounds = crop.Add(origin)
	}

	s := &portalSource{
		queue:   newFrameQueue("portal", opts.QueueSize, log, opts.Metrics),
		session: sc,
		remote:  remote,
		cmd:     cmd,
		stdout:  stdout,
		stderr:  stderr,
		log:     logging.OrNop(log),
		width:   w,
		height:  h,
		bounds:  bounds,
		done:    make(chan struct{}),
	}
	go s.run()
	return s, nil
}

func (s *portalSource) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(s.done)
	defer s.queue.Close()

	size := s.width * s.height * BytesPerPixel
	for {
		buf := make([]byte, size)
		if _, err := io.ReadFull(s.stdout, buf); err != nil {
			werr := s.cmd.Wait()
			if !s.closing.Load() {
				s.setErr(fmt.Errorf("gstreamer stream ended: %w: %s", errors.Join(err, werr), s.stderr.Tail(300)))
			}
			return
		}
		s.queue.Publish(&Frame{
			Pix:       buf,
			Width:     s.width,
			Height:    s.height,
			Stride:    s.width * BytesPerPixel,
			Format:    PixelFormatBGRA,
			Timestamp: clock.MonoStamp(),
		})
	}
}

func (s *portalSource) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return
	}
	s.err = err
	if !errors.Is(err, ErrClosed) {
		s.log.Error("capture stopped", zap.Error(err))
	}
}

func (s *portalSource) NextFrame(timeout time.Duration) (*Frame, bool) {
	return s.queue.Next(timeout)
}

func (s *portalSource) Width() int              { return s.width }
func (s *portalSource) Height() int             { return s.height }
func (s *portalSource) Bounds() image.Rectangle { return s.bounds }
func (s *portalSource) Format() PixelFormat     { return PixelFormatBGRA }
func (s *portalSource) Dropped() uint64         { return s.queue.Dropped() }

func (s *portalSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *portalSource) Close() error {
	var out error
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		if s.cmd.Process != nil {
			if err := s.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				out = errors.Join(out, err)
			}
		}
		select {
		case <-s.done:
		case <-time.After(1500 * time.Millisecond):
		}
		out = errors.Join(out, s.remote.Close(), s.session.Close())
		s.setErr(ErrClosed)
	})
	return out
}
