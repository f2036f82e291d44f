package recorder

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"go2tv.app/screenrec/audio"
	"go2tv.app/screenrec/capture"
	"go2tv.app/screenrec/clock"
	"go2tv.app/screenrec/control"
	"go2tv.app/screenrec/cursor"
	"go2tv.app/screenrec/framepool"
	"go2tv.app/screenrec/internal/portal"
	"go2tv.app/screenrec/segment"
)

const inhibitTimeout = 3 * time.Second

// Start opens every producer against one clock epoch. Construction
// failures are returned here and nothing keeps running. On success the
// recorder is Recording and Run must follow.
func (r *Recorder) Start(ctx context.Context) (err error) {
	r.mu.Lock()
	if r.state != Idle {
		r.mu.Unlock()
		return ErrAlreadyStarted
	}
	r.mu.Unlock()
	r.setState(Starting)

	defer func() {
		if err != nil {
			r.log.Warn("start failed", zap.Error(err))
			r.abortStart()
			r.setState(Idle)
		}
	}()

	r.startedAt = time.Now()
	dir := filepath.Join(r.opts.OutputDir, r.startedAt.Format("20060102-150405")+"-"+r.id.String()[:8])
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("session dir: %w", err)
	}
	r.mu.Lock()
	r.dir = dir
	r.mu.Unlock()

	r.epoch = clock.NewEpoch()
	r.flags = control.New(r.epoch)
	r.log.Debug("epoch", zap.Stringer("epoch", r.epoch))

	if err := r.openVideo(); err != nil {
		return err
	}
	if err := r.openProducers(ctx); err != nil {
		return err
	}
	if r.opts.InhibitIdle {
		r.inhibit(ctx)
	}

	r.startRef = r.flags.Elapsed()
	r.stale = newStaleFilter(r.epoch, r.startRef, r.opts.StaleBudget)
	if err := r.writeSession(Recording, nil); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	r.launch()

	r.opts.Metrics.RecordingStarted(context.Background())
	r.log.Info("recording started",
		zap.String("dir", dir),
		zap.Stringer("target", r.opts.Target),
		zap.Int("width", r.pool.Width()),
		zap.Int("height", r.pool.Height()),
		zap.Int("fps", r.opts.FrameRate),
		zap.Int("audio_tracks", len(r.tracks)),
		zap.Bool("cursor", r.actor != nil),
		zap.Bool("webcam", r.muxer != nil),
	)
	r.setState(Recording)
	return nil
}

// openVideo starts capture and sizes the buffer pool and encoder from the
// first frame, since some backends only learn their size from it.
func (r *Recorder) openVideo() error {
	open := r.opts.Hooks.OpenSource
	if open == nil {
		open = capture.Open
	}
	src, err := open(r.opts.Target, &capture.Options{
		FrameRate: r.opts.FrameRate,
		Backend:   r.opts.CaptureBackend,
		Logger:    r.opts.Logger,
		Metrics:   r.opts.Metrics,
	})
	if err != nil {
		return fmt.Errorf("open capture: %w", err)
	}
	r.src = src

	first, err := capture.WaitFirstFrame(src, r.opts.FirstFrameTimeout)
	if err != nil {
		return err
	}
	pool, err := framepool.New(first.Width, first.Height, framepool.TopDown, r.opts.EncoderOrientation)
	if err != nil {
		return err
	}
	r.pool = pool

	openSink := r.opts.Hooks.OpenVideoSink
	if openSink == nil {
		openSink = r.encoderSink
	}
	r.videoPath = filepath.Join(r.dir, VideoFile)
	sink, err := openSink(r.videoPath, first.Width, first.Height, first.Format)
	if err != nil {
		return fmt.Errorf("open video encoder: %w", err)
	}
	r.sink = sink
	return nil
}

// openProducers opens audio, cursor and webcam concurrently.
func (r *Recorder) openProducers(ctx context.Context) error {
	var (
		g      errgroup.Group
		system *audio.Track
		mic    *audio.Track
		actor  *cursor.Actor
		table  *cursor.ImageTable
		muxer  *segment.Muxer
		aux    segment.AuxSource
	)
	if r.opts.SystemAudio {
		g.Go(func() error {
			t, err := r.openTrack(audio.KindSystem, r.opts.SystemDevice, SystemFile)
			system = t
			return r.optional("system audio", err)
		})
	}
	if r.opts.Microphone {
		g.Go(func() error {
			t, err := r.openTrack(audio.KindMicrophone, r.opts.MicrophoneDevice, MicFile)
			mic = t
			return r.optional("microphone", err)
		})
	}
	if r.opts.Cursor {
		g.Go(func() error {
			var err error
			actor, table, err = r.openCursor()
			return r.optional("cursor", err)
		})
	}
	if r.opts.Webcam {
		g.Go(func() error {
			var err error
			muxer, aux, err = r.openWebcam()
			return r.optional("webcam", err)
		})
	}
	err := g.Wait()

	for _, t := range []*audio.Track{system, mic} {
		if t != nil {
			r.tracks = append(r.tracks, t)
		}
	}
	r.actor, r.table = actor, table
	r.muxer, r.aux = muxer, aux
	if err != nil {
		return err
	}
	return ctx.Err()
}

func (r *Recorder) optional(what string, err error) error {
	if err == nil {
		return nil
	}
	if !r.opts.BestEffort {
		return fmt.Errorf("%s: %w", what, err)
	}
	r.log.Warn("recording without producer", zap.String("producer", what), zap.Error(err))
	r.warnMu.Lock()
	r.warnings = append(r.warnings, fmt.Sprintf("%s: %v", what, err))
	r.warnMu.Unlock()
	return nil
}

func (r *Recorder) openTrack(kind audio.Kind, device, file string) (*audio.Track, error) {
	open := r.opts.Hooks.OpenAudio
	if open == nil {
		open = func(kind audio.Kind, device string, format audio.Format) (audio.Device, error) {
			return audio.OpenDevice(audio.DeviceOptions{Kind: kind, Name: device, Format: format, Logger: r.opts.Logger})
		}
	}
	dev, err := open(kind, device, r.opts.AudioFormat)
	if err != nil {
		return nil, err
	}
	t, err := audio.NewTrack(audio.TrackOptions{
		Name:     kind.String(),
		Path:     filepath.Join(r.dir, file),
		Device:   dev,
		Flags:    r.flags,
		FillGaps: kind == audio.KindSystem,
		Logger:   r.opts.Logger,
		Metrics:  r.opts.Metrics,
	})
	if err != nil {
		_ = dev.Close()
		return nil, err
	}
	return t, nil
}

func (r *Recorder) openCursor() (*cursor.Actor, *cursor.ImageTable, error) {
	openInput := r.opts.Hooks.OpenCursorInput
	if openInput == nil {
		openInput = func() (cursor.Input, error) { return cursor.StartHook(r.opts.Logger), nil }
	}
	openImages := r.opts.Hooks.OpenCursorImages
	if openImages == nil {
		openImages = cursor.OpenImageSource
	}

	in, err := openInput()
	if err != nil {
		return nil, nil, err
	}
	images, err := openImages()
	if err != nil {
		// Events still carry positions without bitmaps.
		r.log.Warn("cursor images unavailable", zap.Error(err))
		images = nil
	}
	table, err := cursor.NewImageTable(filepath.Join(r.dir, CursorDir))
	if err != nil {
		return nil, nil, errors.Join(err, closeCursor(in, images))
	}
	actor, err := cursor.NewActor(cursor.ActorOptions{
		Input:         in,
		Images:        images,
		Table:         table,
		Flags:         r.flags,
		LogPath:       filepath.Join(r.dir, CursorLogFile),
		Bounds:        r.src.Bounds,
		PollInterval:  r.opts.CursorPollInterval,
		FlushInterval: r.opts.CursorFlushInterval,
		Logger:        r.opts.Logger,
		Metrics:       r.opts.Metrics,
	})
	if err != nil {
		return nil, nil, errors.Join(err, closeCursor(in, images))
	}
	return actor, table, nil
}

func closeCursor(in cursor.Input, images cursor.ImageSource) error {
	var err error
	if images != nil {
		err = images.Close()
	}
	return errors.Join(err, in.Close())
}

func (r *Recorder) openWebcam() (*segment.Muxer, segment.AuxSource, error) {
	openAux := r.opts.Hooks.OpenAux
	if openAux == nil {
		openAux = func() (segment.AuxSource, error) {
			o := r.opts.WebcamOptions
			if o.FFmpegPath == "" {
				o.FFmpegPath = r.opts.FFmpegPath
			}
			o.Logger = r.opts.Logger
			return segment.OpenWebcam(o)
		}
	}
	newWriter := r.opts.Hooks.NewFragment
	if newWriter == nil {
		newWriter = segment.FFmpegWriter(segment.FFmpegOptions{
			FFmpegPath:  r.opts.FFmpegPath,
			FrameRate:   r.opts.WebcamOptions.FrameRate,
			PixelFormat: string(capture.PixelFormatBGRA),
			Logger:      r.opts.Logger,
			Metrics:     r.opts.Metrics,
		})
	}

	aux, err := openAux()
	if err != nil {
		return nil, nil, err
	}
	muxer, err := segment.NewMuxer(segment.MuxerOptions{
		Dir:             filepath.Join(r.dir, WebcamDir),
		Prefix:          "webcam",
		SegmentDuration: r.opts.SegmentDuration,
		Flags:           r.flags,
		NewWriter:       newWriter,
		Logger:          r.opts.Logger,
		Metrics:         r.opts.Metrics,
	})
	if err != nil {
		return nil, nil, errors.Join(err, aux.Close())
	}
	return muxer, aux, nil
}

// inhibit keeps the session from idling while recording. Failure only
// costs a blanked screen, so it is logged.
func (r *Recorder) inhibit(ctx context.Context) {
	inhibit := r.opts.Hooks.Inhibit
	if inhibit == nil {
		inhibit = r.portalInhibit
	}
	ictx, cancel := context.WithTimeout(ctx, inhibitTimeout)
	defer cancel()
	release, err := inhibit(ictx)
	if err != nil {
		r.log.Debug("idle inhibit unavailable", zap.Error(err))
		return
	}
	r.release = release
}

func (r *Recorder) portalInhibit(ctx context.Context) (func() error, error) {
	if runtime.GOOS != "linux" {
		return nil, fmt.Errorf("idle inhibit not supported on %s", runtime.GOOS)
	}
	p, err := portal.Connect(r.opts.Logger)
	if err != nil {
		return nil, err
	}
	inh, err := p.Inhibit(ctx, portal.InhibitIdle|portal.InhibitSuspend, "Screen recording in progress")
	if err != nil {
		return nil, err
	}
	return inh.Release, nil
}

// launch starts one goroutine per producer. Each ends on the stop flag.
func (r *Recorder) launch() {
	ctx := context.Background()
	for _, t := range r.tracks {
		r.producers.Go(func() error { return t.Run(ctx) })
	}
	if r.actor != nil {
		r.producers.Go(func() error { return r.actor.Run(ctx) })
	}
	if r.muxer != nil {
		r.producers.Go(func() error { return r.muxer.Run(ctx, r.aux) })
	}
}

// abortStart releases whatever Start opened and removes the session dir.
func (r *Recorder) abortStart() {
	var errs []error
	if r.src != nil {
		errs = append(errs, ignoreClosed(r.src.Close()))
	}
	if r.sink != nil {
		errs = append(errs, r.sink.Close())
	}
	for _, t := range r.tracks {
		errs = append(errs, t.Abort())
	}
	if r.actor != nil {
		errs = append(errs, r.actor.Close())
	}
	if r.aux != nil {
		errs = append(errs, r.aux.Close())
	}
	if r.release != nil {
		errs = append(errs, r.release())
	}
	if r.dir != "" {
		errs = append(errs, os.RemoveAll(r.dir))
	}
	if err := errors.Join(errs...); err != nil {
		r.log.Debug("start cleanup", zap.Error(err))
	}
	r.src, r.sink, r.pool = nil, nil, nil
	r.tracks, r.actor, r.table, r.muxer, r.aux, r.release = nil, nil, nil, nil, nil, nil
}

func ignoreClosed(err error) error {
	if errors.Is(err, capture.ErrClosed) {
		return nil
	}
	return err
}
