package recorder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"go2tv.app/screenrec/encoder"
	"go2tv.app/screenrec/segment"
)

// Artifacts are the finalized inputs of the post-recording mux.
type Artifacts struct {
	Dir   string
	Video string
	// Audio lists healthy tracks only. Offsets place each track on the
	// video timeline.
	Audio  []encoder.AudioInput
	Output string

	WebcamFragments []string
	WebcamOutput    string
}

// Result describes a finished recording.
type Result struct {
	ID    string
	Dir   string
	State State

	// Duration is the recorded time with pauses removed.
	Duration time.Duration
	Paused   time.Duration

	Frames       int64
	Timeouts     int64
	StaleSkipped int
	Dropped      uint64

	Video  string
	Output string
	Tracks []TrackInfo

	CursorLog    string
	CursorImages int

	WebcamManifest  string
	WebcamFragments int
	WebcamOutput    string

	Warnings []string
}

func (r *Recorder) finish(ctx context.Context, outcome Command, loopErr error) (Result, error) {
	r.setState(Stopping)
	duration := r.flags.Recorded()
	paused := r.flags.PausedTotal()
	r.flags.Stop()

	var errs []error
	if loopErr != nil {
		r.log.Error("recording interrupted", zap.Error(loopErr))
		errs = append(errs, loopErr)
	}

	dropped := r.src.Dropped()
	if err := ignoreClosed(r.src.Close()); err != nil {
		r.log.Debug("capture close", zap.Error(err))
	}
	sinkErr := r.sink.Close()
	if sinkErr != nil {
		errs = append(errs, fmt.Errorf("finalize video: %w", sinkErr))
	}

	// Producers observe the stop flag and finalize their own files.
	if err := r.producers.Wait(); err != nil {
		r.log.Warn("producer ended with error", zap.Error(err))
	}
	if r.actor != nil {
		if err := r.actor.Close(); err != nil {
			r.log.Debug("cursor close", zap.Error(err))
		}
	}
	if r.release != nil {
		if err := r.release(); err != nil {
			r.log.Debug("idle inhibit release", zap.Error(err))
		}
	}
	r.opts.Metrics.RecordingFinished(context.Background())

	res := Result{
		ID:           r.id.String(),
		Dir:          r.dir,
		Duration:     duration,
		Paused:       paused,
		Frames:       r.frames,
		Timeouts:     r.timeouts,
		StaleSkipped: r.stale.skipped,
		Dropped:      dropped,
		Tracks:       []TrackInfo{},
	}
	r.warnMu.Lock()
	res.Warnings = append(res.Warnings, r.warnings...)
	r.warnMu.Unlock()

	if outcome == Cancel {
		if err := os.RemoveAll(r.dir); err != nil {
			errs = append(errs, fmt.Errorf("remove partial artifacts: %w", err))
		}
		res.State = Cancelled
		r.setState(Cancelled)
		r.log.Info("recording cancelled", zap.Duration("recorded", duration))
		return res, errors.Join(errs...)
	}

	art := Artifacts{Dir: r.dir}
	if sinkErr == nil {
		res.Video = r.videoPath
		art.Video = r.videoPath
		art.Output = filepath.Join(r.dir, OutputFile)
	}
	for _, t := range r.tracks {
		tr := t.Result()
		info := TrackInfo{
			Name:       tr.Name,
			Path:       filepath.Base(tr.Path),
			OffsetMS:   ms(tr.Offset),
			DurationMS: ms(tr.Duration),
			Discarded:  tr.Discarded,
		}
		if tr.Err != nil {
			info.Error = tr.Err.Error()
			res.Warnings = append(res.Warnings, fmt.Sprintf("%s audio: %v", tr.Name, tr.Err))
		} else if tr.Frames > 0 {
			art.Audio = append(art.Audio, encoder.AudioInput{Path: tr.Path, Offset: tr.Offset})
		}
		res.Tracks = append(res.Tracks, info)
	}
	if r.actor != nil {
		res.CursorLog = filepath.Join(r.dir, CursorLogFile)
		res.CursorImages = r.table.Len()
	}
	if r.muxer != nil {
		res.WebcamManifest = filepath.Join(r.muxer.Dir(), segment.ManifestName)
		man := r.muxer.Manifest()
		res.WebcamFragments = len(man.Completed())
		art.WebcamFragments = man.Paths(r.muxer.Dir())
		if len(art.WebcamFragments) > 0 {
			art.WebcamOutput = filepath.Join(r.dir, WebcamFile)
		}
	}

	if !r.opts.SkipFinalize && (art.Video != "" || len(art.WebcamFragments) > 0) {
		finalize := r.opts.Hooks.Finalize
		if finalize == nil {
			finalize = r.finalizeFFmpeg
		}
		started := time.Now()
		if err := finalize(context.WithoutCancel(ctx), art); err != nil {
			errs = append(errs, fmt.Errorf("mux: %w", err))
		} else {
			res.Output = art.Output
			res.WebcamOutput = art.WebcamOutput
			r.log.Debug("muxed", zap.Duration("took", time.Since(started)))
		}
	}

	res.State = Complete
	if err := r.writeSession(Complete, &res); err != nil {
		errs = append(errs, fmt.Errorf("write session: %w", err))
	}
	r.setState(Complete)
	r.log.Info("recording complete",
		zap.Duration("recorded", duration),
		zap.Duration("paused", paused),
		zap.Int64("frames", r.frames),
		zap.Int64("timeouts", r.timeouts),
		zap.Int("stale_skipped", r.stale.skipped),
		zap.String("output", res.Output),
	)
	return res, errors.Join(errs...)
}

func (r *Recorder) finalizeFFmpeg(ctx context.Context, a Artifacts) error {
	var errs []error
	if a.Video != "" {
		errs = append(errs, encoder.MuxTracks(ctx, encoder.MuxRequest{
			FFmpegPath: r.opts.FFmpegPath,
			Video:      a.Video,
			Audio:      a.Audio,
			Output:     a.Output,
			Logger:     r.opts.Logger,
		}))
	}
	if len(a.WebcamFragments) > 0 {
		errs = append(errs, encoder.Concat(ctx, r.opts.FFmpegPath, a.WebcamFragments, a.WebcamOutput, r.opts.Logger))
	}
	return errors.Join(errs...)
}
