package encoder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"go2tv.app/screenrec/internal/logging"
	"go2tv.app/screenrec/internal/processutil"
)

const defaultTempDirPrefix = "screenrec-mux-"

// AudioInput is one audio track to place under the video.
type AudioInput struct {
	Path string
	// Offset is where the track's first sample sits on the video timeline.
	Offset time.Duration
}

// MuxRequest combines a video file and audio tracks into one output.
type MuxRequest struct {
	FFmpegPath string
	Video      string
	Audio      []AudioInput
	Output     string
	Logger     *zap.Logger
}

// muxArgs delays each audio input by its offset and mixes them into one
// stream. The video stream is copied.
func muxArgs(req MuxRequest) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-y", "-i", req.Video}
	for _, a := range req.Audio {
		args = append(args, "-i", a.Path)
	}
	args = append(args, "-map", "0:v:0", "-c:v", "copy")

	switch len(req.Audio) {
	case 0:
		args = append(args, "-an")
	default:
		var graph []string
		var mixed strings.Builder
		for i, a := range req.Audio {
			label := fmt.Sprintf("[a%d]", i)
			delay := a.Offset.Milliseconds()
			if delay < 0 {
				delay = 0
			}
			graph = append(graph, fmt.Sprintf("[%d:a]adelay=%d:all=1%s", i+1, delay, label))
			mixed.WriteString(label)
		}
		if len(req.Audio) == 1 {
			graph = append(graph, "[a0]anull[aout]")
		} else {
			graph = append(graph, fmt.Sprintf("%samix=inputs=%d:duration=longest:normalize=0[aout]", mixed.String(), len(req.Audio)))
		}
		args = append(args,
			"-filter_complex", strings.Join(graph, ";"),
			"-map", "[aout]",
			"-c:a", "aac",
			"-b:a", "192k",
			"-ar", "48000",
		)
	}

	if f := formatFor(req.Output); f == "mp4" || f == "mov" {
		args = append(args, "-movflags", "+faststart")
	}
	return append(args, req.Output)
}

// MuxTracks writes req.Output from the video and audio inputs.
func MuxTracks(ctx context.Context, req MuxRequest) error {
	if req.Video == "" || req.Output == "" {
		return errors.New("mux needs a video input and an output")
	}
	if req.FFmpegPath == "" {
		req.FFmpegPath = "ffmpeg"
	}
	return run(ctx, req.FFmpegPath, muxArgs(req), logging.OrNop(req.Logger))
}

// concatList renders an ffmpeg concat demuxer script.
func concatList(parts []string) string {
	var b strings.Builder
	b.WriteString("ffconcat version 1.0\n")
	for _, p := range parts {
		b.WriteString("file '")
		b.WriteString(strings.ReplaceAll(p, "'", `'\''`))
		b.WriteString("'\n")
	}
	return b.String()
}

// Concat joins encoded parts into output without re-encoding.
func Concat(ctx context.Context, ffmpegPath string, parts []string, output string, log *zap.Logger) error {
	if len(parts) == 0 {
		return errors.New("concat needs at least one part")
	}
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	log = logging.OrNop(log)

	CleanupStale(defaultTempDirPrefix, 12*time.Hour)
	dir, err := os.MkdirTemp("", defaultTempDirPrefix)
	if err != nil {
		return fmt.Errorf("concat temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	abs := make([]string, 0, len(parts))
	for _, p := range parts {
		a, err := filepath.Abs(p)
		if err != nil {
			return err
		}
		abs = append(abs, a)
	}
	list := filepath.Join(dir, "parts.txt")
	if err := os.WriteFile(list, []byte(concatList(abs)), 0o600); err != nil {
		return fmt.Errorf("concat list: %w", err)
	}

	args := []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-f", "concat", "-safe", "0",
		"-i", list,
		"-c", "copy",
	}
	if f := formatFor(output); f == "mp4" || f == "mov" {
		args = append(args, "-movflags", "+faststart")
	}
	args = append(args, output)
	return run(ctx, ffmpegPath, args, log)
}

func run(ctx context.Context, ffmpegPath string, args []string, log *zap.Logger) error {
	log.Debug("ffmpeg run", zap.String("ffmpeg", ffmpegPath), zap.String("args", strings.Join(args, " ")))

	cmd := processutil.CommandContext(ctx, ffmpegPath, args...)
	stderr := &processutil.TailBuffer{}
	cmd.Stderr = stderr
	started := time.Now()
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("ffmpeg: %w: %s", err, stderr.Tail(300))
	}
	log.Debug("ffmpeg run finished", zap.Duration("took", time.Since(started)))
	return nil
}

// CleanupStale removes leftover scratch directories older than maxAge.
func CleanupStale(prefix string, maxAge time.Duration) {
	if prefix == "" {
		prefix = defaultTempDirPrefix
	}

	matches, err := filepath.Glob(filepath.Join(os.TempDir(), prefix+"*"))
	if err != nil {
		return
	}
	for _, dir := range matches {
		info, statErr := os.Stat(dir)
		if statErr != nil || !info.IsDir() {
			continue
		}
		if time.Since(info.ModTime()) < maxAge {
			continue
		}
		_ = os.RemoveAll(dir)
	}
}
