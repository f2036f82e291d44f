package encoder

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"go2tv.app/screenrec/internal/logging"
	"go2tv.app/screenrec/internal/processutil"
)

const encoderProbeTimeout = 5 * time.Second

// Plan is one way of encoding H.264 with the local ffmpeg.
type Plan struct {
	Label      string
	Codec      string
	Hardware   bool
	GlobalArgs []string
	Filter     string
	CodecArgs  []string
}

func (p Plan) mode() string {
	if p.Hardware {
		return "hardware"
	}
	return "software"
}

// hardwareCandidates lists hardware encoders worth probing on this platform.
func hardwareCandidates(gop int) []Plan {
	switch runtime.GOOS {
	case "darwin":
		return []Plan{hardwarePlan("h264_videotoolbox", "h264_videotoolbox", nil, "format=yuv420p", gop)}
	case "windows":
		return []Plan{
			hardwarePlan("h264_nvenc", "h264_nvenc", nil, "format=yuv420p", gop),
			hardwarePlan("h264_amf", "h264_amf", nil, "format=yuv420p", gop),
			hardwarePlan("h264_qsv", "h264_qsv", nil, "format=nv12", gop),
		}
	default:
		plans := []Plan{hardwarePlan("h264_nvenc", "h264_nvenc", nil, "format=yuv420p", gop)}
		if devices, err := filepath.Glob("/dev/dri/renderD*"); err == nil {
			for _, dev := range devices {
				label := fmt.Sprintf("h264_vaapi (%s)", dev)
				plans = append(plans, hardwarePlan("h264_vaapi", label, []string{"-vaapi_device", dev}, "format=nv12,hwupload", gop))
			}
		}
		return append(plans, hardwarePlan("h264_qsv", "h264_qsv", nil, "format=nv12", gop))
	}
}

func hardwarePlan(codec, label string, globalArgs []string, filter string, gop int) Plan {
	g := strconv.Itoa(gop)
	return Plan{
		Label:      label,
		Codec:      codec,
		Hardware:   true,
		GlobalArgs: append([]string(nil), globalArgs...),
		Filter:     filter,
		CodecArgs: []string{
			"-c:v", codec,
			"-b:v", "8000k",
			"-maxrate", "12000k",
			"-bufsize", "16000k",
			"-g", g,
		},
	}
}

// SoftwarePlan is the libx264 fallback every ffmpeg build can run.
func SoftwarePlan(gop int) Plan {
	g := strconv.Itoa(gop)
	return Plan{
		Label:  "libx264",
		Codec:  "libx264",
		Filter: "format=yuv420p",
		CodecArgs: []string{
			"-c:v", "libx264",
			"-preset", "veryfast",
			"-crf", "20",
			"-pix_fmt", "yuv420p",
			"-g", g,
			"-keyint_min", g,
			"-sc_threshold", "0",
		},
	}
}

type selectKey struct {
	ffmpeg string
	gop    int
}

var selected sync.Map // selectKey -> Plan

// Select returns the first hardware plan that passes a short probe encode,
// or the software plan. Results are cached per ffmpeg binary and GOP.
func Select(ffmpegPath string, gop int, log *zap.Logger) Plan {
	log = logging.OrNop(log)
	key := selectKey{ffmpeg: ffmpegPath, gop: gop}
	if p, ok := selected.Load(key); ok {
		return p.(Plan)
	}
	plan := selectPlan(ffmpegPath, gop, log)
	selected.Store(key, plan)
	return plan
}

func selectPlan(ffmpegPath string, gop int, log *zap.Logger) Plan {
	software := SoftwarePlan(gop)
	candidates := hardwareCandidates(gop)

	if _, err := exec.LookPath(ffmpegPath); err != nil {
		log.Debug("encoder probe skipped", zap.String("reason", "ffmpeg_not_found"), zap.Error(err))
		return software
	}

	available, err := ffmpegEncoderSet(ffmpegPath)
	if err != nil {
		log.Debug("ffmpeg -encoders failed", zap.Error(err))
	}

	for _, candidate := range candidates {
		if len(available) > 0 {
			if _, ok := available[candidate.Codec]; !ok {
				log.Debug("encoder probe skip", zap.String("encoder", candidate.Label), zap.String("reason", "not_in_ffmpeg_encoder_list"))
				continue
			}
		}
		if err := probe(ffmpegPath, candidate); err != nil {
			log.Debug("encoder probe failed", zap.String("encoder", candidate.Label), zap.Error(err))
			continue
		}
		log.Info("video encoder selected", zap.String("encoder", candidate.Label), zap.String("mode", candidate.mode()))
		return candidate
	}

	log.Info("video encoder selected", zap.String("encoder", software.Label), zap.String("mode", software.mode()))
	return software
}

func ffmpegEncoderSet(ffmpegPath string) (map[string]struct{}, error) {
	ctx, cancel := context.WithTimeout(context.Background(), encoderProbeTimeout)
	defer cancel()

	out, err := processutil.CommandContext(ctx, ffmpegPath, "-hide_banner", "-encoders").Output()
	if ctx.Err() != nil {
		return nil, fmt.Errorf("ffmpeg -encoders timeout after %s", encoderProbeTimeout)
	}
	if err != nil {
		return nil, fmt.Errorf("ffmpeg -encoders failed: %w", err)
	}
	return parseEncoders(string(out)), nil
}

// parseEncoders reads `ffmpeg -encoders` output, whose rows look like
// " V....D h264_nvenc  NVIDIA NVENC H.264 encoder".
func parseEncoders(out string) map[string]struct{} {
	encoders := make(map[string]struct{})
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) < 2 || fields[1] == "=" {
			continue
		}
		if strings.HasPrefix(fields[0], "V") && len(fields[0]) == 6 {
			encoders[fields[1]] = struct{}{}
		}
	}
	return encoders
}

func probe(ffmpegPath string, plan Plan) error {
	ctx, cancel := context.WithTimeout(context.Background(), encoderProbeTimeout)
	defer cancel()

	args := []string{"-v", "error", "-nostdin"}
	args = append(args, plan.GlobalArgs...)
	args = append(args,
		"-f", "lavfi",
		"-i", "color=c=black:s=1280x720:r=30:d=0.5",
		"-an",
		"-frames:v", "8",
	)
	if plan.Filter != "" {
		args = append(args, "-vf", plan.Filter)
	}
	args = append(args, plan.CodecArgs...)
	args = append(args, "-f", "null", "-")

	cmd := processutil.CommandContext(ctx, ffmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.Stdout = &stderr

	err := cmd.Run()
	if ctx.Err() != nil {
		return fmt.Errorf("probe timeout after %s", encoderProbeTimeout)
	}
	if err != nil {
		return fmt.Errorf("probe failed: %w: %s", err, tailString(strings.TrimSpace(stderr.String()), 240))
	}
	return nil
}

func tailString(s string, n int) string {
	if s == "" {
		return "no ffmpeg stderr output"
	}
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
