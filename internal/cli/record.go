package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"go2tv.app/screenrec/audio"
	"go2tv.app/screenrec/capture"
	"go2tv.app/screenrec/config"
	"go2tv.app/screenrec/framepool"
	"go2tv.app/screenrec/internal/observe"
	"go2tv.app/screenrec/recorder"
	"go2tv.app/screenrec/segment"
)

type recordFlags struct {
	output      string
	fps         int
	display     int
	maxDuration time.Duration
	noSystem    bool
	noMic       bool
	noCursor    bool
	webcam      bool
	bestEffort  bool
	skipMux     bool
}

func newRecordCmd(d *deps) *cobra.Command {
	var f recordFlags
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record until Ctrl+C or a stop command",
		Long: "Record the configured target. Type pause, resume, stop or cancel on\n" +
			"stdin to control the recording. Ctrl+C stops and finalizes.",
		RunE: func(cmd *cobra.Command, args []string) error {
			applyRecordFlags(cmd, d.cfg, &f)
			if err := config.Validate(d.cfg); err != nil {
				return err
			}
			return runRecord(cmd.Context(), d, f, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&f.output, "output", "o", "", "directory receiving recordings")
	fl.IntVar(&f.fps, "fps", 0, "capture frame rate")
	fl.IntVar(&f.display, "display", 0, "display index to record")
	fl.DurationVar(&f.maxDuration, "max-duration", 0, "stop automatically after this much recorded time")
	fl.BoolVar(&f.noSystem, "no-system-audio", false, "do not record system audio")
	fl.BoolVar(&f.noMic, "no-mic", false, "do not record the microphone")
	fl.BoolVar(&f.noCursor, "no-cursor", false, "do not log cursor activity")
	fl.BoolVar(&f.webcam, "webcam", false, "record the webcam into fragments")
	fl.BoolVar(&f.bestEffort, "best-effort", false, "keep recording when audio, cursor or webcam cannot start")
	fl.BoolVar(&f.skipMux, "no-mux", false, "leave raw artifacts without muxing")
	return cmd
}

// applyRecordFlags overrides config values with flags the user set.
func applyRecordFlags(cmd *cobra.Command, cfg *config.Config, f *recordFlags) {
	fl := cmd.Flags()
	if fl.Changed("output") {
		cfg.OutputDir = f.output
	}
	if fl.Changed("fps") {
		cfg.Capture.FrameRate = f.fps
	}
	if fl.Changed("display") {
		cfg.Target = config.TargetConfig{Kind: capture.KindDisplay.String(), Display: f.display}
	}
	if fl.Changed("max-duration") {
		cfg.MaxDuration = f.maxDuration
	}
	if f.noSystem {
		cfg.Audio.System = false
	}
	if f.noMic {
		cfg.Audio.Microphone = false
	}
	if f.noCursor {
		cfg.Cursor.Enabled = false
	}
	if f.webcam {
		cfg.Webcam.Enabled = true
	}
}

// recorderOptions maps the config onto recorder options.
func recorderOptions(cfg *config.Config, f recordFlags) (recorder.Options, error) {
	target, err := cfg.CaptureTarget()
	if err != nil {
		return recorder.Options{}, err
	}
	orientation := framepool.TopDown
	if cfg.Capture.BottomUp {
		orientation = framepool.BottomUp
	}
	return recorder.Options{
		Target:             target,
		OutputDir:          cfg.OutputDir,
		FrameRate:          cfg.Capture.FrameRate,
		MaxDuration:        cfg.MaxDuration,
		FirstFrameTimeout:  cfg.Capture.FirstFrameTimeout,
		StaleBudget:        cfg.Capture.StaleBudget,
		EncoderOrientation: orientation,
		CaptureBackend:     capture.Backend(cfg.Capture.Backend),
		SystemAudio:        cfg.Audio.System,
		Microphone:         cfg.Audio.Microphone,
		SystemDevice:       cfg.Audio.SystemDevice,
		MicrophoneDevice:   cfg.Audio.MicrophoneDevice,
		AudioFormat: audio.Format{
			SampleRate: uint32(cfg.Audio.SampleRate),
			Channels:   uint16(cfg.Audio.Channels),
		},
		Cursor:              cfg.Cursor.Enabled,
		CursorPollInterval:  cfg.Cursor.PollInterval,
		CursorFlushInterval: cfg.Cursor.FlushInterval,
		Webcam:              cfg.Webcam.Enabled,
		WebcamOptions: segment.WebcamOptions{
			FFmpegPath: cfg.FFmpegPath,
			Device:     cfg.Webcam.Device,
			Width:      cfg.Webcam.Width,
			Height:     cfg.Webcam.Height,
			FrameRate:  cfg.Webcam.FrameRate,
		},
		SegmentDuration: cfg.SegmentDuration(),
		BestEffort:      f.bestEffort,
		InhibitIdle:     cfg.InhibitIdle,
		SkipFinalize:    f.skipMux,
		FFmpegPath:      cfg.FFmpegPath,
	}, nil
}

func runRecord(ctx context.Context, d *deps, f recordFlags, in io.Reader, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	log := d.log

	var metrics *observe.Metrics
	if addr := d.cfg.Metrics.Listen; addr != "" {
		m, shutdown, err := serveMetrics(ctx, addr, log)
		if err != nil {
			return err
		}
		defer shutdown()
		metrics = m
	}

	opts, err := recorderOptions(d.cfg, f)
	if err != nil {
		return err
	}
	opts.Logger = log
	opts.Metrics = metrics
	opts.OnState = func(s recorder.State) { fmt.Fprintf(out, "state: %s\n", s) }
	opts.OnProgress = func(p recorder.Progress) {
		fmt.Fprintf(out, "\r%s  frames=%d dropped=%d", p.Recorded.Truncate(time.Second), p.Frames, p.Dropped)
	}

	rec, err := recorder.New(opts)
	if err != nil {
		return err
	}
	if err := rec.Start(ctx); err != nil {
		return err
	}
	fmt.Fprintf(out, "recording to %s (pause, resume, stop, cancel)\n", rec.Dir())

	cmds := make(chan recorder.Command, 4)
	done := make(chan struct{})
	defer close(done)
	go readCommands(in, cmds, done, out)

	// Ctrl+C ends ctx, which the recorder treats as stop.
	res, err := rec.Run(ctx, cmds)
	fmt.Fprintln(out)
	printResult(out, res)
	return err
}

// readCommands forwards one command per input line. End of input is not a
// stop: a detached stdin must not end the recording. Once done is closed
// nobody reads cmds, so the next command ends the loop instead of blocking.
func readCommands(in io.Reader, cmds chan<- recorder.Command, done <-chan struct{}, out io.Writer) {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		line := strings.ToLower(strings.TrimSpace(sc.Text()))
		if line == "" {
			continue
		}
		c, err := recorder.ParseCommand(line)
		if err != nil {
			fmt.Fprintln(out, err)
			continue
		}
		select {
		case cmds <- c:
		case <-done:
			return
		}
		if c == recorder.Stop || c == recorder.Cancel {
			return
		}
	}
}

func printResult(out io.Writer, res recorder.Result) {
	fmt.Fprintf(out, "%s: %s recorded, %s paused, %d frames\n", res.State, res.Duration.Round(time.Millisecond), res.Paused.Round(time.Millisecond), res.Frames)
	if res.State == recorder.Cancelled {
		return
	}
	for _, t := range res.Tracks {
		status := "ok"
		if t.Error != "" {
			status = t.Error
		}
		fmt.Fprintf(out, "  audio %-10s offset %.0fms  %s\n", t.Name, t.OffsetMS, status)
	}
	if res.Output != "" {
		fmt.Fprintf(out, "  output  %s\n", res.Output)
	} else if res.Video != "" {
		fmt.Fprintf(out, "  video   %s\n", res.Video)
	}
	if res.WebcamOutput != "" {
		fmt.Fprintf(out, "  webcam  %s\n", res.WebcamOutput)
	}
	for _, w := range res.Warnings {
		fmt.Fprintf(out, "  warning: %s\n", w)
	}
}

// serveMetrics exposes the recorder instruments on addr/metrics.
func serveMetrics(ctx context.Context, addr string, log *zap.Logger) (*observe.Metrics, func(), error) {
	shutdownProvider, err := observe.InitProvider(ctx, observe.ProviderConfig{})
	if err != nil {
		return nil, nil, fmt.Errorf("metrics: %w", err)
	}
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		_ = shutdownProvider(ctx)
		return nil, nil, fmt.Errorf("metrics: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("metrics server", zap.Error(err))
		}
	}()
	log.Info("serving metrics", zap.String("addr", "http://"+addr+"/metrics"))

	return metrics, func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(sctx)
		_ = shutdownProvider(sctx)
	}, nil
}
