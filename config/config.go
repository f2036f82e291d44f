// Package config loads recorder settings from a YAML or TOML file, a .env
// file and SCREENREC_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"go2tv.app/screenrec/capture"
)

// Environment overrides.
const (
	EnvFrameRate      = "SCREENREC_FPS"
	EnvOutputDir      = "SCREENREC_OUTPUT_DIR"
	EnvSystemAudio    = "SCREENREC_SYSTEM_AUDIO"
	EnvMicrophone     = "SCREENREC_MICROPHONE"
	EnvFFmpeg         = "SCREENREC_FFMPEG"
	EnvSegmentSeconds = "SCREENREC_SEGMENT_SECONDS"
)

const (
	minFrameRate      = 1
	maxFrameRate      = 120
	minSegmentSeconds = 1
	maxSegmentSeconds = 60
)

// Config is the full recorder configuration.
type Config struct {
	OutputDir   string        `yaml:"output_dir" toml:"output_dir"`
	FFmpegPath  string        `yaml:"ffmpeg" toml:"ffmpeg"`
	MaxDuration time.Duration `yaml:"max_duration" toml:"max_duration"`
	InhibitIdle bool          `yaml:"inhibit_idle" toml:"inhibit_idle"`

	Target  TargetConfig  `yaml:"target" toml:"target"`
	Capture CaptureConfig `yaml:"capture" toml:"capture"`
	Audio   AudioConfig   `yaml:"audio" toml:"audio"`
	Cursor  CursorConfig  `yaml:"cursor" toml:"cursor"`
	Webcam  WebcamConfig  `yaml:"webcam" toml:"webcam"`
	Log     LogConfig     `yaml:"log" toml:"log"`
	Metrics MetricsConfig `yaml:"metrics" toml:"metrics"`
}

// TargetConfig selects what to record. Kind is display, region or window.
type TargetConfig struct {
	Kind    string `yaml:"kind" toml:"kind"`
	Display int    `yaml:"display" toml:"display"`
	X       int    `yaml:"x" toml:"x"`
	Y       int    `yaml:"y" toml:"y"`
	Width   int    `yaml:"width" toml:"width"`
	Height  int    `yaml:"height" toml:"height"`
	Window  uint32 `yaml:"window" toml:"window"`
}

type CaptureConfig struct {
	FrameRate         int           `yaml:"fps" toml:"fps"`
	Backend           string        `yaml:"backend" toml:"backend"`
	QueueSize         int           `yaml:"queue_size" toml:"queue_size"`
	FirstFrameTimeout time.Duration `yaml:"first_frame_timeout" toml:"first_frame_timeout"`
	StaleBudget       int           `yaml:"stale_budget" toml:"stale_budget"`
	BottomUp          bool          `yaml:"bottom_up" toml:"bottom_up"`
}

type AudioConfig struct {
	System           bool   `yaml:"system" toml:"system"`
	Microphone       bool   `yaml:"microphone" toml:"microphone"`
	SystemDevice     string `yaml:"system_device" toml:"system_device"`
	MicrophoneDevice string `yaml:"microphone_device" toml:"microphone_device"`
	SampleRate       int    `yaml:"sample_rate" toml:"sample_rate"`
	Channels         int    `yaml:"channels" toml:"channels"`
}

type CursorConfig struct {
	Enabled       bool          `yaml:"enabled" toml:"enabled"`
	PollInterval  time.Duration `yaml:"poll_interval" toml:"poll_interval"`
	FlushInterval time.Duration `yaml:"flush_interval" toml:"flush_interval"`
}

type WebcamConfig struct {
	Enabled        bool   `yaml:"enabled" toml:"enabled"`
	Device         string `yaml:"device" toml:"device"`
	Width          int    `yaml:"width" toml:"width"`
	Height         int    `yaml:"height" toml:"height"`
	FrameRate      int    `yaml:"fps" toml:"fps"`
	SegmentSeconds int    `yaml:"segment_seconds" toml:"segment_seconds"`
}

type LogConfig struct {
	Level string `yaml:"level" toml:"level"`
	File  string `yaml:"file" toml:"file"`
	JSON  bool   `yaml:"json" toml:"json"`
}

// MetricsConfig enables the Prometheus endpoint when Listen is set.
type MetricsConfig struct {
	Listen string `yaml:"listen" toml:"listen"`
}

// Default returns the settings used when nothing is configured.
func Default() *Config {
	return &Config{
		OutputDir:   "recordings",
		FFmpegPath:  "ffmpeg",
		InhibitIdle: true,
		Target:      TargetConfig{Kind: capture.KindDisplay.String()},
		Capture: CaptureConfig{
			FrameRate:         30,
			Backend:           string(capture.BackendAuto),
			FirstFrameTimeout: capture.DefaultFirstFrameTimeout,
			StaleBudget:       10,
		},
		Audio: AudioConfig{
			System:     true,
			Microphone: true,
			SampleRate: 48000,
			Channels:   2,
		},
		Cursor: CursorConfig{
			Enabled:       true,
			PollInterval:  16 * time.Millisecond,
			FlushInterval: 5 * time.Second,
		},
		Webcam: WebcamConfig{
			Width:          640,
			Height:         360,
			FrameRate:      30,
			SegmentSeconds: 3,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads .env, then the config file at path (YAML or TOML by
// extension; empty path means defaults), applies environment overrides
// and validates.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
		defer f.Close()

		switch strings.ToLower(filepath.Ext(path)) {
		case ".toml":
			err = decodeTOML(f, cfg)
		case ".yaml", ".yml", "":
			err = decodeYAML(f, cfg)
		default:
			err = fmt.Errorf("unsupported config format %q", filepath.Ext(path))
		}
		if err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}

	ApplyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes YAML from r over the defaults and validates it.
// Environment overrides are not applied.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decodeYAML(r, cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeYAML(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode yaml: %w", err)
	}
	return nil
}

func decodeTOML(r io.Reader, cfg *Config) error {
	md, err := toml.NewDecoder(r).Decode(cfg)
	if err != nil {
		return fmt.Errorf("decode toml: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("unknown toml keys: %s", strings.Join(keys, ", "))
	}
	return nil
}

// ApplyEnv overlays the SCREENREC_* variables on cfg.
func ApplyEnv(cfg *Config) {
	cfg.Capture.FrameRate = IntEnvClamped(EnvFrameRate, cfg.Capture.FrameRate, minFrameRate, maxFrameRate)
	cfg.OutputDir = StringEnv(EnvOutputDir, cfg.OutputDir)
	cfg.Audio.System = BoolEnv(EnvSystemAudio, cfg.Audio.System)
	cfg.Audio.Microphone = BoolEnv(EnvMicrophone, cfg.Audio.Microphone)
	cfg.FFmpegPath = StringEnv(EnvFFmpeg, cfg.FFmpegPath)
	cfg.Webcam.SegmentSeconds = IntEnvClamped(EnvSegmentSeconds, cfg.Webcam.SegmentSeconds, minSegmentSeconds, maxSegmentSeconds)
}

// Validate checks cfg and returns a joined error listing every problem.
func Validate(cfg *Config) error {
	var errs []error

	if strings.TrimSpace(cfg.OutputDir) == "" {
		errs = append(errs, errors.New("output_dir is required"))
	}
	if cfg.MaxDuration < 0 {
		errs = append(errs, fmt.Errorf("max_duration %s must not be negative", cfg.MaxDuration))
	}
	if _, err := cfg.CaptureTarget(); err != nil {
		errs = append(errs, err)
	}

	if cfg.Capture.FrameRate < minFrameRate || cfg.Capture.FrameRate > maxFrameRate {
		errs = append(errs, fmt.Errorf("capture.fps %d out of range %d..%d", cfg.Capture.FrameRate, minFrameRate, maxFrameRate))
	}
	switch capture.Backend(cfg.Capture.Backend) {
	case capture.BackendAuto, capture.BackendScreenshot, capture.BackendPortal:
	default:
		errs = append(errs, fmt.Errorf("capture.backend %q is invalid; valid values: auto, screenshot, portal", cfg.Capture.Backend))
	}
	if cfg.Capture.FirstFrameTimeout <= 0 {
		errs = append(errs, errors.New("capture.first_frame_timeout must be positive"))
	}
	if cfg.Capture.StaleBudget < 0 {
		errs = append(errs, errors.New("capture.stale_budget must not be negative"))
	}

	if cfg.Audio.SampleRate < 8000 || cfg.Audio.SampleRate > 192000 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d out of range", cfg.Audio.SampleRate))
	}
	if cfg.Audio.Channels < 1 || cfg.Audio.Channels > 8 {
		errs = append(errs, fmt.Errorf("audio.channels %d out of range", cfg.Audio.Channels))
	}

	if cfg.Cursor.Enabled {
		if cfg.Cursor.PollInterval <= 0 {
			errs = append(errs, errors.New("cursor.poll_interval must be positive"))
		}
		if cfg.Cursor.FlushInterval <= 0 {
			errs = append(errs, errors.New("cursor.flush_interval must be positive"))
		}
	}

	if cfg.Webcam.Enabled {
		if cfg.Webcam.Width <= 0 || cfg.Webcam.Height <= 0 {
			errs = append(errs, fmt.Errorf("webcam size %dx%d is invalid", cfg.Webcam.Width, cfg.Webcam.Height))
		}
		if cfg.Webcam.FrameRate < minFrameRate || cfg.Webcam.FrameRate > maxFrameRate {
			errs = append(errs, fmt.Errorf("webcam.fps %d out of range", cfg.Webcam.FrameRate))
		}
	}
	if cfg.Webcam.SegmentSeconds < minSegmentSeconds || cfg.Webcam.SegmentSeconds > maxSegmentSeconds {
		errs = append(errs, fmt.Errorf("webcam.segment_seconds %d out of range %d..%d", cfg.Webcam.SegmentSeconds, minSegmentSeconds, maxSegmentSeconds))
	}

	switch strings.ToLower(cfg.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is invalid; valid values: debug, info, warn, error", cfg.Log.Level))
	}

	return errors.Join(errs...)
}

// CaptureTarget converts the target section.
func (c *Config) CaptureTarget() (capture.Target, error) {
	switch strings.ToLower(c.Target.Kind) {
	case "", capture.KindDisplay.String():
		if c.Target.Display < 0 {
			return capture.Target{}, fmt.Errorf("target.display %d must not be negative", c.Target.Display)
		}
		return capture.DisplayTarget(c.Target.Display), nil
	case capture.KindRegion.String():
		if c.Target.Width <= 0 || c.Target.Height <= 0 {
			return capture.Target{}, fmt.Errorf("target region %dx%d is empty", c.Target.Width, c.Target.Height)
		}
		return capture.RegionTarget(image.Rect(c.Target.X, c.Target.Y, c.Target.X+c.Target.Width, c.Target.Y+c.Target.Height)), nil
	case capture.KindWindow.String():
		if c.Target.Window == 0 {
			return capture.Target{}, errors.New("target.window id is required")
		}
		return capture.WindowTarget(c.Target.Window), nil
	default:
		return capture.Target{}, fmt.Errorf("target.kind %q is invalid; valid values: display, region, window", c.Target.Kind)
	}
}

// SegmentDuration is the webcam fragment length.
func (c *Config) SegmentDuration() time.Duration {
	return time.Duration(c.Webcam.SegmentSeconds) * time.Second
}
