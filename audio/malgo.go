package audio

import (
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/gen2brain/malgo"
	"go.uber.org/zap"

	"go2tv.app/screenrec/internal/logging"
)

// maxBuffered bounds a device buffer to a few seconds of audio.
const maxBuffered = 5 * time.Second

// loopbackHints match capture devices that expose the system output: the
// PulseAudio/PipeWire monitor sources and common macOS virtual devices.
var loopbackHints = []string{"monitor of", ".monitor", "blackhole", "soundflower", "loopback"}

// DeviceOptions configures OpenDevice.
type DeviceOptions struct {
	Kind Kind

	// Name selects a capture device by case-insensitive substring. Empty
	// means the default microphone or the first loopback source.
	Name string

	// Format defaults to DefaultFormat.
	Format Format

	Logger *zap.Logger
}

type malgoDevice struct {
	*sampleBuffer

	ctx    *malgo.AllocatedContext
	dev    *malgo.Device
	format Format
	log    *zap.Logger

	closeOnce sync.Once
	closing   bool
	mu        sync.Mutex
}

// OpenDevice initializes a capture device without starting it.
func OpenDevice(opts DeviceOptions) (Device, error) {
	if opts.Format.SampleRate == 0 || opts.Format.Channels == 0 {
		opts.Format = DefaultFormat
	}
	log := logging.OrNop(opts.Logger).Named("audio").With(zap.Stringer("kind", opts.Kind))

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		log.Debug("miniaudio", zap.String("message", strings.TrimSpace(message)))
	})
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}

	cfg, err := deviceConfig(ctx, opts, log)
	if err != nil {
		_ = ctx.Uninit()
		ctx.Free()
		return nil, err
	}

	d := &malgoDevice{
		sampleBuffer: newSampleBuffer(int(opts.Format.FramesIn(maxBuffered)) * int(opts.Format.Channels)),
		ctx:          ctx,
		format:       opts.Format,
		log:          log,
	}
	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			d.pushBytes(input)
		},
		Stop: func() {
			d.mu.Lock()
			closing := d.closing
			d.mu.Unlock()
			if !closing {
				d.fail(ErrDeviceStopped)
			}
		},
	}
	dev, err := malgo.InitDevice(ctx.Context, cfg, callbacks)
	if err != nil {
		_ = ctx.Uninit()
		ctx.Free()
		return nil, fmt.Errorf("init %s device: %w", opts.Kind, err)
	}
	d.dev = dev
	return d, nil
}

func deviceConfig(ctx *malgo.AllocatedContext, opts DeviceOptions, log *zap.Logger) (malgo.DeviceConfig, error) {
	deviceType := malgo.Capture
	if opts.Kind == KindSystem && runtime.GOOS == "windows" && opts.Name == "" {
		deviceType = malgo.Loopback
	}
	cfg := malgo.DefaultDeviceConfig(deviceType)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = uint32(opts.Format.Channels)
	cfg.SampleRate = opts.Format.SampleRate

	if deviceType == malgo.Loopback {
		log.Debug("using wasapi loopback")
		return cfg, nil
	}
	if opts.Kind == KindMicrophone && opts.Name == "" {
		return cfg, nil
	}

	infos, err := ctx.Devices(malgo.Capture)
	if err != nil {
		return cfg, fmt.Errorf("enumerate capture devices: %w", err)
	}
	names := make([]string, len(infos))
	for i := range infos {
		names[i] = infos[i].Name()
	}
	idx := matchDevice(names, opts.Kind, opts.Name)
	if idx < 0 {
		return cfg, fmt.Errorf("%w: %s %q", ErrDeviceNotFound, opts.Kind, opts.Name)
	}
	log.Debug("selected device", zap.String("name", names[idx]))
	cfg.Capture.DeviceID = infos[idx].ID.Pointer()
	return cfg, nil
}

// matchDevice returns the index of the device to open, or -1.
func matchDevice(names []string, kind Kind, want string) int {
	want = strings.ToLower(strings.TrimSpace(want))
	for i, n := range names {
		lower := strings.ToLower(n)
		if want != "" {
			if strings.Contains(lower, want) {
				return i
			}
			continue
		}
		if kind == KindSystem {
			for _, hint := range loopbackHints {
				if strings.Contains(lower, hint) {
					return i
				}
			}
		}
	}
	return -1
}

func (d *malgoDevice) Format() Format { return d.format }

func (d *malgoDevice) Start() error {
	return d.dev.Start()
}

func (d *malgoDevice) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closing = true
		d.mu.Unlock()

		if d.dev.IsStarted() {
			err = d.dev.Stop()
		}
		d.dev.Uninit()
		if uerr := d.ctx.Uninit(); uerr != nil && err == nil {
			err = uerr
		}
		d.ctx.Free()
		if dropped := d.Dropped(); dropped > 0 {
			d.log.Warn("samples dropped while the track loop fell behind", zap.Uint64("samples", dropped))
		}
	})
	return err
}

// DeviceInfo names one capture device.
type DeviceInfo struct {
	Name     string
	Loopback bool
}

// ListDevices enumerates capture devices, flagging loopback sources.
func ListDevices() ([]DeviceInfo, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}
	defer func() {
		_ = ctx.Uninit()
		ctx.Free()
	}()

	infos, err := ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, err
	}
	out := make([]DeviceInfo, 0, len(infos))
	for i := range infos {
		name := infos[i].Name()
		out = append(out, DeviceInfo{Name: name, Loopback: matchDevice([]string{name}, KindSystem, "") == 0})
	}
	return out, nil
}
