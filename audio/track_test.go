package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go2tv.app/screenrec/clock"
	"go2tv.app/screenrec/control"
)

// fakeDevice feeds a constant value at a fixed rate once started.
type fakeDevice struct {
	*sampleBuffer
	format Format

	value   atomic.Uint32
	started atomic.Bool
	closed  atomic.Bool
	stop    chan struct{}
	once    sync.Once
}

func newFakeDevice(format Format) *fakeDevice {
	d := &fakeDevice{
		sampleBuffer: newSampleBuffer(1 << 20),
		format:       format,
		stop:         make(chan struct{}),
	}
	d.setValue(1)
	return d
}

func (d *fakeDevice) setValue(v float32) {
	d.value.Store(math.Float32bits(v))
}

func (d *fakeDevice) Format() Format { return d.format }

func (d *fakeDevice) Start() error {
	d.started.Store(true)
	go func() {
		tick := time.NewTicker(10 * time.Millisecond)
		defer tick.Stop()
		frames := int(d.format.FramesIn(10 * time.Millisecond))
		for {
			select {
			case <-d.stop:
				return
			case <-tick.C:
				v := math.Float32frombits(d.value.Load())
				buf := make([]float32, frames*int(d.format.Channels))
				for i := range buf {
					buf[i] = v
				}
				d.push(buf)
			}
		}
	}()
	return nil
}

func (d *fakeDevice) Close() error {
	d.once.Do(func() {
		d.closed.Store(true)
		close(d.stop)
	})
	return nil
}

func newTrackForTest(t *testing.T, dev Device, flags *control.Flags, fill bool) *Track {
	t.Helper()
	tr, err := NewTrack(TrackOptions{
		Name:        "test",
		Path:        filepath.Join(t.TempDir(), "track.wav"),
		Device:      dev,
		Flags:       flags,
		WaitTimeout: 20 * time.Millisecond,
		FillGaps:    fill,
	})
	if err != nil {
		t.Fatalf("NewTrack: %v", err)
	}
	return tr
}

func runTrack(tr *Track) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- tr.Run(context.Background()) }()
	return errc
}

func TestTrackRecordsUntilStop(t *testing.T) {
	t.Parallel()

	format := Format{SampleRate: 8000, Channels: 2}
	dev := newFakeDevice(format)
	flags := control.New(clock.NewEpoch())
	tr := newTrackForTest(t, dev, flags, false)

	errc := runTrack(tr)
	time.Sleep(300 * time.Millisecond)
	flags.Stop()
	if err := <-errc; err != nil {
		t.Fatalf("Run: %v", err)
	}

	res := tr.Result()
	if res.Err != nil {
		t.Fatalf("result err: %v", res.Err)
	}
	if res.Duration < 150*time.Millisecond || res.Duration > 450*time.Millisecond {
		t.Errorf("duration = %s, want ~300ms", res.Duration)
	}
	if !dev.closed.Load() {
		t.Error("device not closed")
	}
	info, err := os.Stat(res.Path)
	if err != nil {
		t.Fatal(err)
	}
	if want := int64(wavHeaderSize) + res.Frames*2*4; info.Size() != want {
		t.Errorf("file size %d, want %d", info.Size(), want)
	}
}

func TestTrackDiscardsWhilePaused(t *testing.T) {
	t.Parallel()

	format := Format{SampleRate: 8000, Channels: 1}
	dev := newFakeDevice(format)
	flags := control.New(clock.NewEpoch())
	tr := newTrackForTest(t, dev, flags, false)

	errc := runTrack(tr)
	time.Sleep(150 * time.Millisecond)
	flags.Pause()
	dev.setValue(-1)
	time.Sleep(200 * time.Millisecond)
	// Samples still tagged -1 and buffered at resume are flushed.
	dev.setValue(1)
	flags.Resume()
	time.Sleep(150 * time.Millisecond)
	flags.Stop()
	if err := <-errc; err != nil {
		t.Fatalf("Run: %v", err)
	}

	res := tr.Result()
	if res.Discarded == 0 {
		t.Error("no samples discarded during pause")
	}
	data, err := os.ReadFile(res.Path)
	if err != nil {
		t.Fatal(err)
	}
	paused := 0
	for off := wavHeaderSize; off+4 <= len(data); off += 4 {
		if math.Float32frombits(binary.LittleEndian.Uint32(data[off:])) < 0 {
			paused++
		}
	}
	if paused > 0 {
		t.Errorf("%d samples captured during the pause were written", paused)
	}
}

type failingDevice struct {
	*fakeDevice
	after time.Duration
}

func (d *failingDevice) Start() error {
	if err := d.fakeDevice.Start(); err != nil {
		return err
	}
	time.AfterFunc(d.after, func() { d.fail(ErrDeviceStopped) })
	return nil
}

func TestTrackDeviceFailureEndsOnlyTrack(t *testing.T) {
	t.Parallel()

	format := Format{SampleRate: 8000, Channels: 1}
	dev := &failingDevice{fakeDevice: newFakeDevice(format), after: 100 * time.Millisecond}
	flags := control.New(clock.NewEpoch())
	tr := newTrackForTest(t, dev, flags, false)

	err := <-runTrack(tr)
	if !errors.Is(err, ErrDeviceStopped) {
		t.Fatalf("Run err = %v, want ErrDeviceStopped", err)
	}
	if flags.Stopped() {
		t.Error("track failure must not stop the recording")
	}
	res := tr.Result()
	if !errors.Is(res.Err, ErrDeviceStopped) {
		t.Errorf("result err = %v", res.Err)
	}
	if res.Frames == 0 {
		t.Error("partial audio lost")
	}
	data, err := os.ReadFile(res.Path)
	if err != nil {
		t.Fatal(err)
	}
	if got := binary.LittleEndian.Uint32(data[40:44]); int64(got) != res.Frames*4 {
		t.Errorf("header data size %d, want %d", got, res.Frames*4)
	}
}

// silentDevice never delivers samples, like a loopback device with nothing
// playing.
type silentDevice struct{ *fakeDevice }

func (d *silentDevice) Start() error { return nil }

func TestTrackFillsGapsWithSilence(t *testing.T) {
	t.Parallel()

	format := Format{SampleRate: 8000, Channels: 1}
	dev := &silentDevice{newFakeDevice(format)}
	flags := control.New(clock.NewEpoch())
	tr := newTrackForTest(t, dev, flags, true)

	errc := runTrack(tr)
	time.Sleep(400 * time.Millisecond)
	flags.Stop()
	if err := <-errc; err != nil {
		t.Fatalf("Run: %v", err)
	}
	res := tr.Result()
	if res.Duration < 200*time.Millisecond {
		t.Errorf("silence filled %s, want ~350ms", res.Duration)
	}
}

func TestTrackAbortRemovesFile(t *testing.T) {
	t.Parallel()

	dev := newFakeDevice(DefaultFormat)
	tr := newTrackForTest(t, dev, control.New(clock.NewEpoch()), false)
	if err := tr.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if _, err := os.Stat(tr.Path()); !os.IsNotExist(err) {
		t.Errorf("file still present: %v", err)
	}
}

func TestTrackFrameTimestamps(t *testing.T) {
	t.Parallel()

	var now atomic.Int64
	at := func(d time.Duration) { now.Store(int64(d)) }
	flags := control.NewWithClock(clock.NewEpoch(), func() time.Duration { return time.Duration(now.Load()) })
	format := Format{SampleRate: 1000, Channels: 1}
	tr := newTrackForTest(t, newFakeDevice(format), flags, false)
	defer tr.Abort()

	samples := func(n int) []float32 { return make([]float32, n) }
	steps := []struct {
		at   time.Duration
		n    int
		want time.Duration
	}{
		{100 * time.Millisecond, 50, 50 * time.Millisecond},
		{150 * time.Millisecond, 50, 100 * time.Millisecond},
		// Paused from 150ms to 400ms: stamps continue from 150ms.
		{450 * time.Millisecond, 50, 150 * time.Millisecond},
		{460 * time.Millisecond, 50, 160 * time.Millisecond},
		// A drain longer than the time since the last one does not step back.
		{470 * time.Millisecond, 100, 160 * time.Millisecond},
	}
	var last clock.Ticks
	for i, s := range steps {
		if s.at == 450*time.Millisecond {
			at(150 * time.Millisecond)
			flags.Pause()
			at(400 * time.Millisecond)
			flags.Resume()
		}
		at(s.at)
		f := tr.frame(samples(s.n))
		if f.FrameCount != int64(s.n) {
			t.Fatalf("step %d: frame count %d, want %d", i, f.FrameCount, s.n)
		}
		if f.Timestamp != clock.ToTicks(s.want) {
			t.Fatalf("step %d: timestamp %v, want %v", i, f.Timestamp.Duration(), s.want)
		}
		if f.Timestamp < last {
			t.Fatalf("step %d: timestamp went backwards", i)
		}
		last = f.Timestamp
		if i == 0 {
			if err := tr.write(f); err != nil {
				t.Fatal(err)
			}
			if tr.offset != 50*time.Millisecond {
				t.Fatalf("offset = %v, want 50ms", tr.offset)
			}
		}
	}
}
