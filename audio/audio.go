// Package audio captures the two recording audio tracks, system output
// loopback and microphone, into streaming IEEE-float WAV files.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go2tv.app/screenrec/clock"
)

var (
	ErrDeviceNotFound = errors.New("audio device not found")
	ErrDeviceStopped  = errors.New("audio device stopped unexpectedly")
	ErrClosed         = errors.New("audio device closed")
)

// Kind selects which audio stream a device captures.
type Kind uint8

const (
	KindSystem Kind = iota
	KindMicrophone
)

func (k Kind) String() string {
	switch k {
	case KindSystem:
		return "system"
	case KindMicrophone:
		return "microphone"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Format is the fixed sample layout of a track: interleaved float32.
type Format struct {
	SampleRate uint32
	Channels   uint16
}

// DefaultFormat is 48kHz stereo.
var DefaultFormat = Format{SampleRate: 48000, Channels: 2}

// FrameDuration is the duration of n frames (one sample per channel).
func (f Format) FrameDuration(n int64) time.Duration {
	if f.SampleRate == 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(f.SampleRate)
}

// FramesIn is the number of whole frames covering d.
func (f Format) FramesIn(d time.Duration) int64 {
	return int64(d) * int64(f.SampleRate) / int64(time.Second)
}

// Frame is one drain of a device: interleaved samples stamped with the
// recorded-timeline position of the first sample, pauses excluded.
type Frame struct {
	Samples    []float32
	Timestamp  clock.Ticks
	FrameCount int64
}

// Device is an initialized capture device. Samples accumulate in an internal
// buffer from Start until drained.
type Device interface {
	Format() Format

	// Start begins delivering samples.
	Start() error

	// Wait blocks for at most timeout until samples are buffered. It returns
	// false on timeout.
	Wait(timeout time.Duration) bool

	// Drain appends every buffered sample to dst and clears the buffer. A
	// non-nil error means the device failed and will deliver nothing more.
	Drain(dst []float32) ([]float32, error)

	Close() error
}

// sampleBuffer is the hand-off between a device callback thread and the
// track loop. Push never blocks: beyond max samples the oldest are dropped.
type sampleBuffer struct {
	mu      sync.Mutex
	samples []float32
	max     int
	dropped uint64
	err     error
	ready   chan struct{}
}

func newSampleBuffer(max int) *sampleBuffer {
	return &sampleBuffer{
		samples: make([]float32, 0, min(max, 1<<16)),
		max:     max,
		ready:   make(chan struct{}, 1),
	}
}

// pushBytes appends little-endian float32 samples.
func (b *sampleBuffer) pushBytes(data []byte) {
	n := len(data) / 4
	if n == 0 {
		return
	}
	b.mu.Lock()
	for i := 0; i < n; i++ {
		b.samples = append(b.samples, math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:])))
	}
	b.trimLocked()
	b.mu.Unlock()
	b.signal()
}

func (b *sampleBuffer) push(samples []float32) {
	if len(samples) == 0 {
		return
	}
	b.mu.Lock()
	b.samples = append(b.samples, samples...)
	b.trimLocked()
	b.mu.Unlock()
	b.signal()
}

func (b *sampleBuffer) trimLocked() {
	if b.max <= 0 || len(b.samples) <= b.max {
		return
	}
	over := len(b.samples) - b.max
	b.dropped += uint64(over)
	b.samples = append(b.samples[:0], b.samples[over:]...)
}

func (b *sampleBuffer) signal() {
	select {
	case b.ready <- struct{}{}:
	default:
	}
}

func (b *sampleBuffer) fail(err error) {
	b.mu.Lock()
	if b.err == nil {
		b.err = err
	}
	b.mu.Unlock()
	b.signal()
}

func (b *sampleBuffer) Wait(timeout time.Duration) bool {
	b.mu.Lock()
	pending := len(b.samples) > 0 || b.err != nil
	b.mu.Unlock()
	if pending {
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-b.ready:
		return true
	case <-timer.C:
		return false
	}
}

func (b *sampleBuffer) Drain(dst []float32) ([]float32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	dst = append(dst, b.samples...)
	b.samples = b.samples[:0]
	select {
	case <-b.ready:
	default:
	}
	return dst, b.err
}

// Dropped counts samples discarded because the track loop fell behind.
func (b *sampleBuffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
