// Package observe provides the recorder's OpenTelemetry metrics.
//
// Instruments are created from a [metric.MeterProvider] with [NewMetrics].
// Components receive a *Metrics at construction; a nil *Metrics is valid and
// records nothing, so tests and library users that do not care about
// telemetry can pass nil.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "go2tv.app/screenrec"

// Metrics holds all instruments.
type Metrics struct {
	// FramesForwarded counts video frames handed to the encoder.
	FramesForwarded metric.Int64Counter

	// FrameTimeouts counts bounded frame reads that returned nothing.
	FrameTimeouts metric.Int64Counter

	// StaleFrames counts frames discarded because they predate the start.
	StaleFrames metric.Int64Counter

	// FramesDropped counts frames a capture queue discarded under
	// backpressure. Attribute: source.
	FramesDropped metric.Int64Counter

	// AudioFrames counts audio buffers by track and outcome
	// (written, discarded).
	AudioFrames metric.Int64Counter

	// CursorImages counts distinct cursor bitmaps persisted.
	CursorImages metric.Int64Counter

	// CursorEvents counts cursor log events. Attribute: kind (move, click).
	CursorEvents metric.Int64Counter

	// FragmentsCompleted counts segmented-muxer fragments closed cleanly.
	FragmentsCompleted metric.Int64Counter

	// ActiveRecordings tracks recordings between Start and finalization.
	ActiveRecordings metric.Int64UpDownCounter

	// EncoderWrite tracks the time spent writing one frame to an encoder.
	EncoderWrite metric.Float64Histogram
}

var writeBuckets = []float64{
	0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25,
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.FramesForwarded, err = m.Int64Counter("screenrec.video.frames_forwarded",
		metric.WithDescription("Video frames forwarded to the encoder."),
	); err != nil {
		return nil, err
	}
	if met.FrameTimeouts, err = m.Int64Counter("screenrec.video.frame_timeouts",
		metric.WithDescription("Frame reads that timed out."),
	); err != nil {
		return nil, err
	}
	if met.StaleFrames, err = m.Int64Counter("screenrec.video.stale_frames",
		metric.WithDescription("Frames discarded because they were captured before the recording start."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("screenrec.video.frames_dropped",
		metric.WithDescription("Frames dropped by capture queues under backpressure."),
	); err != nil {
		return nil, err
	}
	if met.AudioFrames, err = m.Int64Counter("screenrec.audio.frames",
		metric.WithDescription("Audio buffers by track and outcome."),
	); err != nil {
		return nil, err
	}
	if met.CursorImages, err = m.Int64Counter("screenrec.cursor.images",
		metric.WithDescription("Distinct cursor bitmaps persisted."),
	); err != nil {
		return nil, err
	}
	if met.CursorEvents, err = m.Int64Counter("screenrec.cursor.events",
		metric.WithDescription("Cursor events recorded by kind."),
	); err != nil {
		return nil, err
	}
	if met.FragmentsCompleted, err = m.Int64Counter("screenrec.segment.fragments_completed",
		metric.WithDescription("Fragments closed and marked completed in the manifest."),
	); err != nil {
		return nil, err
	}
	if met.ActiveRecordings, err = m.Int64UpDownCounter("screenrec.active_recordings",
		metric.WithDescription("Recordings currently running."),
	); err != nil {
		return nil, err
	}
	if met.EncoderWrite, err = m.Float64Histogram("screenrec.encoder.write.duration",
		metric.WithDescription("Time to write one frame to an encoder process."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(writeBuckets...),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns a process-wide instance built on the global meter
// provider. Panics if instrument creation fails.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Add increments c by n with attrs. Safe on a nil *Metrics.
func (m *Metrics) Add(ctx context.Context, c func(*Metrics) metric.Int64Counter, n int64, attrs ...attribute.KeyValue) {
	if m == nil || n == 0 {
		return
	}
	c(m).Add(ctx, n, metric.WithAttributes(attrs...))
}

// RecordingStarted increments ActiveRecordings.
func (m *Metrics) RecordingStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveRecordings.Add(ctx, 1)
}

// RecordingFinished decrements ActiveRecordings.
func (m *Metrics) RecordingFinished(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveRecordings.Add(ctx, -1)
}

// ObserveEncoderWrite records one encoder write latency in seconds.
func (m *Metrics) ObserveEncoderWrite(ctx context.Context, seconds float64, track string) {
	if m == nil {
		return
	}
	m.EncoderWrite.Record(ctx, seconds, metric.WithAttributes(attribute.String("track", track)))
}

// Field selectors for Add.
func FramesForwarded(m *Metrics) metric.Int64Counter    { return m.FramesForwarded }
func FrameTimeouts(m *Metrics) metric.Int64Counter      { return m.FrameTimeouts }
func StaleFrames(m *Metrics) metric.Int64Counter        { return m.StaleFrames }
func FramesDropped(m *Metrics) metric.Int64Counter      { return m.FramesDropped }
func AudioFrames(m *Metrics) metric.Int64Counter        { return m.AudioFrames }
func CursorImages(m *Metrics) metric.Int64Counter       { return m.CursorImages }
func CursorEvents(m *Metrics) metric.Int64Counter       { return m.CursorEvents }
func FragmentsCompleted(m *Metrics) metric.Int64Counter { return m.FragmentsCompleted }
