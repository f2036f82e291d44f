package capture

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"go2tv.app/screenrec/internal/logging"
	"go2tv.app/screenrec/internal/observe"
)

// frameQueue is the bounded most-recent-wins channel between a backend
// thread and the consumer. Publish never blocks: when the queue is full the
// oldest unread frame is discarded to make room.
type frameQueue struct {
	name    string
	queue   chan *Frame
	done    chan struct{}
	log     *zap.Logger
	metrics *observe.Metrics

	closeOnce   sync.Once
	dropped     atomic.Uint64
	lastDropLog atomic.Int64
}

func newFrameQueue(name string, size int, log *zap.Logger, metrics *observe.Metrics) *frameQueue {
	if size <= 0 {
		size = defaultQueueSize
	}
	return &frameQueue{
		name:    name,
		queue:   make(chan *Frame, size),
		done:    make(chan struct{}),
		log:     logging.OrNop(log),
		metrics: metrics,
	}
}

// Publish enqueues f, dropping the oldest queued frame if full. Frames
// published after Close are discarded.
func (q *frameQueue) Publish(f *Frame) {
	if f == nil {
		return
	}
	select {
	case <-q.done:
		return
	default:
	}

	select {
	case q.queue <- f:
		return
	default:
	}

	select {
	case <-q.queue:
		q.recordDrop()
	default:
	}

	select {
	case q.queue <- f:
	default:
		// Lost a race with another publisher; the new frame goes instead.
		q.recordDrop()
	}
}

func (q *frameQueue) recordDrop() {
	total := q.dropped.Add(1)
	q.metrics.Add(context.Background(), observe.FramesDropped, 1, attribute.String("source", q.name))
	if logging.Every(&q.lastDropLog, time.Second) {
		q.log.Debug("dropped frame", zap.Uint64("total", total), zap.Int("queue", len(q.queue)))
	}
}

// Next waits up to timeout for a frame. It returns false on timeout and once
// the queue is closed and drained.
func (q *frameQueue) Next(timeout time.Duration) (*Frame, bool) {
	select {
	case f := <-q.queue:
		return f, true
	default:
	}
	if timeout <= 0 {
		return nil, false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case f := <-q.queue:
		return f, true
	case <-q.done:
		select {
		case f := <-q.queue:
			return f, true
		default:
			return nil, false
		}
	case <-timer.C:
		return nil, false
	}
}

func (q *frameQueue) Dropped() uint64 { return q.dropped.Load() }

func (q *frameQueue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}

func (q *frameQueue) Done() <-chan struct{} { return q.done }
