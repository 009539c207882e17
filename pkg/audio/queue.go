package audio

import (
	"context"
	"sync"
	"sync/atomic"
)

// SpanQueue hands byte spans from a device callback (or a device reader
// goroutine) to [FrameSource.ReadAvailable]. Push never blocks: when the queue
// is full the span is dropped and counted as an overrun, because a real-time
// device callback must not wait on the consumer.
//
// SpanQueue is safe for concurrent use by one pusher and one popper.
type SpanQueue struct {
	spans    chan []byte
	done     chan struct{}
	once     sync.Once
	overruns atomic.Int64
}

// NewSpanQueue returns a queue holding at most depth pending spans.
func NewSpanQueue(depth int) *SpanQueue {
	if depth <= 0 {
		depth = 1
	}
	return &SpanQueue{
		spans: make(chan []byte, depth),
		done:  make(chan struct{}),
	}
}

// Push copies p into the queue. It reports false when the span was dropped
// because the queue is full or closed.
func (q *SpanQueue) Push(p []byte) bool {
	select {
	case <-q.done:
		return false
	default:
	}
	span := make([]byte, len(p))
	copy(span, p)
	select {
	case q.spans <- span:
		return true
	default:
		q.overruns.Add(1)
		return false
	}
}

// Pop waits for at least one pending span and returns it concatenated with
// every other span already queued. It returns [ErrDeviceClosed] once the
// queue is closed and empty, and ctx.Err() when ctx is done first.
func (q *SpanQueue) Pop(ctx context.Context) ([]byte, error) {
	var first []byte
	select {
	case first = <-q.spans:
	case <-q.done:
		select {
		case first = <-q.spans:
		default:
			return nil, ErrDeviceClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	for {
		select {
		case more := <-q.spans:
			first = append(first, more...)
		default:
			return first, nil
		}
	}
}

// Overruns returns the number of spans dropped because the queue was full.
func (q *SpanQueue) Overruns() int64 {
	return q.overruns.Load()
}

// Close marks the queue closed. Pending spans remain readable. Safe to call
// more than once.
func (q *SpanQueue) Close() {
	q.once.Do(func() { close(q.done) })
}
