// Package queue holds the ingestion queue and its single consumer. The
// queue is an unbounded FIFO: producers never block, and the one Worker
// drains events strictly in enqueue order so reconciliations never
// interleave.
package queue

import (
	"context"
	"sync"

	"github.com/hayes/lecturesync/internal/lecture"
	"github.com/hayes/lecturesync/pkg/metrics"
)

// Queue is safe for any number of producers and one consumer.
type Queue struct {
	mu      sync.Mutex
	items   []lecture.LectureEvent
	signal  chan struct{}
	metrics *metrics.Metrics
}

// New creates an empty queue. m may be nil.
func New(m *metrics.Metrics) *Queue {
	return &Queue{
		signal:  make(chan struct{}, 1),
		metrics: m,
	}
}

// Enqueue appends ev and returns immediately.
func (q *Queue) Enqueue(ev lecture.LectureEvent) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	depth := len(q.items)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	if q.metrics != nil {
		q.metrics.QueueDepth.Set(float64(depth))
		q.metrics.QueueEnqueuedTotal.WithLabelValues(ev.Source).Inc()
	}
}

// Dequeue removes and returns the oldest event, waiting until one arrives
// or ctx is done.
func (q *Queue) Dequeue(ctx context.Context) (lecture.LectureEvent, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			ev := q.items[0]
			q.items[0] = lecture.LectureEvent{}
			q.items = q.items[1:]
			depth := len(q.items)
			q.mu.Unlock()
			if q.metrics != nil {
				q.metrics.QueueDepth.Set(float64(depth))
			}
			return ev, nil
		}
		q.mu.Unlock()

		select {
		case <-q.signal:
		case <-ctx.Done():
			return lecture.LectureEvent{}, ctx.Err()
		}
	}
}

// Len returns the number of events waiting.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
