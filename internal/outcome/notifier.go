// Package outcome fans processed-lecture outcomes out to Kafka and keeps
// in-memory statistics for the status API.
package outcome

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hayes/lecturesync/internal/lecture"
	"github.com/hayes/lecturesync/pkg/kafka"
	"github.com/hayes/lecturesync/pkg/metrics"
)

// Publisher writes a batch of events to a topic.
type Publisher interface {
	PublishBatch(ctx context.Context, events []kafka.Event) error
}

// NotifierConfig controls buffering and batching.
type NotifierConfig struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
}

// Notifier publishes outcome events without blocking the queue worker. When
// the buffer is full, events are dropped and counted.
type Notifier struct {
	publisher     Publisher
	eventCh       chan LectureEvent
	batchSize     int
	flushInterval time.Duration
	metrics       *metrics.Metrics
	logger        *slog.Logger
	stop          chan struct{}
	stopOnce      sync.Once
	done          chan struct{}
}

// NewNotifier creates a Notifier. m may be nil.
func NewNotifier(publisher Publisher, cfg NotifierConfig, m *metrics.Metrics) *Notifier {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	return &Notifier{
		publisher:     publisher,
		eventCh:       make(chan LectureEvent, cfg.BufferSize),
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		metrics:       m,
		logger:        slog.Default().With("component", "outcome-notifier"),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Report implements queue.Reporter.
func (n *Notifier) Report(_ context.Context, out lecture.Outcome) {
	select {
	case n.eventCh <- NewLectureEvent(out):
	default:
		n.logger.Warn("outcome event dropped (buffer full)", "event_id", out.EventID)
		if n.metrics != nil {
			n.metrics.NotifierEventsDroppedTotal.Inc()
		}
	}
}

// Run publishes buffered events until ctx is cancelled or Close is called,
// then drains what is left with a short deadline. Callers that report from
// a worker finishing in-flight work should run it on a context that outlives
// the worker and call Close once the worker has returned.
func (n *Notifier) Run(ctx context.Context) error {
	defer close(n.done)
	n.logger.Info("outcome notifier started",
		"buffer_size", cap(n.eventCh),
		"batch_size", n.batchSize,
		"flush_interval", n.flushInterval,
	)

	ticker := time.NewTicker(n.flushInterval)
	defer ticker.Stop()

	batch := make([]kafka.Event, 0, n.batchSize)
	for {
		select {
		case ev := <-n.eventCh:
			batch = append(batch, kafka.Event{Key: ev.Key(), Value: ev})
			if len(batch) >= n.batchSize {
				batch = n.flush(ctx, batch)
			}
		case <-ticker.C:
			batch = n.flush(ctx, batch)
		case <-ctx.Done():
			n.shutdown(batch)
			return nil
		case <-n.stop:
			n.shutdown(batch)
			return nil
		}
	}
}

// Close asks Run to drain and return. Events reported before Close are
// published.
func (n *Notifier) Close() {
	n.stopOnce.Do(func() { close(n.stop) })
}

// Wait blocks until Run has returned.
func (n *Notifier) Wait() {
	<-n.done
}

// Pending returns the number of buffered events not yet picked up by Run.
func (n *Notifier) Pending() int {
	return len(n.eventCh)
}

func (n *Notifier) flush(ctx context.Context, batch []kafka.Event) []kafka.Event {
	if len(batch) == 0 {
		return batch
	}
	if err := n.publisher.PublishBatch(ctx, batch); err != nil {
		n.logger.Error("outcome batch publish failed", "batch_size", len(batch), "error", err)
		if n.metrics != nil {
			n.metrics.OutcomeSinkFailuresTotal.WithLabelValues("notifier").Add(float64(len(batch)))
		}
	} else {
		n.logger.Debug("outcome batch published", "events", len(batch))
	}
	return make([]kafka.Event, 0, n.batchSize)
}

func (n *Notifier) shutdown(batch []kafka.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n.drainRemaining(ctx, batch)
}

func (n *Notifier) drainRemaining(ctx context.Context, batch []kafka.Event) {
	for {
		select {
		case ev := <-n.eventCh:
			batch = append(batch, kafka.Event{Key: ev.Key(), Value: ev})
		default:
			n.flush(ctx, batch)
			return
		}
	}
}
