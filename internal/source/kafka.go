// Package source feeds lecture events into the queue from Kafka, for capture
// clients that publish to a topic instead of holding a WebSocket open.
package source

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hayes/lecturesync/internal/lecture"
	"github.com/hayes/lecturesync/internal/lecture/validator"
	"github.com/hayes/lecturesync/pkg/kafka"
	"github.com/hayes/lecturesync/pkg/metrics"
)

// Enqueuer accepts validated events.
type Enqueuer interface {
	Enqueue(ev lecture.LectureEvent)
}

// KafkaSource wraps a Kafka consumer reading the lecture ingest topic.
type KafkaSource struct {
	consumer *kafka.Consumer
	logger   *slog.Logger
}

// NewKafkaSource creates a source backed by the given consumer.
func NewKafkaSource(consumer *kafka.Consumer) *KafkaSource {
	return &KafkaSource{
		consumer: consumer,
		logger:   slog.Default().With("component", "kafka-source"),
	}
}

// Start consumes until ctx is cancelled.
func (s *KafkaSource) Start(ctx context.Context) error {
	s.logger.Info("kafka ingest source starting")
	return s.consumer.Start(ctx)
}

// HandleMessage returns a MessageHandler that validates each envelope and
// enqueues it. Undecodable or invalid messages are logged and committed so
// they do not block the partition. An empty action is read as
// save_transcript; any other action is skipped.
func HandleMessage(q Enqueuer, m *metrics.Metrics) kafka.MessageHandler {
	logger := slog.Default().With("component", "kafka-source")
	return func(ctx context.Context, key []byte, value []byte) error {
		env, err := kafka.DecodeJSON[lecture.Envelope](value)
		if err != nil {
			logger.Error("failed to decode lecture envelope",
				"error", err,
				"key", string(key),
			)
			count(m, "malformed")
			return nil
		}

		if env.Action != "" && env.Action != lecture.ActionSaveTranscript {
			logger.Debug("skipping non-ingest action", "action", env.Action, "key", string(key))
			count(m, "ignored")
			return nil
		}

		if err := validator.ValidateSaveTranscript(&env); err != nil {
			logger.Warn("invalid lecture envelope",
				"error", err,
				"key", string(key),
			)
			count(m, "invalid")
			return nil
		}

		ev := lecture.NewEvent(uuid.NewString(), lecture.SourceKafka, &env, time.Now().UTC())
		q.Enqueue(ev)
		logger.Info("transcript queued",
			"event_id", ev.ID,
			"message_id", ev.MessageID,
			"section", ev.RawSection,
			"lecture", ev.RawLecture,
			"lines", len(ev.Transcripts),
		)
		count(m, "queued")
		return nil
	}
}

func count(m *metrics.Metrics, result string) {
	if m != nil {
		m.KafkaIngestTotal.WithLabelValues(result).Inc()
	}
}
