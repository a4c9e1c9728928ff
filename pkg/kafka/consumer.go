// Package kafka provides Kafka producer and consumer clients backed by
// segmentio/kafka-go. The producer serialises events as JSON, while the
// consumer decodes them via a pluggable MessageHandler callback.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/hayes/lecturesync/pkg/config"
)

const (
	maxHandleAttempts = 3
	handleRetryDelay  = 200 * time.Millisecond
	fetchBackoff      = time.Second
)

// MessageHandler is a callback invoked for each Kafka message. A returned
// error retries the message in place; once the attempts run out the message
// is committed and dropped so one bad payload cannot stall its partition.
type MessageHandler func(ctx context.Context, key []byte, value []byte) error

// Consumer reads messages from a Kafka topic and dispatches them to a
// MessageHandler. Offsets are committed only after the handler has run.
type Consumer struct {
	reader      *kafka.Reader
	logger      *slog.Logger
	handler     MessageHandler
	maxAttempts int
	retryDelay  time.Duration
}

// NewConsumer creates a Consumer for the given topic and handler. A group
// without committed offsets starts from the oldest message so transcripts
// published while the service was down are not skipped.
func NewConsumer(cfg config.KafkaConfig, topic string, handler MessageHandler) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       topic,
		GroupID:     cfg.ConsumerGroup,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.FirstOffset,
	})

	return &Consumer{
		reader:      r,
		logger:      slog.Default().With("component", "kafka-consumer", "topic", topic),
		handler:     handler,
		maxAttempts: maxHandleAttempts,
		retryDelay:  handleRetryDelay,
	}
}

// Start enters the consume loop, fetching and processing messages until ctx
// is cancelled. Fetch errors back off before the next fetch.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("consumer started")
	defer c.reader.Close()
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("consumer stopping", "reason", ctx.Err())
				return nil
			}
			c.logger.Error("failed to fetch message", "error", err, "backoff", fetchBackoff)
			if !sleep(ctx, fetchBackoff) {
				return nil
			}
			continue
		}
		c.logger.Debug("message received",
			"partition", msg.Partition,
			"offset", msg.Offset,
			"key", string(msg.Key),
			"value_size", len(msg.Value),
		)
		if !c.handle(ctx, msg) {
			continue
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.logger.Error("failed to commit message",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
		}
	}
}

// handle runs the handler until it succeeds or the attempts run out and
// reports whether the message should be committed. A message interrupted by
// shutdown stays uncommitted and is redelivered to the group.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) bool {
	for attempt := 1; ; attempt++ {
		err := c.handler(ctx, msg.Key, msg.Value)
		if err == nil {
			return true
		}
		log := c.logger.With("partition", msg.Partition, "offset", msg.Offset, "attempt", attempt, "error", err)
		if attempt >= c.maxAttempts {
			log.Error("dropping message after repeated failures")
			return true
		}
		log.Warn("message handler failed, retrying")
		if !sleep(ctx, time.Duration(attempt)*c.retryDelay) {
			return false
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// DecodeJSON is a generic helper that unmarshals a Kafka message value into T.
func DecodeJSON[T any](value []byte) (T, error) {
	var result T
	if err := json.Unmarshal(value, &result); err != nil {
		return result, fmt.Errorf("decoding kafka message: %w", err)
	}
	return result, nil
}
