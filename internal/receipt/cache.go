// Package receipt caches the latest outcome per client message id in Redis
// so status lookups do not hit the ledger.
package receipt

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hayes/lecturesync/internal/lecture"
	"github.com/hayes/lecturesync/pkg/metrics"
	pkgredis "github.com/hayes/lecturesync/pkg/redis"
)

const keyPrefix = "receipt:"

// Cache stores outcomes keyed by message id.
type Cache struct {
	client  *pkgredis.Client
	ttl     time.Duration
	group   singleflight.Group
	metrics *metrics.Metrics
	logger  *slog.Logger
	hits    atomic.Int64
	misses  atomic.Int64
}

// New creates a receipt cache. m may be nil.
func New(client *pkgredis.Client, ttl time.Duration, m *metrics.Metrics) *Cache {
	return &Cache{
		client:  client,
		ttl:     ttl,
		metrics: m,
		logger:  slog.Default().With("component", "receipt-cache"),
	}
}

// Get returns the cached outcome for messageID. Misses and Redis errors both
// report false.
func (c *Cache) Get(ctx context.Context, messageID string) (*lecture.Outcome, bool) {
	var out lecture.Outcome
	found, err := c.client.GetJSON(ctx, Key(messageID), &out)
	if err != nil {
		c.logger.Error("receipt get failed", "message_id", messageID, "error", err)
	}
	if !found {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return &out, true
}

// Set stores out under its message id.
func (c *Cache) Set(ctx context.Context, out lecture.Outcome) error {
	if out.MessageID == "" {
		return nil
	}
	if err := c.client.SetJSON(ctx, Key(out.MessageID), out, c.ttl); err != nil {
		return fmt.Errorf("storing receipt %s: %w", out.MessageID, err)
	}
	return nil
}

// Report implements queue.Reporter. Outcomes without a message id are not
// cached.
func (c *Cache) Report(ctx context.Context, out lecture.Outcome) {
	if err := c.Set(ctx, out); err != nil {
		c.logger.Error("receipt write failed", "event_id", out.EventID, "error", err)
		if c.metrics != nil {
			c.metrics.OutcomeSinkFailuresTotal.WithLabelValues("receipt").Inc()
		}
	}
}

// GetOrLoad returns the cached outcome or calls load once per message id
// across concurrent callers, caching what it returns. The bool reports a
// cache hit.
func (c *Cache) GetOrLoad(
	ctx context.Context,
	messageID string,
	load func(ctx context.Context) (*lecture.Outcome, error),
) (*lecture.Outcome, bool, error) {
	if out, ok := c.Get(ctx, messageID); ok {
		return out, true, nil
	}
	val, err, _ := c.group.Do(Key(messageID), func() (interface{}, error) {
		if out, ok := c.Get(ctx, messageID); ok {
			return out, nil
		}
		out, err := load(ctx)
		if err != nil {
			return nil, err
		}
		if err := c.Set(ctx, *out); err != nil {
			c.logger.Warn("receipt backfill failed", "message_id", messageID, "error", err)
		}
		return out, nil
	})
	if err != nil {
		return nil, false, err
	}
	return val.(*lecture.Outcome), false, nil
}

// Ping checks the Redis connection.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx)
}

// Stats returns hit and miss counts since start.
func (c *Cache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// Key returns the Redis key for a message id.
func Key(messageID string) string {
	return keyPrefix + messageID
}
