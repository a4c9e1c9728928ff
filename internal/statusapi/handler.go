// Package statusapi serves read-only HTTP endpoints reporting what became of
// queued lecture events.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/hayes/lecturesync/internal/lecture"
	"github.com/hayes/lecturesync/internal/outcome"
	apperrors "github.com/hayes/lecturesync/pkg/errors"
)

const (
	defaultRecentLimit = 20
	maxRecentLimit     = 200
)

// ReceiptCache is the fast path for outcome lookups.
type ReceiptCache interface {
	Get(ctx context.Context, messageID string) (*lecture.Outcome, bool)
	GetOrLoad(ctx context.Context, messageID string, load func(ctx context.Context) (*lecture.Outcome, error)) (*lecture.Outcome, bool, error)
}

// Ledger is the durable outcome record.
type Ledger interface {
	Lookup(ctx context.Context, messageID string) (*lecture.Outcome, error)
	Recent(ctx context.Context, limit int) ([]lecture.Outcome, error)
}

// Counter reports a current size, such as queue depth or open connections.
type Counter interface {
	Len() int
}

// Handler serves the status endpoints.
type Handler struct {
	receipts ReceiptCache
	ledger   Ledger
	queue    Counter
	conns    Counter
	stats    *outcome.Stats
	logger   *slog.Logger
}

// Option configures optional outcome sinks.
type Option func(*Handler)

// WithReceipts enables cache lookups.
func WithReceipts(c ReceiptCache) Option {
	return func(h *Handler) { h.receipts = c }
}

// WithLedger enables ledger lookups and the recent-events listing.
func WithLedger(l Ledger) Option {
	return func(h *Handler) { h.ledger = l }
}

// New creates a Handler. queue, conns and stats are required.
func New(queue, conns Counter, stats *outcome.Stats, opts ...Option) *Handler {
	h := &Handler{
		queue:  queue,
		conns:  conns,
		stats:  stats,
		logger: slog.Default().With("component", "status-api"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type eventResponse struct {
	Source  string           `json:"source"`
	Outcome *lecture.Outcome `json:"outcome"`
}

type queueResponse struct {
	Pending     int `json:"pending"`
	Connections int `json:"connections"`
}

type recentResponse struct {
	Events []lecture.Outcome `json:"events"`
	Count  int               `json:"count"`
}

// GetEvent handles GET /api/v1/events/{messageId}.
func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	messageID := r.PathValue("messageId")
	if messageID == "" {
		writeError(w, http.StatusBadRequest, "message id is required")
		return
	}
	ctx := r.Context()

	switch {
	case h.receipts != nil && h.ledger != nil:
		out, hit, err := h.receipts.GetOrLoad(ctx, messageID, func(ctx context.Context) (*lecture.Outcome, error) {
			return h.ledger.Lookup(ctx, messageID)
		})
		if err != nil {
			h.lookupFailed(w, messageID, err)
			return
		}
		writeJSON(w, http.StatusOK, eventResponse{Source: sourceName(hit), Outcome: out})
	case h.receipts != nil:
		out, ok := h.receipts.Get(ctx, messageID)
		if !ok {
			writeError(w, http.StatusNotFound, "no outcome recorded for message")
			return
		}
		writeJSON(w, http.StatusOK, eventResponse{Source: "cache", Outcome: out})
	case h.ledger != nil:
		out, err := h.ledger.Lookup(ctx, messageID)
		if err != nil {
			h.lookupFailed(w, messageID, err)
			return
		}
		writeJSON(w, http.StatusOK, eventResponse{Source: "ledger", Outcome: out})
	default:
		writeError(w, http.StatusServiceUnavailable, "outcome tracking is not enabled")
	}
}

// ListEvents handles GET /api/v1/events?limit=N.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	if h.ledger == nil {
		writeError(w, http.StatusServiceUnavailable, "outcome ledger is not enabled")
		return
	}
	limit := defaultRecentLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxRecentLimit)
	}
	events, err := h.ledger.Recent(r.Context(), limit)
	if err != nil {
		h.logger.Error("listing recent outcomes failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	writeJSON(w, http.StatusOK, recentResponse{Events: events, Count: len(events)})
}

// Queue handles GET /api/v1/queue.
func (h *Handler) Queue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, queueResponse{
		Pending:     h.queue.Len(),
		Connections: h.conns.Len(),
	})
}

// Stats handles GET /api/v1/stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.stats.Snapshot())
}

func (h *Handler) lookupFailed(w http.ResponseWriter, messageID string, err error) {
	if errors.Is(err, apperrors.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no outcome recorded for message")
		return
	}
	h.logger.Error("outcome lookup failed", "message_id", messageID, "error", err)
	writeError(w, apperrors.HTTPStatusCode(err), "failed to look up event")
}

func sourceName(hit bool) string {
	if hit {
		return "cache"
	}
	return "ledger"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Error("failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
