// Package handler implements the capture-client WebSocket endpoint. Each
// connection gets its own read loop; save_transcript frames are validated,
// queued and acknowledged immediately, and fetch_transcript frames read a
// lecture's script back from Notion.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hayes/lecturesync/internal/gateway/middleware"
	"github.com/hayes/lecturesync/internal/lecture"
	"github.com/hayes/lecturesync/internal/lecture/validator"
	"github.com/hayes/lecturesync/internal/notion"
	"github.com/hayes/lecturesync/pkg/config"
	apperrors "github.com/hayes/lecturesync/pkg/errors"
	"github.com/hayes/lecturesync/pkg/logger"
	"github.com/hayes/lecturesync/pkg/metrics"
)

// Reply messages understood by the capture client.
const (
	msgQueued          = "Data received and queued"
	msgInvalidJSON     = "Invalid JSON format"
	msgInvalidPayload  = "Invalid transcript payload"
	msgNumberRequired  = "Lecture number required"
	msgLectureNotFound = "Lecture isn't found in Notion"
)

// Enqueuer accepts validated events.
type Enqueuer interface {
	Enqueue(ev lecture.LectureEvent)
}

// TranscriptFetcher reads a lecture's script back from the hierarchy.
type TranscriptFetcher interface {
	FetchTranscript(ctx context.Context, n int) (*notion.Transcript, error)
}

type statusReply struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type ackReply struct {
	Status    string  `json:"status"`
	Message   string  `json:"message"`
	MessageID *string `json:"messageId"`
}

type validationReply struct {
	Status    string            `json:"status"`
	Message   string            `json:"message"`
	MessageID *string           `json:"messageId"`
	Fields    map[string]string `json:"fields"`
}

type errorReply struct {
	Error string `json:"error"`
}

type transcriptReply struct {
	Status               string   `json:"status"`
	LectureNumber        int      `json:"lecture_number"`
	OriginalTranscript   []string `json:"original_transcript"`
	TranslatedTranscript []string `json:"translated_transcript"`
}

// Handler upgrades HTTP requests to WebSocket connections and serves the
// capture-client protocol on them.
type Handler struct {
	hub      *Hub
	queue    Enqueuer
	fetcher  TranscriptFetcher
	upgrader websocket.Upgrader
	maxBytes int64
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Handler. fetcher and m may be nil; without a fetcher every
// fetch_transcript request is answered as not found.
func New(hub *Hub, q Enqueuer, fetcher TranscriptFetcher, cfg config.GatewayConfig, m *metrics.Metrics) *Handler {
	return &Handler{
		hub:     hub,
		queue:   q,
		fetcher: fetcher,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     middleware.CheckOrigin(cfg.AllowedOrigins),
		},
		maxBytes: cfg.MaxMessageBytes,
		metrics:  m,
		logger:   slog.Default().With("component", "ws-gateway"),
		now:      time.Now,
	}
}

// ServeHTTP upgrades the request and runs the connection's read loop until
// the client disconnects.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error response.
		h.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "origin", r.Header.Get("Origin"), "error", err)
		return
	}

	id, ok := logger.ConnID(r.Context())
	if !ok {
		id = uuid.NewString()
	}
	ctx := logger.WithConnID(context.WithoutCancel(r.Context()), id)
	conn := &Conn{ID: id, Remote: r.RemoteAddr, ws: ws}
	h.hub.add(conn)
	defer func() {
		h.hub.remove(conn)
		ws.Close()
	}()

	log := logger.FromContext(ctx).With("component", "ws-gateway")
	log.Info("client connected", "remote", conn.Remote, "connections", h.hub.Len())
	if h.maxBytes > 0 {
		ws.SetReadLimit(h.maxBytes)
	}

	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.Info("client disconnected", "remote", conn.Remote)
			} else {
				log.Warn("connection closed", "remote", conn.Remote, "error", err)
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		h.handleMessage(ctx, conn, data)
	}
}

func (h *Handler) handleMessage(ctx context.Context, conn *Conn, data []byte) {
	log := logger.FromContext(ctx).With("component", "ws-gateway")

	var env lecture.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Warn("malformed message", "error", err, "size", len(data))
		h.count("unknown", "malformed")
		h.reply(ctx, conn, statusReply{Status: "error", Message: msgInvalidJSON})
		return
	}

	switch env.Action {
	case lecture.ActionSaveTranscript:
		h.saveTranscript(ctx, conn, &env)
	case lecture.ActionFetchTranscript:
		h.fetchTranscript(ctx, conn, &env)
	default:
		log.Debug("ignoring unknown action", "action", env.Action)
		h.count("unknown", "ignored")
	}
}

func (h *Handler) saveTranscript(ctx context.Context, conn *Conn, env *lecture.Envelope) {
	log := logger.FromContext(ctx).With("component", "ws-gateway")

	if err := validator.ValidateSaveTranscript(env); err != nil {
		var verr *validator.ValidationError
		fields := map[string]string{"payload": err.Error()}
		if errors.As(err, &verr) {
			fields = verr.Fields
		}
		log.Warn("invalid transcript payload", "error", err)
		h.count(env.Action, "invalid")
		h.reply(ctx, conn, validationReply{
			Status:    "error",
			Message:   msgInvalidPayload,
			MessageID: env.MessageID,
			Fields:    fields,
		})
		return
	}

	ev := lecture.NewEvent(uuid.NewString(), lecture.SourceWebSocket, env, h.now().UTC())
	h.queue.Enqueue(ev)
	log.Info("transcript queued",
		"event_id", ev.ID,
		"message_id", ev.MessageID,
		"section", ev.RawSection,
		"lecture", ev.RawLecture,
		"lines", len(ev.Transcripts),
	)
	h.count(env.Action, "queued")
	h.reply(ctx, conn, ackReply{Status: "success", Message: msgQueued, MessageID: env.MessageID})
}

func (h *Handler) fetchTranscript(ctx context.Context, conn *Conn, env *lecture.Envelope) {
	log := logger.FromContext(ctx).With("component", "ws-gateway")

	n, ok := env.LectureNumberValue()
	if !ok {
		h.count(env.Action, "invalid")
		h.reply(ctx, conn, errorReply{Error: msgNumberRequired})
		return
	}
	if h.fetcher == nil {
		h.count(env.Action, "not_found")
		h.reply(ctx, conn, errorReply{Error: msgLectureNotFound})
		return
	}

	log.Info("fetching transcript", "lecture", n)
	t, err := h.fetcher.FetchTranscript(ctx, n)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			log.Info("transcript not found", "lecture", n, "reason", err)
			h.count(env.Action, "not_found")
		} else {
			log.Error("transcript fetch failed", "lecture", n, "error", err)
			h.count(env.Action, "error")
		}
		h.reply(ctx, conn, errorReply{Error: msgLectureNotFound})
		return
	}

	original := t.Original
	if original == nil {
		original = []string{}
	}
	h.count(env.Action, "ok")
	h.reply(ctx, conn, transcriptReply{
		Status:               "success",
		LectureNumber:        n,
		OriginalTranscript:   original,
		TranslatedTranscript: t.Translated,
	})
}

func (h *Handler) reply(ctx context.Context, conn *Conn, v any) {
	if err := conn.WriteJSON(v); err != nil {
		logger.FromContext(ctx).Warn("failed to write reply", "component", "ws-gateway", "error", err)
	}
}

func (h *Handler) count(action, result string) {
	if h.metrics != nil {
		h.metrics.WSMessagesTotal.WithLabelValues(action, result).Inc()
	}
}
