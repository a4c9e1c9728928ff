package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
)

type contextKey string

const (
	eventIDKey contextKey = "event_id"
	connIDKey  contextKey = "conn_id"
)

func Setup(level string, format string) {
	SetupWriter(os.Stdout, level, format)
}

func SetupWriter(w io.Writer, level string, format string) {
	var handler slog.Handler
	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
	}
	switch format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func WithEventID(ctx context.Context, eventID string) context.Context {
	return context.WithValue(ctx, eventIDKey, eventID)
}

func WithConnID(ctx context.Context, connID string) context.Context {
	return context.WithValue(ctx, connIDKey, connID)
}

// ConnID returns the connection id stored by WithConnID.
func ConnID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(connIDKey).(string)
	return id, ok && id != ""
}

func FromContext(ctx context.Context) *slog.Logger {
	logger := slog.Default()
	if connID, ok := ctx.Value(connIDKey).(string); ok {
		logger = logger.With("conn_id", connID)
	}
	if eventID, ok := ctx.Value(eventIDKey).(string); ok {
		logger = logger.With("event_id", eventID)
	}
	return logger
}

func WithComponent(component string) *slog.Logger {
	return slog.Default().With("component", component)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
