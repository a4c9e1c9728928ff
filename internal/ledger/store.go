// Package ledger records the outcome of every processed lecture event in
// PostgreSQL so a capture client can later ask what became of a message.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hayes/lecturesync/internal/lecture"
	apperrors "github.com/hayes/lecturesync/pkg/errors"
	"github.com/hayes/lecturesync/pkg/metrics"
	"github.com/hayes/lecturesync/pkg/postgres"
)

// SchemaVersion names Schema in schema_migrations.
const SchemaVersion = "ledger_v1"

// Schema creates the ledger table. Outcomes are append-only; a message id
// retried by the client gets one row per attempt.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS transcript_events (
	    id             BIGSERIAL PRIMARY KEY,
	    event_id       TEXT NOT NULL,
	    message_id     TEXT,
	    source         TEXT NOT NULL,
	    section_number INTEGER,
	    lecture_number INTEGER,
	    result         TEXT NOT NULL,
	    data           JSONB NOT NULL,
	    processed_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS transcript_events_message_id_idx
	    ON transcript_events (message_id, processed_at DESC)`,
	`CREATE INDEX IF NOT EXISTS transcript_events_lecture_number_idx
	    ON transcript_events (lecture_number)`,
}

// Store persists outcomes in PostgreSQL.
type Store struct {
	db      *postgres.Client
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewStore creates a ledger store. m may be nil.
func NewStore(db *postgres.Client, m *metrics.Metrics) *Store {
	return &Store{
		db:      db,
		metrics: m,
		logger:  slog.Default().With("component", "ledger"),
	}
}

// Migrate creates the ledger table unless SchemaVersion is already applied.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.Migrate(ctx, SchemaVersion, Schema...)
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Save inserts one outcome row.
func (s *Store) Save(ctx context.Context, out lecture.Outcome) error {
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("marshaling outcome: %w", err)
	}
	_, err = s.db.DB.ExecContext(ctx,
		`INSERT INTO transcript_events
		    (event_id, message_id, source, section_number, lecture_number, result, data, processed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		out.EventID,
		nullString(out.MessageID),
		out.Source,
		out.Section.Number,
		out.Lecture.Number,
		string(out.Result),
		data,
		out.ProcessedAt,
	)
	if err != nil {
		return fmt.Errorf("saving outcome %s: %w", out.EventID, err)
	}
	return nil
}

// Report implements queue.Reporter. Failures are logged and counted.
func (s *Store) Report(ctx context.Context, out lecture.Outcome) {
	if err := s.Save(ctx, out); err != nil {
		s.logger.Error("ledger write failed", "event_id", out.EventID, "error", err)
		if s.metrics != nil {
			s.metrics.OutcomeSinkFailuresTotal.WithLabelValues("ledger").Inc()
		}
	}
}

// Lookup returns the most recent outcome recorded for messageID, or
// ErrNotFound.
func (s *Store) Lookup(ctx context.Context, messageID string) (*lecture.Outcome, error) {
	var data []byte
	err := s.db.DB.QueryRowContext(ctx,
		`SELECT data FROM transcript_events
		 WHERE message_id = $1
		 ORDER BY processed_at DESC, id DESC
		 LIMIT 1`,
		messageID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Newf(apperrors.ErrNotFound, 0, "no outcome for message %s", messageID)
	}
	if err != nil {
		return nil, fmt.Errorf("querying outcome for %s: %w", messageID, err)
	}
	var out lecture.Outcome
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshaling outcome: %w", err)
	}
	return &out, nil
}

// Recent returns the last limit outcomes, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]lecture.Outcome, error) {
	rows, err := s.db.DB.QueryContext(ctx,
		`SELECT data FROM transcript_events ORDER BY processed_at DESC, id DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing outcomes: %w", err)
	}
	defer rows.Close()

	outcomes := make([]lecture.Outcome, 0, limit)
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scanning outcome row: %w", err)
		}
		var out lecture.Outcome
		if err := json.Unmarshal(data, &out); err != nil {
			s.logger.Warn("skipping corrupt outcome row", "error", err)
			continue
		}
		outcomes = append(outcomes, out)
	}
	return outcomes, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
