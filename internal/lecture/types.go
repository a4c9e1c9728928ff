// Package lecture defines the wire envelope accepted from capture clients,
// the LectureEvent carried through the ingestion queue, and the Outcome
// reported once an event has been reconciled.
package lecture

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Actions understood by the gateway and the Kafka ingest source.
const (
	ActionSaveTranscript  = "save_transcript"
	ActionFetchTranscript = "fetch_transcript"
)

// Event sources.
const (
	SourceWebSocket = "websocket"
	SourceKafka     = "kafka"
)

// Envelope is one inbound JSON message. Only the fields of the named action
// are meaningful.
type Envelope struct {
	Action        string          `json:"action"`
	RawSection    string          `json:"rawSection"`
	RawLecture    string          `json:"rawLecture"`
	Transcripts   []string        `json:"transcripts"`
	MessageID     *string         `json:"messageId"`
	LectureNumber json.RawMessage `json:"lecture_number,omitempty"`
}

// LectureNumberValue returns the fetch_transcript lecture number, which
// capture clients send either as a JSON number or as a numeric string.
// Zero, negative and missing values report false.
func (e *Envelope) LectureNumberValue() (int, bool) {
	raw := strings.TrimSpace(string(e.LectureNumber))
	if raw == "" || raw == "null" {
		return 0, false
	}
	if unquoted, err := strconv.Unquote(raw); err == nil {
		raw = strings.TrimSpace(unquoted)
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// LectureEvent is a validated save_transcript request waiting in the queue.
type LectureEvent struct {
	ID          string    `json:"id"`
	MessageID   string    `json:"messageId,omitempty"`
	Source      string    `json:"source"`
	RawSection  string    `json:"rawSection"`
	RawLecture  string    `json:"rawLecture"`
	Transcripts []string  `json:"transcripts"`
	ReceivedAt  time.Time `json:"receivedAt"`
}

// NewEvent builds a LectureEvent from an envelope. The envelope must already
// have passed validation.
func NewEvent(id, source string, env *Envelope, receivedAt time.Time) LectureEvent {
	ev := LectureEvent{
		ID:          id,
		Source:      source,
		RawSection:  env.RawSection,
		RawLecture:  env.RawLecture,
		Transcripts: env.Transcripts,
		ReceivedAt:  receivedAt,
	}
	if env.MessageID != nil {
		ev.MessageID = *env.MessageID
	}
	return ev
}

// TitleSet is the structured form of a section or lecture label. Number is
// nil when the label carries no usable ordinal.
type TitleSet struct {
	Name   string `json:"name"`
	Number *int   `json:"number"`
}

// HasNumber reports whether the title carries an ordinal.
func (t TitleSet) HasNumber() bool {
	return t.Number != nil
}

// NumberValue returns the ordinal, or 0 when absent.
func (t TitleSet) NumberValue() int {
	if t.Number == nil {
		return 0
	}
	return *t.Number
}

// Lecture is a parsed LectureEvent ready for reconciliation.
type Lecture struct {
	Section TitleSet
	Lecture TitleSet
	Chunks  []string
}

// Result classifies how a reconciliation ended.
type Result string

const (
	ResultCreated  Result = "created"
	ResultSkipped  Result = "skipped"
	ResultFailed   Result = "failed"
	ResultRejected Result = "rejected"
)

// Outcome is reported to the outcome sinks after every processed event.
type Outcome struct {
	EventID        string        `json:"eventId"`
	MessageID      string        `json:"messageId,omitempty"`
	Source         string        `json:"source"`
	Section        TitleSet      `json:"section"`
	Lecture        TitleSet      `json:"lecture"`
	Result         Result        `json:"result"`
	SectionPageID  string        `json:"sectionPageId,omitempty"`
	LecturePageID  string        `json:"lecturePageId,omitempty"`
	SectionCreated bool          `json:"sectionCreated"`
	Attempts       int           `json:"attempts"`
	Error          string        `json:"error,omitempty"`
	Duration       time.Duration `json:"duration"`
	ProcessedAt    time.Time     `json:"processedAt"`
}
