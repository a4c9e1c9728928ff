package outcome

import (
	"strconv"
	"time"

	"github.com/hayes/lecturesync/internal/lecture"
)

// EventType names what a published outcome event describes.
type EventType string

const (
	EventLectureProcessed EventType = "lecture_processed"
)

// LectureEvent is the JSON record published for every processed lecture.
type LectureEvent struct {
	Type           EventType      `json:"type"`
	EventID        string         `json:"event_id"`
	MessageID      string         `json:"message_id,omitempty"`
	Source         string         `json:"source"`
	Result         lecture.Result `json:"result"`
	SectionName    string         `json:"section_name"`
	SectionNumber  *int           `json:"section_number"`
	LectureName    string         `json:"lecture_name"`
	LectureNumber  *int           `json:"lecture_number"`
	SectionPageID  string         `json:"section_page_id,omitempty"`
	LecturePageID  string         `json:"lecture_page_id,omitempty"`
	SectionCreated bool           `json:"section_created"`
	Attempts       int            `json:"attempts"`
	Error          string         `json:"error,omitempty"`
	LatencyMs      int64          `json:"latency_ms"`
	Timestamp      time.Time      `json:"timestamp"`
}

// NewLectureEvent converts a worker outcome into its published form.
func NewLectureEvent(out lecture.Outcome) LectureEvent {
	return LectureEvent{
		Type:           EventLectureProcessed,
		EventID:        out.EventID,
		MessageID:      out.MessageID,
		Source:         out.Source,
		Result:         out.Result,
		SectionName:    out.Section.Name,
		SectionNumber:  out.Section.Number,
		LectureName:    out.Lecture.Name,
		LectureNumber:  out.Lecture.Number,
		SectionPageID:  out.SectionPageID,
		LecturePageID:  out.LecturePageID,
		SectionCreated: out.SectionCreated,
		Attempts:       out.Attempts,
		Error:          out.Error,
		LatencyMs:      out.Duration.Milliseconds(),
		Timestamp:      out.ProcessedAt,
	}
}

// Key partitions events by lecture number so every outcome for one lecture
// lands on the same partition. Unnumbered lectures fall back to the event id.
func (e LectureEvent) Key() string {
	if e.LectureNumber != nil {
		return "lecture-" + strconv.Itoa(*e.LectureNumber)
	}
	return e.EventID
}
