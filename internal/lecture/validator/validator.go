// Package validator checks save_transcript envelopes before they are queued
// and returns per-field error details.
package validator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hayes/lecturesync/internal/lecture"
)

const (
	maxLabelLength     = 1024
	maxMessageIDLength = 255
	maxTranscriptLines = 100000
)

// ValidationError holds per-field validation failure messages.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for field, msg := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s:%s", field, msg))
	}
	sort.Strings(parts)
	return strings.Join(parts, "; ")
}

// ValidateSaveTranscript checks that the section and lecture labels are
// present and that a transcript list was sent. An empty transcript list is
// allowed; the lecture page is then created without script content.
func ValidateSaveTranscript(env *lecture.Envelope) error {
	errs := make(map[string]string)

	section := strings.TrimSpace(env.RawSection)
	if section == "" {
		errs["rawSection"] = "rawSection is required"
	} else if len(section) > maxLabelLength {
		errs["rawSection"] = fmt.Sprintf("rawSection must be at most %d characters", maxLabelLength)
	}
	lec := strings.TrimSpace(env.RawLecture)
	if lec == "" {
		errs["rawLecture"] = "rawLecture is required"
	} else if len(lec) > maxLabelLength {
		errs["rawLecture"] = fmt.Sprintf("rawLecture must be at most %d characters", maxLabelLength)
	}
	if env.Transcripts == nil {
		errs["transcripts"] = "transcripts is required"
	} else if len(env.Transcripts) > maxTranscriptLines {
		errs["transcripts"] = fmt.Sprintf("transcripts must have at most %d lines", maxTranscriptLines)
	}
	if env.MessageID != nil && len(*env.MessageID) > maxMessageIDLength {
		errs["messageId"] = fmt.Sprintf("messageId must be at most %d characters", maxMessageIDLength)
	}
	if len(errs) > 0 {
		return &ValidationError{Fields: errs}
	}
	return nil
}
