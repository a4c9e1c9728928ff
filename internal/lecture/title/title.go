// Package title turns the raw section and lecture labels scraped from the
// course player into structured TitleSets, and packs transcript lines into
// chunks small enough for a single Notion rich-text segment.
package title

import (
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/hayes/lecturesync/internal/lecture"
)

// DefaultChunkLimit is the largest rich-text segment Notion accepts.
const DefaultChunkLimit = 2000

var (
	digitRun      = regexp.MustCompile(`\d+`)
	lectureLabel  = regexp.MustCompile(`^(\d+)\.\s*(.+)`)
	// sectionUnsafe keeps word characters, whitespace, dots and hyphens.
	// Combining marks are not word characters and are dropped.
	sectionUnsafe = regexp.MustCompile(`[^\p{L}\p{N}_\s\v\p{Z}\x{1c}-\x{1f}\x{85}.-]`)
)

// ParseSection extracts the section ordinal from the first run of digits in
// raw and the section name from the text after the last colon. Labels
// without digits come back unchanged with no number.
//
//	"Section 3: Networking" -> {Name: "Networking", Number: 3}
func ParseSection(raw string) lecture.TitleSet {
	match := digitRun.FindString(raw)
	if match == "" {
		return lecture.TitleSet{Name: raw}
	}
	n, err := strconv.Atoi(match)
	if err != nil {
		return lecture.TitleSet{Name: raw}
	}
	name := raw
	if i := strings.LastIndex(raw, ":"); i >= 0 {
		name = raw[i+1:]
	}
	// Trimming happens before sanitizing, so space left behind by a
	// stripped character stays in the name.
	name = sectionUnsafe.ReplaceAllString(strings.TrimSpace(name), "")
	return lecture.TitleSet{Name: name, Number: &n}
}

// ParseLecture matches a leading "<digits>. <name>" label. Anything else
// comes back unchanged with no number.
//
//	"12. Installing the SDK" -> {Name: "Installing the SDK", Number: 12}
func ParseLecture(raw string) lecture.TitleSet {
	m := lectureLabel.FindStringSubmatch(raw)
	if m == nil {
		return lecture.TitleSet{Name: raw}
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return lecture.TitleSet{Name: raw}
	}
	return lecture.TitleSet{Name: m[2], Number: &n}
}

// Chunk packs lines greedily into chunks of at most limit characters, where
// each line also pays for its trailing newline. A chunk is its lines joined
// by "\n", so joining the chunks with "\n" reproduces the joined input. A
// line longer than limit is never split and becomes its own chunk. A limit
// of zero or less means DefaultChunkLimit.
func Chunk(lines []string, limit int) []string {
	if limit <= 0 {
		limit = DefaultChunkLimit
	}
	var (
		chunks  []string
		current []string
		size    int
	)
	for _, line := range lines {
		cost := utf8.RuneCountInString(line) + 1
		if len(current) > 0 && size+cost > limit {
			chunks = append(chunks, strings.Join(current, "\n"))
			current, size = nil, 0
		}
		current = append(current, line)
		size += cost
	}
	if len(current) > 0 {
		chunks = append(chunks, strings.Join(current, "\n"))
	}
	return chunks
}

// Parse converts a queued event into the reconciliation input.
func Parse(ev lecture.LectureEvent) lecture.Lecture {
	return lecture.Lecture{
		Section: ParseSection(ev.RawSection),
		Lecture: ParseLecture(ev.RawLecture),
		Chunks:  Chunk(ev.Transcripts, DefaultChunkLimit),
	}
}
