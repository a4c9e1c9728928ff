package notion

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	apperrors "github.com/hayes/lecturesync/pkg/errors"
)

const (
	scriptToggleTitle = "Script"
	codeLanguage      = "plain text"
	childrenPageSize  = 100
	// maxSegmentRunes is Notion's limit on the content of one rich-text
	// segment.
	maxSegmentRunes = 2000
)

type blockInput struct {
	Object string       `json:"object"`
	Type   string       `json:"type"`
	Toggle *toggleInput `json:"toggle,omitempty"`
	Code   *codeInput   `json:"code,omitempty"`
}

type toggleInput struct {
	RichText []richText   `json:"rich_text"`
	Children []blockInput `json:"children,omitempty"`
}

type codeInput struct {
	RichText []richText `json:"rich_text"`
	Language string     `json:"language"`
}

// scriptBlocks renders transcript chunks as a collapsible "Script" toggle
// holding one plain-text code block. Every chunk except the last keeps the
// newline that separated it from the next one, so the block text is the
// transcript exactly. Chunks longer than a segment allows are split across
// consecutive segments.
func scriptBlocks(chunks []string) []blockInput {
	segments := make([]richText, 0, len(chunks))
	for i, chunk := range chunks {
		if i < len(chunks)-1 {
			chunk += "\n"
		}
		for _, piece := range splitRunes(chunk, maxSegmentRunes) {
			segments = append(segments, plainText(piece))
		}
	}
	return []blockInput{{
		Object: "block",
		Type:   "toggle",
		Toggle: &toggleInput{
			RichText: []richText{plainText(scriptToggleTitle)},
			Children: []blockInput{{
				Object: "block",
				Type:   "code",
				Code:   &codeInput{RichText: segments, Language: codeLanguage},
			}},
		},
	}}
}

type rawBlock struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	HasChildren bool   `json:"has_children"`
	Code        *struct {
		RichText []richText `json:"rich_text"`
	} `json:"code"`
}

type blockList struct {
	Results    []rawBlock `json:"results"`
	HasMore    bool       `json:"has_more"`
	NextCursor *string    `json:"next_cursor"`
}

// Transcript is a lecture's script read back from its page.
type Transcript struct {
	LectureNumber int
	Original      []string
	// Translated is nil unless a second code block holds more than one line.
	Translated []string
}

// splitRunes cuts s into pieces of at most limit runes without splitting a
// multi-byte character.
func splitRunes(s string, limit int) []string {
	var pieces []string
	for utf8.RuneCountInString(s) > limit {
		cut := 0
		for n := 0; n < limit; n++ {
			_, size := utf8.DecodeRuneInString(s[cut:])
			cut += size
		}
		pieces = append(pieces, s[:cut])
		s = s[cut:]
	}
	return append(pieces, s)
}

// FetchTranscript finds the lecture page numbered n and reads the code
// blocks inside its toggles: the first holds the original lines and an
// optional second one the translated lines. A missing lecture or script
// reports ErrNotFound.
func (c *Client) FetchTranscript(ctx context.Context, n int) (*Transcript, error) {
	page, err := c.FindLectureByNumber(ctx, n)
	if err != nil {
		return nil, err
	}
	if page == nil {
		return nil, apperrors.Newf(apperrors.ErrNotFound, 0, "lecture %d", n)
	}
	blocks, err := c.listChildren(ctx, page.ID)
	if err != nil {
		return nil, err
	}

	texts := make(map[int][]string)
	for _, b := range blocks {
		if b.Type != "toggle" || !b.HasChildren {
			continue
		}
		children, err := c.listChildren(ctx, b.ID)
		if err != nil {
			return nil, err
		}
		var codes []rawBlock
		for _, child := range children {
			if child.Type == "code" && child.Code != nil {
				codes = append(codes, child)
			}
		}
		if len(codes) != 1 && len(codes) != 2 {
			return nil, apperrors.Newf(apperrors.ErrNotFound, 0,
				"lecture %d: script toggle holds %d code blocks", n, len(codes))
		}
		for i, code := range codes {
			text := joinRichText(code.Code.RichText)
			if text == "" {
				c.logger.Warn("empty code block in script", "lecture", n, "block_id", code.ID)
				continue
			}
			texts[i] = append(texts[i], strings.Split(text, "\n")...)
		}
	}
	if len(texts) == 0 {
		return nil, apperrors.Newf(apperrors.ErrNotFound, 0, "lecture %d has no transcript", n)
	}

	t := &Transcript{LectureNumber: n, Original: texts[0]}
	if len(texts[1]) > 1 {
		t.Translated = texts[1]
	}
	return t, nil
}

func (c *Client) listChildren(ctx context.Context, blockID string) ([]rawBlock, error) {
	var (
		all    []rawBlock
		cursor string
	)
	for {
		q := url.Values{}
		q.Set("page_size", fmt.Sprint(childrenPageSize))
		if cursor != "" {
			q.Set("start_cursor", cursor)
		}
		var list blockList
		path := "/blocks/" + url.PathEscape(blockID) + "/children?" + q.Encode()
		if err := c.do(ctx, "list_children", http.MethodGet, path, nil, &list); err != nil {
			return nil, err
		}
		all = append(all, list.Results...)
		if !list.HasMore || list.NextCursor == nil || *list.NextCursor == "" {
			return all, nil
		}
		cursor = *list.NextCursor
	}
}
