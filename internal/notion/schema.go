package notion

import (
	"fmt"
	"strings"

	apperrors "github.com/hayes/lecturesync/pkg/errors"
)

// Tag is the value of a page's Tag multi-select.
type Tag string

const (
	TagSection  Tag = "Section"
	TagLecture  Tag = "Lecture"
	TagTemplate Tag = "Template"
)

// Database property names the service reads and writes.
const (
	PropName    = "Name"
	PropTag     = "Tag"
	PropNumber  = "Number"
	PropVersion = "Version"
	PropStatus  = "Status"
	PropPrev    = "Prev"
	PropParent  = "Parent"
)

// Icon is a page icon. Only emoji, external and custom_emoji icons can be
// written back to a new page; Notion-hosted file icons carry expiring URLs.
type Icon struct {
	Type        string       `json:"type"`
	Emoji       string       `json:"emoji,omitempty"`
	External    *ExternalURL `json:"external,omitempty"`
	CustomEmoji *CustomEmoji `json:"custom_emoji,omitempty"`
}

type ExternalURL struct {
	URL string `json:"url"`
}

type CustomEmoji struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	URL  string `json:"url,omitempty"`
}

// Page is a hierarchy page decoded from the database. Absent or empty
// properties decode to zero values: no tags, nil Number, empty ids.
type Page struct {
	ID       string
	Tags     []Tag
	Name     string
	Number   *int
	Version  string
	Status   string
	PrevID   string
	ParentID string
	Icon     *Icon
}

// HasTag reports whether the page carries tag.
func (p *Page) HasTag(tag Tag) bool {
	for _, t := range p.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

type richText struct {
	Type      string       `json:"type,omitempty"`
	Text      *textContent `json:"text,omitempty"`
	PlainText string       `json:"plain_text,omitempty"`
}

type textContent struct {
	Content string `json:"content"`
}

func plainText(content string) richText {
	return richText{Type: "text", Text: &textContent{Content: content}}
}

func (r richText) String() string {
	if r.PlainText != "" {
		return r.PlainText
	}
	if r.Text != nil {
		return r.Text.Content
	}
	return ""
}

func joinRichText(parts []richText) string {
	var b strings.Builder
	for _, p := range parts {
		b.WriteString(p.String())
	}
	return b.String()
}

type selectOption struct {
	Name string `json:"name"`
}

type pageRef struct {
	ID string `json:"id"`
}

// rawProperty is the union of the property value shapes the database uses.
type rawProperty struct {
	Type        string         `json:"type"`
	Title       []richText     `json:"title"`
	MultiSelect []selectOption `json:"multi_select"`
	Number      *float64       `json:"number"`
	Select      *selectOption  `json:"select"`
	Status      *selectOption  `json:"status"`
	Relation    []pageRef      `json:"relation"`
}

type rawPage struct {
	Object     string                 `json:"object"`
	ID         string                 `json:"id"`
	Icon       *Icon                  `json:"icon"`
	Properties map[string]rawProperty `json:"properties"`
}

// decodePage maps a raw page onto Page, rejecting properties whose type
// does not match the expected database schema.
func decodePage(raw rawPage) (*Page, error) {
	if raw.ID == "" {
		return nil, apperrors.New(apperrors.ErrRemoteRejected, 0, "page without id")
	}
	page := &Page{ID: raw.ID, Icon: writableIcon(raw.Icon)}

	for name, want := range map[string][]string{
		PropName:    {"title"},
		PropTag:     {"multi_select"},
		PropNumber:  {"number"},
		PropVersion: {"select"},
		PropStatus:  {"status", "select"},
		PropPrev:    {"relation"},
		PropParent:  {"relation"},
	} {
		prop, ok := raw.Properties[name]
		if !ok || prop.Type == "" {
			continue
		}
		if !oneOf(prop.Type, want) {
			return nil, apperrors.Newf(apperrors.ErrRemoteRejected, 0,
				"page %s: property %q has type %q, want %s", raw.ID, name, prop.Type, strings.Join(want, " or "))
		}
	}

	props := raw.Properties
	page.Name = joinRichText(props[PropName].Title)
	for _, opt := range props[PropTag].MultiSelect {
		page.Tags = append(page.Tags, Tag(opt.Name))
	}
	if f := props[PropNumber].Number; f != nil {
		n := int(*f)
		page.Number = &n
	}
	if sel := props[PropVersion].Select; sel != nil {
		page.Version = sel.Name
	}
	status := props[PropStatus]
	switch {
	case status.Status != nil:
		page.Status = status.Status.Name
	case status.Select != nil:
		page.Status = status.Select.Name
	}
	if rel := props[PropPrev].Relation; len(rel) > 0 {
		page.PrevID = rel[0].ID
	}
	if rel := props[PropParent].Relation; len(rel) > 0 {
		page.ParentID = rel[0].ID
	}
	return page, nil
}

func writableIcon(icon *Icon) *Icon {
	if icon == nil {
		return nil
	}
	switch icon.Type {
	case "emoji":
		if icon.Emoji == "" {
			return nil
		}
		return &Icon{Type: "emoji", Emoji: icon.Emoji}
	case "external":
		if icon.External == nil {
			return nil
		}
		return &Icon{Type: "external", External: &ExternalURL{URL: icon.External.URL}}
	case "custom_emoji":
		if icon.CustomEmoji == nil {
			return nil
		}
		return &Icon{Type: "custom_emoji", CustomEmoji: &CustomEmoji{ID: icon.CustomEmoji.ID}}
	default:
		return nil
	}
}

func oneOf(s string, set []string) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}

// Write-side property values. Each marshals to exactly the shape the pages
// endpoint expects, including an explicit null number.
type titleValue struct {
	Title []richText `json:"title"`
}

type multiSelectValue struct {
	MultiSelect []selectOption `json:"multi_select"`
}

type numberValue struct {
	Number *int `json:"number"`
}

type selectValue struct {
	Select selectOption `json:"select"`
}

type relationValue struct {
	Relation []pageRef `json:"relation"`
}

type databaseParent struct {
	DatabaseID string `json:"database_id"`
}

type createPageBody struct {
	Parent     databaseParent `json:"parent"`
	Icon       *Icon          `json:"icon,omitempty"`
	Properties map[string]any `json:"properties"`
	Children   []blockInput   `json:"children,omitempty"`
}

func (t Tag) String() string {
	return string(t)
}

func describe(p *Page) string {
	if p == nil {
		return "<none>"
	}
	if p.Number != nil {
		return fmt.Sprintf("%s #%d (%s)", p.Name, *p.Number, p.ID)
	}
	return fmt.Sprintf("%s (%s)", p.Name, p.ID)
}
