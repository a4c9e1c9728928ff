package notion

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/hayes/lecturesync/internal/lecture"
)

type queryRequest struct {
	Filter   *filter    `json:"filter,omitempty"`
	Sorts    []sortSpec `json:"sorts,omitempty"`
	PageSize int        `json:"page_size,omitempty"`
}

type filter struct {
	And         []filter           `json:"and,omitempty"`
	Property    string             `json:"property,omitempty"`
	MultiSelect *containsCondition `json:"multi_select,omitempty"`
	Number      *equalsCondition   `json:"number,omitempty"`
}

type containsCondition struct {
	Contains string `json:"contains"`
}

type equalsCondition struct {
	Equals int `json:"equals"`
}

type sortSpec struct {
	Property  string `json:"property"`
	Direction string `json:"direction"`
}

type queryResponse struct {
	Results []rawPage `json:"results"`
	HasMore bool      `json:"has_more"`
}

func tagFilter(tag Tag) filter {
	return filter{Property: PropTag, MultiSelect: &containsCondition{Contains: string(tag)}}
}

func taggedNumberFilter(tag Tag, n int) *filter {
	return &filter{And: []filter{
		tagFilter(tag),
		{Property: PropNumber, Number: &equalsCondition{Equals: n}},
	}}
}

// queryFirst runs a database query and decodes its first result, or
// returns nil when nothing matched.
func (c *Client) queryFirst(ctx context.Context, operation string, q queryRequest) (*Page, error) {
	var resp queryResponse
	path := "/databases/" + url.PathEscape(c.databaseID) + "/query"
	if err := c.do(ctx, operation, http.MethodPost, path, q, &resp); err != nil {
		return nil, fmt.Errorf("%s: %w", operation, err)
	}
	if len(resp.Results) == 0 {
		return nil, nil
	}
	page, err := decodePage(resp.Results[0])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", operation, err)
	}
	return page, nil
}

// FindTemplate returns the first page tagged Template, or nil.
func (c *Client) FindTemplate(ctx context.Context) (*Page, error) {
	f := tagFilter(TagTemplate)
	return c.queryFirst(ctx, "find_template", queryRequest{Filter: &f, PageSize: 1})
}

// FindSectionByNumber returns the Section page numbered n, or nil.
func (c *Client) FindSectionByNumber(ctx context.Context, n int) (*Page, error) {
	return c.queryFirst(ctx, "find_section", queryRequest{Filter: taggedNumberFilter(TagSection, n)})
}

// FindLectureByNumber returns the Lecture page numbered n, or nil.
func (c *Client) FindLectureByNumber(ctx context.Context, n int) (*Page, error) {
	return c.queryFirst(ctx, "find_lecture", queryRequest{Filter: taggedNumberFilter(TagLecture, n)})
}

// FindLatestLecture returns the Lecture page with the highest number, or
// nil when the database holds no lectures.
func (c *Client) FindLatestLecture(ctx context.Context) (*Page, error) {
	f := tagFilter(TagLecture)
	return c.queryFirst(ctx, "find_latest_lecture", queryRequest{
		Filter:   &f,
		Sorts:    []sortSpec{{Property: PropNumber, Direction: "descending"}},
		PageSize: 1,
	})
}

// CreatePageRequest describes one page to create. PrevID and ParentID are
// written only when set; Transcript chunks are attached only to Lecture
// pages.
type CreatePageRequest struct {
	Title      lecture.TitleSet
	Tag        Tag
	PrevID     string
	ParentID   string
	Transcript []string
}

// CreatePage creates a page in the database, copying the version and icon
// of the template snapshot. It performs exactly one write.
func (c *Client) CreatePage(ctx context.Context, req CreatePageRequest) (*Page, error) {
	body := c.buildCreateBody(req)

	var raw rawPage
	if err := c.do(ctx, "create_page", http.MethodPost, "/pages", body, &raw); err != nil {
		return nil, fmt.Errorf("creating %s page %q: %w", req.Tag, req.Title.Name, err)
	}
	page, err := decodePage(raw)
	if err != nil {
		return nil, fmt.Errorf("creating %s page %q: %w", req.Tag, req.Title.Name, err)
	}
	if c.metrics != nil {
		c.metrics.PagesCreatedTotal.WithLabelValues(string(req.Tag)).Inc()
	}
	c.logger.Debug("page created", "tag", req.Tag, "page", describe(page), "prev_id", req.PrevID, "parent_id", req.ParentID)
	return page, nil
}

func (c *Client) buildCreateBody(req CreatePageRequest) createPageBody {
	props := map[string]any{
		PropName:   titleValue{Title: []richText{plainText(req.Title.Name)}},
		PropTag:    multiSelectValue{MultiSelect: []selectOption{{Name: string(req.Tag)}}},
		PropNumber: numberValue{Number: req.Title.Number},
	}
	body := createPageBody{
		Parent:     databaseParent{DatabaseID: c.databaseID},
		Properties: props,
	}
	if tpl := c.template; tpl != nil {
		if tpl.Version != "" {
			props[PropVersion] = selectValue{Select: selectOption{Name: tpl.Version}}
		}
		body.Icon = tpl.Icon
	}
	if req.PrevID != "" {
		props[PropPrev] = relationValue{Relation: []pageRef{{ID: req.PrevID}}}
	}
	if req.ParentID != "" {
		props[PropParent] = relationValue{Relation: []pageRef{{ID: req.ParentID}}}
	}
	if req.Tag == TagLecture {
		body.Children = scriptBlocks(req.Transcript)
	}
	return body
}
