// Package reconcile maps one parsed lecture event onto the Notion
// hierarchy. Re-processing a lecture number that already has a page is a
// no-op; otherwise the owning section is found or created and the lecture
// is appended to the chronological Prev chain.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hayes/lecturesync/internal/lecture"
	"github.com/hayes/lecturesync/internal/notion"
	apperrors "github.com/hayes/lecturesync/pkg/errors"
	"github.com/hayes/lecturesync/pkg/logger"
)

// Hierarchy is the subset of the Notion client the engine drives.
type Hierarchy interface {
	FindSectionByNumber(ctx context.Context, n int) (*notion.Page, error)
	FindLectureByNumber(ctx context.Context, n int) (*notion.Page, error)
	FindLatestLecture(ctx context.Context) (*notion.Page, error)
	CreatePage(ctx context.Context, req notion.CreatePageRequest) (*notion.Page, error)
}

// Result describes what a reconciliation did.
type Result struct {
	Skipped        bool
	SectionCreated bool
	SectionPage    *notion.Page
	LecturePage    *notion.Page
}

// Engine reconciles lectures one at a time. It holds no state between
// events; every call re-reads the hierarchy.
type Engine struct {
	store Hierarchy
}

func NewEngine(store Hierarchy) *Engine {
	return &Engine{store: store}
}

func loggerFor(ctx context.Context) *slog.Logger {
	return logger.FromContext(ctx).With("component", "reconcile")
}

// Reconcile creates the lecture page, and its section page when missing,
// unless a lecture with the same number already exists. Any error aborts
// the event; nothing is retried here.
func (e *Engine) Reconcile(ctx context.Context, lec lecture.Lecture) (Result, error) {
	log := loggerFor(ctx)

	if !lec.Lecture.HasNumber() {
		return Result{}, apperrors.Newf(apperrors.ErrUnprocessable, 0, "lecture %q has no number", lec.Lecture.Name)
	}
	if !lec.Section.HasNumber() {
		return Result{}, apperrors.Newf(apperrors.ErrUnprocessable, 0, "section %q has no number", lec.Section.Name)
	}
	lectureNo := lec.Lecture.NumberValue()

	existing, err := e.store.FindLectureByNumber(ctx, lectureNo)
	if err != nil {
		return Result{}, fmt.Errorf("checking lecture %d: %w", lectureNo, err)
	}
	if existing != nil {
		log.Debug("lecture already exists", "lecture", lectureNo, "page_id", existing.ID)
		return Result{Skipped: true, LecturePage: existing}, nil
	}

	section, created, err := e.resolveSection(ctx, lec.Section)
	if err != nil {
		return Result{}, err
	}
	// A failure past this point still reports the section it created.
	partial := Result{SectionCreated: created, SectionPage: section}

	prev, err := e.store.FindLatestLecture(ctx)
	if err != nil {
		return partial, fmt.Errorf("finding chain tail for lecture %d: %w", lectureNo, err)
	}
	if prev == nil || prev.ParentID != section.ID {
		prev = section
	}

	page, err := e.store.CreatePage(ctx, notion.CreatePageRequest{
		Title:      lec.Lecture,
		Tag:        notion.TagLecture,
		PrevID:     prev.ID,
		ParentID:   section.ID,
		Transcript: lec.Chunks,
	})
	if err != nil {
		return partial, err
	}
	log.Info("lecture page created",
		"lecture", lectureNo,
		"name", lec.Lecture.Name,
		"page_id", page.ID,
		"section_id", section.ID,
		"prev_id", prev.ID,
		"chunks", len(lec.Chunks),
	)
	partial.LecturePage = page
	return partial, nil
}

// resolveSection finds the section page, creating it at the chain tail when
// it does not exist yet.
func (e *Engine) resolveSection(ctx context.Context, sec lecture.TitleSet) (*notion.Page, bool, error) {
	n := sec.NumberValue()
	page, err := e.store.FindSectionByNumber(ctx, n)
	if err != nil {
		return nil, false, fmt.Errorf("checking section %d: %w", n, err)
	}
	if page != nil {
		return page, false, nil
	}

	latest, err := e.store.FindLatestLecture(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("finding chain tail for section %d: %w", n, err)
	}
	req := notion.CreatePageRequest{Title: sec, Tag: notion.TagSection}
	if latest != nil {
		req.PrevID = latest.ID
	}
	page, err = e.store.CreatePage(ctx, req)
	if err != nil {
		return nil, false, err
	}
	loggerFor(ctx).Info("section page created",
		"section", n,
		"name", sec.Name,
		"page_id", page.ID,
		"prev_id", req.PrevID,
	)
	return page, true, nil
}
