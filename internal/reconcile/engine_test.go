package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/hayes/lecturesync/internal/lecture"
	"github.com/hayes/lecturesync/internal/lecture/title"
	"github.com/hayes/lecturesync/internal/notion"
	apperrors "github.com/hayes/lecturesync/pkg/errors"
)

// memoryHierarchy is an in-memory database that sorts "latest lecture" by
// number, the way the real query does.
type memoryHierarchy struct {
	mu      sync.Mutex
	pages   []*notion.Page
	creates []notion.CreatePageRequest
	failOn  map[string]error
}

func newMemoryHierarchy() *memoryHierarchy {
	return &memoryHierarchy{failOn: make(map[string]error)}
}

func (m *memoryHierarchy) find(tag notion.Tag, n int) *notion.Page {
	for _, p := range m.pages {
		if p.HasTag(tag) && p.Number != nil && *p.Number == n {
			return p
		}
	}
	return nil
}

func (m *memoryHierarchy) FindSectionByNumber(_ context.Context, n int) (*notion.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failOn["find_section"]; err != nil {
		return nil, err
	}
	return m.find(notion.TagSection, n), nil
}

func (m *memoryHierarchy) FindLectureByNumber(_ context.Context, n int) (*notion.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failOn["find_lecture"]; err != nil {
		return nil, err
	}
	return m.find(notion.TagLecture, n), nil
}

func (m *memoryHierarchy) FindLatestLecture(_ context.Context) (*notion.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failOn["find_latest"]; err != nil {
		return nil, err
	}
	var latest *notion.Page
	for _, p := range m.pages {
		if !p.HasTag(notion.TagLecture) || p.Number == nil {
			continue
		}
		if latest == nil || *p.Number > *latest.Number {
			latest = p
		}
	}
	return latest, nil
}

func (m *memoryHierarchy) CreatePage(_ context.Context, req notion.CreatePageRequest) (*notion.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failOn["create_"+string(req.Tag)]; err != nil {
		return nil, err
	}
	m.creates = append(m.creates, req)
	page := &notion.Page{
		ID:       fmt.Sprintf("%s-%d", req.Tag, len(m.pages)+1),
		Tags:     []notion.Tag{req.Tag},
		Name:     req.Title.Name,
		Number:   req.Title.Number,
		PrevID:   req.PrevID,
		ParentID: req.ParentID,
	}
	m.pages = append(m.pages, page)
	return page, nil
}

func (m *memoryHierarchy) lecture(n int) *notion.Page {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.find(notion.TagLecture, n)
}

func (m *memoryHierarchy) section(n int) *notion.Page {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.find(notion.TagSection, n)
}

func parsed(section, lec string, lines ...string) lecture.Lecture {
	return title.Parse(lecture.LectureEvent{RawSection: section, RawLecture: lec, Transcripts: lines})
}

func TestReconcileCreatesSectionBeforeLecture(t *testing.T) {
	store := newMemoryHierarchy()
	eng := NewEngine(store)

	res, err := eng.Reconcile(context.Background(), parsed("Section 3: Networking", "7. TCP Handshakes", "line1", "line2"))
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.Skipped || !res.SectionCreated {
		t.Errorf("unexpected result %+v", res)
	}
	if len(store.creates) != 2 {
		t.Fatalf("expected 2 creates, got %d", len(store.creates))
	}
	if store.creates[0].Tag != notion.TagSection || store.creates[1].Tag != notion.TagLecture {
		t.Errorf("expected section then lecture, got %s then %s", store.creates[0].Tag, store.creates[1].Tag)
	}

	sec := store.section(3)
	lec := store.lecture(7)
	if sec == nil || sec.Name != "Networking" {
		t.Fatalf("section page = %+v", sec)
	}
	if lec == nil || lec.Name != "TCP Handshakes" {
		t.Fatalf("lecture page = %+v", lec)
	}
	if lec.ParentID != sec.ID {
		t.Errorf("lecture parent = %q, want %q", lec.ParentID, sec.ID)
	}
	if lec.PrevID != sec.ID {
		t.Errorf("first lecture of a section should chain from the section, prev = %q", lec.PrevID)
	}
	if sec.PrevID != "" {
		t.Errorf("first section should have no predecessor, prev = %q", sec.PrevID)
	}
	if got := store.creates[1].Transcript; len(got) != 1 || got[0] != "line1\nline2" {
		t.Errorf("transcript chunks = %q", got)
	}
	if store.creates[0].Transcript != nil {
		t.Error("section page should carry no transcript")
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	store := newMemoryHierarchy()
	eng := NewEngine(store)
	ev := parsed("Section 1: Intro", "1. Welcome", "hi")

	if _, err := eng.Reconcile(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	res, err := eng.Reconcile(context.Background(), ev)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Skipped {
		t.Error("expected second submission to be skipped")
	}
	if res.LecturePage == nil || res.LecturePage.ID != store.lecture(1).ID {
		t.Errorf("expected the existing page back, got %+v", res.LecturePage)
	}
	lectures := 0
	for _, c := range store.creates {
		if c.Tag == notion.TagLecture {
			lectures++
		}
	}
	if lectures != 1 || len(store.creates) != 2 {
		t.Errorf("expected exactly one lecture and one section page, got %d creates", len(store.creates))
	}
}

func TestReconcileChainFollowsEnqueueOrder(t *testing.T) {
	store := newMemoryHierarchy()
	eng := NewEngine(store)
	ctx := context.Background()

	if _, err := eng.Reconcile(ctx, parsed("Section 1: Basics", "5. Later")); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.Reconcile(ctx, parsed("Section 1: Basics", "3. Earlier")); err != nil {
		t.Fatal(err)
	}
	if got, want := store.lecture(3).PrevID, store.lecture(5).ID; got != want {
		t.Errorf("lecture 3 prev = %q, want lecture 5 %q", got, want)
	}
}

func TestReconcileNewSectionChainsFromLatestLecture(t *testing.T) {
	store := newMemoryHierarchy()
	eng := NewEngine(store)
	ctx := context.Background()

	if _, err := eng.Reconcile(ctx, parsed("Section 1: Basics", "1. One")); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.Reconcile(ctx, parsed("Section 1: Basics", "2. Two")); err != nil {
		t.Fatal(err)
	}
	res, err := eng.Reconcile(ctx, parsed("Section 2: Advanced", "3. Three"))
	if err != nil {
		t.Fatal(err)
	}
	if !res.SectionCreated {
		t.Error("expected section 2 to be created")
	}

	sec2 := store.section(2)
	if sec2.PrevID != store.lecture(2).ID {
		t.Errorf("section 2 prev = %q, want lecture 2", sec2.PrevID)
	}
	if store.lecture(2).PrevID != store.lecture(1).ID {
		t.Errorf("lecture 2 prev = %q, want lecture 1", store.lecture(2).PrevID)
	}
	lec3 := store.lecture(3)
	if lec3.PrevID != sec2.ID || lec3.ParentID != sec2.ID {
		t.Errorf("lecture 3 prev=%q parent=%q, want section 2 %q", lec3.PrevID, lec3.ParentID, sec2.ID)
	}
}

func TestReconcileExistingSectionBehindLatestLecture(t *testing.T) {
	store := newMemoryHierarchy()
	eng := NewEngine(store)
	ctx := context.Background()

	for _, ev := range []lecture.Lecture{
		parsed("Section 1: Basics", "1. One"),
		parsed("Section 2: Advanced", "9. Nine"),
		parsed("Section 1: Basics", "2. Two"),
	} {
		if _, err := eng.Reconcile(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}
	if n := len(store.creates); n != 5 {
		t.Fatalf("expected 5 creates, got %d", n)
	}
	if got := store.lecture(2).PrevID; got != store.section(1).ID {
		t.Errorf("lecture 2 prev = %q, want section 1 because the latest lecture is in section 2", got)
	}
}

func TestReconcileRejectsUnnumberedTitles(t *testing.T) {
	tests := []lecture.Lecture{
		parsed("Section 1: Basics", "Bonus lecture"),
		parsed("Welcome", "1. Intro"),
	}
	for _, ev := range tests {
		store := newMemoryHierarchy()
		_, err := NewEngine(store).Reconcile(context.Background(), ev)
		if !errors.Is(err, apperrors.ErrUnprocessable) {
			t.Errorf("got %v, want ErrUnprocessable", err)
		}
		if len(store.creates) != 0 {
			t.Errorf("expected no writes, got %d", len(store.creates))
		}
	}
}

func TestReconcileAbortsOnRemoteFailure(t *testing.T) {
	unavailable := apperrors.New(apperrors.ErrRemoteUnavailable, 0, "status 503")
	tests := []struct {
		op         string
		wantWrites int
	}{
		{"find_lecture", 0},
		{"find_section", 0},
		{"find_latest", 0},
		{"create_Section", 0},
		{"create_Lecture", 1},
	}
	for _, tt := range tests {
		t.Run(tt.op, func(t *testing.T) {
			store := newMemoryHierarchy()
			store.failOn[tt.op] = unavailable
			_, err := NewEngine(store).Reconcile(context.Background(), parsed("Section 1: A", "1. B"))
			if !errors.Is(err, apperrors.ErrRemoteUnavailable) {
				t.Fatalf("got %v, want ErrRemoteUnavailable", err)
			}
			if len(store.creates) != tt.wantWrites {
				t.Errorf("writes = %d, want %d", len(store.creates), tt.wantWrites)
			}
		})
	}
}

func TestReconcileReportsSectionCreatedBeforeLectureFailure(t *testing.T) {
	store := newMemoryHierarchy()
	store.failOn["create_Lecture"] = apperrors.New(apperrors.ErrRemoteUnavailable, 0, "status 503")

	res, err := NewEngine(store).Reconcile(context.Background(), parsed("Section 4: D", "9. I"))
	if err == nil {
		t.Fatal("expected lecture creation to fail")
	}
	if !res.SectionCreated || res.SectionPage == nil || res.SectionPage.ID != store.section(4).ID {
		t.Errorf("expected the created section in the result, got %+v", res)
	}
	if res.LecturePage != nil {
		t.Errorf("unexpected lecture page %+v", res.LecturePage)
	}
}
