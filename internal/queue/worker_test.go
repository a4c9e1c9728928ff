package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hayes/lecturesync/internal/lecture"
	"github.com/hayes/lecturesync/internal/notion"
	"github.com/hayes/lecturesync/internal/reconcile"
	apperrors "github.com/hayes/lecturesync/pkg/errors"
	"github.com/hayes/lecturesync/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type scriptedReconciler struct {
	mu      sync.Mutex
	seen    []int
	results map[int][]error
	panicOn int
}

func (s *scriptedReconciler) Reconcile(_ context.Context, lec lecture.Lecture) (reconcile.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := lec.Lecture.NumberValue()
	s.seen = append(s.seen, n)
	if n == s.panicOn {
		panic("boom")
	}
	if errs := s.results[n]; len(errs) > 0 {
		err := errs[0]
		s.results[n] = errs[1:]
		if err != nil {
			return reconcile.Result{}, err
		}
	}
	return reconcile.Result{
		SectionPage: &notion.Page{ID: "section"},
		LecturePage: &notion.Page{ID: "lecture"},
	}, nil
}

func (s *scriptedReconciler) calls() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.seen...)
}

type collectingReporter struct {
	mu   sync.Mutex
	outs []lecture.Outcome
	done chan struct{}
	want int
}

func (c *collectingReporter) Report(_ context.Context, out lecture.Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outs = append(c.outs, out)
	if len(c.outs) == c.want {
		close(c.done)
	}
}

func lectureEvent(id, rawLecture string) lecture.LectureEvent {
	return lecture.LectureEvent{
		ID:          id,
		MessageID:   "msg-" + id,
		Source:      lecture.SourceWebSocket,
		RawSection:  "Section 1: Basics",
		RawLecture:  rawLecture,
		Transcripts: []string{"hello"},
	}
}

func TestWorkerProcessesInOrderAndSurvivesFailures(t *testing.T) {
	rec := &scriptedReconciler{
		panicOn: 2,
		results: map[int][]error{
			3: {apperrors.New(apperrors.ErrRemoteRejected, 0, "validation_error")},
			4: {apperrors.New(apperrors.ErrRemoteUnavailable, 0, "status 503")},
		},
	}
	reporter := &collectingReporter{done: make(chan struct{}), want: 5}
	m := metrics.New()
	q := New(m)
	w := NewWorker(q, rec, reporter, m, WorkerConfig{})

	for i, raw := range []string{"1. One", "2. Two", "3. Three", "4. Four", "5. Five"} {
		q.Enqueue(lectureEvent(string(rune('a'+i)), raw))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case <-reporter.done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for outcomes")
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned %v", err)
	}

	if got := rec.calls(); len(got) != 5 || got[0] != 1 || got[4] != 5 {
		t.Errorf("reconcile order = %v", got)
	}
	want := []lecture.Result{
		lecture.ResultCreated,
		lecture.ResultFailed,
		lecture.ResultRejected,
		lecture.ResultFailed,
		lecture.ResultCreated,
	}
	for i, out := range reporter.outs {
		if out.Result != want[i] {
			t.Errorf("outcome %d = %s, want %s (%s)", i, out.Result, want[i], out.Error)
		}
	}
	first := reporter.outs[0]
	if first.MessageID != "msg-a" || first.LecturePageID != "lecture" || first.Attempts != 1 {
		t.Errorf("unexpected first outcome %+v", first)
	}
	if got := testutil.ToFloat64(m.ReconciliationsTotal.WithLabelValues("failed")); got != 2 {
		t.Errorf("failed reconciliations = %v", got)
	}
}

func TestWorkerRetriesOnlyTransientErrors(t *testing.T) {
	unavailable := apperrors.New(apperrors.ErrRemoteUnavailable, 0, "status 503")
	rec := &scriptedReconciler{results: map[int][]error{
		1: {unavailable, unavailable, nil},
		2: {apperrors.New(apperrors.ErrRemoteRejected, 0, "bad"), nil},
	}}
	w := NewWorker(New(nil), rec, nil, nil, WorkerConfig{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
	})

	out := w.Process(context.Background(), lectureEvent("a", "1. One"))
	if out.Result != lecture.ResultCreated || out.Attempts != 3 {
		t.Errorf("transient: result=%s attempts=%d", out.Result, out.Attempts)
	}
	out = w.Process(context.Background(), lectureEvent("b", "2. Two"))
	if out.Result != lecture.ResultRejected || out.Attempts != 1 {
		t.Errorf("rejected: result=%s attempts=%d", out.Result, out.Attempts)
	}
}

func TestWorkerSkippedOutcome(t *testing.T) {
	w := NewWorker(New(nil), skipAll{}, nil, nil, WorkerConfig{})
	out := w.Process(context.Background(), lectureEvent("a", "1. One"))
	if out.Result != lecture.ResultSkipped || out.LecturePageID != "existing" {
		t.Errorf("unexpected outcome %+v", out)
	}
}

func TestWorkerUnnumberedLectureIsRejected(t *testing.T) {
	w := NewWorker(New(nil), reconcile.NewEngine(nil), nil, nil, WorkerConfig{})
	out := w.Process(context.Background(), lectureEvent("a", "Bonus material"))
	if out.Result != lecture.ResultRejected {
		t.Errorf("result = %s", out.Result)
	}
	if out.Error == "" {
		t.Error("expected an error message")
	}
}

type skipAll struct{}

func (skipAll) Reconcile(context.Context, lecture.Lecture) (reconcile.Result, error) {
	return reconcile.Result{Skipped: true, LecturePage: &notion.Page{ID: "existing"}}, nil
}

// sectionThenUnavailable creates the section on its first call and fails the
// lecture write; later calls find the section already present.
type sectionThenUnavailable struct {
	calls int
}

func (s *sectionThenUnavailable) Reconcile(context.Context, lecture.Lecture) (reconcile.Result, error) {
	s.calls++
	section := &notion.Page{ID: "section"}
	if s.calls == 1 {
		return reconcile.Result{SectionCreated: true, SectionPage: section},
			apperrors.New(apperrors.ErrRemoteUnavailable, 0, "status 503")
	}
	return reconcile.Result{SectionPage: section, LecturePage: &notion.Page{ID: "lecture"}}, nil
}

func TestWorkerKeepsSectionCreatedAcrossRetries(t *testing.T) {
	w := NewWorker(New(nil), &sectionThenUnavailable{}, nil, nil, WorkerConfig{
		MaxAttempts:  2,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
	})
	out := w.Process(context.Background(), lectureEvent("a", "1. One"))
	if out.Result != lecture.ResultCreated || out.Attempts != 2 {
		t.Fatalf("result=%s attempts=%d", out.Result, out.Attempts)
	}
	if !out.SectionCreated {
		t.Error("expected the section created by the first attempt to be reported")
	}
}

func TestWorkerReportsSectionCreatedOnFailure(t *testing.T) {
	w := NewWorker(New(nil), &sectionThenUnavailable{}, nil, nil, WorkerConfig{})
	out := w.Process(context.Background(), lectureEvent("a", "1. One"))
	if out.Result != lecture.ResultFailed {
		t.Fatalf("result = %s, want failed", out.Result)
	}
	if !out.SectionCreated || out.SectionPageID != "section" {
		t.Errorf("unexpected outcome %+v", out)
	}
}
