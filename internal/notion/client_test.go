package notion

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hayes/lecturesync/internal/lecture"
	"github.com/hayes/lecturesync/pkg/config"
	apperrors "github.com/hayes/lecturesync/pkg/errors"
	"github.com/hayes/lecturesync/pkg/metrics"
	"github.com/hayes/lecturesync/pkg/resilience"
)

const testDatabase = "db-1"

func testConfig(baseURL string) config.NotionConfig {
	return config.NotionConfig{
		Token:          "secret",
		DatabaseID:     testDatabase,
		BaseURL:        baseURL,
		Version:        "2022-06-28",
		RequestTimeout: 5 * time.Second,
	}
}

type recorder struct {
	mu       sync.Mutex
	queries  []queryRequest
	creates  []map[string]any
	headers  http.Header
	template string
}

func (r *recorder) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		r.mu.Lock()
		r.headers = req.Header.Clone()
		r.mu.Unlock()

		switch {
		case req.Method == http.MethodPost && req.URL.Path == "/databases/"+testDatabase+"/query":
			var q queryRequest
			if err := json.Unmarshal(body, &q); err != nil {
				t.Errorf("decoding query: %v", err)
			}
			r.mu.Lock()
			r.queries = append(r.queries, q)
			r.mu.Unlock()
			if q.Filter != nil && q.Filter.MultiSelect != nil && q.Filter.MultiSelect.Contains == "Template" && r.template != "" {
				io.WriteString(w, `{"object":"list","results":[`+r.template+`],"has_more":false}`)
				return
			}
			io.WriteString(w, `{"object":"list","results":[],"has_more":false}`)
		case req.Method == http.MethodPost && req.URL.Path == "/pages":
			var m map[string]any
			if err := json.Unmarshal(body, &m); err != nil {
				t.Errorf("decoding create: %v", err)
			}
			r.mu.Lock()
			r.creates = append(r.creates, m)
			r.mu.Unlock()
			io.WriteString(w, `{"object":"page","id":"new-page","properties":{"Name":{"type":"title","title":[{"plain_text":"created"}]}}}`)
		default:
			http.NotFound(w, req)
		}
	}
}

const templatePage = `{
	"object": "page",
	"id": "tpl-1",
	"icon": {"type": "emoji", "emoji": "📘"},
	"properties": {
		"Name": {"type": "title", "title": [{"type": "text", "text": {"content": "Template"}, "plain_text": "Template"}]},
		"Tag": {"type": "multi_select", "multi_select": [{"name": "Template"}]},
		"Version": {"type": "select", "select": {"name": "v2"}},
		"Number": {"type": "number", "number": null}
	}
}`

func TestConnectLoadsTemplate(t *testing.T) {
	rec := &recorder{template: templatePage}
	srv := httptest.NewServer(rec.handler(t))
	defer srv.Close()

	c, err := Connect(context.Background(), testConfig(srv.URL))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	tpl := c.Template()
	if tpl == nil || tpl.ID != "tpl-1" || tpl.Version != "v2" {
		t.Fatalf("unexpected template %+v", tpl)
	}
	if tpl.Icon == nil || tpl.Icon.Emoji != "📘" {
		t.Errorf("expected emoji icon, got %+v", tpl.Icon)
	}
	if !tpl.HasTag(TagTemplate) || tpl.Number != nil {
		t.Errorf("unexpected tags/number: %+v", tpl)
	}
	if got := rec.headers.Get("Authorization"); got != "Bearer secret" {
		t.Errorf("Authorization = %q", got)
	}
	if got := rec.headers.Get("Notion-Version"); got != "2022-06-28" {
		t.Errorf("Notion-Version = %q", got)
	}
}

func TestConnectWithoutTemplate(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec.handler(t))
	defer srv.Close()

	c, err := Connect(context.Background(), testConfig(srv.URL))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if c.Template() != nil {
		t.Error("expected no template")
	}
	body := c.buildCreateBody(CreatePageRequest{Title: lecture.TitleSet{Name: "Intro"}, Tag: TagSection})
	if _, ok := body.Properties[PropVersion]; ok || body.Icon != nil {
		t.Error("expected no version or icon without a template")
	}
}

func TestLookupFilters(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec.handler(t))
	defer srv.Close()
	c := New(testConfig(srv.URL))
	ctx := context.Background()

	if p, err := c.FindLectureByNumber(ctx, 7); err != nil || p != nil {
		t.Fatalf("FindLectureByNumber = %v, %v", p, err)
	}
	if p, err := c.FindSectionByNumber(ctx, 3); err != nil || p != nil {
		t.Fatalf("FindSectionByNumber = %v, %v", p, err)
	}
	if p, err := c.FindLatestLecture(ctx); err != nil || p != nil {
		t.Fatalf("FindLatestLecture = %v, %v", p, err)
	}

	if len(rec.queries) != 3 {
		t.Fatalf("expected 3 queries, got %d", len(rec.queries))
	}
	lec := rec.queries[0].Filter
	if len(lec.And) != 2 || lec.And[0].MultiSelect.Contains != "Lecture" || lec.And[1].Number.Equals != 7 {
		t.Errorf("unexpected lecture filter %+v", lec)
	}
	sec := rec.queries[1].Filter
	if len(sec.And) != 2 || sec.And[0].MultiSelect.Contains != "Section" || sec.And[1].Number.Equals != 3 {
		t.Errorf("unexpected section filter %+v", sec)
	}
	latest := rec.queries[2]
	if latest.PageSize != 1 || len(latest.Sorts) != 1 || latest.Sorts[0].Direction != "descending" || latest.Sorts[0].Property != PropNumber {
		t.Errorf("unexpected latest query %+v", latest)
	}
}

func TestCreatePageBody(t *testing.T) {
	rec := &recorder{template: templatePage}
	srv := httptest.NewServer(rec.handler(t))
	defer srv.Close()
	m := metrics.New()
	c, err := Connect(context.Background(), testConfig(srv.URL), WithMetrics(m))
	if err != nil {
		t.Fatal(err)
	}

	seven := 7
	page, err := c.CreatePage(context.Background(), CreatePageRequest{
		Title:      lecture.TitleSet{Name: "TCP Handshakes", Number: &seven},
		Tag:        TagLecture,
		PrevID:     "prev-1",
		ParentID:   "section-1",
		Transcript: []string{"line1\nline2", "line3"},
	})
	if err != nil {
		t.Fatalf("CreatePage: %v", err)
	}
	if page.ID != "new-page" {
		t.Errorf("page id = %q", page.ID)
	}
	if len(rec.creates) != 1 {
		t.Fatalf("expected one create, got %d", len(rec.creates))
	}

	raw, _ := json.Marshal(rec.creates[0])
	got := string(raw)
	for _, want := range []string{
		`"database_id":"db-1"`,
		`"emoji":"📘"`,
		`"Number":{"number":7}`,
		`"Version":{"select":{"name":"v2"}}`,
		`"Prev":{"relation":[{"id":"prev-1"}]}`,
		`"Parent":{"relation":[{"id":"section-1"}]}`,
		`"multi_select":[{"name":"Lecture"}]`,
		`"language":"plain text"`,
		`"content":"line1\nline2\n"`,
		`"content":"line3"`,
		`"content":"Script"`,
	} {
		if !strings.Contains(got, want) {
			t.Errorf("create body missing %s\n%s", want, got)
		}
	}
}

func TestCreateSectionPageOmitsOptionalFields(t *testing.T) {
	c := New(testConfig("http://unused"))
	body := c.buildCreateBody(CreatePageRequest{Title: lecture.TitleSet{Name: "Networking"}, Tag: TagSection})
	if _, ok := body.Properties[PropPrev]; ok {
		t.Error("expected no Prev relation")
	}
	if _, ok := body.Properties[PropParent]; ok {
		t.Error("expected no Parent relation")
	}
	if body.Children != nil {
		t.Error("expected no children on a section page")
	}
	raw, _ := json.Marshal(body.Properties[PropNumber])
	if string(raw) != `{"number":null}` {
		t.Errorf("number = %s, want explicit null", raw)
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"server error", http.StatusBadGateway, `{"object":"error","status":502,"code":"internal_server_error","message":"boom"}`, apperrors.ErrRemoteUnavailable},
		{"rate limited", http.StatusTooManyRequests, `{"object":"error","status":429,"code":"rate_limited","message":"slow down"}`, apperrors.ErrRemoteUnavailable},
		{"validation", http.StatusBadRequest, `{"object":"error","status":400,"code":"validation_error","message":"Number is not a property"}`, apperrors.ErrRemoteRejected},
		{"unauthorized", http.StatusUnauthorized, `{"object":"error","status":401,"code":"unauthorized","message":"API token is invalid."}`, apperrors.ErrRemoteRejected},
		{"undecodable", http.StatusOK, `{not json`, apperrors.ErrRemoteRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			_, err := New(testConfig(srv.URL)).FindLectureByNumber(context.Background(), 1)
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestTransportFailureIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := New(testConfig(url)).FindLatestLecture(context.Background())
	if !errors.Is(err, apperrors.ErrRemoteUnavailable) {
		t.Fatalf("got %v, want ErrRemoteUnavailable", err)
	}
}

func TestBreakerOpensOnTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL), WithBreakerConfig(config.BreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     time.Minute,
	}))
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := c.FindLatestLecture(ctx); !errors.Is(err, apperrors.ErrRemoteUnavailable) {
			t.Fatalf("call %d: got %v", i, err)
		}
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("expected the open breaker to short-circuit, server saw %d calls", n)
	}
	if c.breaker.GetState() != resilience.StateOpen {
		t.Errorf("breaker state = %v", c.breaker.GetState())
	}
	if err := c.Ping(ctx); err == nil {
		t.Error("expected Ping to fail with an open breaker")
	}
}

func TestRejectionsDoNotTripBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL), WithBreakerConfig(config.BreakerConfig{FailureThreshold: 1}))
	for i := 0; i < 3; i++ {
		c.FindLatestLecture(context.Background())
	}
	if c.breaker.GetState() != resilience.StateClosed {
		t.Errorf("breaker state = %v, want closed", c.breaker.GetState())
	}
}
