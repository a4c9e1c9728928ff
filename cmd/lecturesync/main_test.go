package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	gwhandler "github.com/hayes/lecturesync/internal/gateway/handler"
	"github.com/hayes/lecturesync/internal/gateway/router"
	"github.com/hayes/lecturesync/internal/notion"
	"github.com/hayes/lecturesync/internal/outcome"
	"github.com/hayes/lecturesync/internal/queue"
	"github.com/hayes/lecturesync/internal/reconcile"
	"github.com/hayes/lecturesync/internal/statusapi"
	"github.com/hayes/lecturesync/pkg/config"
	"github.com/hayes/lecturesync/pkg/health"
	"github.com/hayes/lecturesync/pkg/metrics"
)

const testDatabase = "db-1"

type fakePage struct {
	ID       string
	Tag      string
	Name     string
	Number   *int
	PrevID   string
	ParentID string
}

// fakeNotion is a stateful stand-in for the Notion database query and page
// create endpoints.
type fakeNotion struct {
	mu    sync.Mutex
	pages []fakePage
}

type fakeCondition struct {
	Property    string `json:"property"`
	MultiSelect *struct {
		Contains string `json:"contains"`
	} `json:"multi_select"`
	Number *struct {
		Equals int `json:"equals"`
	} `json:"number"`
}

type fakeQuery struct {
	Filter struct {
		fakeCondition
		And []fakeCondition `json:"and"`
	} `json:"filter"`
	Sorts []json.RawMessage `json:"sorts"`
}

type fakeCreate struct {
	Properties struct {
		Name struct {
			Title []struct {
				Text struct {
					Content string `json:"content"`
				} `json:"text"`
			} `json:"title"`
		} `json:"Name"`
		Tag struct {
			MultiSelect []struct {
				Name string `json:"name"`
			} `json:"multi_select"`
		} `json:"Tag"`
		Number struct {
			Number *int `json:"number"`
		} `json:"Number"`
		Prev   fakeRelation `json:"Prev"`
		Parent fakeRelation `json:"Parent"`
	} `json:"properties"`
}

type fakeRelation struct {
	Relation []struct {
		ID string `json:"id"`
	} `json:"relation"`
}

func (r fakeRelation) first() string {
	if len(r.Relation) == 0 {
		return ""
	}
	return r.Relation[0].ID
}

func (f *fakeNotion) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/databases/"+testDatabase+"/query":
		var q fakeQuery
		if err := json.Unmarshal(body, &q); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.writeList(w, f.query(q))
	case r.Method == http.MethodPost && r.URL.Path == "/pages":
		var c fakeCreate
		if err := json.Unmarshal(body, &c); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(pageJSON(f.create(c)))
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeNotion) query(q fakeQuery) []fakePage {
	f.mu.Lock()
	defer f.mu.Unlock()

	conds := q.Filter.And
	if len(conds) == 0 {
		conds = []fakeCondition{q.Filter.fakeCondition}
	}
	var matched []fakePage
	for _, p := range f.pages {
		ok := true
		for _, c := range conds {
			if c.MultiSelect != nil && c.MultiSelect.Contains != p.Tag {
				ok = false
			}
			if c.Number != nil && (p.Number == nil || *p.Number != c.Number.Equals) {
				ok = false
			}
		}
		if ok {
			matched = append(matched, p)
		}
	}
	if len(q.Sorts) > 0 && len(matched) > 1 {
		best := matched[0]
		for _, p := range matched[1:] {
			if p.Number != nil && (best.Number == nil || *p.Number > *best.Number) {
				best = p
			}
		}
		matched = []fakePage{best}
	}
	return matched
}

func (f *fakeNotion) create(c fakeCreate) fakePage {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := fakePage{
		ID:       fmt.Sprintf("page-%d", len(f.pages)+1),
		Number:   c.Properties.Number.Number,
		PrevID:   c.Properties.Prev.first(),
		ParentID: c.Properties.Parent.first(),
	}
	if len(c.Properties.Name.Title) > 0 {
		p.Name = c.Properties.Name.Title[0].Text.Content
	}
	if len(c.Properties.Tag.MultiSelect) > 0 {
		p.Tag = c.Properties.Tag.MultiSelect[0].Name
	}
	f.pages = append(f.pages, p)
	return p
}

func (f *fakeNotion) snapshot() []fakePage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakePage(nil), f.pages...)
}

func (f *fakeNotion) writeList(w http.ResponseWriter, pages []fakePage) {
	results := make([]map[string]any, 0, len(pages))
	for _, p := range pages {
		results = append(results, pageJSON(p))
	}
	json.NewEncoder(w).Encode(map[string]any{"object": "list", "results": results, "has_more": false})
}

func pageJSON(p fakePage) map[string]any {
	relation := func(id string) map[string]any {
		refs := []map[string]string{}
		if id != "" {
			refs = append(refs, map[string]string{"id": id})
		}
		return map[string]any{"type": "relation", "relation": refs}
	}
	return map[string]any{
		"object": "page",
		"id":     p.ID,
		"properties": map[string]any{
			"Name":   map[string]any{"type": "title", "title": []map[string]string{{"plain_text": p.Name}}},
			"Tag":    map[string]any{"type": "multi_select", "multi_select": []map[string]string{{"name": p.Tag}}},
			"Number": map[string]any{"type": "number", "number": p.Number},
			"Prev":   relation(p.PrevID),
			"Parent": relation(p.ParentID),
		},
	}
}

// startService wires the gateway, queue, worker and engine against a fake
// Notion the way run does, without the optional sinks.
func startService(t *testing.T) (*httptest.Server, *fakeNotion, *outcome.Stats) {
	t.Helper()
	fake := &fakeNotion{}
	notionSrv := httptest.NewServer(fake)
	t.Cleanup(notionSrv.Close)

	m := metrics.New()
	store, err := notion.Connect(context.Background(), config.NotionConfig{
		Token:          "secret",
		DatabaseID:     testDatabase,
		BaseURL:        notionSrv.URL,
		Version:        "2022-06-28",
		RequestTimeout: 5 * time.Second,
	}, notion.WithMetrics(m))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	stats := outcome.NewStats()
	q := queue.New(m)
	worker := queue.NewWorker(q, reconcile.NewEngine(store), queue.Reporters{stats}, m, queue.WorkerConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	hub := gwhandler.NewHub(m)
	gwCfg := config.GatewayConfig{AllowedOrigins: []string{"*"}, MaxMessageBytes: 1 << 20}
	srv := httptest.NewServer(router.New(router.Deps{
		WebSocket:      gwhandler.New(hub, q, store, gwCfg, m),
		Status:         statusapi.New(q, hub, stats),
		Health:         health.NewChecker(time.Second),
		Metrics:        m,
		AllowedOrigins: gwCfg.AllowedOrigins,
	}))
	t.Cleanup(func() {
		hub.CloseAll()
		srv.Close()
	})
	return srv, fake, stats
}

func send(t *testing.T, ws *websocket.Conn, section, lectureLabel string) {
	t.Helper()
	msg := map[string]any{
		"action":      "save_transcript",
		"rawSection":  section,
		"rawLecture":  lectureLabel,
		"transcripts": []string{"hello", "world"},
		"messageId":   lectureLabel,
	}
	if err := ws.WriteJSON(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ack map[string]any
	if err := ws.ReadJSON(&ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack["status"] != "success" {
		t.Fatalf("unexpected ack %v", ack)
	}
}

func waitProcessed(t *testing.T, stats *outcome.Stats, n int64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for stats.Snapshot().TotalProcessed < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d processed events, have %d", n, stats.Snapshot().TotalProcessed)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPipelineBuildsHierarchy(t *testing.T) {
	srv, fake, stats := startService(t)

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	send(t, ws, "Section 1: Intro", "1. Welcome")
	send(t, ws, "Section 1: Intro", "2. Setup")
	send(t, ws, "Section 1: Intro", "1. Welcome")
	send(t, ws, "Section 2: Basics", "3. Variables")
	waitProcessed(t, stats, 4)

	pages := fake.snapshot()
	if len(pages) != 5 {
		t.Fatalf("expected 5 pages, got %d: %+v", len(pages), pages)
	}
	sec1, l1, l2, sec2, l3 := pages[0], pages[1], pages[2], pages[3], pages[4]
	if sec1.Tag != "Section" || sec1.Name != "Intro" || sec1.PrevID != "" || sec1.ParentID != "" {
		t.Errorf("unexpected first section %+v", sec1)
	}
	if l1.Tag != "Lecture" || l1.PrevID != sec1.ID || l1.ParentID != sec1.ID {
		t.Errorf("lecture 1 should chain from its section: %+v", l1)
	}
	if l2.PrevID != l1.ID || l2.ParentID != sec1.ID {
		t.Errorf("lecture 2 should chain from lecture 1: %+v", l2)
	}
	if sec2.Tag != "Section" || sec2.PrevID != l2.ID {
		t.Errorf("section 2 should chain from the latest lecture: %+v", sec2)
	}
	if l3.PrevID != sec2.ID || l3.ParentID != sec2.ID {
		t.Errorf("lecture 3 should chain from section 2: %+v", l3)
	}

	snap := stats.Snapshot()
	if snap.Created != 3 || snap.Skipped != 1 || snap.SectionsCreated != 2 {
		t.Errorf("unexpected stats %+v", snap)
	}

	resp, err := http.Get(srv.URL + "/api/v1/queue")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var qs map[string]int
	if err := json.NewDecoder(resp.Body).Decode(&qs); err != nil {
		t.Fatal(err)
	}
	if qs["pending"] != 0 || qs["connections"] != 1 {
		t.Errorf("unexpected queue status %v", qs)
	}
}
