package outcome

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hayes/lecturesync/internal/lecture"
)

const maxLatencySamples = 10000

// Snapshot is the aggregated view served by the status API.
type Snapshot struct {
	TotalProcessed  int64        `json:"total_processed"`
	Created         int64        `json:"created"`
	Skipped         int64        `json:"skipped"`
	Failed          int64        `json:"failed"`
	Rejected        int64        `json:"rejected"`
	SectionsCreated int64        `json:"sections_created"`
	Retried         int64        `json:"retried"`
	AvgLatencyMs    float64      `json:"avg_latency_ms"`
	P50LatencyMs    int64        `json:"p50_latency_ms"`
	P95LatencyMs    int64        `json:"p95_latency_ms"`
	P99LatencyMs    int64        `json:"p99_latency_ms"`
	TopErrors       []ErrorCount `json:"top_errors"`
	EventsPerMinute float64      `json:"events_per_minute"`
	LastProcessedAt *time.Time   `json:"last_processed_at"`
}

// ErrorCount is how often one error message was seen.
type ErrorCount struct {
	Error string `json:"error"`
	Count int64  `json:"count"`
}

// Stats aggregates outcomes in memory. Only the most recent latencies are
// kept for percentiles.
type Stats struct {
	total           atomic.Int64
	created         atomic.Int64
	skipped         atomic.Int64
	failed          atomic.Int64
	rejected        atomic.Int64
	sectionsCreated atomic.Int64
	retried         atomic.Int64

	mu        sync.RWMutex
	latencies []int64
	next      int
	errors    map[string]int64
	last      time.Time
	startTime time.Time
}

// NewStats creates an empty aggregator.
func NewStats() *Stats {
	return &Stats{
		latencies: make([]int64, 0, 1024),
		errors:    make(map[string]int64),
		startTime: time.Now(),
	}
}

// Report implements queue.Reporter.
func (s *Stats) Report(_ context.Context, out lecture.Outcome) {
	s.total.Add(1)
	switch out.Result {
	case lecture.ResultCreated:
		s.created.Add(1)
	case lecture.ResultSkipped:
		s.skipped.Add(1)
	case lecture.ResultFailed:
		s.failed.Add(1)
	case lecture.ResultRejected:
		s.rejected.Add(1)
	}
	if out.SectionCreated {
		s.sectionsCreated.Add(1)
	}
	if out.Attempts > 1 {
		s.retried.Add(1)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ms := out.Duration.Milliseconds()
	if len(s.latencies) < maxLatencySamples {
		s.latencies = append(s.latencies, ms)
	} else {
		s.latencies[s.next] = ms
		s.next = (s.next + 1) % maxLatencySamples
	}
	if out.Error != "" {
		s.errors[out.Error]++
	}
	if out.ProcessedAt.After(s.last) {
		s.last = out.ProcessedAt
	}
}

// Snapshot returns the current aggregates.
func (s *Stats) Snapshot() Snapshot {
	snap := Snapshot{
		TotalProcessed:  s.total.Load(),
		Created:         s.created.Load(),
		Skipped:         s.skipped.Load(),
		Failed:          s.failed.Load(),
		Rejected:        s.rejected.Load(),
		SectionsCreated: s.sectionsCreated.Load(),
		Retried:         s.retried.Load(),
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.latencies) > 0 {
		sorted := make([]int64, len(s.latencies))
		copy(sorted, s.latencies)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

		var sum int64
		for _, l := range sorted {
			sum += l
		}
		snap.AvgLatencyMs = float64(sum) / float64(len(sorted))
		snap.P50LatencyMs = percentile(sorted, 50)
		snap.P95LatencyMs = percentile(sorted, 95)
		snap.P99LatencyMs = percentile(sorted, 99)
	}
	snap.TopErrors = topN(s.errors, 10)
	if !s.last.IsZero() {
		last := s.last
		snap.LastProcessedAt = &last
	}
	if elapsed := time.Since(s.startTime).Minutes(); elapsed > 0 {
		snap.EventsPerMinute = float64(snap.TotalProcessed) / elapsed
	}
	return snap
}

func percentile(sorted []int64, pct int) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := (pct * len(sorted)) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func topN(counts map[string]int64, n int) []ErrorCount {
	result := make([]ErrorCount, 0, len(counts))
	for msg, count := range counts {
		result = append(result, ErrorCount{Error: msg, Count: count})
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Count != result[j].Count {
			return result[i].Count > result[j].Count
		}
		return result[i].Error < result[j].Error
	})
	if len(result) > n {
		result = result[:n]
	}
	return result
}
