// Command loadtest drives the WebSocket gateway with save_transcript frames
// and reports acknowledgement latency. Every frame is queued for real, so
// point it at a service backed by a scratch Notion database.
//
// Usage:
//
//	go run ./cmd/loadtest [-url ws://localhost:8765] [-concurrency 4] [-duration 30s] [-lines 200]
package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type Config struct {
	URL         string
	Concurrency int
	Duration    time.Duration
	Lines       int
	FirstNumber int
}

type Stats struct {
	totalFrames atomic.Int64
	acked       atomic.Int64
	errorCount  atomic.Int64
	latencies   []time.Duration
	latenciesMu sync.Mutex
	replies     map[string]*atomic.Int64
	repliesMu   sync.Mutex
}

func NewStats() *Stats {
	return &Stats{
		latencies: make([]time.Duration, 0, 100000),
		replies:   make(map[string]*atomic.Int64),
	}
}

func (s *Stats) RecordFrame(duration time.Duration, status string, err error) {
	s.totalFrames.Add(1)

	if err != nil {
		s.errorCount.Add(1)
		return
	}

	if status == "success" {
		s.acked.Add(1)
	} else {
		s.errorCount.Add(1)
	}

	s.latenciesMu.Lock()
	s.latencies = append(s.latencies, duration)
	s.latenciesMu.Unlock()

	s.repliesMu.Lock()
	if _, ok := s.replies[status]; !ok {
		s.replies[status] = &atomic.Int64{}
	}
	s.replies[status].Add(1)
	s.repliesMu.Unlock()
}

type frame struct {
	Action      string   `json:"action"`
	RawSection  string   `json:"rawSection"`
	RawLecture  string   `json:"rawLecture"`
	Transcripts []string `json:"transcripts"`
	MessageID   string   `json:"messageId"`
}

type reply struct {
	Status    string `json:"status"`
	MessageID string `json:"messageId"`
}

func main() {
	target := flag.String("url", "ws://localhost:8765", "WebSocket URL of the gateway")
	concurrency := flag.Int("concurrency", 4, "number of concurrent connections")
	duration := flag.Duration("duration", 30*time.Second, "test duration")
	lines := flag.Int("lines", 200, "transcript lines per frame")
	first := flag.Int("first-lecture", 10000, "lecture number of the first generated lecture")
	flag.Parse()

	cfg := Config{
		URL:         *target,
		Concurrency: *concurrency,
		Duration:    *duration,
		Lines:       *lines,
		FirstNumber: *first,
	}

	fmt.Println("=== Lecture Gateway Load Test ===")
	fmt.Printf("Target:      %s\n", cfg.URL)
	fmt.Printf("Concurrency: %d\n", cfg.Concurrency)
	fmt.Printf("Duration:    %s\n", cfg.Duration)
	fmt.Printf("Lines/frame: %d\n", cfg.Lines)
	fmt.Println()

	stats := runLoadTest(cfg)
	printReport(stats, cfg.Duration)
}

func runLoadTest(cfg Config) *Stats {
	stats := NewStats()
	transcript := make([]string, cfg.Lines)
	for i := range transcript {
		transcript[i] = fmt.Sprintf("line %d %s", i, strings.Repeat("lorem ipsum ", 4))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	var next atomic.Int64
	next.Store(int64(cfg.FirstNumber) - 1)

	var wg sync.WaitGroup
	fmt.Print("Running")

	for w := 0; w < cfg.Concurrency; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			ws, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, nil)
			if err != nil {
				stats.RecordFrame(0, "", err)
				return
			}
			defer ws.Close()

			for {
				select {
				case <-ctx.Done():
					return
				default:
				}

				n := next.Add(1)
				msg := frame{
					Action:      "save_transcript",
					RawSection:  fmt.Sprintf("Section %d: Load", 9000+workerID),
					RawLecture:  fmt.Sprintf("%d. Generated lecture", n),
					Transcripts: transcript,
					MessageID:   uuid.NewString(),
				}

				start := time.Now()
				if err := ws.WriteJSON(msg); err != nil {
					stats.RecordFrame(time.Since(start), "", err)
					return
				}
				ws.SetReadDeadline(time.Now().Add(10 * time.Second))
				var r reply
				err := ws.ReadJSON(&r)
				stats.RecordFrame(time.Since(start), r.Status, err)
				if err != nil {
					return
				}
			}
		}(w)
	}

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fmt.Print(".")
			}
		}
	}()

	wg.Wait()
	fmt.Println(" done!")
	fmt.Println()
	return stats
}

func printReport(stats *Stats, duration time.Duration) {
	total := stats.totalFrames.Load()
	acked := stats.acked.Load()
	errors := stats.errorCount.Load()

	fmt.Println("=== Results ===")
	fmt.Printf("Total Frames:    %d\n", total)
	fmt.Printf("Acknowledged:    %d\n", acked)
	fmt.Printf("Errors:          %d\n", errors)
	if total > 0 {
		errorRate := float64(errors) / float64(total) * 100
		fmt.Printf("Error Rate:      %.2f%%\n", errorRate)
		fps := float64(total) / duration.Seconds()
		fmt.Printf("Frames/sec:      %.2f\n", fps)
	}

	stats.latenciesMu.Lock()
	latencies := make([]time.Duration, len(stats.latencies))
	copy(latencies, stats.latencies)
	stats.latenciesMu.Unlock()

	if len(latencies) > 0 {
		sort.Slice(latencies, func(i, j int) bool {
			return latencies[i] < latencies[j]
		})

		var sum time.Duration
		for _, l := range latencies {
			sum += l
		}
		avg := sum / time.Duration(len(latencies))

		fmt.Println()
		fmt.Println("=== Ack Latency ===")
		fmt.Printf("Min:    %s\n", latencies[0])
		fmt.Printf("Avg:    %s\n", avg)
		fmt.Printf("P50:    %s\n", percentile(latencies, 50))
		fmt.Printf("P95:    %s\n", percentile(latencies, 95))
		fmt.Printf("P99:    %s\n", percentile(latencies, 99))
		fmt.Printf("Max:    %s\n", latencies[len(latencies)-1])
	}

	fmt.Println()
	fmt.Println("=== Reply Status ===")
	stats.repliesMu.Lock()
	statuses := make([]string, 0, len(stats.replies))
	for status := range stats.replies {
		statuses = append(statuses, status)
	}
	sort.Strings(statuses)
	for _, status := range statuses {
		fmt.Printf("  %s: %d\n", status, stats.replies[status].Load())
	}
	stats.repliesMu.Unlock()

	if total == 0 || acked == 0 {
		fmt.Println()
		fmt.Println("WARNING: No frames acknowledged. Is the service running?")
		os.Exit(1)
	}
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
