// Package metrics defines the Prometheus collectors used by the ingestion
// service and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the service together with the
// registry they are registered in.
type Metrics struct {
	HTTPRequestsTotal          *prometheus.CounterVec
	HTTPRequestDuration        *prometheus.HistogramVec
	HTTPRequestsInFlight       prometheus.Gauge
	WSConnectionsActive        prometheus.Gauge
	WSMessagesTotal            *prometheus.CounterVec
	QueueDepth                 prometheus.Gauge
	QueueEnqueuedTotal         *prometheus.CounterVec
	KafkaIngestTotal           *prometheus.CounterVec
	ReconciliationsTotal       *prometheus.CounterVec
	ReconciliationDuration     prometheus.Histogram
	NotionRequestsTotal        *prometheus.CounterVec
	NotionRequestDuration      *prometheus.HistogramVec
	PagesCreatedTotal          *prometheus.CounterVec
	OutcomeSinkFailuresTotal   *prometheus.CounterVec
	NotifierEventsDroppedTotal prometheus.Counter
	CircuitBreakerState        *prometheus.GaugeVec

	registry *prometheus.Registry
}

// New creates all collectors and registers them, plus the Go and process
// collectors, in a fresh registry.
func New() *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		WSConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ws_connections_active",
				Help: "Number of open capture-client WebSocket connections.",
			},
		),
		WSMessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ws_messages_total",
				Help: "WebSocket frames received by action and result (queued, invalid, malformed, ignored, ok, error).",
			},
			[]string{"action", "result"},
		),
		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ingest_queue_depth",
				Help: "Number of lecture events waiting to be reconciled.",
			},
		),
		QueueEnqueuedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_queue_enqueued_total",
				Help: "Total lecture events enqueued by source.",
			},
			[]string{"source"},
		),
		KafkaIngestTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kafka_ingest_messages_total",
				Help: "Messages read from the lecture ingest topic by result (queued, invalid, malformed, ignored).",
			},
			[]string{"result"},
		),
		ReconciliationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reconciliations_total",
				Help: "Total reconciliations by result (created, skipped, failed, rejected).",
			},
			[]string{"result"},
		),
		ReconciliationDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "reconciliation_duration_seconds",
				Help:    "Wall time spent reconciling one lecture event.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 16, 32},
			},
		),
		NotionRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notion_requests_total",
				Help: "Notion API requests by operation and status class.",
			},
			[]string{"operation", "status"},
		),
		NotionRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "notion_request_duration_seconds",
				Help:    "Notion API request latency in seconds.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"operation"},
		),
		PagesCreatedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notion_pages_created_total",
				Help: "Pages created in the hierarchy by tag.",
			},
			[]string{"tag"},
		),
		OutcomeSinkFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outcome_sink_failures_total",
				Help: "Failed outcome reports by sink.",
			},
			[]string{"sink"},
		),
		NotifierEventsDroppedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "outcome_notifier_dropped_total",
				Help: "Outcome events dropped because the notifier buffer was full.",
			},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.WSConnectionsActive,
		m.WSMessagesTotal,
		m.QueueDepth,
		m.QueueEnqueuedTotal,
		m.KafkaIngestTotal,
		m.ReconciliationsTotal,
		m.ReconciliationDuration,
		m.NotionRequestsTotal,
		m.NotionRequestDuration,
		m.PagesCreatedTotal,
		m.OutcomeSinkFailuresTotal,
		m.NotifierEventsDroppedTotal,
		m.CircuitBreakerState,
	)

	return m
}

// Registry returns the registry the collectors are registered in.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus scrape HTTP handler for m.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
