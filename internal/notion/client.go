// Package notion is the remote hierarchy client: a narrow REST client for
// the Notion database that holds Section, Lecture and Template pages. It
// exposes the lookups and the page create the reconciler needs, decodes
// pages through an explicit property schema, and classifies every failure
// as transient (ErrRemoteUnavailable) or permanent (ErrRemoteRejected).
package notion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hayes/lecturesync/pkg/config"
	apperrors "github.com/hayes/lecturesync/pkg/errors"
	"github.com/hayes/lecturesync/pkg/metrics"
	"github.com/hayes/lecturesync/pkg/resilience"
	"github.com/hayes/lecturesync/pkg/tracing"
)

const maxResponseBytes = 16 << 20

// Client talks to one Notion database. It is safe for concurrent use; the
// template snapshot is set once by Connect and never changes.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	version    string
	databaseID string
	breaker    *resilience.CircuitBreaker
	breakerCfg config.BreakerConfig
	metrics    *metrics.Metrics
	logger     *slog.Logger
	template   *Page
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client, mainly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithMetrics records request counts, latencies and breaker state.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithBreakerConfig sets the circuit breaker thresholds.
func WithBreakerConfig(cfg config.BreakerConfig) Option {
	return func(c *Client) {
		c.breakerCfg = cfg
	}
}

// New builds a Client without contacting Notion.
func New(cfg config.NotionConfig, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		version:    cfg.Version,
		databaseID: cfg.DatabaseID,
		logger:     slog.Default().With("component", "notion"),
	}
	for _, opt := range opts {
		opt(c)
	}
	cbCfg := resilience.CircuitBreakerConfig{
		FailureThreshold: c.breakerCfg.FailureThreshold,
		ResetTimeout:     c.breakerCfg.ResetTimeout,
		Trips:            apperrors.IsRetryable,
	}
	if c.metrics != nil {
		m := c.metrics
		cbCfg.OnStateChange = func(name string, state resilience.State) {
			m.CircuitBreakerState.WithLabelValues(name).Set(float64(state))
		}
		m.CircuitBreakerState.WithLabelValues("notion").Set(float64(resilience.StateClosed))
	}
	c.breaker = resilience.NewCircuitBreaker("notion", cbCfg)
	return c
}

// Connect builds a Client and loads the template snapshot. A database
// without a Template page is allowed; created pages then carry no version
// or icon.
func Connect(ctx context.Context, cfg config.NotionConfig, opts ...Option) (*Client, error) {
	c := New(cfg, opts...)
	tpl, err := c.FindTemplate(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading template page: %w", err)
	}
	c.template = tpl
	if tpl == nil {
		c.logger.Warn("no template page found, pages will be created without version or icon")
	} else {
		c.logger.Info("template page loaded", "page_id", tpl.ID, "version", tpl.Version)
	}
	return c, nil
}

// Template returns the template snapshot, or nil.
func (c *Client) Template() *Page {
	return c.template
}

// Ping reports the breaker as a health signal without calling Notion.
func (c *Client) Ping(_ context.Context) error {
	if state := c.breaker.GetState(); state == resilience.StateOpen {
		return fmt.Errorf("notion circuit %s", state)
	}
	return nil
}

type apiError struct {
	Object  string `json:"object"`
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// do sends one request through the circuit breaker and decodes the JSON
// response into out.
func (c *Client) do(ctx context.Context, operation, method, path string, body, out any) error {
	ctx, span := tracing.StartChildSpan(ctx, "notion."+operation)
	defer span.End()
	start := time.Now()

	status := "error"
	err := c.breaker.Execute(func() error {
		code, err := c.roundTrip(ctx, method, path, body, out)
		if code != 0 {
			status = strconv.Itoa(code)
		}
		return err
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		status = "circuit_open"
		err = apperrors.Newf(apperrors.ErrRemoteUnavailable, 0, "%s: %v", operation, err)
	}

	span.SetAttr("status", status)
	if c.metrics != nil {
		c.metrics.NotionRequestsTotal.WithLabelValues(operation, status).Inc()
		c.metrics.NotionRequestDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		c.logger.Debug("notion request failed", "operation", operation, "status", status, "error", err)
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encoding %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Notion-Version", c.version)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, fmt.Errorf("%s %s: %w", method, path, ctx.Err())
		}
		return 0, apperrors.Newf(apperrors.ErrRemoteUnavailable, 0, "%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, apperrors.Newf(apperrors.ErrRemoteUnavailable, 0, "reading %s %s: %v", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, classify(resp.StatusCode, data)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, apperrors.Newf(apperrors.ErrRemoteRejected, 0, "decoding %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode, nil
}

// classify maps a non-2xx response onto the error taxonomy. Rate limiting
// and server errors are transient; every other status is permanent.
func classify(status int, body []byte) error {
	var apiErr apiError
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Code != "" {
		msg = apiErr.Code + ": " + apiErr.Message
	}
	if len(msg) > 512 {
		msg = msg[:512]
	}
	if status == http.StatusTooManyRequests || status >= 500 {
		return apperrors.Newf(apperrors.ErrRemoteUnavailable, 0, "status %d: %s", status, msg)
	}
	return apperrors.Newf(apperrors.ErrRemoteRejected, 0, "status %d: %s", status, msg)
}
