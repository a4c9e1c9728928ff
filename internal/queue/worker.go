package queue

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/hayes/lecturesync/internal/lecture"
	"github.com/hayes/lecturesync/internal/lecture/title"
	"github.com/hayes/lecturesync/internal/reconcile"
	apperrors "github.com/hayes/lecturesync/pkg/errors"
	"github.com/hayes/lecturesync/pkg/logger"
	"github.com/hayes/lecturesync/pkg/metrics"
	"github.com/hayes/lecturesync/pkg/resilience"
	"github.com/hayes/lecturesync/pkg/tracing"
)

// Reconciler applies one parsed lecture to the hierarchy.
type Reconciler interface {
	Reconcile(ctx context.Context, lec lecture.Lecture) (reconcile.Result, error)
}

// Reporter receives the outcome of every processed event. Implementations
// log their own failures; a reporter never stops the worker.
type Reporter interface {
	Report(ctx context.Context, out lecture.Outcome)
}

// Reporters fans an outcome out to every reporter in order.
type Reporters []Reporter

func (rs Reporters) Report(ctx context.Context, out lecture.Outcome) {
	for _, r := range rs {
		r.Report(ctx, out)
	}
}

// WorkerConfig controls retries and span logging. MaxAttempts of 1 (the
// default) processes each event once.
type WorkerConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	LogSpans     bool
}

// Worker is the queue's single consumer.
type Worker struct {
	queue    *Queue
	engine   Reconciler
	reporter Reporter
	metrics  *metrics.Metrics
	cfg      WorkerConfig
	logger   *slog.Logger
}

// NewWorker wires a worker. reporter and m may be nil.
func NewWorker(q *Queue, engine Reconciler, reporter Reporter, m *metrics.Metrics, cfg WorkerConfig) *Worker {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if reporter == nil {
		reporter = Reporters{}
	}
	return &Worker{
		queue:    q,
		engine:   engine,
		reporter: reporter,
		metrics:  m,
		cfg:      cfg,
		logger:   slog.Default().With("component", "queue-worker"),
	}
}

// Run drains the queue until ctx is cancelled. A failed event is logged
// and reported; it never stops the loop. The event in flight when ctx is
// cancelled is finished before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started", "max_attempts", w.cfg.MaxAttempts)
	for {
		ev, err := w.queue.Dequeue(ctx)
		if err != nil {
			w.logger.Info("worker stopping", "reason", err, "pending", w.queue.Len())
			return nil
		}
		w.Process(ctx, ev)
	}
}

// Process reconciles one event and reports its outcome.
func (w *Worker) Process(ctx context.Context, ev lecture.LectureEvent) lecture.Outcome {
	ctx = logger.WithEventID(ctx, ev.ID)
	log := logger.FromContext(ctx).With("component", "queue-worker")
	ctx, span := tracing.StartSpan(ctx, "reconcile", ev.ID)
	start := time.Now()

	lec := title.Parse(ev)
	out := lecture.Outcome{
		EventID:   ev.ID,
		MessageID: ev.MessageID,
		Source:    ev.Source,
		Section:   lec.Section,
		Lecture:   lec.Lecture,
	}
	span.SetAttr("lecture", lec.Lecture.NumberValue())
	span.SetAttr("section", lec.Section.NumberValue())

	res, attempts, err := w.reconcile(ctx, lec)
	out.Attempts = attempts
	switch {
	case err == nil && res.Skipped:
		out.Result = lecture.ResultSkipped
	case err == nil:
		out.Result = lecture.ResultCreated
	case errors.Is(err, apperrors.ErrRemoteRejected), errors.Is(err, apperrors.ErrUnprocessable):
		out.Result = lecture.ResultRejected
	default:
		out.Result = lecture.ResultFailed
	}
	out.SectionCreated = res.SectionCreated
	if res.SectionPage != nil {
		out.SectionPageID = res.SectionPage.ID
	}
	if res.LecturePage != nil {
		out.LecturePageID = res.LecturePage.ID
	}
	if err != nil {
		out.Error = err.Error()
	}
	out.Duration = time.Since(start)
	out.ProcessedAt = time.Now().UTC()

	span.SetAttr("result", string(out.Result))
	span.End()
	if w.cfg.LogSpans {
		span.Log(log)
	}
	if w.metrics != nil {
		w.metrics.ReconciliationsTotal.WithLabelValues(string(out.Result)).Inc()
		w.metrics.ReconciliationDuration.Observe(out.Duration.Seconds())
	}

	attrs := []any{
		"result", out.Result,
		"section", lec.Section.NumberValue(),
		"lecture", lec.Lecture.NumberValue(),
		"message_id", ev.MessageID,
		"attempts", attempts,
		"duration_ms", out.Duration.Milliseconds(),
	}
	switch out.Result {
	case lecture.ResultCreated, lecture.ResultSkipped:
		log.Info("event processed", attrs...)
	case lecture.ResultRejected:
		log.Warn("event rejected", append(attrs, "error", err)...)
	default:
		log.Error("event failed", append(attrs, "error", err)...)
	}

	w.reporter.Report(context.WithoutCancel(ctx), out)
	return out
}

// reconcile runs the engine, retrying transient failures when configured.
// The engine call itself is detached from cancellation so a shutdown does
// not abandon an event halfway through its writes. A section created by an
// earlier attempt stays attributed to this event.
func (w *Worker) reconcile(ctx context.Context, lec lecture.Lecture) (res reconcile.Result, attempts int, err error) {
	var sectionCreated bool
	attempts, err = resilience.Retry(ctx, "reconcile", resilience.RetryConfig{
		MaxAttempts:  w.cfg.MaxAttempts,
		InitialDelay: w.cfg.InitialDelay,
		MaxDelay:     w.cfg.MaxDelay,
		Retryable:    apperrors.IsRetryable,
	}, func(int) error {
		var callErr error
		res, callErr = w.safeReconcile(context.WithoutCancel(ctx), lec)
		sectionCreated = sectionCreated || res.SectionCreated
		return callErr
	})
	res.SectionCreated = sectionCreated
	return res, attempts, err
}

func (w *Worker) safeReconcile(ctx context.Context, lec lecture.Lecture) (res reconcile.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.FromContext(ctx).Error("panic during reconciliation",
				"component", "queue-worker",
				"panic", r,
				"stack", string(debug.Stack()),
			)
			err = apperrors.Newf(apperrors.ErrInternal, 0, "panic: %v", r)
		}
	}()
	return w.engine.Reconcile(ctx, lec)
}
