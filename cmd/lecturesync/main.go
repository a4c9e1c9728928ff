// Command lecturesync starts the lecture transcript ingestion service.
//
// The service accepts save_transcript events from the capture client over a
// WebSocket, queues them in arrival order and reconciles each one into the
// Notion Section → Lecture hierarchy. Outcomes are optionally recorded in
// PostgreSQL, cached in Redis and published to Kafka; a Kafka topic can also
// feed the queue.
//
// Usage:
//
//	go run ./cmd/lecturesync [-config configs/development.yaml] [-notion-token T] [-database-id D] [-websocket-port 8765]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	gwhandler "github.com/hayes/lecturesync/internal/gateway/handler"
	"github.com/hayes/lecturesync/internal/gateway/router"
	"github.com/hayes/lecturesync/internal/ledger"
	"github.com/hayes/lecturesync/internal/notion"
	"github.com/hayes/lecturesync/internal/outcome"
	"github.com/hayes/lecturesync/internal/queue"
	"github.com/hayes/lecturesync/internal/receipt"
	"github.com/hayes/lecturesync/internal/reconcile"
	"github.com/hayes/lecturesync/internal/source"
	"github.com/hayes/lecturesync/internal/statusapi"
	"github.com/hayes/lecturesync/pkg/config"
	"github.com/hayes/lecturesync/pkg/health"
	"github.com/hayes/lecturesync/pkg/kafka"
	"github.com/hayes/lecturesync/pkg/logger"
	"github.com/hayes/lecturesync/pkg/metrics"
	"github.com/hayes/lecturesync/pkg/postgres"
	pkgredis "github.com/hayes/lecturesync/pkg/redis"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	token := flag.String("notion-token", "", "Notion integration token (overrides config)")
	databaseID := flag.String("database-id", "", "Notion database id (overrides config)")
	port := flag.Int("websocket-port", 0, "WebSocket listen port (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *token != "" {
		cfg.Notion.Token = *token
	}
	if *databaseID != "" {
		cfg.Notion.DatabaseID = *databaseID
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)

	if err := run(cfg); err != nil {
		slog.Error("lecturesync exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("lecturesync stopped")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("starting lecturesync", "addr", cfg.Server.Addr())

	m := metrics.New()
	if cfg.Metrics.Enabled {
		metricsServer, err := metrics.StartServer(cfg.Metrics.Port, m)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			metricsServer.Shutdown(shutdownCtx)
		}()
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.Notion.RequestTimeout)
	store, err := notion.Connect(connectCtx, cfg.Notion,
		notion.WithMetrics(m),
		notion.WithBreakerConfig(cfg.Breaker),
	)
	cancel()
	if err != nil {
		return fmt.Errorf("connecting to notion: %w", err)
	}

	checker := health.NewChecker(5 * time.Second)
	checker.Register("notion", health.PingCheck(store.Ping, true))

	stats := outcome.NewStats()
	reporters := queue.Reporters{stats}
	var statusOpts []statusapi.Option

	if cfg.Postgres.Enabled {
		db, err := postgres.New(cfg.Postgres)
		if err != nil {
			return fmt.Errorf("connecting to postgres: %w", err)
		}
		defer db.Close()
		ledgerStore := ledger.NewStore(db, m)
		if err := ledgerStore.Migrate(ctx); err != nil {
			return fmt.Errorf("migrating ledger: %w", err)
		}
		reporters = append(reporters, ledgerStore)
		statusOpts = append(statusOpts, statusapi.WithLedger(ledgerStore))
		checker.Register("postgres", health.PingCheck(ledgerStore.Ping, false))
		slog.Info("outcome ledger enabled", "database", cfg.Postgres.Database)
	}

	if cfg.Redis.Enabled {
		rdb, err := pkgredis.NewClient(cfg.Redis)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		defer rdb.Close()
		receipts := receipt.New(rdb, cfg.Redis.ReceiptTTL, m)
		reporters = append(reporters, receipts)
		statusOpts = append(statusOpts, statusapi.WithReceipts(receipts))
		checker.Register("redis", health.PingCheck(receipts.Ping, false))
		slog.Info("receipt cache enabled", "addr", cfg.Redis.Addr, "ttl", cfg.Redis.ReceiptTTL)
	}

	var notifier *outcome.Notifier
	if cfg.Kafka.NotifyEnabled {
		producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.LectureEvents)
		defer producer.Close()
		notifier = outcome.NewNotifier(producer, outcome.NotifierConfig{BufferSize: cfg.Kafka.BufferSize}, m)
		reporters = append(reporters, notifier)
		slog.Info("outcome notifier enabled", "topic", cfg.Kafka.Topics.LectureEvents)
	}

	q := queue.New(m)
	worker := queue.NewWorker(q, reconcile.NewEngine(store), reporters, m, queue.WorkerConfig{
		MaxAttempts:  cfg.Queue.MaxAttempts,
		InitialDelay: cfg.Queue.InitialDelay,
		MaxDelay:     cfg.Queue.MaxDelay,
		LogSpans:     cfg.Tracing.Enabled,
	})

	hub := gwhandler.NewHub(m)
	ws := gwhandler.New(hub, q, store, cfg.Gateway, m)
	server := &http.Server{
		Addr: cfg.Server.Addr(),
		Handler: router.New(router.Deps{
			WebSocket:      ws,
			Status:         statusapi.New(q, hub, stats, statusOpts...),
			Health:         checker,
			Metrics:        m,
			AllowedOrigins: cfg.Gateway.AllowedOrigins,
			APITimeout:     cfg.Server.APITimeout,
		}),
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	// The worker finishes its in-flight event after cancellation and reports
	// it, so the notifier drains only once the worker has returned.
	g.Go(func() error {
		if notifier != nil {
			defer notifier.Close()
		}
		return worker.Run(gctx)
	})

	if notifier != nil {
		g.Go(func() error {
			return notifier.Run(context.WithoutCancel(gctx))
		})
	}

	if cfg.Kafka.IngestEnabled {
		consumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.LectureIngest, source.HandleMessage(q, m))
		src := source.NewKafkaSource(consumer)
		g.Go(func() error {
			return src.Start(gctx)
		})
		slog.Info("kafka ingest source enabled", "topic", cfg.Kafka.Topics.LectureIngest)
	}

	g.Go(func() error {
		slog.Info("websocket server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received", "pending", q.Len(), "connections", hub.Len())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		hub.CloseAll()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}
