// Command memsched runs the memory task scheduler: it assembles the
// queue backend, state store and memory collaborators from
// configuration, starts the scheduler, and serves the HTTP API.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/memgrid/memsched/internal/alerts"
	"github.com/memgrid/memsched/internal/api"
	apimiddleware "github.com/memgrid/memsched/internal/api/middleware"
	"github.com/memgrid/memsched/internal/config"
	"github.com/memgrid/memsched/internal/domain"
	"github.com/memgrid/memsched/internal/memops"
	"github.com/memgrid/memsched/internal/platform/gemini"
	"github.com/memgrid/memsched/internal/platform/logger"
	"github.com/memgrid/memsched/internal/platform/memstore"
	neo4jstore "github.com/memgrid/memsched/internal/platform/neo4j"
	pgvectorstore "github.com/memgrid/memsched/internal/platform/pgvector"
	"github.com/memgrid/memsched/internal/platform/postgres"
	"github.com/memgrid/memsched/internal/queue"
	"github.com/memgrid/memsched/internal/scheduler"
	"github.com/memgrid/memsched/internal/scheduler/handlers"
	"github.com/memgrid/memsched/internal/state"
)

const (
	shutdownGrace   = 30 * time.Second
	httpReadTimeout = 10 * time.Second
)

func main() {
	if err := run(); err != nil {
		slog.Error("memsched exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.Setup(cfg.Server.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to set up logger: %w", err)
	}
	log.Info("configuration loaded",
		slog.Int("port", cfg.Server.Port),
		slog.String("queue_backend", cfg.Queue.Backend),
		slog.Bool("database_configured", cfg.Database.URL != ""))

	// State store: Postgres when configured, in-memory otherwise.
	var stateStore state.Store
	var db *sql.DB
	if cfg.Database.URL != "" {
		db, err = sql.Open("pgx", cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer func() { _ = db.Close() }()
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("database unreachable: %w", err)
		}
		if err := postgres.Migrate(db, log); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		stateStore = postgres.NewStateStore(db)
	} else {
		log.Warn("no database configured, using in-memory state store")
		stateStore = state.NewMemoryStore()
	}

	backend, err := buildBackend(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = backend.Close() }()

	facade, cleanup, err := buildFacade(ctx, cfg, db, log)
	if err != nil {
		return err
	}
	defer cleanup()

	emitter := alerts.NewFanOutEmitter(log)
	emitter.RegisterSink(alerts.NewLogSink(log))

	disabled := make([]domain.TaskLabel, 0, len(cfg.Scheduler.DisabledLabels))
	for _, label := range cfg.Scheduler.DisabledLabels {
		disabled = append(disabled, domain.TaskLabel(label))
	}

	sched := scheduler.New(backend, stateStore, emitter, scheduler.Config{
		WorkerCount:        cfg.Scheduler.WorkerCount,
		DequeueBatchSize:   cfg.Scheduler.DequeueBatchSize,
		DequeueWait:        cfg.Scheduler.DequeueWait,
		MaxRetries:         cfg.Scheduler.MaxRetries,
		RetryBackoffBase:   cfg.Scheduler.RetryBackoffBase,
		RetryBackoffCap:    cfg.Scheduler.RetryBackoffCap,
		DefaultTaskTimeout: cfg.Scheduler.DefaultTaskTimeout,
		StuckTaskAge:       cfg.Scheduler.StuckTaskAge,
		MonitorInterval:    cfg.Scheduler.MonitorInterval,
		AuditRetention:     cfg.Scheduler.AuditRetention,
		DisabledLabels:     disabled,
	}, log)

	handlerSet, err := handlers.New(handlers.Deps{
		Ops:       facade,
		Submitter: sched,
		Logger:    log,
	})
	if err != nil {
		return fmt.Errorf("failed to build handlers: %w", err)
	}
	if err := handlerSet.RegisterAll(sched); err != nil {
		return fmt.Errorf("failed to register handlers: %w", err)
	}

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	router := api.NewRouter(api.RouterDeps{
		Tasks:  api.NewTaskHandler(sched, stateStore, log),
		Health: api.NewHealthHandler(sched, log),
		Auth:   apimiddleware.NewAuthMiddleware(cfg.Auth.JWTSecret),
	})
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: httpReadTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("http server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serverErr:
		log.Error("http server failed", slog.String("error", err.Error()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", slog.String("error", err.Error()))
	}
	if err := sched.Stop(shutdownCtx, shutdownGrace); err != nil {
		return fmt.Errorf("scheduler shutdown failed: %w", err)
	}
	return nil
}

// buildBackend constructs the configured queue backend.
func buildBackend(ctx context.Context, cfg *config.Config, log *slog.Logger) (queue.Backend, error) {
	switch cfg.Queue.Backend {
	case "redis":
		hostname, _ := os.Hostname()
		backend, err := queue.NewRedisBackend(ctx, queue.RedisBackendConfig{
			URL:               cfg.Queue.RedisURL,
			Stream:            cfg.Queue.Name,
			Group:             cfg.Queue.Name + "-workers",
			Consumer:          fmt.Sprintf("%s-%d", hostname, os.Getpid()),
			VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("failed to build redis backend: %w", err)
		}
		return backend, nil
	case "amqp":
		backend, err := queue.NewAMQPBackend(queue.AMQPBackendConfig{
			URL:   cfg.Queue.AMQPURL,
			Queue: cfg.Queue.Name,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("failed to build amqp backend: %w", err)
		}
		return backend, nil
	default:
		return queue.NewMemoryBackend(queue.MemoryBackendConfig{
			VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		}, log), nil
	}
}

// buildFacade assembles the memory operations facade from whichever
// collaborators are configured. Optional collaborators (LLM, vectors,
// graph) degrade the operations that need them when absent.
func buildFacade(ctx context.Context, cfg *config.Config, db *sql.DB, log *slog.Logger) (*memops.Facade, func(), error) {
	cleanup := func() {}

	deps := memops.Deps{Memory: memstore.New()}

	if cfg.LLM.GeminiAPIKey != "" {
		client, err := gemini.New(ctx, cfg.LLM, log)
		if err != nil {
			return nil, cleanup, fmt.Errorf("failed to build gemini client: %w", err)
		}
		deps.Embedder = client
		deps.LLM = client
	} else {
		log.Warn("no gemini API key configured, LLM-driven operations disabled")
		deps.Embedder = noopEmbedder{}
	}

	if cfg.Vector.Table != "" && db != nil {
		vectors, err := pgvectorstore.New(db, cfg.Vector.Table, cfg.Vector.Dimensions, log)
		if err != nil {
			return nil, cleanup, fmt.Errorf("failed to build vector store: %w", err)
		}
		if err := vectors.EnsureSchema(ctx); err != nil {
			return nil, cleanup, fmt.Errorf("failed to prepare vector schema: %w", err)
		}
		deps.Vectors = vectors
	}

	if cfg.Graph.URI != "" {
		graph, err := neo4jstore.New(ctx, cfg.Graph, log)
		if err != nil {
			return nil, cleanup, fmt.Errorf("failed to build graph store: %w", err)
		}
		cleanup = func() { _ = graph.Close(context.Background()) }
		deps.Graph = graph
	}

	facade, err := memops.New(deps, memops.Config{
		LLMRequestsPerMinute: cfg.LLM.RequestsPerMinute,
	}, log)
	if err != nil {
		return nil, cleanup, fmt.Errorf("failed to build memory facade: %w", err)
	}
	return facade, cleanup, nil
}

// noopEmbedder returns empty vectors; used when no embedding provider
// is configured so store-only operations keep working.
type noopEmbedder struct{}

func (noopEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return make([][]float32, len(texts)), nil
}
