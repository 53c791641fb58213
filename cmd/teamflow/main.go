package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tfhttp "github.com/potentialgenie/teamflow/internal/adapter/http"
	"github.com/potentialgenie/teamflow/internal/adapter/litellm"
	"github.com/potentialgenie/teamflow/internal/adapter/mcp"
	tfnats "github.com/potentialgenie/teamflow/internal/adapter/nats"
	tfotel "github.com/potentialgenie/teamflow/internal/adapter/otel"
	"github.com/potentialgenie/teamflow/internal/adapter/postgres"
	"github.com/potentialgenie/teamflow/internal/adapter/ristretto"
	"github.com/potentialgenie/teamflow/internal/adapter/ws"
	"github.com/potentialgenie/teamflow/internal/config"
	"github.com/potentialgenie/teamflow/internal/logger"
	"github.com/potentialgenie/teamflow/internal/resilience"
	"github.com/potentialgenie/teamflow/internal/service"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	slog.SetDefault(logger.New(cfg.Logging))
	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"pg_max_conns", cfg.Postgres.MaxConns,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Infrastructure ---

	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	slog.Info("postgres connected")

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	slog.Info("migrations applied")

	queue, err := tfnats.Connect(ctx, cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() { _ = queue.Close() }()

	otelShutdown, err := tfotel.InitMetrics(ctx, cfg.Otel, cfg.Logging.Service)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelShutdown(shutdownCtx)
	}()

	metrics, err := tfotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("otel instruments: %w", err)
	}

	cache, err := ristretto.New(cfg.Cache.MaxBytes)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer cache.Close()

	breaker := resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)
	llmClient := litellm.NewClient(cfg.LiteLLM)
	llmClient.SetBreaker(breaker)

	// --- Services ---

	hub := ws.NewHub()
	store := postgres.NewStore(pool)

	extractor := service.NewGoalExtractorService(store, llmClient, hub)
	planner := service.NewTaskPlannerService(store, llmClient, cache, cfg.Planner)
	gate := service.NewQualityGateService(llmClient, queue, cache)
	executor := service.NewTaskExecutorService(store, llmClient, gate, hub, cache, cfg.Executor)
	synthesizer := service.NewAssetSynthesizerService(store, llmClient, queue, hub, planner)
	progress := service.NewGoalProgressUpdaterService(store, llmClient, queue, hub, planner, cfg.Progress)
	reconciler := service.NewReconcilerService(store, hub, cfg.Executor)
	verification := service.NewVerificationService(store, gate, executor)
	workspaces := service.NewWorkspaceService(store, extractor, planner, reconciler)

	planner.SetMetrics(metrics)
	gate.SetMetrics(metrics)
	executor.SetMetrics(metrics)
	progress.SetMetrics(metrics)

	if cfg.Tools.Enabled {
		runner, err := mcp.NewRunner(ctx, cfg.Tools)
		if err != nil {
			return fmt.Errorf("mcp tools: %w", err)
		}
		defer func() { _ = runner.Close() }()
		executor.SetToolRunner(runner)
	}

	router := service.NewEventRouter(queue, synthesizer, progress, planner, reconciler)
	cancels, err := router.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("event subscribers: %w", err)
	}
	defer func() {
		for _, cancel := range cancels {
			cancel()
		}
	}()

	go executor.Run(ctx)
	go reconciler.Run(ctx)

	// --- HTTP ---

	handlers := &tfhttp.Handlers{
		Workspaces:   workspaces,
		Verification: verification,
		Synthesizer:  synthesizer,
		Store:        store,
		Hub:          hub,
		Pool:         pool,
		Breaker:      breaker,
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           tfhttp.NewRouter(handlers, cfg.Server.CORSOrigin),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.Info("starting server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down server")

	hub.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
