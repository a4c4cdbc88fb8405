// Command server is the Ratchet server process (spec §2): it runs the
// job queue's dispatcher, the worker pool that supervises the JS
// engine subprocesses, the cron scheduler, and the output router,
// behind a small health/metrics surface. The REST/GraphQL API, auth,
// and MCP server are external collaborators (spec §1) and are not part
// of this binary.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/ratchet-run/ratchet/internal/config"
	"github.com/ratchet-run/ratchet/internal/dispatcher"
	"github.com/ratchet-run/ratchet/internal/execstore"
	"github.com/ratchet-run/ratchet/internal/output"
	"github.com/ratchet-run/ratchet/internal/pool"
	"github.com/ratchet-run/ratchet/internal/queue"
	"github.com/ratchet-run/ratchet/internal/schedule"
	"github.com/ratchet-run/ratchet/internal/scheduler"
	"github.com/ratchet-run/ratchet/internal/task"
	"github.com/ratchet-run/ratchet/migrations"
	"github.com/ratchet-run/ratchet/pkg/cache"
	"github.com/ratchet-run/ratchet/pkg/database"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)
	logger.Info("starting ratchet server")

	cfg, err := config.LoadServerConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbConfig := database.DefaultPostgresConfig(cfg.DatabaseURL)
	db, err := database.NewPool(ctx, dbConfig)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()
	logger.Info("connected to database")

	if err := migrations.NewMigrator(db.Pool).Up(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	var redis *cache.Client
	if cfg.RedisURL != "" {
		redisConfig := cache.DefaultRedisConfig(cfg.RedisURL)
		redis, err = cache.NewClient(ctx, redisConfig)
		if err != nil {
			logger.Warn("failed to connect to redis, task cache will run L1-only", "error", err)
		} else {
			defer redis.Close()
			logger.Info("connected to redis")
		}
	}

	// Core collaborators (spec §3/§4).
	taskService := task.NewService(db.Pool)
	queueRepo := queue.NewRepository(db.Pool, logger, queue.DefaultRetryPolicy())
	execRepo := execstore.NewRepository(db.Pool)
	scheduleRepo := schedule.NewRepository(db.Pool, logger)
	scheduleService := schedule.NewService(scheduleRepo, logger)
	outputRepo := output.NewRepository(db.Pool)
	outputRouter := output.NewRouter(outputRepo, cfg.MaxConcurrentDeliveries, logger)

	// Worker pool (spec §4.C): spawns cfg.PoolSize ratchet-worker subprocesses.
	workerPool := pool.New(pool.Config{
		Size:                    cfg.PoolSize,
		WorkerBinary:            cfg.WorkerBinary,
		WorkerArgs:              cfg.WorkerArgs,
		MaxRestartAttempts:      cfg.RestartMaxAttempts,
		RestartWindow:           cfg.RestartWindow,
		RestartBackoffBase:      cfg.RestartBackoffBase,
		RestartBackoffMax:       cfg.RestartBackoffMax,
		HeartbeatInterval:       cfg.HeartbeatInterval,
		StaleAfter:              cfg.WorkerStaleAfter,
		AcquireTimeout:          cfg.PoolAcquireTimeout,
		CancelGrace:             cfg.PoolCancelGrace,
		CircuitFailureThreshold: cfg.CircuitThreshold,
		CircuitOpenDuration:     cfg.CircuitOpenFor,
	}, logger)
	if err := workerPool.Start(ctx); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	disp := dispatcher.New(queueRepo, taskService, execRepo, workerPool, outputRouter, dispatcher.Config{
		Concurrency:        cfg.DispatcherConcurrency,
		PollInterval:       cfg.DispatcherPollInterval,
		StaleClaimInterval: cfg.StaleClaimInterval,
		StaleClaimTimeout:  cfg.StaleClaimTimeout,
		AcquireGraceMs:     5000,
	}, logger)

	sched := scheduler.New(scheduleRepo, queueRepo, scheduler.Config{
		RefreshInterval: cfg.ScheduleRefreshInterval,
		MinSleep:        cfg.ScheduleMinSleep,
		MaxSleep:        cfg.ScheduleMaxSleep,
	}, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return disp.Run(gctx) })
	g.Go(func() error { return sched.Run(gctx) })

	router := chi.NewRouter()
	router.Get("/health", healthHandler())
	router.Get("/ready", readyHandler(db, redis))
	router.Get("/metrics", metricsHandler(disp))
	_ = scheduleService // exercised by cmd/ratchetctl; kept wired here so schedule mutations from either process share cron validation

	httpServer := &http.Server{
		Addr:         cfg.Address(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("health server listening", "address", cfg.Address())
		serverErrors <- httpServer.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			cancel()
			return fmt.Errorf("health server error: %w", err)
		}
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig)
	}

	// Hierarchical shutdown (spec §5): stop claiming new jobs, drain
	// the pool, then force-close anything still listening.
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	workerPool.Shutdown(shutdownCtx, cfg.ShutdownTimeout)

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("health server graceful shutdown failed, forcing close", "error", err)
		_ = httpServer.Close()
	}

	if err := g.Wait(); err != nil && gctx.Err() == nil {
		logger.Error("core loop error", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}

func healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func readyHandler(db *database.Pool, redis *cache.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		checks := make(map[string]string)
		healthy := true

		if err := db.Health(ctx); err != nil {
			checks["database"] = "unhealthy"
			healthy = false
		} else {
			checks["database"] = "healthy"
		}

		if redis != nil {
			if err := redis.Health(ctx); err != nil {
				checks["redis"] = "unhealthy"
				healthy = false
			} else {
				checks["redis"] = "healthy"
			}
		}

		status := http.StatusOK
		if !healthy {
			status = http.StatusServiceUnavailable
		}
		jsonResponse(w, status, map[string]any{
			"status": map[bool]string{true: "ready", false: "not_ready"}[healthy],
			"checks": checks,
		})
	}
}

func metricsHandler(disp *dispatcher.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		processed, failed := disp.Stats()
		jsonResponse(w, http.StatusOK, map[string]int64{
			"jobs_processed": processed,
			"jobs_failed":    failed,
		})
	}
}

func jsonResponse(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
