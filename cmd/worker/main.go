// Command worker is the Ratchet worker subprocess (spec §4.A): a
// single goja.Runtime behind a length-prefixed stdio IPC loop. It is
// spawned and supervised by the server's internal/pool and never opens
// its own database or Redis connection; every host capability
// (fetch(), progress events) crosses back over the same stdio pipe.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ratchet-run/ratchet/internal/config"
	"github.com/ratchet-run/ratchet/internal/engine"
	"github.com/ratchet-run/ratchet/internal/ipc"
	"github.com/ratchet-run/ratchet/internal/workerproc"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadWorkerConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logLevel := slog.LevelInfo
	if cfg.LogLevel == "debug" {
		logLevel = slog.LevelDebug
	}
	// Worker logs go to stderr: stdout is the IPC channel back to the pool.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	eng, err := engine.New(cfg.CompileCacheSize)
	if err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	transport := ipc.NewTransport(os.Stdout, os.Stdin)
	w := workerproc.New(transport, eng, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-shutdown
		logger.Info("worker shutdown signal received")
		cancel()
	}()

	logger.Info("worker ready")
	if err := w.Run(ctx); err != nil {
		return fmt.Errorf("worker loop exited: %w", err)
	}
	return nil
}
