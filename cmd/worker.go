package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/quarryio/quarry/internal/app"
	"github.com/quarryio/quarry/internal/config"
)

// runWorker starts the ingestion worker pool and blocks until SIGINT or
// SIGTERM.
func runWorker(args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	workers := cfg.Workers
	if len(args) > 0 {
		n, err := parseID(args[0], "worker count")
		if err != nil {
			return err
		}
		workers = int(n)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := newLogger()
	logger.Info("starting ingestion workers", "version", Version, "workers", workers)

	a, err := app.Setup(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			logger.Warn("shutdown error", "error", closeErr)
		}
	}()

	err = a.Broker.Consume(ctx, workers, a.Processor.Process)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("consuming ingest queue: %w", err)
	}
	logger.Info("workers stopped")
	return nil
}
