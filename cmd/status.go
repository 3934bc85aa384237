package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/quarryio/quarry/internal/app"
	"github.com/quarryio/quarry/internal/config"
)

// runStatus prints the pipeline state of one or more uploads.
func runStatus(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: quarry status <upload-id...>")
	}

	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		id, err := parseID(arg, "upload id")
		if err != nil {
			return err
		}
		ids = append(ids, id)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := newLogger()
	a, err := app.Setup(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			logger.Warn("shutdown error", "error", closeErr)
		}
	}()

	statuses, err := a.Ingest.Statuses(ctx, ids)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(statuses)
}
