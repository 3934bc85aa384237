package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"unicode/utf8"

	"github.com/quarryio/quarry/internal/app"
	"github.com/quarryio/quarry/internal/config"
)

// runSearch runs a semantic query against a project's chunks and prints
// the ranked hits.
func runSearch(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: quarry search <project-id> <query...>")
	}

	projectID, err := parseID(args[0], "project id")
	if err != nil {
		return err
	}
	query := strings.Join(args[1:], " ")

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

	hits, err := a.Vectors.Search(ctx, query, &projectID, cfg.RAGTopK)
	if err != nil {
		return err
	}

	if len(hits) == 0 {
		fmt.Println("No results.")
		return nil
	}
	for i, h := range hits {
		fmt.Printf("%d. %s (score %.3f, document %d)\n", i+1, h.Payload.FileName, h.Score, h.Payload.DocumentID)
		fmt.Printf("   %s\n\n", excerpt(h.Payload.Text, 200))
	}
	return nil
}

// excerpt shortens text for terminal display, cutting only at rune
// boundaries.
func excerpt(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
