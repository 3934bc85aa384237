package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/quarryio/quarry/internal/app"
	"github.com/quarryio/quarry/internal/config"
	"github.com/quarryio/quarry/internal/ingest"
)

// runUpload submits files to a project and prints one result per file.
func runUpload(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: quarry upload <project-id> <file...>")
	}

	projectID, err := parseID(args[0], "project id")
	if err != nil {
		return err
	}

	files := make([]ingest.FileUpload, 0, len(args)-1)
	for _, path := range args[1:] {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		files = append(files, ingest.FileUpload{
			FileName:    filepath.Base(path),
			ContentType: detectContentType(path, data),
			Data:        data,
		})
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

	results := a.Ingest.AcceptAll(ctx, projectID, nil, files)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}

// detectContentType resolves a file's media type from its extension,
// falling back to content sniffing. Markdown is mapped explicitly; the
// platform mime table cannot be relied on to know it.
func detectContentType(path string, data []byte) string {
	switch filepath.Ext(path) {
	case ".md", ".markdown":
		return "text/markdown"
	case ".txt":
		return "text/plain"
	}
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	return http.DetectContentType(data)
}
