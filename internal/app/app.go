// Package app wires the application together. Every service is constructed
// once at process start and passed down explicitly; there is no ambient
// global state beyond the stores themselves.
package app

import (
	"context"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quarryio/quarry/internal/blob"
	"github.com/quarryio/quarry/internal/config"
	"github.com/quarryio/quarry/internal/conversation"
	"github.com/quarryio/quarry/internal/document"
	"github.com/quarryio/quarry/internal/ingest"
	"github.com/quarryio/quarry/internal/log"
	"github.com/quarryio/quarry/internal/queue"
	"github.com/quarryio/quarry/internal/rag"
	"github.com/quarryio/quarry/internal/vector"
)

// App is the application container.
type App struct {
	Config *config.Config
	Logger log.Logger

	// Core services
	Genkit   *genkit.Genkit
	Embedder ai.Embedder
	DBPool   *pgxpool.Pool

	// Storage and transport
	Documents *document.Store
	Chats     *conversation.Store
	Vectors   *vector.Service
	Blobs     *blob.Store
	Broker    *queue.Broker

	// Pipeline and orchestration
	Ingest       *ingest.Service
	Processor    *ingest.Processor
	Orchestrator *rag.Orchestrator

	cancel context.CancelFunc
}

// Close releases all resources in reverse construction order.
func (a *App) Close() error {
	if a.Logger != nil {
		a.Logger.Info("shutting down")
	}

	if a.cancel != nil {
		a.cancel()
	}

	if a.Broker != nil {
		if err := a.Broker.Close(); err != nil && a.Logger != nil {
			a.Logger.Warn("closing broker", "error", err)
		}
	}

	if a.DBPool != nil {
		a.DBPool.Close()
	}
	return nil
}
