package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/core/api"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/compat_oai/openai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/firebase/genkit/go/plugins/ollama"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quarryio/quarry/db"
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

// Setup creates and initializes the application. Construction order
// matters: storage first, then the model stack, then the services built on
// both. On error, everything already initialized is released.
func Setup(ctx context.Context, cfg *config.Config, logger log.Logger) (_ *App, retErr error) {
	a := &App{Config: cfg, Logger: logger}

	defer func() {
		if retErr != nil {
			if err := a.Close(); err != nil {
				logger.Warn("cleanup during setup failure", "error", err)
			}
		}
	}()

	pool, err := provideDBPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.DBPool = pool
	a.Documents = document.NewStore(pool, logger)
	a.Chats = conversation.NewStore(pool, logger)

	g, err := provideGenkit(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.Genkit = g

	embedder := provideEmbedder(g, cfg)
	if embedder == nil {
		return nil, fmt.Errorf("embedder %q not found for provider %q", cfg.EmbedderModel, cfg.Provider)
	}
	a.Embedder = embedder

	vectors, err := vector.New(pool, embedder, vector.Config{Dimension: cfg.EmbeddingDim}, logger)
	if err != nil {
		return nil, err
	}
	if err := vectors.Ensure(ctx); err != nil {
		return nil, err
	}
	a.Vectors = vectors

	blobs, err := blob.New(blob.Config{
		Endpoint:       cfg.MinioEndpoint,
		AccessKey:      cfg.MinioAccessKey,
		SecretKey:      cfg.MinioSecretKey,
		UseSSL:         cfg.MinioUseSSL,
		StagingBucket:  cfg.StagingBucket,
		DocumentBucket: cfg.DocumentBucket,
	}, logger)
	if err != nil {
		return nil, err
	}
	if err := blobs.EnsureBuckets(ctx); err != nil {
		return nil, err
	}
	a.Blobs = blobs

	broker, err := queue.Connect(cfg.BrokerURL, cfg.IngestQueue, logger)
	if err != nil {
		return nil, err
	}
	a.Broker = broker

	svc, err := ingest.NewService(a.Documents, blobs, broker,
		ingest.ServiceConfig{MaxUploadBytes: cfg.MaxUploadBytes}, logger)
	if err != nil {
		return nil, err
	}
	a.Ingest = svc

	var refiner ingest.Refiner
	if cfg.RefineMarkdown {
		refiner = ingest.NewModelRefiner(g, cfg.FullModelName(), logger)
	}
	a.Processor = ingest.NewProcessor(a.Documents, blobs, vectors,
		ingest.NewTextConverter(), refiner,
		ingest.ProcessorConfig{
			SplitLevel:   cfg.SplitLevel,
			ChunkSize:    cfg.ChunkSize,
			ChunkOverlap: cfg.ChunkOverlap,
			Refine:       cfg.RefineMarkdown,
		}, logger)

	completer := rag.NewGenkitCompleter(g, cfg.FullModelName())
	orchestrator, err := rag.New(a.Chats, vectors, completer, rag.Config{
		TopK:              cfg.RAGTopK,
		MaxHistory:        int(cfg.MaxHistoryMessages),
		RequestsPerSecond: cfg.RAGRequestsPerSecond,
	}, logger)
	if err != nil {
		return nil, err
	}
	a.Orchestrator = orchestrator

	_, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	return a, nil
}

// provideDBPool runs migrations and opens the connection pool.
func provideDBPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection config: %w", err)
	}
	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}

// provideGenkit initializes genkit with the configured provider. Ollama
// requires explicit model and embedder registration; gemini and openai
// register theirs on Init.
func provideGenkit(ctx context.Context, cfg *config.Config, logger log.Logger) (*genkit.Genkit, error) {
	var g *genkit.Genkit

	switch cfg.Provider {
	case config.ProviderOllama:
		ollamaPlugin := &ollama.Ollama{ServerAddress: cfg.OllamaHost}
		g = genkit.Init(ctx, genkit.WithPlugins(ollamaPlugin))
		if g == nil {
			return nil, errors.New("initializing genkit with ollama provider")
		}
		ollamaPlugin.DefineModel(g, ollama.ModelDefinition{
			Name: cfg.ModelName,
			Type: "chat",
		}, nil)
		ollamaPlugin.DefineEmbedder(g, cfg.OllamaHost, cfg.EmbedderModel, nil)

	case config.ProviderOpenAI:
		g = genkit.Init(ctx, genkit.WithPlugins(&openai.OpenAI{}))
		if g == nil {
			return nil, errors.New("initializing genkit with openai provider")
		}

	default: // gemini / googleai
		g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
		if g == nil {
			return nil, errors.New("initializing genkit with gemini provider")
		}
	}

	logger.Info("genkit initialized", "provider", cfg.Provider, "model", cfg.ModelName)
	return g, nil
}

// provideEmbedder looks up the embedder registered by the provider plugin.
func provideEmbedder(g *genkit.Genkit, cfg *config.Config) ai.Embedder {
	switch cfg.Provider {
	case config.ProviderOllama:
		return ollama.Embedder(g, cfg.OllamaHost)
	case config.ProviderOpenAI:
		return genkit.LookupEmbedder(g, api.NewName("openai", cfg.EmbedderModel))
	default: // gemini / googleai
		return googlegenai.GoogleAIEmbedder(g, cfg.EmbedderModel)
	}
}
