package config

import (
	"fmt"
	"log/slog"
	"os"
	"slices"
)

// Validate validates configuration values.
// Returns sentinel errors that can be checked with errors.Is().
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	// API key presence depends on the selected provider. Ollama runs
	// locally and needs none.
	switch c.Provider {
	case ProviderGemini, ProviderGoogleAI:
		if os.Getenv("GEMINI_API_KEY") == "" {
			return fmt.Errorf("%w: GEMINI_API_KEY environment variable is required\n"+
				"Get your API key at: https://ai.google.dev/gemini-api/docs/api-key",
				ErrMissingAPIKey)
		}
	case ProviderOpenAI:
		if os.Getenv("OPENAI_API_KEY") == "" {
			return fmt.Errorf("%w: OPENAI_API_KEY environment variable is required", ErrMissingAPIKey)
		}
	case ProviderOllama:
		if c.OllamaHost == "" {
			return fmt.Errorf("%w: ollama_host cannot be empty for provider %q", ErrInvalidModelName, ProviderOllama)
		}
	default:
		return fmt.Errorf("%w: unknown provider %q", ErrInvalidModelName, c.Provider)
	}

	if c.ModelName == "" {
		return fmt.Errorf("%w: model_name cannot be empty", ErrInvalidModelName)
	}
	if c.Temperature < 0.0 || c.Temperature > 2.0 {
		return fmt.Errorf("%w: must be between 0.0 and 2.0, got %.2f", ErrInvalidTemperature, c.Temperature)
	}
	if c.EmbedderModel == "" {
		return fmt.Errorf("%w: embedder_model cannot be empty", ErrInvalidEmbedderModel)
	}
	if c.EmbeddingDim < 1 || c.EmbeddingDim > 4096 {
		return fmt.Errorf("%w: must be between 1 and 4096, got %d", ErrInvalidEmbeddingDim, c.EmbeddingDim)
	}
	if c.RAGTopK < 1 || c.RAGTopK > 100 {
		return fmt.Errorf("%w: must be between 1 and 100, got %d", ErrInvalidTopK, c.RAGTopK)
	}
	if c.RAGRequestsPerSecond < 0 {
		return fmt.Errorf("%w: rag_requests_per_second cannot be negative, got %.2f",
			ErrInvalidRateLimit, c.RAGRequestsPerSecond)
	}

	if c.PostgresHost == "" {
		return fmt.Errorf("%w: host cannot be empty", ErrInvalidPostgres)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: port must be between 1 and 65535, got %d", ErrInvalidPostgres, c.PostgresPort)
	}
	if c.PostgresDBName == "" {
		return fmt.Errorf("%w: database name cannot be empty", ErrInvalidPostgres)
	}
	if c.PostgresPassword == "" {
		return fmt.Errorf("%w: postgres_password must be set", ErrInvalidPostgres)
	}
	if c.PostgresPassword == "quarry_dev_password" {
		slog.Warn("using default development password for PostgreSQL",
			"warning", "change postgres_password for production deployments")
	}

	validSSLModes := []string{"disable", "require", "verify-ca", "verify-full"}
	if !slices.Contains(validSSLModes, c.PostgresSSLMode) {
		return fmt.Errorf("%w: postgres_ssl_mode %q is not valid, must be one of: %v",
			ErrInvalidPostgres, c.PostgresSSLMode, validSSLModes)
	}

	if c.BrokerURL == "" {
		return fmt.Errorf("%w: broker_url cannot be empty", ErrInvalidBroker)
	}
	if c.IngestQueue == "" {
		return fmt.Errorf("%w: ingest_queue cannot be empty", ErrInvalidBroker)
	}

	if c.MinioEndpoint == "" {
		return fmt.Errorf("%w: minio_endpoint cannot be empty", ErrInvalidObjectStore)
	}
	if c.StagingBucket == "" || c.DocumentBucket == "" {
		return fmt.Errorf("%w: staging_bucket and document_bucket must be set", ErrInvalidObjectStore)
	}
	if c.StagingBucket == c.DocumentBucket {
		return fmt.Errorf("%w: staging_bucket and document_bucket must differ", ErrInvalidObjectStore)
	}

	if c.MaxUploadBytes < 1 {
		return fmt.Errorf("%w: max_upload_bytes must be positive, got %d", ErrInvalidUploadLimit, c.MaxUploadBytes)
	}
	if c.ChunkSize < 1 {
		return fmt.Errorf("%w: chunk_size must be positive, got %d", ErrInvalidChunking, c.ChunkSize)
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("%w: chunk_overlap must be in [0, chunk_size), got %d", ErrInvalidChunking, c.ChunkOverlap)
	}
	if c.SplitLevel < 1 || c.SplitLevel > 6 {
		return fmt.Errorf("%w: split_level must be between 1 and 6, got %d", ErrInvalidChunking, c.SplitLevel)
	}
	if c.Workers < 1 || c.Workers > 64 {
		return fmt.Errorf("%w: must be between 1 and 64, got %d", ErrInvalidWorkers, c.Workers)
	}

	return nil
}
