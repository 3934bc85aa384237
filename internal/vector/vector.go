// Package vector provides embedding generation and similarity search over
// a PostgreSQL + pgvector index. One table acts as the collection: rows are
// points keyed by chunk id, carrying the embedding plus a denormalized
// payload rich enough to render a citation without joining back to the
// relational tables.
//
// Store is safe for concurrent use by multiple goroutines.
package vector

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"

	"github.com/quarryio/quarry/internal/log"
)

var (
	// ErrInvalidTable indicates an unusable collection table name.
	ErrInvalidTable = errors.New("invalid table name")

	// ErrInvalidDimension indicates an unusable vector dimensionality.
	ErrInvalidDimension = errors.New("invalid vector dimension")

	// ErrEmptyEmbedding indicates the embedder returned no usable vector.
	ErrEmptyEmbedding = errors.New("empty embedding returned")

	// ErrDimensionMismatch indicates the embedder produced vectors that do
	// not fit the configured collection dimensionality.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

const (
	// DefaultTable is the collection table name.
	DefaultTable = "vector_points"

	// DefaultSearchLimit applies when a caller passes a non-positive limit.
	DefaultSearchLimit = 5

	// MaxSearchLimit caps a single search.
	MaxSearchLimit = 100

	// searchTimeout bounds a similarity query so a slow index scan cannot
	// block a request indefinitely.
	searchTimeout = 10 * time.Second
)

// tablePattern restricts collection names to plain identifiers. The table
// name is interpolated into DDL and queries, so it must never carry
// anything quote-worthy.
var tablePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// DB is the subset of pgxpool.Pool the service relies on.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Payload is the searchable data stored with each point.
type Payload struct {
	Text          string         `json:"text"`
	ProjectID     int64          `json:"project_id"`
	DocumentID    int64          `json:"document_id"`
	FileName      string         `json:"file_name"`
	ChunkMetadata map[string]any `json:"chunk_metadata,omitempty"`
}

// Point is one embedding plus payload, keyed by chunk id.
type Point struct {
	ID      string
	Vector  []float32
	Payload Payload
}

// Hit is one ranked search result. Score is cosine similarity in [0, 1]
// for normalized embeddings, higher is closer.
type Hit struct {
	ChunkID string
	Score   float64
	Payload Payload
}

// Config configures the index service.
type Config struct {
	// Table is the collection table name. Defaults to DefaultTable.
	Table string

	// Dimension is the vector dimensionality the collection is created
	// with. Required.
	Dimension int
}

func (c *Config) validate() error {
	if c.Table == "" {
		c.Table = DefaultTable
	}
	if !tablePattern.MatchString(c.Table) {
		return fmt.Errorf("%w: %q", ErrInvalidTable, c.Table)
	}
	if c.Dimension < 1 || c.Dimension > 4096 {
		return fmt.Errorf("%w: %d", ErrInvalidDimension, c.Dimension)
	}
	return nil
}

// Service embeds text and performs upsert and filtered similarity search.
type Service struct {
	db       DB
	embedder ai.Embedder
	table    string
	dim      int
	logger   log.Logger
}

// New creates the index service. Call Ensure before first use.
func New(db DB, embedder ai.Embedder, cfg Config, logger log.Logger) (*Service, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if embedder == nil {
		return nil, errors.New("embedder is required")
	}
	return &Service{
		db:       db,
		embedder: embedder,
		table:    cfg.Table,
		dim:      cfg.Dimension,
		logger:   logger,
	}, nil
}

// Ensure creates the collection table and its payload indexes if they do
// not exist yet. Idempotent; safe to call from every worker at startup.
func (s *Service) Ensure(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			embedding vector(%d) NOT NULL,
			project_id BIGINT NOT NULL,
			document_id BIGINT NOT NULL,
			file_name TEXT NOT NULL,
			content TEXT NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb
		)`, s.table, s.dim),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_project_id_idx ON %s (project_id)`, s.table, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_document_id_idx ON %s (document_id)`, s.table, s.table),
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensuring collection %s: %w", s.table, err)
		}
	}
	s.logger.Debug("vector collection ready", "table", s.table, "dimension", s.dim)
	return nil
}

// Embed generates embeddings for a batch of texts in a single model call.
// The result preserves input order.
func (s *Service) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	docs := make([]*ai.Document, len(texts))
	for i, t := range texts {
		docs[i] = &ai.Document{Content: []*ai.Part{ai.NewTextPart(t)}}
	}

	resp, err := s.embedder.Embed(ctx, &ai.EmbedRequest{Input: docs})
	if err != nil {
		return nil, fmt.Errorf("generating embeddings: %w", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("%w: requested %d, got %d", ErrEmptyEmbedding, len(texts), len(resp.Embeddings))
	}

	vectors := make([][]float32, len(resp.Embeddings))
	for i, e := range resp.Embeddings {
		if len(e.Embedding) == 0 {
			return nil, fmt.Errorf("%w: index %d", ErrEmptyEmbedding, i)
		}
		if len(e.Embedding) != s.dim {
			return nil, fmt.Errorf("%w: collection expects %d, embedder produced %d", ErrDimensionMismatch, s.dim, len(e.Embedding))
		}
		vectors[i] = e.Embedding
	}
	return vectors, nil
}

// EmbedQuery generates a single query embedding.
func (s *Service) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := s.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// Upsert writes points in one transaction. Existing ids are overwritten,
// so re-indexing a document is safe.
func (s *Service) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning upsert transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Warn("upsert rollback failed", "error", rbErr)
		}
	}()

	stmt := fmt.Sprintf(`
		INSERT INTO %s (id, embedding, project_id, document_id, file_name, content, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			embedding = EXCLUDED.embedding,
			project_id = EXCLUDED.project_id,
			document_id = EXCLUDED.document_id,
			file_name = EXCLUDED.file_name,
			content = EXCLUDED.content,
			metadata = EXCLUDED.metadata`, s.table)

	for _, p := range points {
		if len(p.Vector) != s.dim {
			return fmt.Errorf("%w: point %s has %d dimensions, collection expects %d",
				ErrDimensionMismatch, p.ID, len(p.Vector), s.dim)
		}
		embedding := pgvector.NewVector(p.Vector)
		if _, err := tx.Exec(ctx, stmt,
			p.ID, &embedding, p.Payload.ProjectID, p.Payload.DocumentID,
			p.Payload.FileName, p.Payload.Text, p.Payload.ChunkMetadata,
		); err != nil {
			return fmt.Errorf("upserting point %s: %w", p.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing upsert: %w", err)
	}
	s.logger.Debug("points upserted", "table", s.table, "count", len(points))
	return nil
}

// DeleteByDocument removes every point belonging to a document. Used to
// clear stale vectors before re-indexing.
func (s *Service) DeleteByDocument(ctx context.Context, documentID int64) error {
	stmt := fmt.Sprintf(`DELETE FROM %s WHERE document_id = $1`, s.table)
	if _, err := s.db.Exec(ctx, stmt, documentID); err != nil {
		return fmt.Errorf("deleting points for document %d: %w", documentID, err)
	}
	return nil
}

// Search embeds the query and returns the closest points by cosine
// distance. A non-nil projectID restricts results to that project; nil
// means a global search. Limit is clamped to [1, MaxSearchLimit].
func (s *Service) Search(ctx context.Context, query string, projectID *int64, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	if limit > MaxSearchLimit {
		limit = MaxSearchLimit
	}

	queryCtx, cancel := context.WithTimeout(ctx, searchTimeout)
	defer cancel()

	queryVec, err := s.EmbedQuery(queryCtx, query)
	if err != nil {
		return nil, err
	}
	embedding := pgvector.NewVector(queryVec)

	stmt := fmt.Sprintf(`
		SELECT id, project_id, document_id, file_name, content, metadata,
		       1 - (embedding <=> $1) AS score
		FROM %s
		WHERE $2::bigint IS NULL OR project_id = $2
		ORDER BY embedding <=> $1
		LIMIT $3`, s.table)

	rows, err := s.db.Query(queryCtx, stmt, &embedding, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("searching collection %s: %w", s.table, err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		if err := rows.Scan(&h.ChunkID, &h.Payload.ProjectID, &h.Payload.DocumentID,
			&h.Payload.FileName, &h.Payload.Text, &h.Payload.ChunkMetadata, &h.Score); err != nil {
			return nil, fmt.Errorf("scanning search result: %w", err)
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading search results: %w", err)
	}

	s.logger.Debug("search completed", "table", s.table, "hits", len(hits), "limit", limit)
	return hits, nil
}
