package document

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/quarryio/quarry/internal/log"
)

var (
	// ErrUploadNotFound indicates the upload record does not exist.
	ErrUploadNotFound = errors.New("upload not found")

	// ErrDocumentNotFound indicates no document matches the query.
	ErrDocumentNotFound = errors.New("document not found")

	// ErrDuplicateDocument indicates a document with the same project and
	// content hash already exists.
	ErrDuplicateDocument = errors.New("duplicate document")
)

// DB is the subset of pgxpool.Pool the store relies on. Narrowed for
// testability.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store provides persistence for uploads, documents, and chunks.
type Store struct {
	db     DB
	logger log.Logger
}

// NewStore creates a document store.
func NewStore(db DB, logger log.Logger) *Store {
	return &Store{db: db, logger: logger}
}

const uploadColumns = `id, project_id, file_name, content_hash, byte_size, content_type,
	staging_path, status, error_message, document_id, uploaded_by, created_at, updated_at`

func scanUpload(row pgx.Row) (Upload, error) {
	var u Upload
	err := row.Scan(
		&u.ID, &u.ProjectID, &u.FileName, &u.ContentHash, &u.ByteSize, &u.ContentType,
		&u.StagingPath, &u.Status, &u.ErrorMessage, &u.DocumentID, &u.UploadedBy,
		&u.CreatedAt, &u.UpdatedAt,
	)
	return u, err
}

// CreateUploadParams carries the fields for a new upload record.
type CreateUploadParams struct {
	ProjectID   int64
	FileName    string
	ContentHash string
	ByteSize    int64
	ContentType string
	StagingPath string
	UploadedBy  *int64
}

// CreateUpload inserts a new upload record in state pending.
func (s *Store) CreateUpload(ctx context.Context, p CreateUploadParams) (Upload, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO uploads (project_id, file_name, content_hash, byte_size, content_type, staging_path, status, uploaded_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+uploadColumns,
		p.ProjectID, p.FileName, p.ContentHash, p.ByteSize, p.ContentType, p.StagingPath, StatusPending, p.UploadedBy,
	)
	u, err := scanUpload(row)
	if err != nil {
		return Upload{}, fmt.Errorf("creating upload: %w", err)
	}
	s.logger.Debug("upload created", "upload_id", u.ID, "project_id", u.ProjectID, "file_name", u.FileName)
	return u, nil
}

// UploadByID fetches one upload record.
func (s *Store) UploadByID(ctx context.Context, id int64) (Upload, error) {
	row := s.db.QueryRow(ctx, `SELECT `+uploadColumns+` FROM uploads WHERE id = $1`, id)
	u, err := scanUpload(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Upload{}, fmt.Errorf("upload %d: %w", id, ErrUploadNotFound)
	}
	if err != nil {
		return Upload{}, fmt.Errorf("fetching upload %d: %w", id, err)
	}
	return u, nil
}

// UploadsByIDs fetches the given upload records. Missing ids are simply
// absent from the result.
func (s *Store) UploadsByIDs(ctx context.Context, ids []int64) ([]Upload, error) {
	rows, err := s.db.Query(ctx, `SELECT `+uploadColumns+` FROM uploads WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("fetching uploads: %w", err)
	}
	defer rows.Close()

	var uploads []Upload
	for rows.Next() {
		u, err := scanUpload(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning upload: %w", err)
		}
		uploads = append(uploads, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading uploads: %w", err)
	}
	return uploads, nil
}

// SetUploadStatus transitions an upload to the given status.
func (s *Store) SetUploadStatus(ctx context.Context, id int64, status UploadStatus) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE uploads SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("updating upload %d status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("upload %d: %w", id, ErrUploadNotFound)
	}
	s.logger.Debug("upload status changed", "upload_id", id, "status", status)
	return nil
}

// CompleteUpload marks an upload as successfully finished. A non-nil note
// explains an unusual but successful outcome, such as a document whose
// extracted markdown was empty and produced no chunks.
func (s *Store) CompleteUpload(ctx context.Context, id int64, note *string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE uploads SET status = $2, error_message = $3, updated_at = now() WHERE id = $1`,
		id, StatusCompleted, note)
	if err != nil {
		return fmt.Errorf("completing upload %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("upload %d: %w", id, ErrUploadNotFound)
	}
	s.logger.Debug("upload completed", "upload_id", id)
	return nil
}

// SetUploadError marks an upload as terminally failed with a message.
func (s *Store) SetUploadError(ctx context.Context, id int64, message string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE uploads SET status = $2, error_message = $3, updated_at = now() WHERE id = $1`,
		id, StatusError, message)
	if err != nil {
		return fmt.Errorf("marking upload %d error: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("upload %d: %w", id, ErrUploadNotFound)
	}
	s.logger.Warn("upload failed", "upload_id", id, "error_message", message)
	return nil
}

// LinkDocument records the document an upload resolved to. Done as soon as
// the document row exists, so status queries can resolve document_id even
// mid-pipeline.
func (s *Store) LinkDocument(ctx context.Context, uploadID, documentID int64) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE uploads SET document_id = $2, updated_at = now() WHERE id = $1`, uploadID, documentID)
	if err != nil {
		return fmt.Errorf("linking upload %d to document %d: %w", uploadID, documentID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("upload %d: %w", uploadID, ErrUploadNotFound)
	}
	return nil
}

const documentColumns = `id, project_id, storage_uri, markdown_uri, file_name, byte_size,
	content_type, content_hash, uploaded_by, created_at, updated_at`

func scanDocument(row pgx.Row) (Document, error) {
	var d Document
	err := row.Scan(
		&d.ID, &d.ProjectID, &d.StorageURI, &d.MarkdownURI, &d.FileName, &d.ByteSize,
		&d.ContentType, &d.ContentHash, &d.UploadedBy, &d.CreatedAt, &d.UpdatedAt,
	)
	return d, err
}

// CreateDocumentParams carries the fields for a new document row.
type CreateDocumentParams struct {
	ProjectID   int64
	FileName    string
	ByteSize    int64
	ContentType string
	ContentHash string
	UploadedBy  *int64
}

// CreateDocument inserts a document row with an empty storage URI; the URI
// is recorded later once the bytes reach permanent storage. A unique
// violation on (project_id, content_hash) returns ErrDuplicateDocument.
func (s *Store) CreateDocument(ctx context.Context, p CreateDocumentParams) (Document, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO documents (project_id, file_name, byte_size, content_type, content_hash, uploaded_by)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+documentColumns,
		p.ProjectID, p.FileName, p.ByteSize, p.ContentType, p.ContentHash, p.UploadedBy,
	)
	d, err := scanDocument(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Document{}, fmt.Errorf("project %d hash %s: %w", p.ProjectID, p.ContentHash, ErrDuplicateDocument)
		}
		return Document{}, fmt.Errorf("creating document: %w", err)
	}
	s.logger.Debug("document created", "document_id", d.ID, "project_id", d.ProjectID, "file_name", d.FileName)
	return d, nil
}

// DocumentByID fetches one document.
func (s *Store) DocumentByID(ctx context.Context, id int64) (Document, error) {
	row := s.db.QueryRow(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = $1`, id)
	d, err := scanDocument(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Document{}, fmt.Errorf("document %d: %w", id, ErrDocumentNotFound)
	}
	if err != nil {
		return Document{}, fmt.Errorf("fetching document %d: %w", id, err)
	}
	return d, nil
}

// DocumentByHash looks up a document by its project and content hash.
// The duplicate-upload short circuit goes through here.
func (s *Store) DocumentByHash(ctx context.Context, projectID int64, contentHash string) (Document, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE project_id = $1 AND content_hash = $2`,
		projectID, contentHash)
	d, err := scanDocument(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Document{}, fmt.Errorf("project %d hash %s: %w", projectID, contentHash, ErrDocumentNotFound)
	}
	if err != nil {
		return Document{}, fmt.Errorf("fetching document by hash: %w", err)
	}
	return d, nil
}

// SetDocumentStorageURI records where the original bytes live permanently.
func (s *Store) SetDocumentStorageURI(ctx context.Context, id int64, uri string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE documents SET storage_uri = $2, updated_at = now() WHERE id = $1`, id, uri)
	if err != nil {
		return fmt.Errorf("recording storage URI for document %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("document %d: %w", id, ErrDocumentNotFound)
	}
	return nil
}

// SetDocumentMarkdownURI records where the extracted markdown lives.
func (s *Store) SetDocumentMarkdownURI(ctx context.Context, id int64, uri string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE documents SET markdown_uri = $2, updated_at = now() WHERE id = $1`, id, uri)
	if err != nil {
		return fmt.Errorf("recording markdown URI for document %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("document %d: %w", id, ErrDocumentNotFound)
	}
	return nil
}

// ReplaceChunks atomically replaces a document's chunk set. Existing rows
// are deleted and the new batch inserted in one transaction, so redelivery
// of a half-processed upload can never leave a partial or doubled chunk
// set behind.
func (s *Store) ReplaceChunks(ctx context.Context, documentID int64, chunks []Chunk) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning chunk transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Warn("chunk transaction rollback failed", "error", rbErr)
		}
	}()

	if _, err := tx.Exec(ctx, `DELETE FROM chunks WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("clearing chunks for document %d: %w", documentID, err)
	}

	for _, c := range chunks {
		_, err := tx.Exec(ctx, `
			INSERT INTO chunks (id, project_id, document_id, file_name, source_hash, content, metadata)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			c.ID, c.ProjectID, c.DocumentID, c.FileName, c.SourceHash, c.Content, c.Metadata,
		)
		if err != nil {
			return fmt.Errorf("inserting chunk %s: %w", c.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing chunks for document %d: %w", documentID, err)
	}
	s.logger.Debug("chunks replaced", "document_id", documentID, "count", len(chunks))
	return nil
}

// ChunksByDocument returns a document's chunks in insertion order.
func (s *Store) ChunksByDocument(ctx context.Context, documentID int64) ([]Chunk, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, project_id, document_id, file_name, source_hash, content, metadata, created_at
		FROM chunks WHERE document_id = $1 ORDER BY created_at, id`, documentID)
	if err != nil {
		return nil, fmt.Errorf("fetching chunks for document %d: %w", documentID, err)
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.ID, &c.ProjectID, &c.DocumentID, &c.FileName, &c.SourceHash,
			&c.Content, &c.Metadata, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading chunks: %w", err)
	}
	return chunks, nil
}
