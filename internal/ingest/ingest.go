// Package ingest turns raw uploads into durable documents, chunks, and
// vectors. It has two halves joined by a message broker: the synchronous
// acceptance path validates, stages, and enqueues an upload; the
// asynchronous processor consumes upload ids, extracts markdown, chunks
// it, and indexes the embeddings.
//
// Every stage is safe to re-enter. The broker delivers at least once, so
// the processor rechecks document existence, replaces chunk sets
// atomically, and clears stale vectors before indexing.
package ingest

import (
	"context"
	"errors"

	"github.com/quarryio/quarry/internal/document"
	"github.com/quarryio/quarry/internal/vector"
)

var (
	// ErrEmptyFile indicates an upload with no bytes.
	ErrEmptyFile = errors.New("empty file")

	// ErrFileTooLarge indicates an upload over the size ceiling.
	ErrFileTooLarge = errors.New("file too large")

	// ErrUnsupportedType indicates a content type outside the allow-list.
	ErrUnsupportedType = errors.New("unsupported content type")

	// ErrNotScheduled indicates the upload was recorded but could not be
	// enqueued for processing.
	ErrNotScheduled = errors.New("ingestion could not be scheduled")
)

// Store is the relational persistence the pipeline depends on, satisfied
// by document.Store.
type Store interface {
	CreateUpload(ctx context.Context, p document.CreateUploadParams) (document.Upload, error)
	UploadByID(ctx context.Context, id int64) (document.Upload, error)
	UploadsByIDs(ctx context.Context, ids []int64) ([]document.Upload, error)
	SetUploadStatus(ctx context.Context, id int64, status document.UploadStatus) error
	SetUploadError(ctx context.Context, id int64, message string) error
	CompleteUpload(ctx context.Context, id int64, note *string) error
	LinkDocument(ctx context.Context, uploadID, documentID int64) error
	CreateDocument(ctx context.Context, p document.CreateDocumentParams) (document.Document, error)
	DocumentByHash(ctx context.Context, projectID int64, contentHash string) (document.Document, error)
	SetDocumentStorageURI(ctx context.Context, id int64, uri string) error
	SetDocumentMarkdownURI(ctx context.Context, id int64, uri string) error
	ReplaceChunks(ctx context.Context, documentID int64, chunks []document.Chunk) error
}

// Blobs is the object storage surface the pipeline depends on, satisfied
// by blob.Store.
type Blobs interface {
	PutStaging(ctx context.Context, object string, data []byte, contentType string) (string, error)
	GetStaging(ctx context.Context, object string) ([]byte, error)
	Promote(ctx context.Context, stagingObject, permanentObject string) (string, error)
	PutMarkdown(ctx context.Context, object, markdown string) (string, error)
	RemoveStaging(ctx context.Context, object string) error
}

// Index is the vector side of ingestion, satisfied by vector.Service.
type Index interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Upsert(ctx context.Context, points []vector.Point) error
	DeleteByDocument(ctx context.Context, documentID int64) error
}

// Publisher schedules an upload for asynchronous processing, satisfied by
// queue.Broker.
type Publisher interface {
	Publish(ctx context.Context, uploadID int64) error
}

// Converter extracts markdown from an uploaded file. Text extraction is an
// external capability; implementations may shell out, call a service, or
// handle plain text inline.
type Converter interface {
	Convert(ctx context.Context, fileName, contentType string, data []byte) (string, error)
}

// Refiner optionally cleans up extracted markdown, typically with an LLM
// pass. Refinement failures never abort ingestion; callers fall back to
// the unrefined text.
type Refiner interface {
	Refine(ctx context.Context, markdown string) (string, error)
}

// FileUpload is one submitted file on the acceptance path.
type FileUpload struct {
	FileName    string
	ContentType string
	Data        []byte
}

// Outcome classifies an acceptance result.
type Outcome string

const (
	// OutcomeQueued means the upload was staged and scheduled.
	OutcomeQueued Outcome = "queued"

	// OutcomeExists means identical bytes already live in the project; the
	// existing document is referenced and no work was performed. This is a
	// successful outcome, not an error.
	OutcomeExists Outcome = "exists"

	// OutcomeError means the upload was rejected or could not be scheduled.
	OutcomeError Outcome = "error"
)

// Result is the per-file acceptance outcome.
type Result struct {
	FileName   string  `json:"file_name"`
	Status     Outcome `json:"status"`
	UploadID   *int64  `json:"upload_id,omitempty"`
	DocumentID *int64  `json:"document_id,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// Status answers a status query for one upload id.
type Status struct {
	UploadStatus document.UploadStatus `json:"upload_status"`
	UploadError  *string               `json:"upload_error,omitempty"`
	DocumentID   *int64                `json:"document_id,omitempty"`
}
