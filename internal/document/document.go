// Package document persists the relational side of the knowledge base:
// upload records, deduplicated documents, and the chunks cut from their
// markdown. The vector side lives in the vector package, correlated through
// chunk ids.
package document

import (
	"time"
)

// UploadStatus tracks an upload through the ingestion pipeline.
// Transitions: pending -> queued -> processing -> completed | error.
// Terminal states are completed and error; there is no automatic
// transition out of error.
type UploadStatus string

const (
	StatusPending    UploadStatus = "pending"
	StatusQueued     UploadStatus = "queued"
	StatusProcessing UploadStatus = "processing"
	StatusCompleted  UploadStatus = "completed"
	StatusError      UploadStatus = "error"
)

// Terminal reports whether no further pipeline transition is possible.
func (s UploadStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Upload is the transient record of a submitted file prior to durable
// processing. The content hash is computed once, before any persistence,
// and never recomputed.
type Upload struct {
	ID           int64
	ProjectID    int64
	FileName     string
	ContentHash  string
	ByteSize     int64
	ContentType  string
	StagingPath  *string
	Status       UploadStatus
	ErrorMessage *string
	DocumentID   *int64
	UploadedBy   *int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Document is the durable, deduplicated record of a successfully ingested
// file. (project_id, content_hash) is unique: identical bytes uploaded
// twice into one project resolve to the same row.
type Document struct {
	ID          int64
	ProjectID   int64
	StorageURI  string
	MarkdownURI *string
	FileName    string
	ByteSize    int64
	ContentType string
	ContentHash string
	UploadedBy  *int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Chunk is one persisted segment of a document's markdown. ID doubles as
// the vector index point id.
type Chunk struct {
	ID         string
	ProjectID  int64
	DocumentID int64
	FileName   string
	SourceHash string
	Content    string
	Metadata   ChunkMetadata
	CreatedAt  time.Time
}

// ChunkMetadata is the structured provenance stored alongside chunk text.
type ChunkMetadata struct {
	Headers          map[string]string `json:"headers,omitempty"`
	SourceDocumentID string            `json:"source_document,omitempty"`
	Position         int               `json:"position"`
}
