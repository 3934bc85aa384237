package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/quarryio/quarry/internal/document"
	"github.com/quarryio/quarry/internal/log"
)

// defaultAllowedTypes is the content-type allow-list applied when the
// service config names none.
var defaultAllowedTypes = []string{
	"text/plain",
	"text/markdown",
	"text/html",
	"application/pdf",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
}

// ServiceConfig configures the acceptance path.
type ServiceConfig struct {
	// MaxUploadBytes is the per-file size ceiling. Required.
	MaxUploadBytes int64

	// AllowedTypes is the content-type allow-list. Defaults to
	// defaultAllowedTypes when empty.
	AllowedTypes []string
}

func (c *ServiceConfig) validate() error {
	if c.MaxUploadBytes < 1 {
		return fmt.Errorf("max upload bytes must be positive, got %d", c.MaxUploadBytes)
	}
	if len(c.AllowedTypes) == 0 {
		c.AllowedTypes = defaultAllowedTypes
	}
	return nil
}

// Service is the synchronous half of the pipeline: validate, deduplicate,
// stage, record, enqueue.
type Service struct {
	store     Store
	blobs     Blobs
	publisher Publisher
	cfg       ServiceConfig
	logger    log.Logger
}

// NewService creates the acceptance service.
func NewService(store Store, blobs Blobs, publisher Publisher, cfg ServiceConfig, logger log.Logger) (*Service, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("ingest service config: %w", err)
	}
	return &Service{
		store:     store,
		blobs:     blobs,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
	}, nil
}

// AcceptAll processes a batch of files independently; one rejected file
// never blocks the rest. Results preserve input order.
func (s *Service) AcceptAll(ctx context.Context, projectID int64, uploadedBy *int64, files []FileUpload) []Result {
	results := make([]Result, 0, len(files))
	for _, f := range files {
		results = append(results, s.Accept(ctx, projectID, uploadedBy, f))
	}
	return results
}

// Accept runs the synchronous upload path for one file. Validation
// failures are rejected before anything is persisted; duplicate content
// short-circuits to the existing document; otherwise the file is staged,
// recorded, and enqueued.
func (s *Service) Accept(ctx context.Context, projectID int64, uploadedBy *int64, f FileUpload) Result {
	if err := s.validateFile(f); err != nil {
		return Result{FileName: f.FileName, Status: OutcomeError, Error: err.Error()}
	}

	// The content hash is computed exactly once, before any persistence.
	sum := sha256.Sum256(f.Data)
	contentHash := hex.EncodeToString(sum[:])

	existing, err := s.store.DocumentByHash(ctx, projectID, contentHash)
	switch {
	case err == nil:
		s.logger.Debug("duplicate upload short-circuited",
			"project_id", projectID, "file_name", f.FileName, "document_id", existing.ID)
		docID := existing.ID
		return Result{FileName: f.FileName, Status: OutcomeExists, DocumentID: &docID}
	case !errors.Is(err, document.ErrDocumentNotFound):
		// Anything but a clean miss is an infrastructure failure; accepting
		// the file anyway could duplicate an existing document.
		s.logger.Warn("duplicate check failed", "file_name", f.FileName, "error", err)
		return Result{FileName: f.FileName, Status: OutcomeError, Error: "could not check for existing document"}
	}

	stagingObject := fmt.Sprintf("%d/%s/%s", projectID, uuid.NewString(), f.FileName)
	stagingPath, err := s.blobs.PutStaging(ctx, stagingObject, f.Data, f.ContentType)
	if err != nil {
		s.logger.Warn("staging write failed", "file_name", f.FileName, "error", err)
		return Result{FileName: f.FileName, Status: OutcomeError, Error: "could not store file"}
	}

	upload, err := s.store.CreateUpload(ctx, document.CreateUploadParams{
		ProjectID:   projectID,
		FileName:    f.FileName,
		ContentHash: contentHash,
		ByteSize:    int64(len(f.Data)),
		ContentType: f.ContentType,
		StagingPath: stagingPath,
		UploadedBy:  uploadedBy,
	})
	if err != nil {
		s.logger.Warn("upload record creation failed", "file_name", f.FileName, "error", err)
		// Without an upload row nothing will ever promote or delete the
		// staged object, so clean it up here.
		if rmErr := s.blobs.RemoveStaging(ctx, stagingObject); rmErr != nil {
			s.logger.Warn("staging cleanup failed", "object", stagingObject, "error", rmErr)
		}
		return Result{FileName: f.FileName, Status: OutcomeError, Error: "could not record upload"}
	}

	// queued is entered only after the record is durably committed and the
	// message durably published. A publish failure is surfaced, never
	// silently dropped.
	if err := s.publisher.Publish(ctx, upload.ID); err != nil {
		s.logger.Warn("publish failed", "upload_id", upload.ID, "error", err)
		if markErr := s.store.SetUploadError(ctx, upload.ID, ErrNotScheduled.Error()); markErr != nil {
			s.logger.Warn("marking unscheduled upload failed", "upload_id", upload.ID, "error", markErr)
		}
		uploadID := upload.ID
		return Result{FileName: f.FileName, Status: OutcomeError, UploadID: &uploadID, Error: ErrNotScheduled.Error()}
	}

	if err := s.store.SetUploadStatus(ctx, upload.ID, document.StatusQueued); err != nil {
		s.logger.Warn("marking upload queued failed", "upload_id", upload.ID, "error", err)
	}

	uploadID := upload.ID
	return Result{FileName: f.FileName, Status: OutcomeQueued, UploadID: &uploadID}
}

// Statuses resolves upload ids to their pipeline state. Unknown ids are
// absent from the map.
func (s *Service) Statuses(ctx context.Context, ids []int64) (map[int64]Status, error) {
	uploads, err := s.store.UploadsByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("querying upload statuses: %w", err)
	}

	statuses := make(map[int64]Status, len(uploads))
	for _, u := range uploads {
		statuses[u.ID] = Status{
			UploadStatus: u.Status,
			UploadError:  u.ErrorMessage,
			DocumentID:   u.DocumentID,
		}
	}
	return statuses, nil
}

func (s *Service) validateFile(f FileUpload) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("%w: %s", ErrEmptyFile, f.FileName)
	}
	if int64(len(f.Data)) > s.cfg.MaxUploadBytes {
		return fmt.Errorf("%w: %s is %d bytes, limit %d", ErrFileTooLarge, f.FileName, len(f.Data), s.cfg.MaxUploadBytes)
	}
	mediaType := f.ContentType
	if i := strings.Index(mediaType, ";"); i >= 0 {
		mediaType = strings.TrimSpace(mediaType[:i])
	}
	if !slices.Contains(s.cfg.AllowedTypes, mediaType) {
		return fmt.Errorf("%w: %q", ErrUnsupportedType, f.ContentType)
	}
	return nil
}
