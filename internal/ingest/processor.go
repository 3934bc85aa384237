package ingest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/quarryio/quarry/internal/chunk"
	"github.com/quarryio/quarry/internal/document"
	"github.com/quarryio/quarry/internal/log"
	"github.com/quarryio/quarry/internal/vector"
)

// ProcessorConfig configures the asynchronous half of the pipeline.
type ProcessorConfig struct {
	// SplitLevel, ChunkSize, and ChunkOverlap are passed to the chunker.
	SplitLevel   int
	ChunkSize    int
	ChunkOverlap int

	// Refine enables the LLM cleanup pass over extracted markdown.
	Refine bool
}

// Processor consumes upload ids from the queue and drives one upload
// through conversion, chunking, and indexing. Its Process method is the
// queue.Handler for ingestion workers.
type Processor struct {
	store     Store
	blobs     Blobs
	index     Index
	converter Converter
	refiner   Refiner
	cfg       ProcessorConfig
	logger    log.Logger
}

// NewProcessor creates the pipeline processor. refiner may be nil when
// refinement is disabled.
func NewProcessor(store Store, blobs Blobs, index Index, converter Converter, refiner Refiner, cfg ProcessorConfig, logger log.Logger) *Processor {
	return &Processor{
		store:     store,
		blobs:     blobs,
		index:     index,
		converter: converter,
		refiner:   refiner,
		cfg:       cfg,
		logger:    logger,
	}
}

// Process handles one delivered upload id. A nil return acknowledges the
// message; an error return rejects it without requeue. Failures after
// processing begins are recorded on the upload row before the error is
// returned, so the broker never holds terminal state.
func (p *Processor) Process(ctx context.Context, uploadID int64) error {
	upload, err := p.store.UploadByID(ctx, uploadID)
	if errors.Is(err, document.ErrUploadNotFound) {
		// Nothing to process and nothing to retry; discard.
		p.logger.Warn("discarding message for unknown upload", "upload_id", uploadID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading upload %d: %w", uploadID, err)
	}

	// Redelivery of a finished upload is a no-op, not a duplicate run.
	if upload.Status.Terminal() {
		p.logger.Debug("skipping redelivered terminal upload",
			"upload_id", uploadID, "status", upload.Status)
		return nil
	}

	if err := p.store.SetUploadStatus(ctx, uploadID, document.StatusProcessing); err != nil {
		return fmt.Errorf("marking upload %d processing: %w", uploadID, err)
	}

	err = p.run(ctx, upload)

	// The staged object is removed on both success and terminal failure.
	if upload.StagingPath != nil {
		if rmErr := p.blobs.RemoveStaging(ctx, *upload.StagingPath); rmErr != nil {
			p.logger.Warn("staging cleanup failed", "upload_id", uploadID, "error", rmErr)
		}
	}

	if err != nil {
		if markErr := p.store.SetUploadError(ctx, uploadID, err.Error()); markErr != nil {
			p.logger.Warn("recording upload failure failed", "upload_id", uploadID, "error", markErr)
		}
		return err
	}
	return nil
}

// run executes the pipeline stages for one upload. Any returned error is
// terminal for this upload.
func (p *Processor) run(ctx context.Context, upload document.Upload) error {
	doc, err := p.resolveDocument(ctx, upload)
	if err != nil {
		return err
	}

	// Link before the heavy stages so status queries resolve document_id
	// even mid-pipeline.
	if err := p.store.LinkDocument(ctx, upload.ID, doc.ID); err != nil {
		return err
	}

	if upload.StagingPath == nil {
		return fmt.Errorf("upload %d has no staged object", upload.ID)
	}

	permanentObject := fmt.Sprintf("%d/%s/%s", upload.ProjectID, upload.ContentHash[:12], upload.FileName)
	storageURI, err := p.blobs.Promote(ctx, *upload.StagingPath, permanentObject)
	if err != nil {
		return err
	}
	if err := p.store.SetDocumentStorageURI(ctx, doc.ID, storageURI); err != nil {
		return err
	}

	data, err := p.blobs.GetStaging(ctx, *upload.StagingPath)
	if err != nil {
		return err
	}

	markdown, err := p.converter.Convert(ctx, upload.FileName, upload.ContentType, data)
	if err != nil {
		return fmt.Errorf("converting %s: %w", upload.FileName, err)
	}

	if p.cfg.Refine && p.refiner != nil {
		refined, refineErr := p.refiner.Refine(ctx, markdown)
		if refineErr != nil {
			// Refinement is best-effort; the unrefined extraction stands.
			p.logger.Warn("markdown refinement failed, using unrefined text",
				"upload_id", upload.ID, "error", refineErr)
		} else {
			markdown = refined
		}
	}

	markdownURI, err := p.blobs.PutMarkdown(ctx, permanentObject+".md", markdown)
	if err != nil {
		return err
	}
	if err := p.store.SetDocumentMarkdownURI(ctx, doc.ID, markdownURI); err != nil {
		return err
	}

	if strings.TrimSpace(markdown) == "" {
		note := "document produced no extractable text; chunking skipped"
		p.logger.Info("empty markdown, finalizing without chunks", "upload_id", upload.ID)
		return p.store.CompleteUpload(ctx, upload.ID, &note)
	}

	chunks := chunk.Split(markdown, chunk.Options{
		SplitLevel:       p.cfg.SplitLevel,
		MaxChunkSize:     p.cfg.ChunkSize,
		Overlap:          p.cfg.ChunkOverlap,
		SourceDocumentID: strconv.FormatInt(doc.ID, 10),
	})

	if err := p.persistChunks(ctx, upload, doc.ID, chunks); err != nil {
		return err
	}
	if err := p.indexChunks(ctx, upload, doc.ID, chunks); err != nil {
		return err
	}

	p.logger.Info("upload processed",
		"upload_id", upload.ID, "document_id", doc.ID, "chunks", len(chunks))
	return p.store.CompleteUpload(ctx, upload.ID, nil)
}

// resolveDocument finds or creates the document row for an upload. A
// concurrent insert of the same (project, hash) resolves to the winner.
func (p *Processor) resolveDocument(ctx context.Context, upload document.Upload) (document.Document, error) {
	doc, err := p.store.DocumentByHash(ctx, upload.ProjectID, upload.ContentHash)
	if err == nil {
		return doc, nil
	}
	if !errors.Is(err, document.ErrDocumentNotFound) {
		return document.Document{}, err
	}

	doc, err = p.store.CreateDocument(ctx, document.CreateDocumentParams{
		ProjectID:   upload.ProjectID,
		FileName:    upload.FileName,
		ByteSize:    upload.ByteSize,
		ContentType: upload.ContentType,
		ContentHash: upload.ContentHash,
		UploadedBy:  upload.UploadedBy,
	})
	if errors.Is(err, document.ErrDuplicateDocument) {
		return p.store.DocumentByHash(ctx, upload.ProjectID, upload.ContentHash)
	}
	if err != nil {
		return document.Document{}, err
	}
	return doc, nil
}

// persistChunks replaces the document's chunk rows in one transaction.
func (p *Processor) persistChunks(ctx context.Context, upload document.Upload, documentID int64, chunks []chunk.Chunk) error {
	rows := make([]document.Chunk, 0, len(chunks))
	for _, c := range chunks {
		rows = append(rows, document.Chunk{
			ID:         c.ID,
			ProjectID:  upload.ProjectID,
			DocumentID: documentID,
			FileName:   upload.FileName,
			SourceHash: upload.ContentHash,
			Content:    c.Text,
			Metadata: document.ChunkMetadata{
				Headers:          c.Metadata.Headers,
				SourceDocumentID: c.Metadata.SourceDocumentID,
				Position:         c.Metadata.Position,
			},
		})
	}
	return p.store.ReplaceChunks(ctx, documentID, rows)
}

// indexChunks embeds all chunk texts in one batch and upserts the points,
// clearing any stale vectors from a previous run first.
func (p *Processor) indexChunks(ctx context.Context, upload document.Upload, documentID int64, chunks []chunk.Chunk) error {
	if err := p.index.DeleteByDocument(ctx, documentID); err != nil {
		return err
	}
	if len(chunks) == 0 {
		return nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := p.index.Embed(ctx, texts)
	if err != nil {
		return err
	}

	points := make([]vector.Point, len(chunks))
	for i, c := range chunks {
		meta := map[string]any{"position": c.Metadata.Position}
		if len(c.Metadata.Headers) > 0 {
			meta["headers"] = c.Metadata.Headers
		}
		points[i] = vector.Point{
			ID:     c.ID,
			Vector: vectors[i],
			Payload: vector.Payload{
				Text:          c.Text,
				ProjectID:     upload.ProjectID,
				DocumentID:    documentID,
				FileName:      upload.FileName,
				ChunkMetadata: meta,
			},
		}
	}
	return p.index.Upsert(ctx, points)
}
