package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/quarryio/quarry/internal/document"
	"github.com/quarryio/quarry/internal/vector"
)

// mockStore is an in-memory Store with per-method failure injection.
type mockStore struct {
	uploads   map[int64]document.Upload
	documents map[int64]document.Document
	chunks    map[int64][]document.Chunk

	nextUploadID   int64
	nextDocumentID int64

	createUploadErr   error
	createDocumentErr error
	documentByHashErr error
	setStatusErr      error
	createdHashes     map[string]bool

	statusCalls   []document.UploadStatus
	completeNotes []*string
}

func newMockStore() *mockStore {
	return &mockStore{
		uploads:   make(map[int64]document.Upload),
		documents: make(map[int64]document.Document),
		chunks:    make(map[int64][]document.Chunk),
	}
}

func (m *mockStore) CreateUpload(_ context.Context, p document.CreateUploadParams) (document.Upload, error) {
	if m.createUploadErr != nil {
		return document.Upload{}, m.createUploadErr
	}
	m.nextUploadID++
	staging := p.StagingPath
	u := document.Upload{
		ID:          m.nextUploadID,
		ProjectID:   p.ProjectID,
		FileName:    p.FileName,
		ContentHash: p.ContentHash,
		ByteSize:    p.ByteSize,
		ContentType: p.ContentType,
		StagingPath: &staging,
		Status:      document.StatusPending,
		UploadedBy:  p.UploadedBy,
	}
	m.uploads[u.ID] = u
	return u, nil
}

func (m *mockStore) UploadByID(_ context.Context, id int64) (document.Upload, error) {
	u, ok := m.uploads[id]
	if !ok {
		return document.Upload{}, document.ErrUploadNotFound
	}
	return u, nil
}

func (m *mockStore) UploadsByIDs(_ context.Context, ids []int64) ([]document.Upload, error) {
	var out []document.Upload
	for _, id := range ids {
		if u, ok := m.uploads[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

func (m *mockStore) SetUploadStatus(_ context.Context, id int64, status document.UploadStatus) error {
	if m.setStatusErr != nil {
		return m.setStatusErr
	}
	u, ok := m.uploads[id]
	if !ok {
		return document.ErrUploadNotFound
	}
	u.Status = status
	m.uploads[id] = u
	m.statusCalls = append(m.statusCalls, status)
	return nil
}

func (m *mockStore) SetUploadError(_ context.Context, id int64, message string) error {
	u, ok := m.uploads[id]
	if !ok {
		return document.ErrUploadNotFound
	}
	u.Status = document.StatusError
	u.ErrorMessage = &message
	m.uploads[id] = u
	m.statusCalls = append(m.statusCalls, document.StatusError)
	return nil
}

func (m *mockStore) CompleteUpload(_ context.Context, id int64, note *string) error {
	u, ok := m.uploads[id]
	if !ok {
		return document.ErrUploadNotFound
	}
	u.Status = document.StatusCompleted
	u.ErrorMessage = note
	m.uploads[id] = u
	m.statusCalls = append(m.statusCalls, document.StatusCompleted)
	m.completeNotes = append(m.completeNotes, note)
	return nil
}

func (m *mockStore) LinkDocument(_ context.Context, uploadID, documentID int64) error {
	u, ok := m.uploads[uploadID]
	if !ok {
		return document.ErrUploadNotFound
	}
	u.DocumentID = &documentID
	m.uploads[uploadID] = u
	return nil
}

func (m *mockStore) CreateDocument(_ context.Context, p document.CreateDocumentParams) (document.Document, error) {
	if m.createDocumentErr != nil {
		return document.Document{}, m.createDocumentErr
	}
	key := fmt.Sprintf("%d/%s", p.ProjectID, p.ContentHash)
	if m.createdHashes == nil {
		m.createdHashes = make(map[string]bool)
	}
	if m.createdHashes[key] {
		return document.Document{}, document.ErrDuplicateDocument
	}
	m.createdHashes[key] = true
	m.nextDocumentID++
	d := document.Document{
		ID:          m.nextDocumentID,
		ProjectID:   p.ProjectID,
		FileName:    p.FileName,
		ByteSize:    p.ByteSize,
		ContentType: p.ContentType,
		ContentHash: p.ContentHash,
		UploadedBy:  p.UploadedBy,
	}
	m.documents[d.ID] = d
	return d, nil
}

func (m *mockStore) DocumentByHash(_ context.Context, projectID int64, contentHash string) (document.Document, error) {
	if m.documentByHashErr != nil {
		return document.Document{}, m.documentByHashErr
	}
	for _, d := range m.documents {
		if d.ProjectID == projectID && d.ContentHash == contentHash {
			return d, nil
		}
	}
	return document.Document{}, document.ErrDocumentNotFound
}

func (m *mockStore) SetDocumentStorageURI(_ context.Context, id int64, uri string) error {
	d, ok := m.documents[id]
	if !ok {
		return document.ErrDocumentNotFound
	}
	d.StorageURI = uri
	m.documents[id] = d
	return nil
}

func (m *mockStore) SetDocumentMarkdownURI(_ context.Context, id int64, uri string) error {
	d, ok := m.documents[id]
	if !ok {
		return document.ErrDocumentNotFound
	}
	d.MarkdownURI = &uri
	m.documents[id] = d
	return nil
}

func (m *mockStore) ReplaceChunks(_ context.Context, documentID int64, chunks []document.Chunk) error {
	m.chunks[documentID] = chunks
	return nil
}

// mockBlobs records object operations without a real store.
type mockBlobs struct {
	staged  map[string][]byte
	removed []string

	putStagingErr error
	getStagingErr error
	promoteErr    error
	putMDErr      error

	promotedTo  string
	markdownPut string
}

func newMockBlobs() *mockBlobs {
	return &mockBlobs{staged: make(map[string][]byte)}
}

func (m *mockBlobs) PutStaging(_ context.Context, object string, data []byte, _ string) (string, error) {
	if m.putStagingErr != nil {
		return "", m.putStagingErr
	}
	m.staged[object] = data
	return object, nil
}

func (m *mockBlobs) GetStaging(_ context.Context, object string) ([]byte, error) {
	if m.getStagingErr != nil {
		return nil, m.getStagingErr
	}
	data, ok := m.staged[object]
	if !ok {
		return nil, errors.New("no such staged object")
	}
	return data, nil
}

func (m *mockBlobs) Promote(_ context.Context, _, permanentObject string) (string, error) {
	if m.promoteErr != nil {
		return "", m.promoteErr
	}
	m.promotedTo = permanentObject
	return "s3://documents/" + permanentObject, nil
}

func (m *mockBlobs) PutMarkdown(_ context.Context, object, markdown string) (string, error) {
	if m.putMDErr != nil {
		return "", m.putMDErr
	}
	m.markdownPut = markdown
	return "s3://documents/" + object, nil
}

func (m *mockBlobs) RemoveStaging(_ context.Context, object string) error {
	m.removed = append(m.removed, object)
	return nil
}

// mockIndex records vector operations.
type mockIndex struct {
	embedErr  error
	upsertErr error

	embeddedTexts []string
	upserted      []vector.Point
	deletedDocs   []int64
}

func (m *mockIndex) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if m.embedErr != nil {
		return nil, m.embedErr
	}
	m.embeddedTexts = texts
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(i), 0.5}
	}
	return out, nil
}

func (m *mockIndex) Upsert(_ context.Context, points []vector.Point) error {
	if m.upsertErr != nil {
		return m.upsertErr
	}
	m.upserted = points
	return nil
}

func (m *mockIndex) DeleteByDocument(_ context.Context, documentID int64) error {
	m.deletedDocs = append(m.deletedDocs, documentID)
	return nil
}

// mockPublisher records published upload ids.
type mockPublisher struct {
	publishErr error
	published  []int64
}

func (m *mockPublisher) Publish(_ context.Context, uploadID int64) error {
	if m.publishErr != nil {
		return m.publishErr
	}
	m.published = append(m.published, uploadID)
	return nil
}

// mockConverter returns fixed markdown or a fixed error.
type mockConverter struct {
	markdown   string
	convertErr error
	callCount  int
}

func (m *mockConverter) Convert(_ context.Context, _, _ string, _ []byte) (string, error) {
	m.callCount++
	if m.convertErr != nil {
		return "", m.convertErr
	}
	return m.markdown, nil
}

// mockRefiner returns fixed refined markdown or a fixed error.
type mockRefiner struct {
	refined   string
	refineErr error
	callCount int
}

func (m *mockRefiner) Refine(_ context.Context, markdown string) (string, error) {
	m.callCount++
	if m.refineErr != nil {
		return "", m.refineErr
	}
	if m.refined == "" {
		return markdown, nil
	}
	return m.refined, nil
}
