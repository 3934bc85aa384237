package ingest

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/quarryio/quarry/internal/document"
	"github.com/quarryio/quarry/internal/log"
)

func newTestService(t *testing.T, store *mockStore, blobs *mockBlobs, pub *mockPublisher) *Service {
	t.Helper()
	svc, err := NewService(store, blobs, pub, ServiceConfig{MaxUploadBytes: 1024}, log.NewNop())
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	return svc
}

func TestNewServiceRejectsBadConfig(t *testing.T) {
	_, err := NewService(newMockStore(), newMockBlobs(), &mockPublisher{}, ServiceConfig{}, log.NewNop())
	if err == nil {
		t.Fatal("NewService() with zero MaxUploadBytes should fail")
	}
}

func TestAcceptQueued(t *testing.T) {
	store := newMockStore()
	blobs := newMockBlobs()
	pub := &mockPublisher{}
	svc := newTestService(t, store, blobs, pub)

	got := svc.Accept(context.Background(), 7, nil, FileUpload{
		FileName:    "notes.md",
		ContentType: "text/markdown",
		Data:        []byte("# Notes\n\nhello"),
	})

	if got.Status != OutcomeQueued {
		t.Fatalf("Status = %q, want %q (error: %s)", got.Status, OutcomeQueued, got.Error)
	}
	if got.UploadID == nil {
		t.Fatal("UploadID should be set for a queued upload")
	}
	if len(pub.published) != 1 || pub.published[0] != *got.UploadID {
		t.Errorf("published = %v, want [%d]", pub.published, *got.UploadID)
	}
	if len(blobs.staged) != 1 {
		t.Errorf("staged objects = %d, want 1", len(blobs.staged))
	}

	u := store.uploads[*got.UploadID]
	if u.Status != document.StatusQueued {
		t.Errorf("upload status = %q, want %q", u.Status, document.StatusQueued)
	}
	if u.ProjectID != 7 {
		t.Errorf("ProjectID = %d, want 7", u.ProjectID)
	}
	if len(u.ContentHash) != 64 {
		t.Errorf("ContentHash length = %d, want 64 hex chars", len(u.ContentHash))
	}
}

func TestAcceptValidation(t *testing.T) {
	svc := newTestService(t, newMockStore(), newMockBlobs(), &mockPublisher{})

	tests := []struct {
		name    string
		file    FileUpload
		wantErr string
	}{
		{
			name:    "empty file",
			file:    FileUpload{FileName: "empty.txt", ContentType: "text/plain"},
			wantErr: ErrEmptyFile.Error(),
		},
		{
			name: "oversized file",
			file: FileUpload{
				FileName:    "big.txt",
				ContentType: "text/plain",
				Data:        make([]byte, 2048),
			},
			wantErr: ErrFileTooLarge.Error(),
		},
		{
			name: "unsupported type",
			file: FileUpload{
				FileName:    "binary.exe",
				ContentType: "application/octet-stream",
				Data:        []byte{0x4d, 0x5a},
			},
			wantErr: ErrUnsupportedType.Error(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := svc.Accept(context.Background(), 1, nil, tt.file)
			if got.Status != OutcomeError {
				t.Fatalf("Status = %q, want %q", got.Status, OutcomeError)
			}
			if !strings.Contains(got.Error, tt.wantErr) {
				t.Errorf("Error = %q, want containing %q", got.Error, tt.wantErr)
			}
			if got.UploadID != nil {
				t.Error("rejected upload should have no UploadID")
			}
		})
	}
}

func TestAcceptContentTypeParameters(t *testing.T) {
	svc := newTestService(t, newMockStore(), newMockBlobs(), &mockPublisher{})

	got := svc.Accept(context.Background(), 1, nil, FileUpload{
		FileName:    "readme.md",
		ContentType: "text/markdown; charset=utf-8",
		Data:        []byte("content"),
	})
	if got.Status != OutcomeQueued {
		t.Fatalf("Status = %q, want %q (error: %s)", got.Status, OutcomeQueued, got.Error)
	}
}

func TestAcceptDuplicateShortCircuits(t *testing.T) {
	store := newMockStore()
	blobs := newMockBlobs()
	pub := &mockPublisher{}
	svc := newTestService(t, store, blobs, pub)

	data := []byte("same bytes")
	first := svc.Accept(context.Background(), 3, nil, FileUpload{
		FileName: "a.txt", ContentType: "text/plain", Data: data,
	})
	if first.Status != OutcomeQueued {
		t.Fatalf("first Status = %q, want queued", first.Status)
	}

	// Simulate the processor having resolved the document.
	doc, err := store.CreateDocument(context.Background(), document.CreateDocumentParams{
		ProjectID:   3,
		FileName:    "a.txt",
		ContentHash: store.uploads[*first.UploadID].ContentHash,
	})
	if err != nil {
		t.Fatalf("CreateDocument() error = %v", err)
	}

	second := svc.Accept(context.Background(), 3, nil, FileUpload{
		FileName: "copy-of-a.txt", ContentType: "text/plain", Data: data,
	})
	if second.Status != OutcomeExists {
		t.Fatalf("second Status = %q, want %q", second.Status, OutcomeExists)
	}
	if second.DocumentID == nil || *second.DocumentID != doc.ID {
		t.Errorf("DocumentID = %v, want %d", second.DocumentID, doc.ID)
	}
	if second.UploadID != nil {
		t.Error("duplicate should not create an upload record")
	}
	if len(pub.published) != 1 {
		t.Errorf("published = %d messages, want 1", len(pub.published))
	}
}

func TestAcceptDuplicateScopedToProject(t *testing.T) {
	store := newMockStore()
	svc := newTestService(t, store, newMockBlobs(), &mockPublisher{})

	data := []byte("shared bytes")
	first := svc.Accept(context.Background(), 1, nil, FileUpload{
		FileName: "a.txt", ContentType: "text/plain", Data: data,
	})
	if _, err := store.CreateDocument(context.Background(), document.CreateDocumentParams{
		ProjectID:   1,
		FileName:    "a.txt",
		ContentHash: store.uploads[*first.UploadID].ContentHash,
	}); err != nil {
		t.Fatalf("CreateDocument() error = %v", err)
	}

	// Same bytes in a different project are a fresh upload.
	got := svc.Accept(context.Background(), 2, nil, FileUpload{
		FileName: "a.txt", ContentType: "text/plain", Data: data,
	})
	if got.Status != OutcomeQueued {
		t.Errorf("cross-project Status = %q, want %q", got.Status, OutcomeQueued)
	}
}

func TestAcceptPublishFailure(t *testing.T) {
	store := newMockStore()
	pub := &mockPublisher{publishErr: errors.New("broker down")}
	svc := newTestService(t, store, newMockBlobs(), pub)

	got := svc.Accept(context.Background(), 1, nil, FileUpload{
		FileName: "a.txt", ContentType: "text/plain", Data: []byte("x"),
	})

	if got.Status != OutcomeError {
		t.Fatalf("Status = %q, want %q", got.Status, OutcomeError)
	}
	if got.Error != ErrNotScheduled.Error() {
		t.Errorf("Error = %q, want %q", got.Error, ErrNotScheduled.Error())
	}
	if got.UploadID == nil {
		t.Fatal("UploadID should be set so the failure is queryable")
	}
	u := store.uploads[*got.UploadID]
	if u.Status != document.StatusError {
		t.Errorf("upload status = %q, want %q", u.Status, document.StatusError)
	}
	if u.ErrorMessage == nil || *u.ErrorMessage != ErrNotScheduled.Error() {
		t.Errorf("ErrorMessage = %v, want %q", u.ErrorMessage, ErrNotScheduled.Error())
	}
}

func TestAcceptStagingFailure(t *testing.T) {
	store := newMockStore()
	blobs := newMockBlobs()
	blobs.putStagingErr = errors.New("minio unreachable")
	svc := newTestService(t, store, blobs, &mockPublisher{})

	got := svc.Accept(context.Background(), 1, nil, FileUpload{
		FileName: "a.txt", ContentType: "text/plain", Data: []byte("x"),
	})
	if got.Status != OutcomeError {
		t.Fatalf("Status = %q, want %q", got.Status, OutcomeError)
	}
	if len(store.uploads) != 0 {
		t.Error("no upload record should exist when staging fails")
	}
}

func TestAcceptDuplicateCheckFailure(t *testing.T) {
	store := newMockStore()
	store.documentByHashErr = errors.New("connection refused")
	blobs := newMockBlobs()
	svc := newTestService(t, store, blobs, &mockPublisher{})

	got := svc.Accept(context.Background(), 1, nil, FileUpload{
		FileName: "a.txt", ContentType: "text/plain", Data: []byte("x"),
	})

	// A failed lookup is not a clean miss; accepting anyway could create a
	// duplicate document behind the broken check.
	if got.Status != OutcomeError {
		t.Fatalf("Status = %q, want %q", got.Status, OutcomeError)
	}
	if len(blobs.staged) != 0 {
		t.Error("nothing should be staged when the duplicate check fails")
	}
	if len(store.uploads) != 0 {
		t.Error("no upload record should exist when the duplicate check fails")
	}
}

func TestAcceptRecordFailureCleansStaging(t *testing.T) {
	store := newMockStore()
	store.createUploadErr = errors.New("insert failed")
	blobs := newMockBlobs()
	svc := newTestService(t, store, blobs, &mockPublisher{})

	got := svc.Accept(context.Background(), 1, nil, FileUpload{
		FileName: "a.txt", ContentType: "text/plain", Data: []byte("x"),
	})

	if got.Status != OutcomeError {
		t.Fatalf("Status = %q, want %q", got.Status, OutcomeError)
	}
	if len(blobs.removed) != 1 {
		t.Fatalf("removed staging objects = %v, want exactly one", blobs.removed)
	}
	if _, ok := blobs.staged[blobs.removed[0]]; !ok {
		t.Errorf("removed object %q was never the staged one", blobs.removed[0])
	}
}

func TestAcceptAllIndependentFiles(t *testing.T) {
	svc := newTestService(t, newMockStore(), newMockBlobs(), &mockPublisher{})

	results := svc.AcceptAll(context.Background(), 1, nil, []FileUpload{
		{FileName: "good.txt", ContentType: "text/plain", Data: []byte("ok")},
		{FileName: "bad.bin", ContentType: "application/octet-stream", Data: []byte("no")},
		{FileName: "also-good.md", ContentType: "text/markdown", Data: []byte("# hi")},
	})

	if len(results) != 3 {
		t.Fatalf("len(results) = %d, want 3", len(results))
	}
	if results[0].Status != OutcomeQueued {
		t.Errorf("results[0].Status = %q, want queued", results[0].Status)
	}
	if results[1].Status != OutcomeError {
		t.Errorf("results[1].Status = %q, want error", results[1].Status)
	}
	if results[2].Status != OutcomeQueued {
		t.Errorf("results[2].Status = %q, want queued", results[2].Status)
	}
	if results[2].FileName != "also-good.md" {
		t.Errorf("results preserve input order, got %q at index 2", results[2].FileName)
	}
}

func TestStatuses(t *testing.T) {
	store := newMockStore()
	svc := newTestService(t, store, newMockBlobs(), &mockPublisher{})

	queued := svc.Accept(context.Background(), 1, nil, FileUpload{
		FileName: "a.txt", ContentType: "text/plain", Data: []byte("a"),
	})

	statuses, err := svc.Statuses(context.Background(), []int64{*queued.UploadID, 9999})
	if err != nil {
		t.Fatalf("Statuses() error = %v", err)
	}
	if len(statuses) != 1 {
		t.Fatalf("len(statuses) = %d, want 1 (unknown ids absent)", len(statuses))
	}
	st, ok := statuses[*queued.UploadID]
	if !ok {
		t.Fatal("queued upload missing from statuses")
	}
	if st.UploadStatus != document.StatusQueued {
		t.Errorf("UploadStatus = %q, want %q", st.UploadStatus, document.StatusQueued)
	}
}
