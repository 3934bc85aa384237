package vector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/core/api"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/quarryio/quarry/internal/log"
)

// mockEmbedder implements ai.Embedder for testing.
type mockEmbedder struct {
	dim         int   // dimensionality of returned vectors
	embedErr    error // error to return
	returnEmpty bool  // return zero-length embeddings
	callCount   int   // track number of calls
	lastInputs  []string
}

func (m *mockEmbedder) Name() string { return "mock-embedder" }

func (m *mockEmbedder) Register(r api.Registry) {}

func (m *mockEmbedder) Embed(ctx context.Context, req *ai.EmbedRequest) (*ai.EmbedResponse, error) {
	m.callCount++
	m.lastInputs = nil
	for _, doc := range req.Input {
		if len(doc.Content) > 0 {
			m.lastInputs = append(m.lastInputs, doc.Content[0].Text)
		}
	}

	if m.embedErr != nil {
		return nil, m.embedErr
	}

	resp := &ai.EmbedResponse{}
	for i := range req.Input {
		if m.returnEmpty {
			resp.Embeddings = append(resp.Embeddings, &ai.Embedding{})
			continue
		}
		vec := make([]float32, m.dim)
		vec[0] = float32(i) + 1 // distinguish vectors per input
		resp.Embeddings = append(resp.Embeddings, &ai.Embedding{Embedding: vec})
	}
	return resp, nil
}

// fakeDB implements DB with call tracking.
type fakeDB struct {
	execStmts []string
	execArgs  [][]any
	execErr   error

	queryStmt string
	queryArgs []any
	queryErr  error
	rows      *fakeRows

	tx       *fakeTx
	beginErr error
}

func (f *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execStmts = append(f.execStmts, sql)
	f.execArgs = append(f.execArgs, args)
	return pgconn.CommandTag{}, f.execErr
}

func (f *fakeDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	f.queryStmt = sql
	f.queryArgs = args
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	if f.rows == nil {
		f.rows = &fakeRows{}
	}
	return f.rows, nil
}

func (f *fakeDB) Begin(ctx context.Context) (pgx.Tx, error) {
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	if f.tx == nil {
		f.tx = &fakeTx{}
	}
	return f.tx, nil
}

// fakeRows implements pgx.Rows over a fixed hit list.
type fakeRows struct {
	hits []Hit
	pos  int
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Values() ([]any, error)                       { return nil, nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	return r.pos < len(r.hits)
}

func (r *fakeRows) Scan(dest ...any) error {
	h := r.hits[r.pos]
	r.pos++
	*(dest[0].(*string)) = h.ChunkID
	*(dest[1].(*int64)) = h.Payload.ProjectID
	*(dest[2].(*int64)) = h.Payload.DocumentID
	*(dest[3].(*string)) = h.Payload.FileName
	*(dest[4].(*string)) = h.Payload.Text
	*(dest[5].(*map[string]any)) = h.Payload.ChunkMetadata
	*(dest[6].(*float64)) = h.Score
	return nil
}

// fakeTx implements pgx.Tx; only Exec, Commit, and Rollback carry behavior.
type fakeTx struct {
	execStmts  []string
	execArgs   [][]any
	execErr    error
	committed  bool
	rolledBack bool
}

func (t *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	t.execStmts = append(t.execStmts, sql)
	t.execArgs = append(t.execArgs, args)
	return pgconn.CommandTag{}, t.execErr
}

func (t *fakeTx) Commit(ctx context.Context) error {
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback(ctx context.Context) error {
	if t.committed {
		return pgx.ErrTxClosed
	}
	t.rolledBack = true
	return nil
}

func (t *fakeTx) Begin(ctx context.Context) (pgx.Tx, error) { panic("not implemented") }
func (t *fakeTx) Conn() *pgx.Conn                           { panic("not implemented") }
func (t *fakeTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}
func (t *fakeTx) LargeObjects() pgx.LargeObjects { panic("not implemented") }
func (t *fakeTx) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}
func (t *fakeTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	panic("not implemented")
}
func (t *fakeTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	panic("not implemented")
}
func (t *fakeTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func newTestService(t *testing.T, db DB, embedder ai.Embedder) *Service {
	t.Helper()
	svc, err := New(db, embedder, Config{Dimension: 3}, log.NewNop())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return svc
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		embedder ai.Embedder
		wantErr  error
	}{
		{
			name:     "defaults table",
			cfg:      Config{Dimension: 768},
			embedder: &mockEmbedder{dim: 768},
		},
		{
			name:     "quoted table rejected",
			cfg:      Config{Table: `points"; DROP TABLE uploads; --`, Dimension: 3},
			embedder: &mockEmbedder{dim: 3},
			wantErr:  ErrInvalidTable,
		},
		{
			name:     "zero dimension rejected",
			cfg:      Config{Dimension: 0},
			embedder: &mockEmbedder{dim: 3},
			wantErr:  ErrInvalidDimension,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, err := New(&fakeDB{}, tt.embedder, tt.cfg, log.NewNop())
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("New() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("New() error: %v", err)
			}
			if svc.table != DefaultTable {
				t.Errorf("table = %q, want %q", svc.table, DefaultTable)
			}
		})
	}

	if _, err := New(&fakeDB{}, nil, Config{Dimension: 3}, log.NewNop()); err == nil {
		t.Error("New() with nil embedder should fail")
	}
}

func TestEmbedBatch(t *testing.T) {
	embedder := &mockEmbedder{dim: 3}
	svc := newTestService(t, &fakeDB{}, embedder)

	texts := []string{"first", "second", "third"}
	vectors, err := svc.Embed(context.Background(), texts)
	if err != nil {
		t.Fatalf("Embed() error: %v", err)
	}
	if len(vectors) != 3 {
		t.Fatalf("Embed() returned %d vectors, want 3", len(vectors))
	}
	if embedder.callCount != 1 {
		t.Errorf("embedder called %d times, want 1 batch call", embedder.callCount)
	}
	for i, v := range vectors {
		if v[0] != float32(i)+1 {
			t.Errorf("vector %d out of order: marker %f", i, v[0])
		}
	}
}

func TestEmbedErrors(t *testing.T) {
	tests := []struct {
		name     string
		embedder *mockEmbedder
		wantErr  error
	}{
		{
			name:     "model failure surfaces",
			embedder: &mockEmbedder{dim: 3, embedErr: errors.New("model unavailable")},
		},
		{
			name:     "empty embedding",
			embedder: &mockEmbedder{dim: 3, returnEmpty: true},
			wantErr:  ErrEmptyEmbedding,
		},
		{
			name:     "dimension mismatch",
			embedder: &mockEmbedder{dim: 5},
			wantErr:  ErrDimensionMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newTestService(t, &fakeDB{}, tt.embedder)
			_, err := svc.Embed(context.Background(), []string{"text"})
			if err == nil {
				t.Fatal("Embed() should fail")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Embed() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestEmbedNoTexts(t *testing.T) {
	embedder := &mockEmbedder{dim: 3}
	svc := newTestService(t, &fakeDB{}, embedder)

	vectors, err := svc.Embed(context.Background(), nil)
	if err != nil || vectors != nil {
		t.Errorf("Embed(nil) = %v, %v; want nil, nil", vectors, err)
	}
	if embedder.callCount != 0 {
		t.Errorf("embedder called %d times for empty input", embedder.callCount)
	}
}

func TestEnsure(t *testing.T) {
	db := &fakeDB{}
	svc := newTestService(t, db, &mockEmbedder{dim: 3})

	if err := svc.Ensure(context.Background()); err != nil {
		t.Fatalf("Ensure() error: %v", err)
	}
	if len(db.execStmts) != 4 {
		t.Fatalf("Ensure() ran %d statements, want 4", len(db.execStmts))
	}
	if !strings.Contains(db.execStmts[1], "vector(3)") {
		t.Errorf("table DDL missing dimension: %s", db.execStmts[1])
	}
	if !strings.Contains(db.execStmts[2], "project_id") || !strings.Contains(db.execStmts[3], "document_id") {
		t.Errorf("payload indexes missing: %v", db.execStmts[2:])
	}
}

func TestUpsert(t *testing.T) {
	db := &fakeDB{}
	svc := newTestService(t, db, &mockEmbedder{dim: 3})

	points := []Point{
		{ID: "c1", Vector: []float32{1, 0, 0}, Payload: Payload{ProjectID: 7, DocumentID: 1, Text: "a"}},
		{ID: "c2", Vector: []float32{0, 1, 0}, Payload: Payload{ProjectID: 7, DocumentID: 1, Text: "b"}},
	}
	if err := svc.Upsert(context.Background(), points); err != nil {
		t.Fatalf("Upsert() error: %v", err)
	}
	if len(db.tx.execStmts) != 2 {
		t.Fatalf("Upsert() ran %d inserts, want 2", len(db.tx.execStmts))
	}
	if !strings.Contains(db.tx.execStmts[0], "ON CONFLICT (id) DO UPDATE") {
		t.Errorf("insert is not an upsert: %s", db.tx.execStmts[0])
	}
	if !db.tx.committed {
		t.Error("Upsert() did not commit")
	}
}

func TestUpsertDimensionMismatch(t *testing.T) {
	db := &fakeDB{}
	svc := newTestService(t, db, &mockEmbedder{dim: 3})

	err := svc.Upsert(context.Background(), []Point{
		{ID: "c1", Vector: []float32{1, 0}, Payload: Payload{}},
	})
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("Upsert() error = %v, want ErrDimensionMismatch", err)
	}
	if db.tx.committed {
		t.Error("Upsert() committed despite mismatch")
	}
	if !db.tx.rolledBack {
		t.Error("Upsert() did not roll back")
	}
}

func TestUpsertEmpty(t *testing.T) {
	db := &fakeDB{}
	svc := newTestService(t, db, &mockEmbedder{dim: 3})

	if err := svc.Upsert(context.Background(), nil); err != nil {
		t.Fatalf("Upsert(nil) error: %v", err)
	}
	if db.tx != nil {
		t.Error("Upsert(nil) should not open a transaction")
	}
}

func TestSearch(t *testing.T) {
	db := &fakeDB{rows: &fakeRows{hits: []Hit{
		{ChunkID: "c1", Score: 0.92, Payload: Payload{ProjectID: 7, DocumentID: 3, FileName: "a.md", Text: "alpha"}},
		{ChunkID: "c2", Score: 0.81, Payload: Payload{ProjectID: 7, DocumentID: 3, FileName: "a.md", Text: "beta"}},
	}}}
	svc := newTestService(t, db, &mockEmbedder{dim: 3})

	projectID := int64(7)
	hits, err := svc.Search(context.Background(), "alpha?", &projectID, 10)
	if err != nil {
		t.Fatalf("Search() error: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("Search() returned %d hits, want 2", len(hits))
	}
	if hits[0].ChunkID != "c1" || hits[0].Score != 0.92 {
		t.Errorf("first hit = %+v", hits[0])
	}
	if got := db.queryArgs[1].(*int64); got == nil || *got != 7 {
		t.Errorf("project filter arg = %v, want 7", got)
	}
	if got := db.queryArgs[2].(int); got != 10 {
		t.Errorf("limit arg = %v, want 10", got)
	}
}

func TestSearchLimitClamp(t *testing.T) {
	tests := []struct {
		name  string
		limit int
		want  int
	}{
		{name: "zero uses default", limit: 0, want: DefaultSearchLimit},
		{name: "negative uses default", limit: -3, want: DefaultSearchLimit},
		{name: "oversized capped", limit: 1000, want: MaxSearchLimit},
		{name: "in range untouched", limit: 42, want: 42},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := &fakeDB{rows: &fakeRows{}}
			svc := newTestService(t, db, &mockEmbedder{dim: 3})

			if _, err := svc.Search(context.Background(), "q", nil, tt.limit); err != nil {
				t.Fatalf("Search() error: %v", err)
			}
			if got := db.queryArgs[2].(int); got != tt.want {
				t.Errorf("limit arg = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestSearchGlobalWithoutProject(t *testing.T) {
	db := &fakeDB{rows: &fakeRows{}}
	svc := newTestService(t, db, &mockEmbedder{dim: 3})

	if _, err := svc.Search(context.Background(), "q", nil, 5); err != nil {
		t.Fatalf("Search() error: %v", err)
	}
	if got := db.queryArgs[1].(*int64); got != nil {
		t.Errorf("project filter arg = %v, want nil for global search", got)
	}
}

func TestSearchEmbedFailure(t *testing.T) {
	embedErr := fmt.Errorf("embedder down")
	svc := newTestService(t, &fakeDB{}, &mockEmbedder{dim: 3, embedErr: embedErr})

	if _, err := svc.Search(context.Background(), "q", nil, 5); err == nil {
		t.Fatal("Search() should surface embedder failure")
	}
}
