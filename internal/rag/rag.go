// Package rag answers questions over the indexed knowledge base. Each
// question runs one decide-retrieve-generate sequence, streamed to the
// caller as discrete events; no intermediate state is persisted.
package rag

import (
	"context"
	"errors"

	"github.com/firebase/genkit/go/ai"

	"github.com/quarryio/quarry/internal/conversation"
	"github.com/quarryio/quarry/internal/vector"
)

// ErrStreamClosed indicates the caller stopped consuming events; emitted
// by Emit implementations when the client disconnects.
var ErrStreamClosed = errors.New("event stream closed")

// EventKind discriminates the stream event union.
type EventKind string

const (
	// EventUserSaved carries the persisted user turn. Always first.
	EventUserSaved EventKind = "user_message_saved"

	// EventCitation carries retrieved sources, emitted at most once and
	// always before any delta.
	EventCitation EventKind = "citation_payload"

	// EventDelta carries one streamed answer fragment.
	EventDelta EventKind = "delta"

	// EventAssistantSaved carries the persisted assistant turn.
	EventAssistantSaved EventKind = "assistant_message_saved"

	// EventError carries a non-fatal notice; the stream continues.
	EventError EventKind = "error"

	// EventStreamEnd terminates the stream. Always last, exactly once.
	EventStreamEnd EventKind = "stream_end"
)

// Citation is one retrieved source, denormalized so the client can render
// it without further lookups.
type Citation struct {
	ChunkID    string         `json:"chunk_id"`
	DocumentID int64          `json:"document_id"`
	ProjectID  int64          `json:"project_id"`
	FileName   string         `json:"file_name"`
	Text       string         `json:"text"`
	Score      float64        `json:"score"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Event is one element of the answer stream. Exactly one payload field is
// populated, selected by Kind.
type Event struct {
	Kind      EventKind          `json:"kind"`
	Turn      *conversation.Turn `json:"turn,omitempty"`
	Citations []Citation         `json:"citations,omitempty"`
	Delta     string             `json:"delta,omitempty"`
	Error     string             `json:"error,omitempty"`
}

// Emit receives stream events in order. Returning an error stops the
// sequence; the orchestrator treats it as a client disconnect.
type Emit func(Event) error

// Decision is the structured output of the retrieval-necessity check.
type Decision struct {
	NeedRAG bool   `json:"need_rag"`
	Reason  string `json:"reason"`
}

// ChatStore is the conversation persistence the orchestrator depends on,
// satisfied by conversation.Store.
type ChatStore interface {
	ChatByID(ctx context.Context, id int64) (conversation.Chat, error)
	Turns(ctx context.Context, chatID int64, limit int) ([]conversation.Turn, error)
	AppendTurn(ctx context.Context, chatID int64, role conversation.Role, content string) (conversation.Turn, error)
}

// Searcher is the vector retrieval surface, satisfied by vector.Service.
type Searcher interface {
	Search(ctx context.Context, query string, projectID *int64, limit int) ([]vector.Hit, error)
}

// StreamFunc receives one answer fragment as it arrives from the model.
type StreamFunc func(ctx context.Context, delta string) error

// Completer is the completion provider surface. Complete returns the full
// response text; Stream additionally forwards fragments as they arrive.
type Completer interface {
	Complete(ctx context.Context, system string, messages []*ai.Message) (string, error)
	Stream(ctx context.Context, system string, messages []*ai.Message, fn StreamFunc) (string, error)
}
