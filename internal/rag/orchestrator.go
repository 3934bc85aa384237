package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"golang.org/x/time/rate"

	"github.com/quarryio/quarry/internal/conversation"
	"github.com/quarryio/quarry/internal/log"
)

// apologyFallback is the answer of last resort when the provider returns
// nothing at all.
const apologyFallback = "I'm sorry, I couldn't generate a response at this time."

const decideSystem = `You decide whether a question needs document retrieval.
Given the conversation and the new question, respond with ONLY a JSON object:
{"need_rag": true|false, "reason": "<short reason>"}
Retrieval is needed when the question asks about specific documents, facts,
or project knowledge. Small talk and general questions do not need it.`

const groundedSystem = `You are a knowledge-base assistant. Answer the user's
question using the numbered context passages below. Cite passage numbers like
[1] where relevant. If the context does not contain the answer, say so.

Context:
%s`

const plainSystem = `You are a knowledge-base assistant. Answer the user's
question helpfully and concisely.`

// Config configures the orchestrator.
type Config struct {
	// TopK is the number of chunks retrieved per question. Required.
	TopK int

	// MaxHistory caps how many prior turns are loaded as context.
	// Zero means all.
	MaxHistory int

	// RequestsPerSecond throttles completion-provider calls. Zero
	// disables throttling.
	RequestsPerSecond float64
}

func (c *Config) validate() error {
	if c.TopK < 1 {
		return fmt.Errorf("top-k must be positive, got %d", c.TopK)
	}
	return nil
}

// Orchestrator runs the decide-retrieve-generate sequence for one question
// at a time. Concurrent questions from different chats are independent.
type Orchestrator struct {
	chats     ChatStore
	searcher  Searcher
	completer Completer
	limiter   *rate.Limiter
	cfg       Config
	logger    log.Logger
}

// New creates an orchestrator.
func New(chats ChatStore, searcher Searcher, completer Completer, cfg Config, logger log.Logger) (*Orchestrator, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("orchestrator config: %w", err)
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	return &Orchestrator{
		chats:     chats,
		searcher:  searcher,
		completer: completer,
		limiter:   limiter,
		cfg:       cfg,
		logger:    logger,
	}, nil
}

// Answer runs one question through the pipeline, pushing events to emit in
// order: user_message_saved, at most one citation_payload, deltas, one
// assistant_message_saved, one stream_end. The user's turn is persisted
// before generation starts; the assistant's only after the stream
// completes, so a disconnect leaves no partial assistant turn.
func (o *Orchestrator) Answer(ctx context.Context, chatID int64, question string, emit Emit) error {
	question = strings.TrimSpace(question)
	if question == "" {
		return fmt.Errorf("question is empty")
	}

	chat, err := o.chats.ChatByID(ctx, chatID)
	if err != nil {
		return err
	}

	history, err := o.chats.Turns(ctx, chatID, o.cfg.MaxHistory)
	if err != nil {
		return fmt.Errorf("loading history for chat %d: %w", chatID, err)
	}

	userTurn, err := o.chats.AppendTurn(ctx, chatID, conversation.RoleUser, question)
	if err != nil {
		return fmt.Errorf("saving user turn: %w", err)
	}
	if err := emit(Event{Kind: EventUserSaved, Turn: &userTurn}); err != nil {
		return err
	}

	decision := o.decide(ctx, history, question)
	o.logger.Debug("retrieval decision",
		"chat_id", chatID, "need_rag", decision.NeedRAG, "reason", decision.Reason)

	var citations []Citation
	if decision.NeedRAG {
		citations, err = o.retrieve(ctx, chat.ProjectID, question)
		if err != nil {
			// Retrieval failure degrades to the plain path, visibly.
			o.logger.Warn("retrieval failed, answering without context",
				"chat_id", chatID, "error", err)
			if emitErr := emit(Event{Kind: EventError, Error: "source retrieval failed; answering without documents"}); emitErr != nil {
				return emitErr
			}
			citations = nil
		}
	}

	if len(citations) > 0 {
		if err := emit(Event{Kind: EventCitation, Citations: citations}); err != nil {
			return err
		}
	}

	answer, genErr := o.generate(ctx, history, question, citations, emit)
	if genErr != nil {
		if ctx.Err() != nil {
			// Disconnect or cancellation: stop without an assistant turn.
			return genErr
		}
		o.logger.Warn("generation failed", "chat_id", chatID, "error", genErr)
		if emitErr := emit(Event{Kind: EventError, Error: "answer generation failed"}); emitErr != nil {
			return emitErr
		}
	}
	if answer == "" {
		answer = apologyFallback
	}

	assistantTurn, err := o.chats.AppendTurn(ctx, chatID, conversation.RoleAssistant, answer)
	if err != nil {
		return fmt.Errorf("saving assistant turn: %w", err)
	}
	if err := emit(Event{Kind: EventAssistantSaved, Turn: &assistantTurn}); err != nil {
		return err
	}
	return emit(Event{Kind: EventStreamEnd})
}

// decide asks the provider whether the question needs retrieval. Any
// failure, including unparsable output, defaults to no retrieval rather
// than failing the turn.
func (o *Orchestrator) decide(ctx context.Context, history []conversation.Turn, question string) Decision {
	if err := o.limiter.Wait(ctx); err != nil {
		return Decision{Reason: "cancelled"}
	}

	messages := historyMessages(history)
	messages = append(messages, ai.NewUserMessage(ai.NewTextPart(question)))

	text, err := o.completer.Complete(ctx, decideSystem, messages)
	if err != nil {
		o.logger.Warn("decision call failed, skipping retrieval", "error", err)
		return Decision{Reason: "decision unavailable"}
	}

	decision, err := parseDecision(text)
	if err != nil {
		o.logger.Warn("unparsable decision, skipping retrieval",
			"response", truncate(text, 120), "error", err)
		return Decision{Reason: "decision unparsable"}
	}
	return decision
}

// retrieve searches the vector index scoped to the chat's project.
func (o *Orchestrator) retrieve(ctx context.Context, projectID int64, question string) ([]Citation, error) {
	hits, err := o.searcher.Search(ctx, question, &projectID, o.cfg.TopK)
	if err != nil {
		return nil, err
	}

	citations := make([]Citation, 0, len(hits))
	for _, h := range hits {
		citations = append(citations, Citation{
			ChunkID:    h.ChunkID,
			DocumentID: h.Payload.DocumentID,
			ProjectID:  h.Payload.ProjectID,
			FileName:   h.Payload.FileName,
			Text:       h.Payload.Text,
			Score:      h.Score,
			Metadata:   h.Payload.ChunkMetadata,
		})
	}
	return citations, nil
}

// generate streams the answer, forwarding deltas through emit. The return
// value prefers concatenated deltas, then the provider's aggregate text.
func (o *Orchestrator) generate(ctx context.Context, history []conversation.Turn, question string, citations []Citation, emit Emit) (string, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return "", err
	}

	system := plainSystem
	if len(citations) > 0 {
		system = fmt.Sprintf(groundedSystem, contextBlock(citations))
	}

	messages := historyMessages(history)
	messages = append(messages, ai.NewUserMessage(ai.NewTextPart(question)))

	var deltas strings.Builder
	aggregate, err := o.completer.Stream(ctx, system, messages, func(_ context.Context, delta string) error {
		if delta == "" {
			return nil
		}
		deltas.WriteString(delta)
		return emit(Event{Kind: EventDelta, Delta: delta})
	})

	answer := deltas.String()
	if answer == "" {
		answer = aggregate
	}
	return answer, err
}

// historyMessages converts persisted turns into provider messages.
func historyMessages(history []conversation.Turn) []*ai.Message {
	messages := make([]*ai.Message, 0, len(history)+1)
	for _, t := range history {
		switch t.Role {
		case conversation.RoleUser:
			messages = append(messages, ai.NewUserMessage(ai.NewTextPart(t.Content)))
		case conversation.RoleAssistant:
			messages = append(messages, ai.NewModelMessage(ai.NewTextPart(t.Content)))
		}
	}
	return messages
}

// contextBlock renders citations as numbered passages for the grounded
// prompt.
func contextBlock(citations []Citation) string {
	var b strings.Builder
	for i, c := range citations {
		fmt.Fprintf(&b, "[%d] (%s)\n%s\n\n", i+1, c.FileName, c.Text)
	}
	return strings.TrimRight(b.String(), "\n")
}

// parseDecision extracts the decision JSON from provider output, tolerating
// surrounding prose and code fences.
func parseDecision(text string) (Decision, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return Decision{}, fmt.Errorf("no JSON object in response")
	}

	var d Decision
	if err := json.Unmarshal([]byte(text[start:end+1]), &d); err != nil {
		return Decision{}, fmt.Errorf("decoding decision: %w", err)
	}
	return d, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
