package conversation

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/quarryio/quarry/internal/log"
)

var (
	// ErrChatNotFound indicates the chat does not exist.
	ErrChatNotFound = errors.New("chat not found")

	// ErrInvalidRole indicates a turn role outside user/assistant.
	ErrInvalidRole = errors.New("invalid turn role")
)

// DB is the subset of pgxpool.Pool the store relies on. Narrowed for
// testability.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store provides persistence for chats and turns.
type Store struct {
	db     DB
	logger log.Logger
}

// NewStore creates a conversation store.
func NewStore(db DB, logger log.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// CreateChat starts a new conversation in a project. title may be nil; a
// title is typically set later from the first question.
func (s *Store) CreateChat(ctx context.Context, projectID int64, title *string) (Chat, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO chats (project_id, title)
		VALUES ($1, $2)
		RETURNING id, project_id, title, created_at, updated_at`,
		projectID, title,
	)

	var c Chat
	if err := row.Scan(&c.ID, &c.ProjectID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return Chat{}, fmt.Errorf("creating chat: %w", err)
	}
	s.logger.Debug("chat created", "chat_id", c.ID, "project_id", projectID)
	return c, nil
}

// ChatByID fetches one chat.
func (s *Store) ChatByID(ctx context.Context, id int64) (Chat, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, project_id, title, created_at, updated_at
		FROM chats WHERE id = $1`,
		id,
	)

	var c Chat
	err := row.Scan(&c.ID, &c.ProjectID, &c.Title, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Chat{}, fmt.Errorf("chat %d: %w", id, ErrChatNotFound)
	}
	if err != nil {
		return Chat{}, fmt.Errorf("querying chat %d: %w", id, err)
	}
	return c, nil
}

// SetTitle records a chat title.
func (s *Store) SetTitle(ctx context.Context, id int64, title string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE chats SET title = $2, updated_at = now() WHERE id = $1`,
		id, title,
	)
	if err != nil {
		return fmt.Errorf("setting title for chat %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("chat %d: %w", id, ErrChatNotFound)
	}
	return nil
}

// AppendTurn adds one message to a chat and returns the persisted turn.
func (s *Store) AppendTurn(ctx context.Context, chatID int64, role Role, content string) (Turn, error) {
	if role != RoleUser && role != RoleAssistant {
		return Turn{}, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	row := s.db.QueryRow(ctx, `
		INSERT INTO turns (chat_id, role, content)
		VALUES ($1, $2, $3)
		RETURNING id, chat_id, role, content, created_at`,
		chatID, role, content,
	)

	var t Turn
	if err := row.Scan(&t.ID, &t.ChatID, &t.Role, &t.Content, &t.CreatedAt); err != nil {
		return Turn{}, fmt.Errorf("appending %s turn to chat %d: %w", role, chatID, err)
	}

	if _, err := s.db.Exec(ctx, `UPDATE chats SET updated_at = now() WHERE id = $1`, chatID); err != nil {
		s.logger.Warn("touching chat timestamp failed", "chat_id", chatID, "error", err)
	}
	return t, nil
}

// Turns returns a chat's messages in append order. limit caps how many of
// the most recent turns are returned; limit < 1 returns all.
func (s *Store) Turns(ctx context.Context, chatID int64, limit int) ([]Turn, error) {
	query := `
		SELECT id, chat_id, role, content, created_at
		FROM turns WHERE chat_id = $1
		ORDER BY id`
	args := []any{chatID}

	if limit > 0 {
		// Take the newest N, then restore append order.
		query = `
			SELECT id, chat_id, role, content, created_at FROM (
				SELECT id, chat_id, role, content, created_at
				FROM turns WHERE chat_id = $1
				ORDER BY id DESC LIMIT $2
			) recent ORDER BY id`
		args = append(args, limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying turns for chat %d: %w", chatID, err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.ID, &t.ChatID, &t.Role, &t.Content, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning turn: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading turns for chat %d: %w", chatID, err)
	}
	return turns, nil
}
