// Package conversation persists chats and their turns. The retrieval
// orchestrator reads prior turns as context and appends new ones; this
// package owns nothing else about how a turn is produced.
package conversation

import (
	"time"
)

// Role identifies the author of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Chat is one conversation scoped to a project.
type Chat struct {
	ID        int64
	ProjectID int64
	Title     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Turn is one message within a chat. Turns are append-only; ordering
// follows the id sequence.
type Turn struct {
	ID        int64
	ChatID    int64
	Role      Role
	Content   string
	CreatedAt time.Time
}
