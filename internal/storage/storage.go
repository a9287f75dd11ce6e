// Package storage defines the persistence ports of the concierge: the session
// store that maps conversations to agent context ids, and the turn event log.
// Transcripts themselves are never persisted.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/tjfontaine/cartpilot-concierge/internal/domain"
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("not found")

// Session links a conversation to the agent's opaque context id.
type Session struct {
	ConversationID string    `json:"conversation_id" db:"conversation_id"`
	ContextID      string    `json:"context_id,omitempty" db:"context_id"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// ListOptions pages through sessions, newest first.
type ListOptions struct {
	Limit  int
	Offset int
}

// SessionStore persists sessions.
type SessionStore interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, conversationID string) (*Session, error)
	SetContextID(ctx context.Context, conversationID, contextID string) error
	ListSessions(ctx context.Context, opts ListOptions) ([]*Session, error)
}

// TurnEventStore is the append-only turn lifecycle log.
type TurnEventStore interface {
	AppendTurnEvent(ctx context.Context, ev *domain.TurnEvent) error
	ListTurnEvents(ctx context.Context, conversationID string) ([]*domain.TurnEvent, error)
}

// Store is the full persistence port.
type Store interface {
	SessionStore
	TurnEventStore
	Close() error
}
