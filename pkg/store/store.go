package store

import (
	"context"
	"errors"
	"time"

	"learnloop/pkg/domain"
)

var (
	// ErrDuplicateAnchor is returned when a session already exists for the
	// (user, anchor type, anchor id) triple of a non-general anchor.
	ErrDuplicateAnchor = errors.New("session already exists for anchor")
	ErrSessionNotFound = errors.New("session not found")
)

// SessionStore persists chat sessions.
type SessionStore interface {
	CreateSession(ctx context.Context, s domain.Session) error
	GetSession(ctx context.Context, id string) (domain.Session, bool, error)
	FindSessionByAnchor(ctx context.Context, userID string, anchor domain.Anchor) (domain.Session, bool, error)
	ListSessionsByUser(ctx context.Context, userID string, limit int) ([]domain.Session, error)
	UpdateSessionTitle(ctx context.Context, id, title string) error
	// TouchSession bumps updated_at and adds to the advisory counters.
	TouchSession(ctx context.Context, id string, tokens, words int, at time.Time) error
}

// MessageStore is the append-only message log.
type MessageStore interface {
	AppendMessage(ctx context.Context, msg domain.Message) error
	// AppendExchange stores a user turn and its reply together; either both
	// rows are written or neither is.
	AppendExchange(ctx context.Context, user, assistant domain.Message) error
	// ListMessages returns messages of a session in ascending order.
	ListMessages(ctx context.Context, sessionID string) ([]domain.Message, error)
}

// Store is the full persistence surface used by the chat service.
type Store interface {
	SessionStore
	MessageStore
}
