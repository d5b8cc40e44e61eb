package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"learnloop/pkg/domain"
)

// MemoryStore keeps sessions and messages in-process. It enforces the same
// anchor uniqueness as the Postgres index and is used for local mode and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]domain.Session
	anchors  map[anchorKey]string        // anchor triple -> session ID
	messages map[string][]domain.Message // session ID -> append-only log
}

type anchorKey struct {
	userID     string
	anchorType domain.AnchorType
	anchorID   string
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]domain.Session),
		anchors:  make(map[anchorKey]string),
		messages: make(map[string][]domain.Message),
	}
}

// CreateSession stores a new session.
func (m *MemoryStore) CreateSession(_ context.Context, s domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.AnchorType != domain.AnchorGeneral {
		key := anchorKey{userID: s.UserID, anchorType: s.AnchorType, anchorID: strings.TrimSpace(s.AnchorID)}
		if _, exists := m.anchors[key]; exists {
			return ErrDuplicateAnchor
		}
		m.anchors[key] = s.ID
	}
	m.sessions[s.ID] = s
	return nil
}

// GetSession retrieves a session by ID.
func (m *MemoryStore) GetSession(_ context.Context, id string) (domain.Session, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok, nil
}

// FindSessionByAnchor returns the session bound to a non-general anchor.
func (m *MemoryStore) FindSessionByAnchor(_ context.Context, userID string, anchor domain.Anchor) (domain.Session, bool, error) {
	if anchor.Type == domain.AnchorGeneral {
		return domain.Session{}, false, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.anchors[anchorKey{userID: userID, anchorType: anchor.Type, anchorID: strings.TrimSpace(anchor.ID)}]
	if !ok {
		return domain.Session{}, false, nil
	}
	s, ok := m.sessions[id]
	return s, ok, nil
}

// ListSessionsByUser returns a user's sessions, most recently updated first.
func (m *MemoryStore) ListSessionsByUser(_ context.Context, userID string, limit int) ([]domain.Session, error) {
	m.mu.RLock()
	res := make([]domain.Session, 0)
	for _, s := range m.sessions {
		if s.UserID == userID {
			res = append(res, s)
		}
	}
	m.mu.RUnlock()
	sort.SliceStable(res, func(i, j int) bool {
		if res[i].UpdatedAt.Equal(res[j].UpdatedAt) {
			return res[i].CreatedAt.After(res[j].CreatedAt)
		}
		return res[i].UpdatedAt.After(res[j].UpdatedAt)
	})
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

// UpdateSessionTitle replaces a session title.
func (m *MemoryStore) UpdateSessionTitle(_ context.Context, id, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	s.Title = title
	s.UpdatedAt = time.Now().UTC()
	m.sessions[id] = s
	return nil
}

// TouchSession bumps updated_at and the advisory counters.
func (m *MemoryStore) TouchSession(_ context.Context, id string, tokens, words int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if at.IsZero() {
		at = time.Now()
	}
	s.UpdatedAt = at.UTC()
	s.TokenCount += tokens
	s.WordCount += words
	m.sessions[id] = s
	return nil
}

// AppendMessage appends to the session's log.
func (m *MemoryStore) AppendMessage(_ context.Context, msg domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[msg.SessionID]; !ok {
		return ErrSessionNotFound
	}
	m.messages[msg.SessionID] = append(m.messages[msg.SessionID], msg)
	return nil
}

// AppendExchange appends both turns under one lock.
func (m *MemoryStore) AppendExchange(_ context.Context, user, assistant domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range []domain.Message{user, assistant} {
		if _, ok := m.sessions[msg.SessionID]; !ok {
			return ErrSessionNotFound
		}
	}
	m.messages[user.SessionID] = append(m.messages[user.SessionID], user)
	m.messages[assistant.SessionID] = append(m.messages[assistant.SessionID], assistant)
	return nil
}

// ListMessages returns a copy of the session's log ordered by created_at,
// falling back to insertion order on ties.
func (m *MemoryStore) ListMessages(_ context.Context, sessionID string) ([]domain.Message, error) {
	m.mu.RLock()
	src := m.messages[sessionID]
	out := make([]domain.Message, len(src))
	copy(out, src)
	m.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
