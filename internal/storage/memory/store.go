package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tjfontaine/cartpilot-concierge/internal/domain"
	"github.com/tjfontaine/cartpilot-concierge/internal/storage"
)

// Store is an in-memory implementation of storage.Store
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*storage.Session
	events   map[string][]*domain.TurnEvent
}

var _ storage.Store = (*Store)(nil)

// New creates a new in-memory store
func New() *Store {
	return &Store{
		sessions: make(map[string]*storage.Session),
		events:   make(map[string][]*domain.TurnEvent),
	}
}

func (s *Store) CreateSession(ctx context.Context, sess *storage.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[sess.ConversationID]; exists {
		return fmt.Errorf("session %s already exists", sess.ConversationID)
	}

	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now

	stored := *sess
	s.sessions[sess.ConversationID] = &stored
	return nil
}

func (s *Store) GetSession(ctx context.Context, conversationID string) (*storage.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, exists := s.sessions[conversationID]
	if !exists {
		return nil, fmt.Errorf("session %s: %w", conversationID, storage.ErrNotFound)
	}
	out := *sess
	return &out, nil
}

func (s *Store) SetContextID(ctx context.Context, conversationID, contextID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	sess, exists := s.sessions[conversationID]
	if !exists {
		sess = &storage.Session{ConversationID: conversationID, CreatedAt: now}
		s.sessions[conversationID] = sess
	}
	sess.ContextID = contextID
	sess.UpdatedAt = now
	return nil
}

func (s *Store) ListSessions(ctx context.Context, opts storage.ListOptions) ([]*storage.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*storage.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out := *sess
		result = append(result, &out)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})

	// Simple pagination
	start := opts.Offset
	if start >= len(result) {
		return []*storage.Session{}, nil
	}

	end := start + opts.Limit
	if opts.Limit == 0 || end > len(result) {
		end = len(result)
	}

	return result[start:end], nil
}

func (s *Store) AppendTurnEvent(ctx context.Context, ev *domain.TurnEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	stored := *ev
	s.events[ev.ConversationID] = append(s.events[ev.ConversationID], &stored)
	return nil
}

func (s *Store) ListTurnEvents(ctx context.Context, conversationID string) ([]*domain.TurnEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.events[conversationID]
	out := make([]*domain.TurnEvent, len(events))
	for i, ev := range events {
		cp := *ev
		out[i] = &cp
	}
	return out, nil
}

func (s *Store) Close() error {
	return nil
}
