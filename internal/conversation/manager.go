// Package conversation owns the live conversations of the service: one
// transcript and one turn controller per conversation, with snapshot
// fan-out to connected clients.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/cartpilot-concierge/internal/domain"
	"github.com/tjfontaine/cartpilot-concierge/internal/storage"
	"github.com/tjfontaine/cartpilot-concierge/internal/transcript"
	"github.com/tjfontaine/cartpilot-concierge/internal/turn"
)

// ErrConversationNotFound is returned for unknown conversation ids.
var ErrConversationNotFound = domain.ErrNotFound("conversation not found").
	WithCode(domain.ErrorCodeConversationMissing)

// Snapshot is the client-visible state of a conversation.
type Snapshot struct {
	ConversationID string           `json:"conversation_id"`
	Messages       []domain.Message `json:"messages"`
	State          turn.State       `json:"state"`
	Progress       string           `json:"progress,omitempty"`
	Busy           bool             `json:"busy"`
}

// Conversation is one live conversation.
type Conversation struct {
	id         string
	createdAt  time.Time
	transcript *transcript.Transcript
	controller *turn.Controller
	hub        *hub

	// notifyMu orders snapshot reads with their broadcast so an older
	// snapshot can never land after a newer one.
	notifyMu sync.Mutex
}

// ID returns the conversation id.
func (c *Conversation) ID() string {
	return c.id
}

// CreatedAt returns when the conversation was created.
func (c *Conversation) CreatedAt() time.Time {
	return c.createdAt
}

// Snapshot returns the current state.
func (c *Conversation) Snapshot() Snapshot {
	state := c.controller.State()
	return Snapshot{
		ConversationID: c.id,
		Messages:       c.transcript.Messages(),
		State:          state,
		Progress:       c.controller.Progress(),
		Busy:           state == turn.StateStreaming,
	}
}

// Submit starts a turn. The turn outlives ctx: it is bounded by its own
// deadline, not by the request that submitted it.
func (c *Conversation) Submit(ctx context.Context, sub domain.Submission) (<-chan turn.Outcome, error) {
	return c.controller.Submit(context.WithoutCancel(ctx), sub)
}

// Subscribe returns a channel of snapshots, primed with the current one. The
// returned func unsubscribes and closes the channel.
func (c *Conversation) Subscribe() (<-chan Snapshot, func()) {
	ch, cancel := c.hub.subscribe()
	c.notify()
	return ch, cancel
}

// Subscribers returns the number of connected subscribers.
func (c *Conversation) Subscribers() int {
	return c.hub.count()
}

func (c *Conversation) notify() {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	c.hub.broadcast(c.Snapshot())
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithSessionStore persists conversation sessions so they can be resumed.
func WithSessionStore(store storage.SessionStore) Option {
	return func(m *Manager) {
		m.sessions = store
	}
}

// WithTurnOptions passes options to every turn controller.
func WithTurnOptions(opts ...turn.Option) Option {
	return func(m *Manager) {
		m.turnOpts = append(m.turnOpts, opts...)
	}
}

// Manager creates and looks up conversations.
type Manager struct {
	transport turn.Transport
	sessions  storage.SessionStore
	logger    *slog.Logger
	turnOpts  []turn.Option

	mu            sync.RWMutex
	conversations map[string]*Conversation
}

// NewManager creates a manager whose turns run over transport.
func NewManager(transport turn.Transport, opts ...Option) *Manager {
	m := &Manager{
		transport:     transport,
		logger:        slog.Default(),
		conversations: make(map[string]*Conversation),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create starts a new conversation.
func (m *Manager) Create(ctx context.Context) (*Conversation, error) {
	id := "conv_" + uuid.NewString()
	now := time.Now().UTC()

	if m.sessions != nil {
		persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		err := m.sessions.CreateSession(persistCtx, &storage.Session{
			ConversationID: id,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create session: %w", err)
		}
	}

	conv := m.build(id, now)
	m.mu.Lock()
	m.conversations[id] = conv
	m.mu.Unlock()

	m.logger.Info("conversation created", slog.String("conversation_id", id))
	return conv, nil
}

// Get returns a live conversation. A conversation known only to the session
// store is resumed with an empty transcript; the agent keeps its context.
func (m *Manager) Get(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	conv, ok := m.conversations[id]
	m.mu.RUnlock()
	if ok {
		return conv, nil
	}

	if m.sessions == nil {
		return nil, ErrConversationNotFound
	}
	sess, err := m.sessions.GetSession(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if conv, ok := m.conversations[id]; ok {
		return conv, nil
	}
	conv = m.build(sess.ConversationID, sess.CreatedAt)
	m.conversations[id] = conv

	m.logger.Info("conversation resumed",
		slog.String("conversation_id", id),
		slog.Bool("has_context", sess.ContextID != ""),
	)
	return conv, nil
}

// List returns stored sessions, most recently active first.
func (m *Manager) List(ctx context.Context, opts storage.ListOptions) ([]*storage.Session, error) {
	if m.sessions == nil {
		m.mu.RLock()
		defer m.mu.RUnlock()
		out := make([]*storage.Session, 0, len(m.conversations))
		for _, c := range m.conversations {
			out = append(out, &storage.Session{ConversationID: c.id, CreatedAt: c.createdAt, UpdatedAt: c.createdAt})
		}
		return out, nil
	}
	return m.sessions.ListSessions(ctx, opts)
}

func (m *Manager) build(id string, createdAt time.Time) *Conversation {
	conv := &Conversation{
		id:        id,
		createdAt: createdAt,
		hub:       newHub(),
	}
	conv.transcript = transcript.New(transcript.WithOnChange(conv.notify))

	opts := append([]turn.Option{
		turn.WithLogger(m.logger),
		turn.WithProgressListener(func(string) { conv.notify() }),
	}, m.turnOpts...)
	conv.controller = turn.NewController(id, conv.transcript, m.transport, opts...)
	return conv
}
