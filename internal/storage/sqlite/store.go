package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/tjfontaine/cartpilot-concierge/internal/domain"
	"github.com/tjfontaine/cartpilot-concierge/internal/storage"
)

// Store is a SQLite implementation of storage.Store.
type Store struct {
	db *sqlx.DB
}

var _ storage.Store = (*Store)(nil)

// New creates a new SQLite store
func New(dbPath string) (*Store, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &Store{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			conversation_id TEXT PRIMARY KEY,
			context_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS turn_events (
			id TEXT PRIMARY KEY,
			turn_id TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			stage TEXT NOT NULL,
			data TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_turn_events_conversation ON turn_events(conversation_id, created_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

func (s *Store) CreateSession(ctx context.Context, sess *storage.Session) error {
	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO sessions (conversation_id, context_id, created_at, updated_at)
		VALUES (:conversation_id, :context_id, :created_at, :updated_at)
	`, sess)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, conversationID string) (*storage.Session, error) {
	var sess storage.Session
	err := s.db.GetContext(ctx, &sess, `
		SELECT conversation_id, context_id, created_at, updated_at
		FROM sessions WHERE conversation_id = ?
	`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", conversationID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &sess, nil
}

func (s *Store) SetContextID(ctx context.Context, conversationID, contextID string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (conversation_id, context_id, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			context_id = excluded.context_id,
			updated_at = excluded.updated_at
	`, conversationID, contextID, now, now)
	if err != nil {
		return fmt.Errorf("failed to set context id: %w", err)
	}
	return nil
}

func (s *Store) ListSessions(ctx context.Context, opts storage.ListOptions) ([]*storage.Session, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	sessions := []*storage.Session{}
	err := s.db.SelectContext(ctx, &sessions, `
		SELECT conversation_id, context_id, created_at, updated_at
		FROM sessions
		ORDER BY updated_at DESC
		LIMIT ? OFFSET ?
	`, limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return sessions, nil
}

func (s *Store) AppendTurnEvent(ctx context.Context, ev *domain.TurnEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO turn_events (id, turn_id, conversation_id, stage, data, created_at)
		VALUES (:id, :turn_id, :conversation_id, :stage, :data, :created_at)
	`, ev)
	if err != nil {
		return fmt.Errorf("failed to append turn event: %w", err)
	}
	return nil
}

func (s *Store) ListTurnEvents(ctx context.Context, conversationID string) ([]*domain.TurnEvent, error) {
	events := []*domain.TurnEvent{}
	err := s.db.SelectContext(ctx, &events, `
		SELECT id, turn_id, conversation_id, stage, data, created_at
		FROM turn_events
		WHERE conversation_id = ?
		ORDER BY created_at ASC, rowid ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list turn events: %w", err)
	}
	return events, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}
