// Package direct provides a direct event publisher that writes to storage.
package direct

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/cartpilot-concierge/internal/domain"
	"github.com/tjfontaine/cartpilot-concierge/internal/storage"
)

// Publisher writes turn lifecycle events straight to the turn event log.
// This is the default implementation for single-instance deployments.
type Publisher struct {
	store storage.TurnEventStore
}

// NewPublisher creates a new direct event publisher.
func NewPublisher(store storage.TurnEventStore) (*Publisher, error) {
	if store == nil {
		return nil, fmt.Errorf("turn event store required")
	}
	return &Publisher{store: store}, nil
}

// Publish writes a lifecycle event directly to storage.
func (p *Publisher) Publish(ctx context.Context, event domain.LifecycleEvent) error {
	var data string
	if event.Data != nil {
		b, err := json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("failed to marshal event data: %w", err)
		}
		data = string(b)
	}

	createdAt := event.Timestamp
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	return p.store.AppendTurnEvent(ctx, &domain.TurnEvent{
		ID:             "evt_" + strings.ReplaceAll(uuid.New().String(), "-", ""),
		TurnID:         event.TurnID,
		ConversationID: event.ConversationID,
		Stage:          string(event.Type),
		Data:           data,
		CreatedAt:      createdAt.UTC(),
	})
}

// Close is a no-op for direct publisher.
func (p *Publisher) Close() error {
	return nil
}
