package domain

import (
	"time"
)

// LifecycleEvent represents a high-level lifecycle event for one turn.
// These events are published to decoupled consumers (audit storage, analytics).
type LifecycleEvent struct {
	Type           LifecycleEventType `json:"type"`
	TurnID         string             `json:"turn_id"`
	ConversationID string             `json:"conversation_id"`
	Timestamp      time.Time          `json:"timestamp"`
	Data           any                `json:"data,omitempty"`
}

// LifecycleEventType identifies the type of lifecycle event.
type LifecycleEventType string

const (
	LifecycleEventStarted   LifecycleEventType = "turn.started"
	LifecycleEventCompleted LifecycleEventType = "turn.completed"
	LifecycleEventFailed    LifecycleEventType = "turn.failed"
	LifecycleEventTimedOut  LifecycleEventType = "turn.timed_out"
)

// LifecycleStartedData contains data for turn.started events.
type LifecycleStartedData struct {
	HasText  bool   `json:"has_text"`
	HasImage bool   `json:"has_image"`
	Progress string `json:"progress"`
}

// LifecycleFinishedData contains data for the terminal turn events.
type LifecycleFinishedData struct {
	Duration        time.Duration `json:"duration_ns"`
	EventsProcessed int           `json:"events_processed"`
	EventsDropped   int           `json:"events_dropped"`
	TextLength      int           `json:"text_length"`
	HasArtifacts    bool          `json:"has_artifacts"`
	Error           string        `json:"error,omitempty"`
}

// TurnEvent is the stored form of a lifecycle event.
type TurnEvent struct {
	ID             string    `json:"id" db:"id"`
	TurnID         string    `json:"turn_id" db:"turn_id"`
	ConversationID string    `json:"conversation_id" db:"conversation_id"`
	Stage          string    `json:"stage" db:"stage"`
	Data           string    `json:"data,omitempty" db:"data"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}
