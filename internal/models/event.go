package models

import (
	"encoding/json"
	"strings"
	"time"
)

// EventType categorizes events in the system.
type EventType string

const (
	// Turn events
	EventTypeTurnStarted      EventType = "turn.started"
	EventTypeUsageCommitted   EventType = "usage.committed"
	EventTypeSessionReclaimed EventType = "session.reclaimed"

	// Ledger events
	EventTypeLedgerRolledOver EventType = "ledger.rolled_over"
	EventTypePersistFailed    EventType = "persist.failed"

	// Quota events
	EventTypeAdmissionBlocked EventType = "admission.blocked"
	EventTypeAlertRaised      EventType = "alert.raised"
	EventTypeAlertAcked       EventType = "alert.acknowledged"

	// System events
	EventTypeError EventType = "error"
)

// EntityType identifies the type of entity an event relates to.
type EntityType string

const (
	EntityTypeUser   EntityType = "user"
	EntityTypeTurn   EntityType = "turn"
	EntityTypeAlert  EntityType = "alert"
	EntityTypeSystem EntityType = "system"
)

// Event represents an append-only log entry.
type Event struct {
	// ID is the unique identifier for the event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type categorizes the event.
	Type EventType `json:"type"`

	// EntityType identifies what kind of entity this event relates to.
	EntityType EntityType `json:"entity_type"`

	// EntityID is the ID of the related entity.
	EntityID string `json:"entity_id"`

	// Payload contains event-specific data.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Metadata contains additional context.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Validate checks if the event is valid.
func (e *Event) Validate() error {
	validation := &ValidationErrors{}
	if strings.TrimSpace(string(e.Type)) == "" {
		validation.AddMessage("type", "event type is required")
	}
	if strings.TrimSpace(string(e.EntityType)) == "" {
		validation.AddMessage("entity_type", "entity_type is required")
	}
	if strings.TrimSpace(e.EntityID) == "" {
		validation.AddMessage("entity_id", "entity_id is required")
	}
	return validation.Err()
}

// TurnStartedPayload is the payload for turn.started events.
type TurnStartedPayload struct {
	UserID   string `json:"user_id"`
	TurnID   string `json:"turn_id"`
	ModelID  string `json:"model_id,omitempty"`
	Provider string `json:"provider,omitempty"`
	Restart  bool   `json:"restart,omitempty"`
}

// UsageCommittedPayload is the payload for usage.committed events.
type UsageCommittedPayload struct {
	Record UsageRecord `json:"record"`
}

// SessionReclaimedPayload is the payload for session.reclaimed events.
type SessionReclaimedPayload struct {
	UserID    string `json:"user_id"`
	TurnID    string `json:"turn_id"`
	Tokens    int64  `json:"tokens"`
	Committed bool   `json:"committed"`
	Age       string `json:"age"`
}

// RolledOverPayload is the payload for ledger.rolled_over events.
type RolledOverPayload struct {
	UserID  string `json:"user_id"`
	Monthly bool   `json:"monthly"`
	Daily   bool   `json:"daily"`
	Hourly  bool   `json:"hourly"`
}

// PersistFailedPayload is the payload for persist.failed events.
type PersistFailedPayload struct {
	UserID   string `json:"user_id"`
	Error    string `json:"error"`
	Attempts int    `json:"attempts"`
}

// AdmissionBlockedPayload is the payload for admission.blocked events.
type AdmissionBlockedPayload struct {
	UserID   string    `json:"user_id"`
	Tier     Tier      `json:"tier"`
	ModelID  string    `json:"model_id,omitempty"`
	Decision *Decision `json:"decision"`
}

// AlertPayload is the payload for alert.raised and alert.acknowledged events.
type AlertPayload struct {
	Alert Alert `json:"alert"`
}

// ErrorPayload is the payload for error events.
type ErrorPayload struct {
	Error   string `json:"error"`
	Context string `json:"context,omitempty"`
}
