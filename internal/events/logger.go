// Package events provides the usage event bus and helpers for recording
// meter events.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cubent/usagemeter/internal/models"
)

// Repository is the minimal interface needed to write events.
type Repository interface {
	Create(ctx context.Context, event *models.Event) error
}

func write(ctx context.Context, repo Repository, at time.Time, typ models.EventType, entity models.EntityType, entityID string, payload any) error {
	if repo == nil {
		return fmt.Errorf("event repository is required")
	}
	if entityID == "" {
		return fmt.Errorf("%s id is required", entity)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", typ, err)
	}

	return repo.Create(ctx, &models.Event{
		Timestamp:  at,
		Type:       typ,
		EntityType: entity,
		EntityID:   entityID,
		Payload:    data,
	})
}

// LogTurnStarted records that a user turn began or restarted.
func LogTurnStarted(ctx context.Context, repo Repository, at time.Time, p models.TurnStartedPayload) error {
	return write(ctx, repo, at, models.EventTypeTurnStarted, models.EntityTypeUser, p.UserID, p)
}

// LogUsageCommitted records a committed turn.
func LogUsageCommitted(ctx context.Context, repo Repository, at time.Time, record models.UsageRecord) error {
	return write(ctx, repo, at, models.EventTypeUsageCommitted, models.EntityTypeUser, record.UserID,
		models.UsageCommittedPayload{Record: record})
}

// LogSessionReclaimed records a stale turn removed by the sweep.
func LogSessionReclaimed(ctx context.Context, repo Repository, at time.Time, p models.SessionReclaimedPayload) error {
	return write(ctx, repo, at, models.EventTypeSessionReclaimed, models.EntityTypeUser, p.UserID, p)
}

// LogRolledOver records a ledger period reset.
func LogRolledOver(ctx context.Context, repo Repository, at time.Time, p models.RolledOverPayload) error {
	return write(ctx, repo, at, models.EventTypeLedgerRolledOver, models.EntityTypeUser, p.UserID, p)
}

// LogPersistFailed records a ledger write that exhausted its retries.
func LogPersistFailed(ctx context.Context, repo Repository, at time.Time, p models.PersistFailedPayload) error {
	return write(ctx, repo, at, models.EventTypePersistFailed, models.EntityTypeUser, p.UserID, p)
}

// LogAdmissionBlocked records a rejected request.
func LogAdmissionBlocked(ctx context.Context, repo Repository, at time.Time, p models.AdmissionBlockedPayload) error {
	return write(ctx, repo, at, models.EventTypeAdmissionBlocked, models.EntityTypeUser, p.UserID, p)
}

// LogAlertRaised records a raised alert.
func LogAlertRaised(ctx context.Context, repo Repository, alert models.Alert) error {
	return write(ctx, repo, alert.CreatedAt, models.EventTypeAlertRaised, models.EntityTypeAlert, alert.ID,
		models.AlertPayload{Alert: alert})
}

// LogAlertAcknowledged records an alert dismissal.
func LogAlertAcknowledged(ctx context.Context, repo Repository, at time.Time, alert models.Alert) error {
	return write(ctx, repo, at, models.EventTypeAlertAcked, models.EntityTypeAlert, alert.ID,
		models.AlertPayload{Alert: alert})
}

// Decode unmarshals an event payload into v.
func Decode(event models.Event, v any) error {
	if len(event.Payload) == 0 {
		return fmt.Errorf("event %s has no payload", event.ID)
	}
	return json.Unmarshal(event.Payload, v)
}
