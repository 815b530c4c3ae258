package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cubent/usagemeter/internal/models"
	"github.com/google/uuid"
)

// Event repository errors.
var (
	ErrEventNotFound = errors.New("event not found")
	ErrInvalidEvent  = errors.New("invalid event")
)

const (
	eventColumns      = `id, timestamp, type, entity_type, entity_id, payload_json, metadata_json`
	defaultEventLimit = 100
)

// EventRepository is the append-only audit log behind events.Recorder.
type EventRepository struct {
	db *DB
}

// NewEventRepository creates a new EventRepository.
func NewEventRepository(db *DB) *EventRepository {
	return &EventRepository{db: db}
}

// EventQuery filters the audit log. Zero fields do not filter.
type EventQuery struct {
	Types      []models.EventType
	EntityType *models.EntityType
	EntityID   *string
	Since      *time.Time // inclusive
	Until      *time.Time // exclusive
	Cursor     string     // ID of the last event of the previous page
	Limit      int
	Newest     bool // newest first
}

// EventPage is one page of query results.
type EventPage struct {
	Events     []*models.Event
	NextCursor string
}

// Create appends event, assigning an ID and timestamp when missing.
func (r *EventRepository) Create(ctx context.Context, event *models.Event) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	event.Timestamp = event.Timestamp.UTC()

	var payload sql.NullString
	if len(event.Payload) > 0 {
		payload = sql.NullString{String: string(event.Payload), Valid: true}
	}
	var metadata sql.NullString
	if len(event.Metadata) > 0 {
		data, err := json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		metadata = sql.NullString{String: string(data), Valid: true}
	}

	_, err := r.db.ExecContext(ctx, `INSERT INTO events (`+eventColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ID,
		formatTime(event.Timestamp),
		string(event.Type),
		string(event.EntityType),
		event.EntityID,
		payload,
		metadata,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// Get retrieves an event by ID.
func (r *EventRepository) Get(ctx context.Context, id string) (*models.Event, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	event, err := r.scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	return event, err
}

// Query returns a page of matching events using keyset pagination on
// (timestamp, id).
func (r *EventRepository) Query(ctx context.Context, q EventQuery) (*EventPage, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultEventLimit
	}

	where, args := q.filters()
	order, after := "ASC", ">"
	if q.Newest {
		order, after = "DESC", "<"
	}
	if q.Cursor != "" {
		where = append(where, `(timestamp, id) `+after+` (SELECT timestamp, id FROM events WHERE id = ?)`)
		args = append(args, q.Cursor)
	}

	query := `SELECT ` + eventColumns + ` FROM events`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += fmt.Sprintf(` ORDER BY timestamp %s, id %s LIMIT ?`, order, order)
	args = append(args, limit+1)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		event, err := r.scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	page := &EventPage{Events: events}
	if len(events) > limit {
		page.Events = events[:limit]
		page.NextCursor = events[limit-1].ID
	}
	return page, nil
}

// CountByType tallies events at or after since (all events when nil).
func (r *EventRepository) CountByType(ctx context.Context, since *time.Time) (map[models.EventType]int64, error) {
	query := `SELECT type, COUNT(*) FROM events`
	var args []any
	if since != nil {
		query += ` WHERE timestamp >= ?`
		args = append(args, formatTime(*since))
	}
	query += ` GROUP BY type`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.EventType]int64)
	for rows.Next() {
		var t string
		var n int64
		if err := rows.Scan(&t, &n); err != nil {
			return nil, fmt.Errorf("failed to scan event count: %w", err)
		}
		counts[models.EventType(t)] = n
	}
	return counts, rows.Err()
}

// DeleteOlderThan prunes events before the cutoff.
func (r *EventRepository) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM events WHERE timestamp < ?`, formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	return res.RowsAffected()
}

func (q EventQuery) filters() ([]string, []any) {
	var where []string
	var args []any
	if len(q.Types) > 0 {
		marks := make([]string, len(q.Types))
		for i, t := range q.Types {
			marks[i] = "?"
			args = append(args, string(t))
		}
		where = append(where, `type IN (`+strings.Join(marks, ", ")+`)`)
	}
	if q.EntityType != nil {
		where = append(where, `entity_type = ?`)
		args = append(args, string(*q.EntityType))
	}
	if q.EntityID != nil {
		where = append(where, `entity_id = ?`)
		args = append(args, *q.EntityID)
	}
	if q.Since != nil {
		where = append(where, `timestamp >= ?`)
		args = append(args, formatTime(*q.Since))
	}
	if q.Until != nil {
		where = append(where, `timestamp < ?`)
		args = append(args, formatTime(*q.Until))
	}
	return where, args
}

func (r *EventRepository) scanEvent(row rowScanner) (*models.Event, error) {
	var (
		event                 models.Event
		timestamp             sql.NullString
		eventType, entityType string
		payload, metadata     sql.NullString
	)
	if err := row.Scan(&event.ID, &timestamp, &eventType, &entityType, &event.EntityID, &payload, &metadata); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}

	event.Timestamp = parseTime(timestamp)
	event.Type = models.EventType(eventType)
	event.EntityType = models.EntityType(entityType)
	if payload.Valid {
		event.Payload = json.RawMessage(payload.String)
	}
	if metadata.Valid {
		if err := json.Unmarshal([]byte(metadata.String), &event.Metadata); err != nil {
			r.db.logger.Warn().Err(err).Str("event_id", event.ID).Msg("failed to parse event metadata")
		}
	}
	return &event, nil
}
