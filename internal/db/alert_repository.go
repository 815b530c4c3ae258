package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cubent/usagemeter/internal/models"
	"github.com/google/uuid"
)

// Alert repository errors.
var (
	ErrAlertNotFound = errors.New("alert not found")
	ErrInvalidAlert  = errors.New("invalid alert")
)

// AlertRepository persists raised alerts. It implements alerts.Repository.
type AlertRepository struct {
	db *DB
}

// NewAlertRepository creates a new AlertRepository.
func NewAlertRepository(db *DB) *AlertRepository {
	return &AlertRepository{db: db}
}

const alertColumns = `id, user_id, type, severity, threshold, current_value, limit_value,
	message, created_at, acknowledged, acknowledged_at`

// Create inserts an alert.
func (r *AlertRepository) Create(ctx context.Context, alert *models.Alert) error {
	if alert.UserID == "" || alert.Type == "" || alert.Severity == "" {
		return ErrInvalidAlert
	}
	if alert.ID == "" {
		alert.ID = uuid.New().String()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}

	var ackAt sql.NullString
	if alert.AcknowledgedAt != nil {
		ackAt = formatTime(*alert.AcknowledgedAt)
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO alerts (`+alertColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		alert.ID,
		alert.UserID,
		string(alert.Type),
		string(alert.Severity),
		alert.Threshold,
		alert.CurrentValue,
		alert.Limit,
		nullString(alert.Message),
		alert.CreatedAt.UTC().Format(time.RFC3339),
		boolInt(alert.Acknowledged),
		ackAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	return nil
}

// Get retrieves an alert by ID.
func (r *AlertRepository) Get(ctx context.Context, id string) (*models.Alert, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = ?`, id)
	alert, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAlertNotFound
	}
	return alert, err
}

// ListByUser returns a user's alerts, oldest first.
func (r *AlertRepository) ListByUser(ctx context.Context, userID string, unacknowledgedOnly bool, limit int) ([]*models.Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE user_id = ?`
	if unacknowledgedOnly {
		query += ` AND acknowledged = 0`
	}
	query += ` ORDER BY created_at, id LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*models.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating alerts: %w", err)
	}
	return alerts, nil
}

// Acknowledge marks the alert as dismissed. Already acknowledged alerts keep
// their original timestamp.
func (r *AlertRepository) Acknowledge(ctx context.Context, id string, at time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE alerts SET acknowledged = 1, acknowledged_at = COALESCE(acknowledged_at, ?)
		WHERE id = ?
	`, at.UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("failed to acknowledge alert: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrAlertNotFound
	}
	return nil
}

// DeleteOlderThan prunes alerts created before the cutoff.
func (r *AlertRepository) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM alerts WHERE created_at < ?`, before.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("failed to delete alerts: %w", err)
	}
	return result.RowsAffected()
}

func scanAlert(row rowScanner) (*models.Alert, error) {
	var alert models.Alert
	var alertType, severity string
	var message, createdAt, ackAt sql.NullString
	var acknowledged int

	if err := row.Scan(
		&alert.ID,
		&alert.UserID,
		&alertType,
		&severity,
		&alert.Threshold,
		&alert.CurrentValue,
		&alert.Limit,
		&message,
		&createdAt,
		&acknowledged,
		&ackAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan alert: %w", err)
	}

	alert.Type = models.AlertType(alertType)
	alert.Severity = models.Severity(severity)
	alert.Message = message.String
	alert.CreatedAt = parseTime(createdAt)
	alert.Acknowledged = acknowledged != 0
	if t := parseTime(ackAt); !t.IsZero() {
		alert.AcknowledgedAt = &t
	}
	return &alert, nil
}
