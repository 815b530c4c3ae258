package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cubent/usagemeter/internal/models"
	"github.com/cubent/usagemeter/internal/store"
)

// LedgerRepository persists per-user ledgers. It implements store.Ledgers.
type LedgerRepository struct {
	db *DB
}

// NewLedgerRepository creates a new LedgerRepository.
func NewLedgerRepository(db *DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// Load retrieves a user's ledger. Unknown users return store.ErrNotFound.
func (r *LedgerRepository) Load(ctx context.Context, userID string) (*models.Ledger, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT user_id, month_tokens, month_cost, hour_requests, day_requests,
			total_tokens, total_cost, total_requests,
			last_monthly_reset, last_hourly_reset, last_daily_reset,
			models_json, updated_at
		FROM ledgers WHERE user_id = ?
	`, userID)

	var (
		l                        models.Ledger
		monthly, hourly, daily   sql.NullString
		modelsJSON, updatedAtRaw sql.NullString
	)
	err := row.Scan(
		&l.UserID,
		&l.Current.MonthTokens,
		&l.Current.MonthCost,
		&l.Current.HourRequests,
		&l.Current.DayRequests,
		&l.Lifetime.TotalTokens,
		&l.Lifetime.TotalCost,
		&l.Lifetime.TotalRequests,
		&monthly,
		&hourly,
		&daily,
		&modelsJSON,
		&updatedAtRaw,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("ledger %s: %w", userID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to scan ledger: %w", err)
	}

	l.Resets = models.ResetMarkers{
		LastMonthlyReset: parseTime(monthly),
		LastHourlyReset:  parseTime(hourly),
		LastDailyReset:   parseTime(daily),
	}
	l.UpdatedAt = parseTime(updatedAtRaw)
	l.Models = make(map[string]models.ModelUsage)
	if modelsJSON.Valid && modelsJSON.String != "" {
		if err := json.Unmarshal([]byte(modelsJSON.String), &l.Models); err != nil {
			r.db.logger.Warn().Err(err).Str("user_id", userID).Msg("failed to parse model breakdown")
			l.Models = make(map[string]models.ModelUsage)
		}
	}

	return &l, nil
}

// Save upserts the ledger.
func (r *LedgerRepository) Save(ctx context.Context, l *models.Ledger) error {
	if l == nil || l.UserID == "" {
		return fmt.Errorf("ledger user id is required")
	}
	breakdown, err := json.Marshal(l.Models)
	if err != nil {
		return fmt.Errorf("failed to marshal model breakdown: %w", err)
	}
	updatedAt := l.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO ledgers (
			user_id, month_tokens, month_cost, hour_requests, day_requests,
			total_tokens, total_cost, total_requests,
			last_monthly_reset, last_hourly_reset, last_daily_reset,
			models_json, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			month_tokens = excluded.month_tokens,
			month_cost = excluded.month_cost,
			hour_requests = excluded.hour_requests,
			day_requests = excluded.day_requests,
			total_tokens = excluded.total_tokens,
			total_cost = excluded.total_cost,
			total_requests = excluded.total_requests,
			last_monthly_reset = excluded.last_monthly_reset,
			last_hourly_reset = excluded.last_hourly_reset,
			last_daily_reset = excluded.last_daily_reset,
			models_json = excluded.models_json,
			updated_at = excluded.updated_at
	`,
		l.UserID,
		l.Current.MonthTokens,
		l.Current.MonthCost,
		l.Current.HourRequests,
		l.Current.DayRequests,
		l.Lifetime.TotalTokens,
		l.Lifetime.TotalCost,
		l.Lifetime.TotalRequests,
		formatTime(l.Resets.LastMonthlyReset),
		formatTime(l.Resets.LastHourlyReset),
		formatTime(l.Resets.LastDailyReset),
		string(breakdown),
		updatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to save ledger: %w", err)
	}
	return nil
}

// ListUsers returns user IDs ordered by current month tokens, highest first.
func (r *LedgerRepository) ListUsers(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT user_id FROM ledgers ORDER BY month_tokens DESC, user_id LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledgers: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan ledger user: %w", err)
		}
		users = append(users, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ledgers: %w", err)
	}
	return users, nil
}
