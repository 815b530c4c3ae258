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

// Usage repository errors.
var (
	ErrUsageRecordNotFound = errors.New("usage record not found")
	ErrInvalidUsageRecord  = errors.New("invalid usage record")
)

// UsageRepository handles committed turn history.
type UsageRepository struct {
	db *DB
}

// NewUsageRepository creates a new UsageRepository.
func NewUsageRepository(db *DB) *UsageRepository {
	return &UsageRepository{db: db}
}

const usageColumns = `id, user_id, turn_id, completion_id, provider, model_id,
	input_tokens, output_tokens, total_tokens, cache_writes, cache_reads,
	cost, tool_calls, request_count, reclaimed, started_at, completed_at`

// Create inserts a new usage record.
func (r *UsageRepository) Create(ctx context.Context, record *models.UsageRecord) error {
	if record.UserID == "" || record.TurnID == "" {
		return ErrInvalidUsageRecord
	}

	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.CompletedAt.IsZero() {
		record.CompletedAt = time.Now().UTC()
	}
	if record.StartedAt.IsZero() {
		record.StartedAt = record.CompletedAt
	}
	if record.TotalTokens == 0 {
		record.CalculateTotalTokens()
	}
	if record.RequestCount == 0 {
		record.RequestCount = 1
	}
	if err := record.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidUsageRecord, err)
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO usage_records (`+usageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		record.ID,
		record.UserID,
		record.TurnID,
		nullString(record.CompletionID),
		nullString(record.Provider),
		nullString(record.ModelID),
		record.InputTokens,
		record.OutputTokens,
		record.TotalTokens,
		record.CacheWrites,
		record.CacheReads,
		record.Cost,
		record.ToolCalls,
		record.RequestCount,
		boolInt(record.Reclaimed),
		record.StartedAt.UTC().Format(time.RFC3339),
		record.CompletedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to insert usage record: %w", err)
	}

	return nil
}

// Get retrieves a usage record by ID.
func (r *UsageRepository) Get(ctx context.Context, id string) (*models.UsageRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+usageColumns+` FROM usage_records WHERE id = ?`, id)
	record, err := scanUsageRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUsageRecordNotFound
	}
	return record, err
}

// Query retrieves usage records matching the given filters, newest first.
func (r *UsageRepository) Query(ctx context.Context, q models.UsageQuery) ([]*models.UsageRecord, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + usageColumns + ` FROM usage_records WHERE 1=1`
	args := []any{}

	if q.UserID != nil {
		query += ` AND user_id = ?`
		args = append(args, *q.UserID)
	}
	if q.ModelID != nil {
		query += ` AND model_id = ?`
		args = append(args, *q.ModelID)
	}
	if q.Since != nil {
		query += ` AND completed_at >= ?`
		args = append(args, q.Since.UTC().Format(time.RFC3339))
	}
	if q.Until != nil {
		query += ` AND completed_at < ?`
		args = append(args, q.Until.UTC().Format(time.RFC3339))
	}

	query += ` ORDER BY completed_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage records: %w", err)
	}
	defer rows.Close()

	var records []*models.UsageRecord
	for rows.Next() {
		record, err := scanUsageRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage records: %w", err)
	}

	return records, nil
}

// Summarize returns aggregated usage for a user since the given time.
func (r *UsageRepository) Summarize(ctx context.Context, userID string, since *time.Time) (*models.UsageSummary, error) {
	query := `SELECT
		COALESCE(SUM(total_tokens), 0),
		COALESCE(SUM(cost), 0),
		COALESCE(SUM(request_count), 0),
		COUNT(*)
		FROM usage_records WHERE user_id = ?`
	args := []any{userID}

	summary := &models.UsageSummary{UserID: userID}
	if since != nil {
		query += ` AND completed_at >= ?`
		args = append(args, since.UTC().Format(time.RFC3339))
		summary.Since = since.UTC()
	}

	err := r.db.QueryRowContext(ctx, query, args...).Scan(
		&summary.TotalTokens,
		&summary.TotalCost,
		&summary.RequestCount,
		&summary.RecordCount,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize usage: %w", err)
	}
	return summary, nil
}

// DeleteOlderThan removes records completed before the cutoff.
func (r *UsageRepository) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM usage_records WHERE completed_at < ?`,
		before.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete usage records: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUsageRecord(row rowScanner) (*models.UsageRecord, error) {
	var record models.UsageRecord
	var completionID, provider, modelID sql.NullString
	var startedAt, completedAt sql.NullString
	var reclaimed int

	if err := row.Scan(
		&record.ID,
		&record.UserID,
		&record.TurnID,
		&completionID,
		&provider,
		&modelID,
		&record.InputTokens,
		&record.OutputTokens,
		&record.TotalTokens,
		&record.CacheWrites,
		&record.CacheReads,
		&record.Cost,
		&record.ToolCalls,
		&record.RequestCount,
		&reclaimed,
		&startedAt,
		&completedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan usage record: %w", err)
	}

	record.CompletionID = completionID.String
	record.Provider = provider.String
	record.ModelID = modelID.String
	record.Reclaimed = reclaimed != 0
	record.StartedAt = parseTime(startedAt)
	record.CompletedAt = parseTime(completedAt)

	return &record, nil
}
