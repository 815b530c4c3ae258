package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cubent/usagemeter/internal/models"
	"github.com/cubent/usagemeter/internal/store"
)

// ProfileRepository stores user tiers. It implements store.Profiles and
// store.TierSetter.
type ProfileRepository struct {
	db *DB
}

// NewProfileRepository creates a new ProfileRepository.
func NewProfileRepository(db *DB) *ProfileRepository {
	return &ProfileRepository{db: db}
}

// Tier returns the user's tier or store.ErrNotFound.
func (r *ProfileRepository) Tier(ctx context.Context, userID string) (models.Tier, error) {
	var tier string
	err := r.db.QueryRowContext(ctx, `SELECT tier FROM profiles WHERE user_id = ?`, userID).Scan(&tier)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("profile %s: %w", userID, store.ErrNotFound)
		}
		return "", fmt.Errorf("failed to query profile: %w", err)
	}
	return models.Tier(tier), nil
}

// SetTier creates or updates the user's profile tier.
func (r *ProfileRepository) SetTier(ctx context.Context, userID string, tier models.Tier) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO profiles (user_id, tier, created_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET tier = excluded.tier, updated_at = excluded.updated_at
	`, userID, string(tier), now, now)
	if err != nil {
		return fmt.Errorf("failed to save profile: %w", err)
	}
	return nil
}

// SetTrialEnd records when the user's trial ends. The profile must exist.
func (r *ProfileRepository) SetTrialEnd(ctx context.Context, userID string, endsAt time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE profiles SET trial_ends_at = ?, updated_at = ? WHERE user_id = ?
	`, formatTime(endsAt), time.Now().UTC().Format(time.RFC3339), userID)
	if err != nil {
		return fmt.Errorf("failed to update trial end: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("profile %s: %w", userID, store.ErrNotFound)
	}
	return nil
}

// TrialEnd returns when the user's trial ends, or the zero time if unset.
func (r *ProfileRepository) TrialEnd(ctx context.Context, userID string) (time.Time, error) {
	var endsAt sql.NullString
	err := r.db.QueryRowContext(ctx, `SELECT trial_ends_at FROM profiles WHERE user_id = ?`, userID).Scan(&endsAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, fmt.Errorf("profile %s: %w", userID, store.ErrNotFound)
		}
		return time.Time{}, fmt.Errorf("failed to query profile: %w", err)
	}
	return parseTime(endsAt), nil
}
