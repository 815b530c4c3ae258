// Package store defines the persistence ports of the meter and their
// in-process implementations.
package store

import (
	"context"
	"errors"

	"github.com/cubent/usagemeter/internal/models"
)

var ErrNotFound = errors.New("not found")

// Ledgers loads and saves per-user ledgers. Save is last-writer-wins.
type Ledgers interface {
	Load(ctx context.Context, userID string) (*models.Ledger, error)
	Save(ctx context.Context, ledger *models.Ledger) error
}

// Profiles resolves a user's subscription tier.
type Profiles interface {
	Tier(ctx context.Context, userID string) (models.Tier, error)
}

// TierSetter is implemented by profile stores that accept tier changes.
type TierSetter interface {
	SetTier(ctx context.Context, userID string, tier models.Tier) error
}
