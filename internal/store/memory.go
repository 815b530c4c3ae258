package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/cubent/usagemeter/internal/models"
)

// Memory keeps ledgers and tiers in process memory.
type Memory struct {
	mu      sync.RWMutex
	ledgers map[string]*models.Ledger
	tiers   map[string]models.Tier
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{
		ledgers: make(map[string]*models.Ledger),
		tiers:   make(map[string]models.Tier),
	}
}

// Load returns a copy of the stored ledger.
func (m *Memory) Load(_ context.Context, userID string) (*models.Ledger, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	l, ok := m.ledgers[userID]
	if !ok {
		return nil, fmt.Errorf("ledger %s: %w", userID, ErrNotFound)
	}
	return l.Clone(), nil
}

// Save stores a copy of ledger.
func (m *Memory) Save(_ context.Context, ledger *models.Ledger) error {
	if ledger == nil || ledger.UserID == "" {
		return fmt.Errorf("ledger user id is required")
	}
	m.mu.Lock()
	m.ledgers[ledger.UserID] = ledger.Clone()
	m.mu.Unlock()
	return nil
}

// Tier returns the user's tier.
func (m *Memory) Tier(_ context.Context, userID string) (models.Tier, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tier, ok := m.tiers[userID]
	if !ok {
		return "", fmt.Errorf("profile %s: %w", userID, ErrNotFound)
	}
	return tier, nil
}

// SetTier assigns a tier to the user.
func (m *Memory) SetTier(_ context.Context, userID string, tier models.Tier) error {
	m.mu.Lock()
	m.tiers[userID] = tier
	m.mu.Unlock()
	return nil
}

// Users returns the IDs of all stored ledgers.
func (m *Memory) Users() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.ledgers))
	for id := range m.ledgers {
		out = append(out, id)
	}
	return out
}
