// Package meter composes session tracking, the usage ledger, admission and
// alerts into per-user accounts.
package meter

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cubent/usagemeter/internal/session"
)

// Meter errors.
var (
	ErrPersist        = errors.New("ledger persistence failed")
	ErrUnknownPolicy  = errors.New("unknown reclaim policy")
	ErrUserIDRequired = errors.New("user id is required")
)

// ReclaimPolicy decides what happens to the usage of abandoned turns.
type ReclaimPolicy string

const (
	// ReclaimDrop discards partial usage of stale turns.
	ReclaimDrop ReclaimPolicy = "drop"
	// ReclaimCommit folds partial usage of stale turns into the ledger once.
	ReclaimCommit ReclaimPolicy = "commit"
)

// ParseReclaimPolicy parses a policy name. Empty means ReclaimDrop.
func ParseReclaimPolicy(s string) (ReclaimPolicy, error) {
	switch ReclaimPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", ReclaimDrop:
		return ReclaimDrop, nil
	case ReclaimCommit:
		return ReclaimCommit, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
}

// Config contains meter configuration.
type Config struct {
	// Location is where calendar resets are computed.
	// Default: UTC.
	Location *time.Location

	// StaleAfter is how long a turn may stay open before it is reclaimed.
	// Default: 30 minutes.
	StaleAfter time.Duration

	// ReclaimPolicy decides the fate of abandoned turn usage.
	// Default: drop.
	ReclaimPolicy ReclaimPolicy

	// PersistRetries is the number of save attempts per mutation.
	// Default: 3.
	PersistRetries int

	// PersistBackoff is the delay before the second attempt; it doubles after.
	// Default: 50ms.
	PersistBackoff time.Duration

	// SweepInterval is how often the sweeper reclaims stale turns.
	// Default: 1 minute.
	SweepInterval time.Duration
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Location:       time.UTC,
		StaleAfter:     session.DefaultStaleAfter,
		ReclaimPolicy:  ReclaimDrop,
		PersistRetries: 3,
		PersistBackoff: 50 * time.Millisecond,
		SweepInterval:  time.Minute,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Location == nil {
		c.Location = def.Location
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = def.StaleAfter
	}
	if c.ReclaimPolicy == "" {
		c.ReclaimPolicy = def.ReclaimPolicy
	}
	if c.PersistRetries <= 0 {
		c.PersistRetries = def.PersistRetries
	}
	if c.PersistBackoff < 0 {
		c.PersistBackoff = 0
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	return c
}
