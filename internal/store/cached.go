package store

import (
	"context"
	"time"

	"github.com/cubent/usagemeter/internal/models"
	"github.com/dgraph-io/ristretto/v2"
)

// DefaultTierTTL is how long a resolved tier is cached.
const DefaultTierTTL = 5 * time.Minute

// CachedProfiles caches tier lookups of another Profiles in process.
type CachedProfiles struct {
	next  Profiles
	cache *ristretto.Cache[string, models.Tier]
	ttl   time.Duration
}

// NewCachedProfiles wraps next with a cache holding up to maxEntries tiers.
func NewCachedProfiles(next Profiles, maxEntries int64, ttl time.Duration) (*CachedProfiles, error) {
	if maxEntries <= 0 {
		maxEntries = 10_000
	}
	if ttl <= 0 {
		ttl = DefaultTierTTL
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, models.Tier]{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &CachedProfiles{next: next, cache: c, ttl: ttl}, nil
}

// Tier returns the cached tier or resolves and caches it. Lookup errors are
// not cached.
func (c *CachedProfiles) Tier(ctx context.Context, userID string) (models.Tier, error) {
	if tier, ok := c.cache.Get(userID); ok {
		return tier, nil
	}
	tier, err := c.next.Tier(ctx, userID)
	if err != nil {
		return "", err
	}
	c.cache.SetWithTTL(userID, tier, 1, c.ttl)
	return tier, nil
}

// SetTier forwards to the wrapped store when it accepts tier changes and
// drops the cached entry.
func (c *CachedProfiles) SetTier(ctx context.Context, userID string, tier models.Tier) error {
	c.Invalidate(userID)
	if setter, ok := c.next.(TierSetter); ok {
		return setter.SetTier(ctx, userID, tier)
	}
	return nil
}

// Invalidate drops the cached tier for userID.
func (c *CachedProfiles) Invalidate(userID string) {
	c.cache.Del(userID)
}

// Wait blocks until buffered cache writes are applied.
func (c *CachedProfiles) Wait() {
	c.cache.Wait()
}

// Close releases cache resources.
func (c *CachedProfiles) Close() {
	c.cache.Close()
}
