package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cubent/usagemeter/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)

func sampleLedger(userID string) *models.Ledger {
	l := models.NewLedger(userID, now)
	l.Current = models.PeriodCounters{MonthTokens: 150, MonthCost: 0.5, HourRequests: 1, DayRequests: 1}
	l.Lifetime = models.LifetimeCounters{TotalTokens: 150, TotalCost: 0.5, TotalRequests: 1}
	l.Models["claude-3-5-sonnet"] = models.ModelUsage{Tokens: 150, Cost: 0.5, Requests: 1}
	return l
}

func testLedgers(t *testing.T, s Ledgers) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Load(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	want := sampleLedger("user/with spaces")
	require.NoError(t, s.Save(ctx, want))

	got, err := s.Load(ctx, want.UserID)
	require.NoError(t, err)
	assert.Equal(t, want.Current, got.Current)
	assert.Equal(t, want.Lifetime, got.Lifetime)
	assert.Equal(t, want.Models, got.Models)
	assert.True(t, want.Resets.LastMonthlyReset.Equal(got.Resets.LastMonthlyReset))

	want.Current.MonthTokens = 300
	want.Models["claude-3-5-sonnet"] = models.ModelUsage{Tokens: 300}
	require.NoError(t, s.Save(ctx, want))
	got, err = s.Load(ctx, want.UserID)
	require.NoError(t, err)
	assert.Equal(t, int64(300), got.Current.MonthTokens)

	require.Error(t, s.Save(ctx, &models.Ledger{}))
}

func TestMemoryLedgers(t *testing.T) {
	testLedgers(t, NewMemory())
}

func TestMemoryReturnsCopies(t *testing.T) {
	m := NewMemory()
	l := sampleLedger("u1")
	require.NoError(t, m.Save(context.Background(), l))

	l.Current.MonthTokens = 999
	got, err := m.Load(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(150), got.Current.MonthTokens)
	assert.Equal(t, []string{"u1"}, m.Users())
}

func TestMemoryTiers(t *testing.T) {
	m := NewMemory()
	_, err := m.Tier(context.Background(), "u1")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.SetTier(context.Background(), "u1", models.TierPro))
	tier, err := m.Tier(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, models.TierPro, tier)
}

func TestFileLedgers(t *testing.T) {
	s, err := NewFileLedgers(t.TempDir())
	require.NoError(t, err)
	testLedgers(t, s)
}

func TestFileLedgersToleratesPartialDocuments(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileLedgers(dir)
	require.NoError(t, err)

	doc := `{"current_period": {"month_tokens": 5}, "reset_markers": {"last_daily_reset": "yesterday"}, "per_model_breakdown": {"m": {"tokens": 5}}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "u1.json"), []byte(doc), 0o644))

	l, err := s.Load(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", l.UserID)
	assert.Equal(t, int64(5), l.Current.MonthTokens)
	assert.Zero(t, l.Current.MonthCost)
	assert.True(t, l.Resets.LastDailyReset.IsZero())
	assert.True(t, l.Resets.LastMonthlyReset.IsZero())
	require.NoError(t, l.Validate())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{"), 0o644))
	_, err = s.Load(context.Background(), "bad")
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrNotFound))
}

func TestFileLedgersLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileLedgers(dir)
	require.NoError(t, err)
	require.NoError(t, s.Save(context.Background(), sampleLedger("u1")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "u1.json", entries[0].Name())
}

type countingProfiles struct {
	calls atomic.Int32
	tier  models.Tier
	err   error
}

func (c *countingProfiles) Tier(context.Context, string) (models.Tier, error) {
	c.calls.Add(1)
	return c.tier, c.err
}

func TestCachedProfiles(t *testing.T) {
	backing := &countingProfiles{tier: models.TierBasic}
	cached, err := NewCachedProfiles(backing, 100, time.Minute)
	require.NoError(t, err)
	defer cached.Close()

	ctx := context.Background()
	tier, err := cached.Tier(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.TierBasic, tier)
	cached.Wait()

	tier, err = cached.Tier(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.TierBasic, tier)
	assert.Equal(t, int32(1), backing.calls.Load())

	cached.Invalidate("u1")
	backing.tier = models.TierPro
	tier, err = cached.Tier(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.TierPro, tier)
	assert.Equal(t, int32(2), backing.calls.Load())
}

func TestCachedProfilesDoesNotCacheErrors(t *testing.T) {
	backing := &countingProfiles{err: ErrNotFound}
	cached, err := NewCachedProfiles(backing, 0, 0)
	require.NoError(t, err)
	defer cached.Close()

	_, err = cached.Tier(context.Background(), "u1")
	require.ErrorIs(t, err, ErrNotFound)
	cached.Wait()
	_, err = cached.Tier(context.Background(), "u1")
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int32(2), backing.calls.Load())
}

func TestCachedProfilesSetTier(t *testing.T) {
	mem := NewMemory()
	cached, err := NewCachedProfiles(mem, 10, time.Minute)
	require.NoError(t, err)
	defer cached.Close()

	ctx := context.Background()
	require.NoError(t, cached.SetTier(ctx, "u1", models.TierTrial))
	tier, err := cached.Tier(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.TierTrial, tier)
	cached.Wait()

	require.NoError(t, cached.SetTier(ctx, "u1", models.TierEnterprise))
	tier, err = cached.Tier(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.TierEnterprise, tier)
}
