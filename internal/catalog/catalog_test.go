package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cubent/usagemeter/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultLookup(t *testing.T) {
	c := Default()

	pro, ok := c.Lookup(models.TierPro)
	require.True(t, ok)
	assert.Equal(t, int64(10_000_000), pro.MonthlyTokenLimit)
	assert.True(t, pro.Features.ReasoningModels)

	ent, ok := c.Lookup("Enterprise ")
	require.True(t, ok)
	assert.True(t, ent.Unrestricted)
	assert.Equal(t, int64(models.Unlimited), ent.MonthlyTokenLimit)
}

func TestUnknownTierFallsBackToMostRestrictive(t *testing.T) {
	c := Default()

	set, ok := c.Lookup("platinum")
	assert.False(t, ok)
	assert.Equal(t, models.TierTrial, set.Tier)
	assert.Equal(t, c.MostRestrictive(), set)

	set, ok = c.Lookup("")
	assert.False(t, ok)
	assert.Equal(t, models.TierTrial, set.Tier)
}

func TestTiersOrderedByRank(t *testing.T) {
	tiers := Default().Tiers()
	require.Len(t, tiers, 4)
	for i := 1; i < len(tiers); i++ {
		assert.Less(t, tiers[i-1].Rank, tiers[i].Rank)
	}
	assert.Equal(t, models.TierTrial, tiers[0].Tier)
	assert.Equal(t, models.TierEnterprise, tiers[3].Tier)
}

func TestNewRejectsBadSets(t *testing.T) {
	_, err := New()
	require.ErrorIs(t, err, ErrEmptyCatalog)

	_, err = New(models.QuotaSet{Tier: "a"}, models.QuotaSet{Tier: "A"})
	require.ErrorIs(t, err, ErrDuplicateTier)

	_, err = New(models.QuotaSet{Tier: "a", MonthlyTokenLimit: -5})
	require.Error(t, err)
}

func TestLookupReturnsIndependentModelList(t *testing.T) {
	c := Default()
	set, _ := c.Lookup(models.TierTrial)
	set.AllowedModels[0] = "mutated"

	again, _ := c.Lookup(models.TierTrial)
	assert.Equal(t, "claude-3-5-haiku", again.AllowedModels[0])
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tiers.yaml")
	content := `
tiers:
  - tier: basic
    rank: 1
    monthly_token_limit: 1000
    monthly_cost_limit: 1.5
    hourly_request_limit: 10
    daily_request_limit: 50
    allowed_models: [small-model]
  - tier: team
    rank: 5
    monthly_token_limit: -1
    monthly_cost_limit: -1
    hourly_request_limit: -1
    daily_request_limit: -1
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	c, err := LoadFile(path)
	require.NoError(t, err)

	basic, ok := c.Lookup(models.TierBasic)
	require.True(t, ok)
	assert.Equal(t, int64(1000), basic.MonthlyTokenLimit)
	assert.Equal(t, []string{"small-model"}, basic.AllowedModels)

	team, ok := c.Lookup("team")
	require.True(t, ok)
	assert.Equal(t, int64(models.Unlimited), team.HourlyRequestLimit)

	_, ok = c.Lookup(models.TierPro)
	assert.True(t, ok, "defaults not named in the file are kept")
}

func TestParseReplace(t *testing.T) {
	c, err := Parse([]byte(`
replace: true
tiers:
  - tier: solo
    rank: 0
    monthly_token_limit: 10
    monthly_cost_limit: 1
    hourly_request_limit: 1
    daily_request_limit: 1
`))
	require.NoError(t, err)
	require.Len(t, c.Tiers(), 1)

	set, ok := c.Lookup(models.TierPro)
	assert.False(t, ok)
	assert.Equal(t, models.Tier("solo"), set.Tier)
}

func TestLoadFileErrors(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	_, err = Parse([]byte("tiers: [::"))
	require.Error(t, err)
}
