// Package catalog maps subscription tiers to their quota limits.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/cubent/usagemeter/internal/logging"
	"github.com/cubent/usagemeter/internal/models"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

var (
	ErrEmptyCatalog  = errors.New("catalog has no tiers")
	ErrDuplicateTier = errors.New("duplicate tier")
)

// Catalog is an immutable tier lookup table.
type Catalog struct {
	sets     map[models.Tier]models.QuotaSet
	fallback models.QuotaSet
	logger   zerolog.Logger
}

// New builds a catalog from the given sets. The set with the lowest Rank is
// used for unknown tiers.
func New(sets ...models.QuotaSet) (*Catalog, error) {
	if len(sets) == 0 {
		return nil, ErrEmptyCatalog
	}
	c := &Catalog{
		sets:   make(map[models.Tier]models.QuotaSet, len(sets)),
		logger: logging.Component("catalog"),
	}
	for i, set := range sets {
		set.Tier = normalize(set.Tier)
		if err := set.Validate(); err != nil {
			return nil, fmt.Errorf("tier %q: %w", set.Tier, err)
		}
		if _, ok := c.sets[set.Tier]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTier, set.Tier)
		}
		set.AllowedModels = append([]string(nil), set.AllowedModels...)
		c.sets[set.Tier] = set
		if i == 0 || set.Rank < c.fallback.Rank {
			c.fallback = set
		}
	}
	return c, nil
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c, err := New(DefaultSets()...)
	if err != nil {
		panic(err)
	}
	return c
}

// DefaultSets returns the built-in tier limits.
func DefaultSets() []models.QuotaSet {
	return []models.QuotaSet{
		{
			Tier:               models.TierTrial,
			Rank:               0,
			MonthlyTokenLimit:  100_000,
			MonthlyCostLimit:   5,
			HourlyRequestLimit: 20,
			DailyRequestLimit:  100,
			MaxContextWindow:   32_000,
			AllowedModels:      []string{"claude-3-5-haiku", "gpt-4o-mini", "gemini-2.0-flash"},
		},
		{
			Tier:               models.TierBasic,
			Rank:               1,
			MonthlyTokenLimit:  1_000_000,
			MonthlyCostLimit:   25,
			HourlyRequestLimit: 100,
			DailyRequestLimit:  1_000,
			MaxContextWindow:   128_000,
			AllowedModels:      []string{"claude-3-5-haiku", "claude-3-5-sonnet", "gpt-4o-mini", "gpt-4o", "gemini-2.0-flash"},
			Features:           models.Features{CodebaseIndex: true},
		},
		{
			Tier:               models.TierPro,
			Rank:               2,
			MonthlyTokenLimit:  10_000_000,
			MonthlyCostLimit:   200,
			HourlyRequestLimit: 500,
			DailyRequestLimit:  5_000,
			MaxContextWindow:   200_000,
			Features: models.Features{
				ReasoningModels: true,
				CodebaseIndex:   true,
				CustomModes:     true,
				HistoryExport:   true,
			},
		},
		{
			Tier:               models.TierEnterprise,
			Rank:               3,
			MonthlyTokenLimit:  models.Unlimited,
			MonthlyCostLimit:   models.Unlimited,
			HourlyRequestLimit: models.Unlimited,
			DailyRequestLimit:  models.Unlimited,
			MaxContextWindow:   1_000_000,
			Unrestricted:       true,
			Features: models.Features{
				ReasoningModels: true,
				CodebaseIndex:   true,
				CustomModes:     true,
				HistoryExport:   true,
			},
		},
	}
}

// Lookup returns the quota set for tier. Unknown tiers resolve to the most
// restrictive set and ok is false.
func (c *Catalog) Lookup(tier models.Tier) (set models.QuotaSet, ok bool) {
	set, ok = c.sets[normalize(tier)]
	if !ok {
		c.logger.Warn().
			Str("tier", string(tier)).
			Str("fallback", string(c.fallback.Tier)).
			Msg("unknown tier, using most restrictive quota")
		return cloneSet(c.fallback), false
	}
	return cloneSet(set), true
}

// Resolve is Lookup without the found flag.
func (c *Catalog) Resolve(tier models.Tier) models.QuotaSet {
	set, _ := c.Lookup(tier)
	return set
}

// MostRestrictive returns the fallback quota set.
func (c *Catalog) MostRestrictive() models.QuotaSet {
	return cloneSet(c.fallback)
}

// Tiers returns all sets ordered by rank.
func (c *Catalog) Tiers() []models.QuotaSet {
	out := make([]models.QuotaSet, 0, len(c.sets))
	for _, set := range c.sets {
		out = append(out, cloneSet(set))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out
}

type fileFormat struct {
	Replace bool              `yaml:"replace"`
	Tiers   []models.QuotaSet `yaml:"tiers"`
}

// LoadFile reads tier definitions from a YAML file. Tiers in the file
// override the defaults by name unless the file sets replace: true, in which
// case only the file's tiers are used.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

// Parse is LoadFile for in-memory YAML.
func Parse(data []byte) (*Catalog, error) {
	var file fileFormat
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	if file.Replace {
		return New(file.Tiers...)
	}

	merged := make(map[models.Tier]models.QuotaSet)
	order := []models.Tier{}
	for _, set := range DefaultSets() {
		merged[set.Tier] = set
		order = append(order, set.Tier)
	}
	for _, set := range file.Tiers {
		set.Tier = normalize(set.Tier)
		if _, ok := merged[set.Tier]; !ok {
			order = append(order, set.Tier)
		}
		merged[set.Tier] = set
	}

	sets := make([]models.QuotaSet, 0, len(order))
	for _, tier := range order {
		sets = append(sets, merged[tier])
	}
	return New(sets...)
}

func cloneSet(set models.QuotaSet) models.QuotaSet {
	set.AllowedModels = append([]string(nil), set.AllowedModels...)
	return set
}

func normalize(t models.Tier) models.Tier {
	return models.Tier(strings.ToLower(strings.TrimSpace(string(t))))
}
