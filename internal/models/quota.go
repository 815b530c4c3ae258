package models

import "strings"

// Tier is a subscription level.
type Tier string

const (
	TierTrial      Tier = "trial"
	TierBasic      Tier = "basic"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// Unlimited marks a quota dimension without a ceiling.
const Unlimited = -1

// Features are the boolean capabilities granted by a tier.
type Features struct {
	ReasoningModels bool `json:"reasoning_models" yaml:"reasoning_models"`
	CodebaseIndex   bool `json:"codebase_index" yaml:"codebase_index"`
	CustomModes     bool `json:"custom_modes" yaml:"custom_modes"`
	HistoryExport   bool `json:"history_export" yaml:"history_export"`
}

// QuotaSet holds the limits for one tier. QuotaSets are never mutated at
// runtime; a tier change swaps the referenced set.
type QuotaSet struct {
	// Tier is the tier this set belongs to.
	Tier Tier `json:"tier" yaml:"tier"`

	// Rank orders tiers from most restrictive (lowest) to least.
	Rank int `json:"rank" yaml:"rank"`

	// MonthlyTokenLimit caps tokens per calendar month.
	MonthlyTokenLimit int64 `json:"monthly_token_limit" yaml:"monthly_token_limit"`

	// MonthlyCostLimit caps cost units per calendar month.
	MonthlyCostLimit float64 `json:"monthly_cost_limit" yaml:"monthly_cost_limit"`

	// HourlyRequestLimit caps provider requests per hour.
	HourlyRequestLimit int64 `json:"hourly_request_limit" yaml:"hourly_request_limit"`

	// DailyRequestLimit caps provider requests per calendar day.
	DailyRequestLimit int64 `json:"daily_request_limit" yaml:"daily_request_limit"`

	// MaxContextWindow is the largest prompt context the tier may use.
	MaxContextWindow int64 `json:"max_context_window" yaml:"max_context_window"`

	// AllowedModels lists permitted model IDs. Empty means all models.
	AllowedModels []string `json:"allowed_models,omitempty" yaml:"allowed_models,omitempty"`

	// Unrestricted marks the top tier, which passes every model check.
	Unrestricted bool `json:"unrestricted" yaml:"unrestricted"`

	// Features are the tier's feature flags.
	Features Features `json:"features" yaml:"features"`
}

// AllowsModel reports whether modelID may be used on this tier.
func (q QuotaSet) AllowsModel(modelID string) bool {
	if q.Unrestricted || len(q.AllowedModels) == 0 {
		return true
	}
	for _, m := range q.AllowedModels {
		if strings.EqualFold(m, modelID) {
			return true
		}
	}
	return false
}

// Validate checks that limits are either Unlimited or non-negative.
func (q QuotaSet) Validate() error {
	validation := &ValidationErrors{}
	if strings.TrimSpace(string(q.Tier)) == "" {
		validation.AddMessage("tier", "tier is required")
	}
	if q.MonthlyTokenLimit < Unlimited {
		validation.AddMessage("monthly_token_limit", "must be -1 (unlimited) or non-negative")
	}
	if q.MonthlyCostLimit < Unlimited {
		validation.AddMessage("monthly_cost_limit", "must be -1 (unlimited) or non-negative")
	}
	if q.HourlyRequestLimit < Unlimited {
		validation.AddMessage("hourly_request_limit", "must be -1 (unlimited) or non-negative")
	}
	if q.DailyRequestLimit < Unlimited {
		validation.AddMessage("daily_request_limit", "must be -1 (unlimited) or non-negative")
	}
	return validation.Err()
}

// LimitKind names the quota dimension that blocked a request.
type LimitKind string

const (
	LimitMonthlyTokens  LimitKind = "monthly_tokens"
	LimitMonthlyCost    LimitKind = "monthly_cost"
	LimitHourlyRequests LimitKind = "hourly_requests"
	LimitDailyRequests  LimitKind = "daily_requests"
	LimitModel          LimitKind = "model"
)
