package models

import (
	"bytes"
	"encoding/json"
	"time"
)

// UnknownModel is the breakdown key used when a turn reports no model.
const UnknownModel = "unknown"

// PeriodCounters hold usage for the current reset periods.
type PeriodCounters struct {
	MonthTokens  int64   `json:"month_tokens"`
	MonthCost    float64 `json:"month_cost"`
	HourRequests int64   `json:"hour_requests"`
	DayRequests  int64   `json:"day_requests"`
}

// LifetimeCounters are never reset.
type LifetimeCounters struct {
	TotalTokens   int64   `json:"total_tokens"`
	TotalCost     float64 `json:"total_cost"`
	TotalRequests int64   `json:"total_requests"`
}

// ResetMarkers record when each period was last rolled over.
type ResetMarkers struct {
	LastMonthlyReset time.Time `json:"last_monthly_reset"`
	LastHourlyReset  time.Time `json:"last_hourly_reset"`
	LastDailyReset   time.Time `json:"last_daily_reset"`
}

// UnmarshalJSON decodes markers leniently. A missing or malformed timestamp
// decodes as the zero time, which the ledger treats as a due rollover.
func (m *ResetMarkers) UnmarshalJSON(data []byte) error {
	var raw struct {
		Monthly json.RawMessage `json:"last_monthly_reset"`
		Hourly  json.RawMessage `json:"last_hourly_reset"`
		Daily   json.RawMessage `json:"last_daily_reset"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.LastMonthlyReset = parseMarker(raw.Monthly)
	m.LastHourlyReset = parseMarker(raw.Hourly)
	m.LastDailyReset = parseMarker(raw.Daily)
	return nil
}

func parseMarker(raw json.RawMessage) time.Time {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// ModelUsage is the current-month usage attributed to one model.
type ModelUsage struct {
	Tokens   int64   `json:"tokens"`
	Cost     float64 `json:"cost"`
	Requests int64   `json:"requests"`
}

// Ledger holds a user's usage counters.
type Ledger struct {
	// UserID owns the ledger.
	UserID string `json:"user_id"`

	// Current holds counters for the active month, day and hour.
	Current PeriodCounters `json:"current_period"`

	// Lifetime holds counters that are never reset.
	Lifetime LifetimeCounters `json:"lifetime"`

	// Resets holds the rollover markers.
	Resets ResetMarkers `json:"reset_markers"`

	// Models breaks down the current month by model ID.
	Models map[string]ModelUsage `json:"per_model_breakdown"`

	// UpdatedAt is when the ledger was last mutated.
	UpdatedAt time.Time `json:"updated_at"`
}

// NewLedger returns a zeroed ledger whose periods start at now.
func NewLedger(userID string, now time.Time) *Ledger {
	return &Ledger{
		UserID: userID,
		Resets: ResetMarkers{
			LastMonthlyReset: now,
			LastHourlyReset:  now,
			LastDailyReset:   now,
		},
		Models:    make(map[string]ModelUsage),
		UpdatedAt: now,
	}
}

// Clone returns a deep copy.
func (l *Ledger) Clone() *Ledger {
	if l == nil {
		return nil
	}
	out := *l
	out.Models = make(map[string]ModelUsage, len(l.Models))
	for k, v := range l.Models {
		out.Models[k] = v
	}
	return &out
}

// BreakdownTokens sums tokens across the per-model breakdown.
func (l *Ledger) BreakdownTokens() int64 {
	var total int64
	for _, m := range l.Models {
		total += m.Tokens
	}
	return total
}

// Validate checks the ledger invariants.
func (l *Ledger) Validate() error {
	validation := &ValidationErrors{}
	if l.UserID == "" {
		validation.AddMessage("user_id", "user_id is required")
	}
	if l.Current.MonthTokens < 0 || l.Current.MonthCost < 0 ||
		l.Current.HourRequests < 0 || l.Current.DayRequests < 0 {
		validation.AddMessage("current_period", "counters must be non-negative")
	}
	if l.Lifetime.TotalTokens < 0 || l.Lifetime.TotalCost < 0 || l.Lifetime.TotalRequests < 0 {
		validation.AddMessage("lifetime", "counters must be non-negative")
	}
	if sum := l.BreakdownTokens(); sum != l.Current.MonthTokens {
		validation.AddMessage("per_model_breakdown", "token sum does not match month_tokens")
	}
	return validation.Err()
}

// Delta is an increment applied to a ledger on commit.
type Delta struct {
	Tokens   int64   `json:"tokens"`
	Cost     float64 `json:"cost"`
	Requests int64   `json:"requests"`
	ModelID  string  `json:"model_id,omitempty"`
}
