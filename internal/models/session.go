package models

import "time"

// Session accumulates usage for one in-flight user turn.
type Session struct {
	// TurnID identifies the user turn (for example a message timestamp).
	TurnID string `json:"turn_id"`

	// UserID owns the session.
	UserID string `json:"user_id,omitempty"`

	// StartTime is when the turn began.
	StartTime time.Time `json:"start_time"`

	// CompletionTime is set once the turn is folded into the ledger.
	CompletionTime *time.Time `json:"completion_time,omitempty"`

	// InputTokens accumulated across provider calls.
	InputTokens int64 `json:"input_tokens"`

	// OutputTokens accumulated across provider calls.
	OutputTokens int64 `json:"output_tokens"`

	// CacheWrites accumulated across provider calls.
	CacheWrites int64 `json:"cache_writes,omitempty"`

	// CacheReads accumulated across provider calls.
	CacheReads int64 `json:"cache_reads,omitempty"`

	// TotalCost accumulated across provider calls.
	TotalCost float64 `json:"total_cost,omitempty"`

	// ToolCalls counts tool invocations within the turn.
	ToolCalls int64 `json:"tool_calls"`

	// ProviderCalls counts partial usage reports within the turn.
	ProviderCalls int64 `json:"provider_calls"`

	// ModelID is the last model seen for this turn.
	ModelID string `json:"model_id,omitempty"`

	// Provider is the last provider seen for this turn.
	Provider string `json:"provider,omitempty"`

	// Committed is true once the session was folded into the ledger.
	Committed bool `json:"committed"`
}

// Tokens returns the billable token count of the session.
func (s *Session) Tokens() int64 {
	return s.InputTokens + s.OutputTokens
}

// PartialUsage is the usage reported by a single provider call.
type PartialUsage struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CacheWrites  int64   `json:"cache_writes,omitempty"`
	CacheReads   int64   `json:"cache_reads,omitempty"`
	Cost         float64 `json:"cost,omitempty"`
	ModelID      string  `json:"model_id,omitempty"`
	Provider     string  `json:"provider,omitempty"`
}
