package models

import (
	"time"
)

// UsageRecord is the folded result of one committed turn.
type UsageRecord struct {
	// ID is the unique identifier for the record.
	ID string `json:"id"`

	// UserID is the user this usage belongs to.
	UserID string `json:"user_id"`

	// TurnID is the user turn that produced the usage.
	TurnID string `json:"turn_id"`

	// CompletionID identifies the assistant reply that closed the turn (optional).
	CompletionID string `json:"completion_id,omitempty"`

	// Provider is the AI provider for this usage.
	Provider string `json:"provider,omitempty"`

	// ModelID is the model used (e.g., "claude-3-opus", "gpt-4").
	ModelID string `json:"model_id,omitempty"`

	// InputTokens is the number of input tokens used.
	InputTokens int64 `json:"input_tokens"`

	// OutputTokens is the number of output tokens generated.
	OutputTokens int64 `json:"output_tokens"`

	// TotalTokens is the total tokens (input + output).
	TotalTokens int64 `json:"total_tokens"`

	// CacheWrites is the number of prompt cache writes.
	CacheWrites int64 `json:"cache_writes"`

	// CacheReads is the number of prompt cache reads.
	CacheReads int64 `json:"cache_reads"`

	// Cost is the cost in cost units.
	Cost float64 `json:"cost"`

	// ToolCalls is the number of tool invocations within the turn.
	ToolCalls int64 `json:"tool_calls"`

	// RequestCount is the number of provider requests charged for the turn.
	RequestCount int64 `json:"request_count"`

	// Reclaimed is true when the turn was folded by the stale sweep.
	Reclaimed bool `json:"reclaimed,omitempty"`

	// StartedAt is when the turn began.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the turn was committed.
	CompletedAt time.Time `json:"completed_at"`
}

// UsageSummary represents aggregated usage data.
type UsageSummary struct {
	// UserID is the user this summary is for.
	UserID string `json:"user_id,omitempty"`

	// Since is the inclusive lower bound of the summary.
	Since time.Time `json:"since,omitempty"`

	// TotalTokens is the total tokens in this period.
	TotalTokens int64 `json:"total_tokens"`

	// TotalCost is the total cost in this period.
	TotalCost float64 `json:"total_cost"`

	// RequestCount is the total provider requests in this period.
	RequestCount int64 `json:"request_count"`

	// RecordCount is the number of usage records in this summary.
	RecordCount int64 `json:"record_count"`
}

// UsageQuery defines filters for querying usage.
type UsageQuery struct {
	// UserID filters by user.
	UserID *string

	// ModelID filters by model.
	ModelID *string

	// Since filters to records after this time (inclusive).
	Since *time.Time

	// Until filters to records before this time (exclusive).
	Until *time.Time

	// Limit is the maximum records to return.
	Limit int
}

// Validate checks if the usage record is valid.
func (r *UsageRecord) Validate() error {
	validation := &ValidationErrors{}
	if r.UserID == "" {
		validation.AddMessage("user_id", "user_id is required")
	}
	if r.TurnID == "" {
		validation.AddMessage("turn_id", "turn_id is required")
	}
	if r.TotalTokens < 0 {
		validation.AddMessage("total_tokens", "total_tokens must be non-negative")
	}
	if r.Cost < 0 {
		validation.AddMessage("cost", "cost must be non-negative")
	}
	return validation.Err()
}

// CalculateTotalTokens calculates total from input and output.
func (r *UsageRecord) CalculateTotalTokens() {
	r.TotalTokens = r.InputTokens + r.OutputTokens
}

// Delta returns the ledger increment for this record.
func (r *UsageRecord) Delta() Delta {
	return Delta{
		Tokens:   r.TotalTokens,
		Cost:     r.Cost,
		Requests: r.RequestCount,
		ModelID:  r.ModelID,
	}
}
