package models

import "time"

// Decision is the outcome of an admission check.
type Decision struct {
	// Allowed is true when the request may proceed.
	Allowed bool `json:"allowed"`

	// Limit is the dimension that blocked the request. Empty when allowed.
	Limit LimitKind `json:"limit,omitempty"`

	// ResetAt is when the blocking dimension next resets.
	ResetAt *time.Time `json:"reset_at,omitempty"`

	// RemainingTokens left this month, or Unlimited.
	RemainingTokens int64 `json:"remaining_tokens"`

	// RemainingCost left this month, or Unlimited.
	RemainingCost float64 `json:"remaining_cost"`

	// Message explains the decision for the host UI.
	Message string `json:"message,omitempty"`
}
