package models

import "time"

// AlertType names what an alert is about.
type AlertType string

const (
	AlertTokenLimit   AlertType = "token_limit"
	AlertCostLimit    AlertType = "cost_limit"
	AlertRequestLimit AlertType = "request_limit"
	AlertTrialExpiry  AlertType = "trial_expiry"
)

// Severity grades an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is an advisory notice derived from a ledger snapshot.
type Alert struct {
	// ID is the unique identifier for the alert.
	ID string `json:"id"`

	// UserID is the user the alert concerns.
	UserID string `json:"user_id"`

	// Type is the quota dimension or condition.
	Type AlertType `json:"type"`

	// Severity grades the alert.
	Severity Severity `json:"severity"`

	// Threshold is the fraction of the limit that was crossed.
	Threshold float64 `json:"threshold"`

	// CurrentValue is the measured value at evaluation time.
	CurrentValue float64 `json:"current_value"`

	// Limit is the configured ceiling. For trial alerts it is the trial length in days left.
	Limit float64 `json:"limit"`

	// Message is a human-readable summary.
	Message string `json:"message"`

	// CreatedAt is when the alert was raised.
	CreatedAt time.Time `json:"created_at"`

	// Acknowledged is set once the user dismissed the alert.
	Acknowledged bool `json:"acknowledged"`

	// AcknowledgedAt is when the alert was dismissed.
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
}

// Percent returns CurrentValue as a percentage of Limit.
func (a *Alert) Percent() float64 {
	if a.Limit <= 0 {
		return 0
	}
	return a.CurrentValue / a.Limit * 100
}
