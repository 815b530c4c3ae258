// Package alerts derives advisory quota alerts from ledger snapshots.
//
// Alerts never block requests. Enforcement belongs to the admission package;
// the Exceeded signal here is for UIs that want to stop offering actions.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/cubent/usagemeter/internal/logging"
	"github.com/cubent/usagemeter/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultWarningThreshold is the usage fraction that raises a warning.
const DefaultWarningThreshold = 0.80

const (
	trialNoticeDays  = 7
	trialWarningDays = 3
)

var ErrAlertNotFound = errors.New("alert not found")

// Sink receives raised alerts. Errors are logged and otherwise ignored.
type Sink interface {
	Notify(ctx context.Context, alert models.Alert) error
}

// Repository persists alerts.
type Repository interface {
	Create(ctx context.Context, alert *models.Alert) error
	Acknowledge(ctx context.Context, id string, at time.Time) error
}

// Result is the outcome of one evaluation.
type Result struct {
	Alerts   []models.Alert
	Exceeded []models.LimitKind
}

// LimitExceeded reports whether any dimension is at or over its limit.
func (r Result) LimitExceeded() bool {
	return len(r.Exceeded) > 0
}

// Engine evaluates ledgers and keeps the raised alerts.
type Engine struct {
	mu       sync.Mutex
	warning  float64
	byUser   map[string][]*models.Alert
	byID     map[string]*models.Alert
	sink     Sink
	repo     Repository
	logger   zerolog.Logger
	onRaised func(models.Alert)
}

// Option configures an Engine.
type Option func(*Engine)

// WithWarningThreshold sets the warning fraction (0 < f < 1).
func WithWarningThreshold(f float64) Option {
	return func(e *Engine) {
		if f > 0 && f < 1 {
			e.warning = f
		}
	}
}

// WithSink forwards raised alerts to s.
func WithSink(s Sink) Option {
	return func(e *Engine) { e.sink = s }
}

// WithRepository persists alerts to r.
func WithRepository(r Repository) Option {
	return func(e *Engine) { e.repo = r }
}

// WithRaisedHook calls fn for every raised alert.
func WithRaisedHook(fn func(models.Alert)) Option {
	return func(e *Engine) { e.onRaised = fn }
}

// NewEngine creates an alert engine.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		warning: DefaultWarningThreshold,
		byUser:  make(map[string][]*models.Alert),
		byID:    make(map[string]*models.Alert),
		logger:  logging.Component("alerts"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// WarningThreshold returns the configured warning fraction.
func (e *Engine) WarningThreshold() float64 {
	return e.warning
}

type dimension struct {
	alertType models.AlertType
	limitKind models.LimitKind
	label     string
	current   float64
	limit     float64
}

// Evaluate computes the token, cost and daily request percentages of l
// against q and raises a warning or critical alert for each dimension past
// the warning threshold. Every call raises fresh alerts.
func (e *Engine) Evaluate(ctx context.Context, userID string, l *models.Ledger, q models.QuotaSet, now time.Time) Result {
	dims := []dimension{
		{models.AlertTokenLimit, models.LimitMonthlyTokens, "monthly tokens", float64(l.Current.MonthTokens), float64(q.MonthlyTokenLimit)},
		{models.AlertCostLimit, models.LimitMonthlyCost, "monthly cost", l.Current.MonthCost, q.MonthlyCostLimit},
		{models.AlertRequestLimit, models.LimitDailyRequests, "daily requests", float64(l.Current.DayRequests), float64(q.DailyRequestLimit)},
	}

	var result Result
	for _, d := range dims {
		if d.limit < 0 {
			continue
		}
		var fraction float64
		switch {
		case d.limit == 0 && d.current > 0:
			fraction = math.Inf(1)
		case d.limit == 0:
			continue
		default:
			fraction = d.current / d.limit
		}
		if fraction < e.warning {
			continue
		}

		alert := models.Alert{
			ID:           uuid.NewString(),
			UserID:       userID,
			Type:         d.alertType,
			Severity:     models.SeverityWarning,
			Threshold:    e.warning,
			CurrentValue: d.current,
			Limit:        d.limit,
			CreatedAt:    now,
		}
		if fraction >= 1 {
			alert.Severity = models.SeverityCritical
			alert.Threshold = 1
			alert.Message = fmt.Sprintf("%s limit exceeded (%.0f of %.0f)", d.label, d.current, d.limit)
			result.Exceeded = append(result.Exceeded, d.limitKind)
		} else {
			alert.Message = fmt.Sprintf("%s at %.0f%% of limit", d.label, fraction*100)
		}
		result.Alerts = append(result.Alerts, alert)
	}

	for _, a := range result.Alerts {
		e.raise(ctx, a)
	}
	return result
}

// EvaluateTrial raises a trial expiry alert when the trial ends within a
// week. It returns nil when no alert is due.
func (e *Engine) EvaluateTrial(ctx context.Context, userID string, trialEndsAt, now time.Time) *models.Alert {
	if trialEndsAt.IsZero() {
		return nil
	}
	daysLeft := math.Ceil(trialEndsAt.Sub(now).Hours() / 24)

	alert := models.Alert{
		ID:           uuid.NewString(),
		UserID:       userID,
		Type:         models.AlertTrialExpiry,
		CurrentValue: math.Max(daysLeft, 0),
		CreatedAt:    now,
	}
	switch {
	case !now.Before(trialEndsAt):
		alert.Severity = models.SeverityCritical
		alert.Message = "trial has expired"
	case daysLeft <= trialWarningDays:
		alert.Severity = models.SeverityWarning
		alert.Threshold = trialWarningDays
		alert.Message = fmt.Sprintf("trial ends in %.0f day(s)", daysLeft)
	case daysLeft <= trialNoticeDays:
		alert.Severity = models.SeverityInfo
		alert.Threshold = trialNoticeDays
		alert.Message = fmt.Sprintf("trial ends in %.0f days", daysLeft)
	default:
		return nil
	}

	e.raise(ctx, alert)
	return &alert
}

func (e *Engine) raise(ctx context.Context, alert models.Alert) {
	stored := alert
	e.mu.Lock()
	e.byUser[alert.UserID] = append(e.byUser[alert.UserID], &stored)
	e.byID[alert.ID] = &stored
	e.mu.Unlock()

	e.logger.Info().
		Str("user_id", alert.UserID).
		Str("alert_id", alert.ID).
		Str("type", string(alert.Type)).
		Str("severity", string(alert.Severity)).
		Float64("current", alert.CurrentValue).
		Float64("limit", alert.Limit).
		Msg("alert raised")

	if e.repo != nil {
		if err := e.repo.Create(ctx, &alert); err != nil {
			e.logger.Warn().Err(err).Str("alert_id", alert.ID).Msg("failed to persist alert")
		}
	}
	if e.sink != nil {
		if err := e.sink.Notify(ctx, alert); err != nil {
			e.logger.Warn().Err(err).Str("alert_id", alert.ID).Msg("failed to deliver alert")
		}
	}
	if e.onRaised != nil {
		e.onRaised(alert)
	}
}

// List returns all alerts for userID, oldest first.
func (e *Engine) List(userID string) []models.Alert {
	return e.filter(userID, func(*models.Alert) bool { return true })
}

// Unacknowledged returns alerts for userID that have not been dismissed.
func (e *Engine) Unacknowledged(userID string) []models.Alert {
	return e.filter(userID, func(a *models.Alert) bool { return !a.Acknowledged })
}

func (e *Engine) filter(userID string, keep func(*models.Alert) bool) []models.Alert {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := []models.Alert{}
	for _, a := range e.byUser[userID] {
		if keep(a) {
			out = append(out, *a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Acknowledge marks an alert as dismissed. Acknowledging twice keeps the
// first timestamp.
func (e *Engine) Acknowledge(ctx context.Context, id string, now time.Time) (models.Alert, error) {
	e.mu.Lock()
	a, ok := e.byID[id]
	if !ok {
		e.mu.Unlock()
		return models.Alert{}, fmt.Errorf("%w: %s", ErrAlertNotFound, id)
	}
	first := !a.Acknowledged
	if first {
		at := now
		a.Acknowledged = true
		a.AcknowledgedAt = &at
	}
	out := *a
	e.mu.Unlock()

	if first && e.repo != nil {
		if err := e.repo.Acknowledge(ctx, id, now); err != nil {
			e.logger.Warn().Err(err).Str("alert_id", id).Msg("failed to persist acknowledgement")
		}
	}
	return out, nil
}

// Prune drops alerts created before the cutoff and returns how many were
// removed.
func (e *Engine) Prune(before time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	removed := 0
	for user, list := range e.byUser {
		kept := list[:0]
		for _, a := range list {
			if a.CreatedAt.Before(before) {
				delete(e.byID, a.ID)
				removed++
				continue
			}
			kept = append(kept, a)
		}
		if len(kept) == 0 {
			delete(e.byUser, user)
		} else {
			e.byUser[user] = kept
		}
	}
	return removed
}
