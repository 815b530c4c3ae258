// Package admission decides whether a user may issue another provider request.
package admission

import (
	"errors"
	"fmt"
	"time"

	"github.com/cubent/usagemeter/internal/ledger"
	"github.com/cubent/usagemeter/internal/models"
)

var ErrModelNotAllowed = errors.New("model not allowed for tier")

// CanAdmit checks l against q in fixed order: monthly tokens, monthly cost,
// hourly requests, daily requests. The first exhausted dimension blocks. l
// must already be rolled over for now.
func CanAdmit(l *models.Ledger, q models.QuotaSet, now time.Time, loc *time.Location) models.Decision {
	if loc == nil {
		loc = time.UTC
	}
	cur := l.Current

	if limited(q.MonthlyTokenLimit) && cur.MonthTokens >= q.MonthlyTokenLimit {
		return blocked(models.LimitMonthlyTokens, ledger.NextMonth(now, loc),
			fmt.Sprintf("Monthly token limit of %d reached (%d used).", q.MonthlyTokenLimit, cur.MonthTokens))
	}
	if q.MonthlyCostLimit >= 0 && cur.MonthCost >= q.MonthlyCostLimit {
		return blocked(models.LimitMonthlyCost, ledger.NextMonth(now, loc),
			fmt.Sprintf("Monthly cost limit of %.2f reached (%.2f used).", q.MonthlyCostLimit, cur.MonthCost))
	}
	if limited(q.HourlyRequestLimit) && cur.HourRequests >= q.HourlyRequestLimit {
		return blocked(models.LimitHourlyRequests, ledger.HourlyResetAt(l, now, loc),
			fmt.Sprintf("Hourly request limit of %d reached.", q.HourlyRequestLimit))
	}
	if limited(q.DailyRequestLimit) && cur.DayRequests >= q.DailyRequestLimit {
		return blocked(models.LimitDailyRequests, ledger.NextDay(now, loc),
			fmt.Sprintf("Daily request limit of %d reached.", q.DailyRequestLimit))
	}

	d := models.Decision{
		Allowed:         true,
		RemainingTokens: models.Unlimited,
		RemainingCost:   models.Unlimited,
	}
	if limited(q.MonthlyTokenLimit) {
		d.RemainingTokens = q.MonthlyTokenLimit - cur.MonthTokens
	}
	if q.MonthlyCostLimit >= 0 {
		d.RemainingCost = q.MonthlyCostLimit - cur.MonthCost
	}
	return d
}

// CanUseModel returns ErrModelNotAllowed when the tier restricts models and
// modelID is not among them.
func CanUseModel(q models.QuotaSet, modelID string) error {
	if q.AllowsModel(modelID) {
		return nil
	}
	return fmt.Errorf("%w: %s on %s", ErrModelNotAllowed, modelID, q.Tier)
}

// Message appends the reset time to a blocked decision's message.
func Message(d models.Decision, loc *time.Location) string {
	if d.Message == "" || d.ResetAt == nil {
		return d.Message
	}
	if loc == nil {
		loc = time.UTC
	}
	return fmt.Sprintf("%s Resets at %s.", d.Message, d.ResetAt.In(loc).Format(time.RFC1123))
}

func blocked(kind models.LimitKind, resetAt time.Time, msg string) models.Decision {
	return models.Decision{
		Allowed: false,
		Limit:   kind,
		ResetAt: &resetAt,
		Message: msg,
	}
}

func limited(limit int64) bool {
	return limit >= 0
}
