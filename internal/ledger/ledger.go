// Package ledger applies usage deltas and periodic resets to a models.Ledger.
//
// Functions here mutate the ledger they are given. Callers that publish
// ledgers to concurrent readers must operate on a Clone and swap it in.
package ledger

import (
	"time"

	"github.com/cubent/usagemeter/internal/logging"
	"github.com/cubent/usagemeter/internal/models"
)

// Rollover reports which periods were reset.
type Rollover struct {
	Monthly bool
	Daily   bool
	Hourly  bool
}

// Any reports whether at least one period was reset.
func (r Rollover) Any() bool {
	return r.Monthly || r.Daily || r.Hourly
}

// Apply adds d to the current period, the lifetime totals and the per-model
// breakdown. Negative components are clamped to zero.
func Apply(l *models.Ledger, d models.Delta, now time.Time) {
	d = clamp(l.UserID, d)

	l.Current.MonthTokens += d.Tokens
	l.Current.MonthCost += d.Cost
	l.Current.HourRequests += d.Requests
	l.Current.DayRequests += d.Requests

	l.Lifetime.TotalTokens += d.Tokens
	l.Lifetime.TotalCost += d.Cost
	l.Lifetime.TotalRequests += d.Requests

	model := d.ModelID
	if model == "" {
		model = models.UnknownModel
	}
	if l.Models == nil {
		l.Models = make(map[string]models.ModelUsage)
	}
	usage := l.Models[model]
	usage.Tokens += d.Tokens
	usage.Cost += d.Cost
	usage.Requests += d.Requests
	l.Models[model] = usage

	l.UpdatedAt = now
}

// Latest returns now, or the ledger's last write time when that is later.
// Callers that read the clock before serialising on the ledger use it so a
// late arrival never sees its own period markers as future and resets again.
func Latest(l *models.Ledger, now time.Time) time.Time {
	if l.UpdatedAt.After(now) {
		return l.UpdatedAt
	}
	return now
}

// CheckAndRollover resets every period whose boundary has passed. Calendar
// boundaries are evaluated in loc (UTC when nil). The hourly period is a
// rolling hour from the last reset. A zero marker, or one later than now,
// counts as due.
func CheckAndRollover(l *models.Ledger, now time.Time, loc *time.Location) Rollover {
	if loc == nil {
		loc = time.UTC
	}
	var r Rollover

	if due(l.Resets.LastMonthlyReset, now) || !sameMonth(l.Resets.LastMonthlyReset, now, loc) {
		l.Current.MonthTokens = 0
		l.Current.MonthCost = 0
		l.Models = make(map[string]models.ModelUsage)
		l.Resets.LastMonthlyReset = now
		r.Monthly = true
	}

	if due(l.Resets.LastDailyReset, now) || !sameDay(l.Resets.LastDailyReset, now, loc) {
		l.Current.DayRequests = 0
		l.Resets.LastDailyReset = now
		r.Daily = true
	}

	if due(l.Resets.LastHourlyReset, now) || now.Sub(l.Resets.LastHourlyReset) >= time.Hour {
		l.Current.HourRequests = 0
		l.Resets.LastHourlyReset = now
		r.Hourly = true
	}

	if r.Any() {
		l.UpdatedAt = now
	}
	return r
}

// NextMonth returns the first instant of the month after now in loc.
func NextMonth(now time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	t := now.In(loc)
	return time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, loc)
}

// NextDay returns midnight after now in loc.
func NextDay(now time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	t := now.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, loc)
}

// HourlyResetAt returns when the rolling hour that began at the ledger's
// hourly marker ends. A marker that is missing or after now falls back to
// the next top of the hour.
func HourlyResetAt(l *models.Ledger, now time.Time, loc *time.Location) time.Time {
	marker := l.Resets.LastHourlyReset
	if due(marker, now) {
		return NextHour(now, loc)
	}
	return marker.Add(time.Hour)
}

// NextHour returns the top of the hour after now in loc.
func NextHour(now time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return now.In(loc).Truncate(time.Hour).Add(time.Hour)
}

func due(marker, now time.Time) bool {
	return marker.IsZero() || marker.After(now)
}

func sameMonth(a, b time.Time, loc *time.Location) bool {
	a, b = a.In(loc), b.In(loc)
	return a.Year() == b.Year() && a.Month() == b.Month()
}

func sameDay(a, b time.Time, loc *time.Location) bool {
	a, b = a.In(loc), b.In(loc)
	return a.Year() == b.Year() && a.YearDay() == b.YearDay()
}

func clamp(userID string, d models.Delta) models.Delta {
	if d.Tokens >= 0 && d.Cost >= 0 && d.Requests >= 0 {
		return d
	}
	logger := logging.Component("ledger")
	logger.Warn().
		Str("user_id", userID).
		Int64("tokens", d.Tokens).
		Float64("cost", d.Cost).
		Int64("requests", d.Requests).
		Msg("negative usage delta clamped to zero")
	if d.Tokens < 0 {
		d.Tokens = 0
	}
	if d.Cost < 0 {
		d.Cost = 0
	}
	if d.Requests < 0 {
		d.Requests = 0
	}
	return d
}
