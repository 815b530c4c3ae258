package components

import (
	"fmt"
	"math"
	"strings"

	"github.com/cubent/usagemeter/internal/models"
	"github.com/cubent/usagemeter/internal/tui/styles"
)

const (
	filledCell = "█"
	emptyCell  = "░"
)

// Gauge is one counter drawn against its limit.
type Gauge struct {
	Label string
	Used  float64

	// Limit below zero means unlimited.
	Limit float64

	// Format renders Used and Limit; defaults to whole numbers.
	Format func(float64) string
}

// Fraction returns Used/Limit, 0 for unlimited and +Inf for a zero limit
// that has been used.
func (g Gauge) Fraction() float64 {
	switch {
	case g.Limit < 0:
		return 0
	case g.Limit == 0 && g.Used > 0:
		return math.Inf(1)
	case g.Limit == 0:
		return 0
	default:
		return g.Used / g.Limit
	}
}

// Render draws the gauge with a bar of the given cell width. The bar turns
// to the warning style at warnAt and to critical at the limit.
func (g Gauge) Render(styleSet styles.Styles, width int, warnAt float64) string {
	if width < 1 {
		width = 1
	}
	format := g.Format
	if format == nil {
		format = func(v float64) string { return fmt.Sprintf("%.0f", v) }
	}

	label := styleSet.Text.Render(fmt.Sprintf("%-16s", g.Label))
	if g.Limit < 0 {
		return fmt.Sprintf("%s %s %s", label, styleSet.Muted.Render(strings.Repeat(emptyCell, width)),
			styleSet.Muted.Render(format(g.Used)+" (unlimited)"))
	}

	fraction := g.Fraction()
	filled := int(math.Round(math.Min(fraction, 1) * float64(width)))
	style := styleSet.GaugeOK
	switch {
	case fraction >= 1:
		style = styleSet.GaugeCritical
	case fraction >= warnAt:
		style = styleSet.GaugeWarn
	}

	bar := style.Render(strings.Repeat(filledCell, filled)) +
		styleSet.GaugeEmpty.Render(strings.Repeat(emptyCell, width-filled))
	pct := "--"
	if !math.IsInf(fraction, 1) {
		pct = fmt.Sprintf("%3.0f%%", fraction*100)
	}
	return fmt.Sprintf("%s %s %s %s", label, bar, style.Render(pct),
		styleSet.Muted.Render(fmt.Sprintf("%s / %s", format(g.Used), format(g.Limit))))
}

// LedgerGauges returns the four admission counters of l against q.
func LedgerGauges(l *models.Ledger, q models.QuotaSet) []Gauge {
	if l == nil {
		l = &models.Ledger{}
	}
	money := func(v float64) string { return fmt.Sprintf("%.2f", v) }
	return []Gauge{
		{Label: "Monthly tokens", Used: float64(l.Current.MonthTokens), Limit: float64(q.MonthlyTokenLimit), Format: humanCount},
		{Label: "Monthly cost", Used: l.Current.MonthCost, Limit: q.MonthlyCostLimit, Format: money},
		{Label: "Hourly requests", Used: float64(l.Current.HourRequests), Limit: float64(q.HourlyRequestLimit)},
		{Label: "Daily requests", Used: float64(l.Current.DayRequests), Limit: float64(q.DailyRequestLimit)},
	}
}

func humanCount(v float64) string {
	switch {
	case v >= 1_000_000:
		return fmt.Sprintf("%.1fM", v/1_000_000)
	case v >= 10_000:
		return fmt.Sprintf("%.0fk", v/1_000)
	default:
		return fmt.Sprintf("%.0f", v)
	}
}
