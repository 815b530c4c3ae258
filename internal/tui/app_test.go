package tui

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cubent/usagemeter/internal/catalog"
	"github.com/cubent/usagemeter/internal/daemon"
	"github.com/cubent/usagemeter/internal/models"
)

var t0 = time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)

type fakeSource struct {
	usage  *daemon.UsageResponse
	alerts []models.Alert
	err    error
	acked  []string
}

func (f *fakeSource) GetUsage(context.Context, string) (*daemon.UsageResponse, error) {
	return f.usage, f.err
}

func (f *fakeSource) ListAlerts(context.Context, string, bool) ([]models.Alert, error) {
	return f.alerts, f.err
}

func (f *fakeSource) AckAlert(_ context.Context, id string) (models.Alert, error) {
	f.acked = append(f.acked, id)
	for _, a := range f.alerts {
		if a.ID == id {
			at := t0
			a.Acknowledged = true
			a.AcknowledgedAt = &at
			return a, nil
		}
	}
	return models.Alert{}, errors.New("not found")
}

func sampleSource() *fakeSource {
	trial, _ := catalog.Default().Lookup(models.TierTrial)
	l := models.NewLedger("u1", t0)
	l.Current.MonthTokens = 85_000
	l.Current.DayRequests = 3
	l.Current.HourRequests = 3
	l.Lifetime.TotalTokens = 85_000
	l.Lifetime.TotalRequests = 3
	l.Models["gpt-4o-mini"] = models.ModelUsage{Tokens: 80_000, Requests: 2}
	l.Models["claude-3-5-haiku"] = models.ModelUsage{Tokens: 5_000, Requests: 1}

	return &fakeSource{
		usage: &daemon.UsageResponse{Ledger: l, Quota: trial, ActiveSessions: []models.Session{{TurnID: "t9"}}},
		alerts: []models.Alert{{
			ID: "a1", UserID: "u1", Type: models.AlertTokenLimit, Severity: models.SeverityWarning,
			Message: "monthly tokens at 85% of limit", CreatedAt: t0,
		}},
	}
}

// load runs the fetch command and feeds its result back into the model.
func load(t *testing.T, m Model) Model {
	t.Helper()
	next, _ := m.Update(m.fetchCmd()())
	return next.(Model)
}

func press(m Model, key string) (Model, tea.Cmd) {
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(key)})
	return next.(Model), cmd
}

func TestDashboardRendersGauges(t *testing.T) {
	m := load(t, New(sampleSource(), "u1", Options{}))
	view := m.View()

	assert.Contains(t, view, "tier trial")
	assert.Contains(t, view, "Monthly tokens")
	assert.Contains(t, view, "85%")
	assert.Contains(t, view, "Active turns: 1   Open alerts: 1")
	assert.False(t, m.lastUpdated.IsZero())
}

func TestModelsViewSortsByTokens(t *testing.T) {
	m := load(t, New(sampleSource(), "u1", Options{}))
	m, _ = press(m, "2")
	view := m.View()

	require.Contains(t, view, "gpt-4o-mini")
	assert.Less(t, strings.Index(view, "gpt-4o-mini"), strings.Index(view, "claude-3-5-haiku"))
}

func TestAcknowledgeFromAlertsView(t *testing.T) {
	src := sampleSource()
	m := load(t, New(src, "u1", Options{}))

	_, cmd := press(m, "a")
	assert.Nil(t, cmd, "acknowledge only works in the alerts view")

	m, _ = press(m, "3")
	assert.Contains(t, m.View(), "monthly tokens at 85% of limit")

	m, cmd = press(m, "a")
	require.NotNil(t, cmd)
	next, _ := m.Update(cmd())
	m = next.(Model)

	assert.Equal(t, []string{"a1"}, src.acked)
	assert.True(t, m.alerts[0].Acknowledged)
	assert.Contains(t, m.View(), "Acknowledged a1")

	_, cmd = press(m, "a")
	assert.Nil(t, cmd, "acknowledged alerts are skipped")
}

func TestErrorsKeepLastSnapshot(t *testing.T) {
	src := sampleSource()
	m := load(t, New(src, "u1", Options{}))

	src.err = errors.New("connection refused")
	m = load(t, m)
	view := m.View()
	assert.Contains(t, view, "Refresh failed: connection refused")
	assert.Contains(t, view, "Monthly tokens", "previous snapshot stays visible")

	fresh := load(t, New(src, "u1", Options{}))
	assert.Contains(t, fresh.View(), "Cannot reach meterd")
}

func TestEmptyLedgerShowsPlaceholder(t *testing.T) {
	src := sampleSource()
	src.usage.Ledger = models.NewLedger("u1", t0)
	src.alerts = nil
	m := load(t, New(src, "u1", Options{}))

	assert.Contains(t, m.View(), "No usage recorded for u1 yet")
	m, _ = press(m, "3")
	assert.Contains(t, m.View(), "No open alerts")
}

func TestSmallTerminalAndQuit(t *testing.T) {
	m := New(sampleSource(), "u1", Options{})
	next, _ := m.Update(tea.WindowSizeMsg{Width: 40, Height: 10})
	m = next.(Model)
	assert.Contains(t, m.View(), "Terminal too small (40x10)")

	_, cmd := press(m, "q")
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}

func TestStaleAfterMissedPolls(t *testing.T) {
	m := load(t, New(sampleSource(), "u1", Options{Interval: time.Second}))
	assert.NotContains(t, m.View(), "(stale)")

	next, _ := m.Update(tickMsg(m.lastUpdated.Add(5 * time.Second)))
	m = next.(Model)
	assert.Contains(t, m.View(), "(stale)")
}

func TestViewCycle(t *testing.T) {
	assert.Equal(t, viewModels, nextView(viewDashboard))
	assert.Equal(t, viewAlerts, nextView(viewModels))
	assert.Equal(t, viewDashboard, nextView(viewAlerts))
}
