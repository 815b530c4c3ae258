// Package tui implements the live usage dashboard behind meterd top.
package tui

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/cubent/usagemeter/internal/daemon"
	"github.com/cubent/usagemeter/internal/models"
	"github.com/cubent/usagemeter/internal/tui/components"
	"github.com/cubent/usagemeter/internal/tui/styles"
)

// Source is what the dashboard polls. daemon.Client satisfies it.
type Source interface {
	GetUsage(ctx context.Context, userID string) (*daemon.UsageResponse, error)
	ListAlerts(ctx context.Context, userID string, unacknowledgedOnly bool) ([]models.Alert, error)
	AckAlert(ctx context.Context, alertID string) (models.Alert, error)
}

// Options tune the dashboard.
type Options struct {
	// Interval between polls.
	Interval time.Duration

	// Theme names a palette in styles.Themes.
	Theme string

	// WarnAt is the fraction at which gauges turn to the warning color.
	WarnAt float64
}

// DefaultOptions returns the dashboard defaults.
func DefaultOptions() Options {
	return Options{Interval: 2 * time.Second, Theme: "default", WarnAt: 0.8}
}

// Run launches the dashboard for userID and blocks until the user quits or
// ctx is canceled.
func Run(ctx context.Context, source Source, userID string, opts Options) error {
	program := tea.NewProgram(New(source, userID, opts), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := program.Run()
	return err
}

const (
	minWidth     = 60
	minHeight    = 15
	fetchTimeout = 5 * time.Second
)

type viewID int

const (
	viewDashboard viewID = iota
	viewModels
	viewAlerts
)

func nextView(current viewID) viewID {
	switch current {
	case viewDashboard:
		return viewModels
	case viewModels:
		return viewAlerts
	default:
		return viewDashboard
	}
}

// Model is the bubbletea model of the dashboard.
type Model struct {
	source Source
	userID string
	opts   Options
	styles styles.Styles

	width  int
	height int
	view   viewID

	usage    *daemon.UsageResponse
	alerts   []models.Alert
	selected int
	err      error
	notice   string

	lastUpdated time.Time
	now         time.Time
}

// New creates the dashboard model.
func New(source Source, userID string, opts Options) Model {
	d := DefaultOptions()
	if opts.Interval <= 0 {
		opts.Interval = d.Interval
	}
	if opts.WarnAt <= 0 || opts.WarnAt >= 1 {
		opts.WarnAt = d.WarnAt
	}
	return Model{
		source: source,
		userID: userID,
		opts:   opts,
		styles: styles.ByName(opts.Theme),
		view:   viewDashboard,
		now:    time.Now(),
	}
}

type tickMsg time.Time

type snapshotMsg struct {
	usage  *daemon.UsageResponse
	alerts []models.Alert
	at     time.Time
}

type errMsg struct{ err error }

type ackedMsg struct{ alert models.Alert }

func (m Model) tickCmd() tea.Cmd {
	return tea.Tick(m.opts.Interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) fetchCmd() tea.Cmd {
	source, userID := m.source, m.userID
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()

		usage, err := source.GetUsage(ctx, userID)
		if err != nil {
			return errMsg{err}
		}
		alerts, err := source.ListAlerts(ctx, userID, false)
		if err != nil {
			return errMsg{err}
		}
		return snapshotMsg{usage: usage, alerts: alerts, at: time.Now()}
	}
}

func (m Model) ackCmd(alertID string) tea.Cmd {
	source := m.source
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()
		alert, err := source.AckAlert(ctx, alertID)
		if err != nil {
			return errMsg{err}
		}
		return ackedMsg{alert}
	}
}

// Init starts polling.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.fetchCmd(), m.tickCmd())
}

// Update handles input and poll results.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "1":
			m.view = viewDashboard
		case "2":
			m.view = viewModels
		case "3":
			m.view = viewAlerts
		case "g", "tab":
			m.view = nextView(m.view)
		case "r":
			return m, m.fetchCmd()
		case "up", "k":
			if m.selected < len(m.alerts)-1 {
				m.selected++
			}
		case "down", "j":
			if m.selected > 0 {
				m.selected--
			}
		case "a":
			if m.view == viewAlerts && m.selected < len(m.alerts) && !m.alerts[m.selected].Acknowledged {
				return m, m.ackCmd(m.alerts[m.selected].ID)
			}
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case tickMsg:
		m.now = time.Time(msg)
		return m, tea.Batch(m.fetchCmd(), m.tickCmd())
	case snapshotMsg:
		m.usage = msg.usage
		m.alerts = msg.alerts
		m.err = nil
		m.lastUpdated = msg.at
		if m.now.Before(msg.at) {
			m.now = msg.at
		}
		// Newest alert is rendered first; keep the cursor on it after refreshes.
		m.selected = len(m.alerts) - 1
		if m.selected < 0 {
			m.selected = 0
		}
	case ackedMsg:
		for i := range m.alerts {
			if m.alerts[i].ID == msg.alert.ID {
				m.alerts[i] = msg.alert
			}
		}
		m.notice = "Acknowledged " + msg.alert.ID
	case errMsg:
		m.err = msg.err
	}
	return m, nil
}

// View renders the current screen.
func (m Model) View() string {
	if m.width > 0 && m.height > 0 {
		if m.width < minWidth || m.height < minHeight {
			return strings.Join(m.smallViewLines(), "\n") + "\n"
		}
	}

	lines := []string{m.headerLine(), ""}
	lines = append(lines, m.viewLines()...)
	if m.notice != "" {
		lines = append(lines, "", m.styles.Success.Render(m.notice))
	}
	lines = append(lines, "", m.styles.Muted.Render(m.lastUpdatedLine()))
	lines = append(lines, "", m.styles.Muted.Render("Keys: q quit | r refresh | 1/2/3 views | g next | j/k select | a acknowledge"))
	return strings.Join(lines, "\n") + "\n"
}

func (m Model) headerLine() string {
	title := m.styles.Title.Render("usagemeter") + m.styles.Muted.Render(" · ") + m.styles.Accent.Render(m.userID)
	if m.usage != nil {
		title += m.styles.Muted.Render(" · tier ") + m.styles.Text.Render(string(m.usage.Quota.Tier))
	}
	return title
}

func (m Model) smallViewLines() []string {
	message := fmt.Sprintf("Terminal too small (%dx%d).", m.width, m.height)
	hint := fmt.Sprintf("Resize to at least %dx%d.", minWidth, minHeight)
	return []string{
		m.styles.Warning.Render(message),
		m.styles.Muted.Render(hint),
		m.styles.Muted.Render("Press q to quit."),
	}
}

func (m Model) viewLines() []string {
	if m.err != nil && m.usage == nil {
		return []string{components.Disconnected(m.err).Render(m.styles)}
	}
	var lines []string
	if m.err != nil {
		lines = append(lines, m.styles.Error.Render("Refresh failed: "+m.err.Error()), "")
	}
	if m.usage == nil {
		return append(lines, m.styles.Muted.Render("Loading..."))
	}

	switch m.view {
	case viewModels:
		lines = append(lines, m.styles.Accent.Render("Per-model usage this month"))
		lines = append(lines, m.modelLines()...)
	case viewAlerts:
		lines = append(lines, m.styles.Accent.Render("Alerts"))
		lines = append(lines, components.RenderAlertList(m.styles, m.alerts, m.selected))
	default:
		lines = append(lines, m.dashboardLines()...)
	}
	return lines
}

func (m Model) barWidth() int {
	w := m.width - 56
	if w < 10 {
		return 10
	}
	if w > 40 {
		return 40
	}
	return w
}

func (m Model) dashboardLines() []string {
	l, q := m.usage.Ledger, m.usage.Quota
	if l == nil || l.Lifetime.TotalRequests == 0 {
		return []string{components.NoUsage(m.userID).Render(m.styles)}
	}

	lines := make([]string, 0, 10)
	for _, g := range components.LedgerGauges(l, q) {
		lines = append(lines, g.Render(m.styles, m.barWidth(), m.opts.WarnAt))
	}

	open := 0
	for _, a := range m.alerts {
		if !a.Acknowledged {
			open++
		}
	}
	lines = append(lines, "",
		m.styles.Text.Render(fmt.Sprintf("Active turns: %d   Open alerts: %d", len(m.usage.ActiveSessions), open)),
		m.styles.Muted.Render(fmt.Sprintf("Lifetime: %d tokens, %.2f cost, %d requests",
			l.Lifetime.TotalTokens, l.Lifetime.TotalCost, l.Lifetime.TotalRequests)),
		m.styles.Muted.Render("Month started "+l.Resets.LastMonthlyReset.Local().Format("Jan 02 15:04")),
	)
	return lines
}

func (m Model) modelLines() []string {
	if m.usage.Ledger == nil || len(m.usage.Ledger.Models) == 0 {
		return []string{components.NoUsage(m.userID).Render(m.styles)}
	}

	type row struct {
		name string
		models.ModelUsage
	}
	rows := make([]row, 0, len(m.usage.Ledger.Models))
	for name, u := range m.usage.Ledger.Models {
		rows = append(rows, row{name, u})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Tokens != rows[j].Tokens {
			return rows[i].Tokens > rows[j].Tokens
		}
		return rows[i].name < rows[j].name
	})

	lines := []string{m.styles.Muted.Render(fmt.Sprintf("%-28s %12s %10s %9s", "MODEL", "TOKENS", "COST", "REQUESTS"))}
	for _, r := range rows {
		lines = append(lines, m.styles.Text.Render(fmt.Sprintf("%-28s %12d %10.2f %9d", r.name, r.Tokens, r.Cost, r.Requests)))
	}
	return lines
}

func (m Model) lastUpdatedLine() string {
	if m.lastUpdated.IsZero() {
		return "Last updated: --"
	}
	label := m.lastUpdated.Format("15:04:05")
	if m.isStale() {
		label += " (stale)"
	}
	return fmt.Sprintf("Last updated: %s", label)
}

// isStale reports whether more than three polls have been missed.
func (m Model) isStale() bool {
	if m.lastUpdated.IsZero() || m.now.IsZero() {
		return false
	}
	return m.now.Sub(m.lastUpdated) > 3*m.opts.Interval
}
