// Package components provides reusable dashboard widgets.
package components

import (
	"fmt"
	"strings"

	"github.com/cubent/usagemeter/internal/tui/styles"
)

// EmptyState is a placeholder shown when a panel has nothing to display.
type EmptyState struct {
	Title    string
	Subtitle string

	// Hints are key bindings or commands worth trying next.
	Hints []Hint
}

// Hint is a suggested key or command with a short description.
type Hint struct {
	Key         string
	Description string
}

// Render renders the empty state with the given styles.
func (e EmptyState) Render(styleSet styles.Styles) string {
	lines := []string{styleSet.Muted.Render(e.Title)}
	if e.Subtitle != "" {
		lines = append(lines, styleSet.Muted.Render(e.Subtitle))
	}
	if len(e.Hints) > 0 {
		lines = append(lines, "")
		for _, h := range e.Hints {
			line := "  " + styleSet.Accent.Render(h.Key)
			if h.Description != "" {
				line += styleSet.Muted.Render(fmt.Sprintf("  %s", h.Description))
			}
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

// NoUsage is shown before a user's first committed turn.
func NoUsage(userID string) EmptyState {
	return EmptyState{
		Title:    fmt.Sprintf("No usage recorded for %s yet", userID),
		Subtitle: "Counters appear after the first completed turn.",
	}
}

// NoAlerts is shown when every alert has been acknowledged.
func NoAlerts() EmptyState {
	return EmptyState{
		Title:    "No open alerts",
		Subtitle: "Warnings are raised at the configured threshold of each limit.",
	}
}

// Disconnected is shown while the daemon cannot be reached.
func Disconnected(err error) EmptyState {
	return EmptyState{
		Title:    "Cannot reach meterd",
		Subtitle: err.Error(),
		Hints: []Hint{
			{Key: "meterd serve", Description: "start the daemon"},
			{Key: "r", Description: "retry now"},
		},
	}
}
