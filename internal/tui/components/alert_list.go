package components

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/cubent/usagemeter/internal/models"
	"github.com/cubent/usagemeter/internal/tui/styles"
)

// RenderSeverityBadge renders an alert severity with icon and color.
func RenderSeverityBadge(styleSet styles.Styles, severity models.Severity) string {
	icon, label, style := severityDescriptor(styleSet, severity)
	return style.Render(fmt.Sprintf("%s %s", icon, label))
}

func severityDescriptor(styleSet styles.Styles, severity models.Severity) (string, string, lipgloss.Style) {
	switch severity {
	case models.SeverityCritical:
		return "!!", "Critical", styleSet.Error
	case models.SeverityWarning:
		return "!", "Warning", styleSet.Warning
	case models.SeverityInfo:
		return "i", "Info", styleSet.Info
	default:
		return "-", "Unknown", styleSet.Muted
	}
}

// RenderAlertList renders alerts newest first, marking the selected row.
// Acknowledged alerts are dimmed.
func RenderAlertList(styleSet styles.Styles, alerts []models.Alert, selected int) string {
	if len(alerts) == 0 {
		return NoAlerts().Render(styleSet)
	}

	lines := make([]string, 0, len(alerts))
	for i := len(alerts) - 1; i >= 0; i-- {
		a := alerts[i]
		cursor := "  "
		if i == selected {
			cursor = styleSet.Focus.Render("> ")
		}
		msg := styleSet.Text.Render(a.Message)
		if a.Acknowledged {
			msg = styleSet.Muted.Render(a.Message + " (acknowledged)")
		}
		lines = append(lines, fmt.Sprintf("%s%s %s %s", cursor,
			styleSet.Muted.Render(a.CreatedAt.Local().Format("Jan 02 15:04")),
			RenderSeverityBadge(styleSet, a.Severity),
			msg))
	}
	return strings.Join(lines, "\n")
}
