// Package cli provides status formatting helpers.
package cli

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/cubent/usagemeter/internal/models"
)

const (
	colorReset   = "\033[0m"
	colorRed     = "\033[31m"
	colorGreen   = "\033[32m"
	colorYellow  = "\033[33m"
	colorMagenta = "\033[35m"
	colorCyan    = "\033[36m"
)

func colorEnabled() bool {
	if noColor || IsJSONOutput() || IsJSONLOutput() {
		return false
	}
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	return hasTTY()
}

func colorize(text, color string) string {
	if color == "" || !colorEnabled() {
		return text
	}
	return color + text + colorReset
}

func formatSeverity(severity models.Severity) string {
	label, color := statusLabelForSeverity(severity)
	return colorize(formatStatusLabel(label, string(severity)), color)
}

func formatDecision(d models.Decision) string {
	if d.Allowed {
		return colorize("OK allowed", colorGreen)
	}
	return colorize(formatStatusLabel("DENY", string(d.Limit)), colorRed)
}

func formatAcked(alert models.Alert) string {
	if alert.Acknowledged {
		return colorize("acked", colorCyan)
	}
	return colorize("open", colorMagenta)
}

func statusLabelForSeverity(severity models.Severity) (string, string) {
	switch severity {
	case models.SeverityCritical:
		return "ERR", colorRed
	case models.SeverityWarning:
		return "WARN", colorYellow
	default:
		return "INFO", colorCyan
	}
}

func formatStatusLabel(label, status string) string {
	normalized := strings.TrimSpace(status)
	if normalized != "" {
		normalized = strings.ReplaceAll(normalized, "_", " ")
	}
	if normalized == "" {
		return label
	}
	return fmt.Sprintf("%s %s", label, normalized)
}

// formatLimit renders a quota ceiling, spelling out Unlimited.
func formatLimit(limit int64) string {
	if limit == models.Unlimited {
		return "unlimited"
	}
	return strconv.FormatInt(limit, 10)
}

func formatCostLimit(limit float64) string {
	if limit == models.Unlimited {
		return "unlimited"
	}
	return formatCost(limit)
}

func formatCost(cost float64) string {
	return strconv.FormatFloat(cost, 'f', 2, 64)
}

// formatUsed renders "used / limit (pct)".
func formatUsed(used, limit int64) string {
	if limit == models.Unlimited {
		return fmt.Sprintf("%d / unlimited", used)
	}
	if limit == 0 {
		return fmt.Sprintf("%d / 0", used)
	}
	return fmt.Sprintf("%d / %d (%.0f%%)", used, limit, float64(used)/float64(limit)*100)
}

func formatCostUsed(used, limit float64) string {
	if limit == models.Unlimited {
		return formatCost(used) + " / unlimited"
	}
	if limit == 0 {
		return formatCost(used) + " / 0.00"
	}
	return fmt.Sprintf("%s / %s (%.0f%%)", formatCost(used), formatCost(limit), used/limit*100)
}

func formatModels(q models.QuotaSet) string {
	if q.Unrestricted || len(q.AllowedModels) == 0 {
		return "all"
	}
	return strings.Join(q.AllowedModels, ",")
}
