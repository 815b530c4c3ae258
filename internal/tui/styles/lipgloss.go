package styles

import "github.com/charmbracelet/lipgloss"

// Styles contains lipgloss styles derived from theme tokens.
type Styles struct {
	Theme   Theme
	Title   lipgloss.Style
	Text    lipgloss.Style
	Muted   lipgloss.Style
	Accent  lipgloss.Style
	Panel   lipgloss.Style
	Border  lipgloss.Style
	Focus   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Info    lipgloss.Style

	// Gauge fills by how close a counter is to its limit.
	GaugeOK       lipgloss.Style
	GaugeWarn     lipgloss.Style
	GaugeCritical lipgloss.Style
	GaugeEmpty    lipgloss.Style
}

// DefaultStyles builds styles from the default theme.
func DefaultStyles() Styles {
	return BuildStyles(DefaultTheme)
}

// ByName builds styles for a named theme, falling back to the default.
func ByName(name string) Styles {
	if theme, ok := Themes[name]; ok {
		return BuildStyles(theme)
	}
	return DefaultStyles()
}

// BuildStyles converts theme tokens into lipgloss styles.
func BuildStyles(theme Theme) Styles {
	tokens := theme.Tokens

	return Styles{
		Theme:         theme,
		Title:         lipgloss.NewStyle().Foreground(lipgloss.Color(tokens.Text)).Bold(true),
		Text:          lipgloss.NewStyle().Foreground(lipgloss.Color(tokens.Text)),
		Muted:         lipgloss.NewStyle().Foreground(lipgloss.Color(tokens.TextMuted)),
		Accent:        lipgloss.NewStyle().Foreground(lipgloss.Color(tokens.Accent)),
		Panel:         lipgloss.NewStyle().Foreground(lipgloss.Color(tokens.Text)).BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color(tokens.Border)).Padding(0, 1),
		Border:        lipgloss.NewStyle().Foreground(lipgloss.Color(tokens.Border)),
		Focus:         lipgloss.NewStyle().Foreground(lipgloss.Color(tokens.Focus)).Bold(true),
		Success:       lipgloss.NewStyle().Foreground(lipgloss.Color(tokens.Success)),
		Warning:       lipgloss.NewStyle().Foreground(lipgloss.Color(tokens.Warning)),
		Error:         lipgloss.NewStyle().Foreground(lipgloss.Color(tokens.Error)),
		Info:          lipgloss.NewStyle().Foreground(lipgloss.Color(tokens.Info)),
		GaugeOK:       lipgloss.NewStyle().Foreground(lipgloss.Color(tokens.Success)),
		GaugeWarn:     lipgloss.NewStyle().Foreground(lipgloss.Color(tokens.Warning)),
		GaugeCritical: lipgloss.NewStyle().Foreground(lipgloss.Color(tokens.Error)).Bold(true),
		GaugeEmpty:    lipgloss.NewStyle().Foreground(lipgloss.Color(tokens.Track)),
	}
}
