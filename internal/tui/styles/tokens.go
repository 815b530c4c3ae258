// Package styles holds the dashboard palettes.
package styles

import "sort"

// ThemeTokens defines the semantic color roles for the dashboard.
type ThemeTokens struct {
	Text      string
	TextMuted string
	Border    string
	Accent    string
	Focus     string
	Success   string
	Warning   string
	Error     string
	Info      string

	// Track is the unfilled part of a quota gauge.
	Track string
}

// Theme bundles a palette with a name.
type Theme struct {
	Name   string
	Tokens ThemeTokens
}

// Themes lists available palettes by name.
var Themes = map[string]Theme{
	DefaultTheme.Name:      DefaultTheme,
	HighContrastTheme.Name: HighContrastTheme,
	LightTheme.Name:        LightTheme,
}

// ThemeNames returns the palette names in sorted order.
func ThemeNames() []string {
	names := make([]string, 0, len(Themes))
	for name := range Themes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
