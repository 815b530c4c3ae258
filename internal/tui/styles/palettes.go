package styles

// DefaultTheme suits dark terminals.
var DefaultTheme = Theme{
	Name: "default",
	Tokens: ThemeTokens{
		Text:      "#E6EDF3",
		TextMuted: "#8B9AAE",
		Border:    "#223043",
		Accent:    "#5B8DEF",
		Focus:     "#7AA2F7",
		Success:   "#3FB950",
		Warning:   "#D29922",
		Error:     "#F85149",
		Info:      "#58A6FF",
		Track:     "#2D3A4D",
	},
}

// HighContrastTheme favors visibility on low-contrast terminals.
var HighContrastTheme = Theme{
	Name: "high-contrast",
	Tokens: ThemeTokens{
		Text:      "#FFFFFF",
		TextMuted: "#C0C0C0",
		Border:    "#FFFFFF",
		Accent:    "#00A2FF",
		Focus:     "#FFD400",
		Success:   "#00FF5A",
		Warning:   "#FFB000",
		Error:     "#FF4040",
		Info:      "#66CCFF",
		Track:     "#808080",
	},
}

// LightTheme suits terminals with a light background.
var LightTheme = Theme{
	Name: "light",
	Tokens: ThemeTokens{
		Text:      "#1F2328",
		TextMuted: "#59636E",
		Border:    "#D1D9E0",
		Accent:    "#0969DA",
		Focus:     "#8250DF",
		Success:   "#1A7F37",
		Warning:   "#9A6700",
		Error:     "#CF222E",
		Info:      "#0969DA",
		Track:     "#E6EAEF",
	},
}
