// Package ui implements the live monitor dashboard behind `agt monitor`.
package ui

import (
	"github.com/charmbracelet/lipgloss"
)

// Theme holds the dashboard color scheme.
type Theme struct {
	Primary lipgloss.Color
	Muted   lipgloss.Color
	Border  lipgloss.Color
	Ok      lipgloss.Color
	Warn    lipgloss.Color
	Err     lipgloss.Color
}

// DefaultTheme returns the standard dashboard colors.
func DefaultTheme() Theme {
	return Theme{
		Primary: lipgloss.Color("#2196F3"),
		Muted:   lipgloss.Color("#6b7280"),
		Border:  lipgloss.Color("#374151"),
		Ok:      lipgloss.Color("#8BC34A"),
		Warn:    lipgloss.Color("#FFC107"),
		Err:     lipgloss.Color("#e53935"),
	}
}

// Styles holds the styled components built from a Theme.
type Styles struct {
	Theme Theme

	Header  lipgloss.Style
	Columns lipgloss.Style
	Stat    lipgloss.Style
	Muted   lipgloss.Style
	Ok      lipgloss.Style
	Warn    lipgloss.Style
	Err     lipgloss.Style
	Footer  lipgloss.Style
}

// NewStyles creates the dashboard styles for the given theme.
func NewStyles(theme Theme) Styles {
	return Styles{
		Theme: theme,

		Header: lipgloss.NewStyle().
			Background(theme.Primary).
			Foreground(lipgloss.Color("#ffffff")).
			Padding(0, 1).
			Bold(true),

		Columns: lipgloss.NewStyle().
			Foreground(theme.Muted).
			Bold(true),

		Stat: lipgloss.NewStyle().
			Foreground(theme.Primary),

		Muted: lipgloss.NewStyle().
			Foreground(theme.Muted),

		Ok: lipgloss.NewStyle().
			Foreground(theme.Ok),

		Warn: lipgloss.NewStyle().
			Foreground(theme.Warn),

		Err: lipgloss.NewStyle().
			Foreground(theme.Err).
			Bold(true),

		Footer: lipgloss.NewStyle().
			Foreground(theme.Muted).
			Padding(0, 1),
	}
}

// DefaultStyles returns styles with the default theme.
func DefaultStyles() Styles {
	return NewStyles(DefaultTheme())
}
