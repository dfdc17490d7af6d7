// Package tui provides the terminal dashboard for the worker connection.
package tui

import "github.com/charmbracelet/lipgloss"

// Tokyo Night inspired color palette
var (
	ColorBg        = lipgloss.Color("#1a1b26")
	ColorBgAlt     = lipgloss.Color("#24283b")
	ColorFg        = lipgloss.Color("#c0caf5")
	ColorFgMuted   = lipgloss.Color("#565f89")
	ColorConnected = lipgloss.Color("#9ece6a")
	ColorLoading   = lipgloss.Color("#7aa2f7")
	ColorDown      = lipgloss.Color("#f7768e")
	ColorDegraded  = lipgloss.Color("#e0af68")
	ColorAccent    = lipgloss.Color("#d4a373")
)

// Phase icons
var PhaseIcons = map[string]string{
	"loading":      "◌",
	"connected":    "●",
	"disconnected": "○",
	"degraded":     "◐",
}

// PhaseColor returns the color for a connection phase.
func PhaseColor(phase string) lipgloss.Color {
	switch phase {
	case "connected":
		return ColorConnected
	case "loading":
		return ColorLoading
	case "disconnected":
		return ColorDown
	case "degraded":
		return ColorDegraded
	default:
		return ColorFgMuted
	}
}

// Common styles
var (
	StyleTitle = lipgloss.NewStyle().
			Foreground(ColorFg).
			Bold(true).
			MarginBottom(1)

	StyleHeader = lipgloss.NewStyle().
			Foreground(ColorFgMuted).
			Bold(true)

	StyleNormal = lipgloss.NewStyle().
			Foreground(ColorFg)

	StyleMuted = lipgloss.NewStyle().
			Foreground(ColorFgMuted)

	StyleAccent = lipgloss.NewStyle().
			Foreground(ColorAccent)

	StyleError = lipgloss.NewStyle().
			Foreground(ColorDown)

	StyleHelp = lipgloss.NewStyle().
			Foreground(ColorFgMuted).
			MarginTop(1)

	StyleBorder = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorFgMuted).
			Padding(1, 2)
)

// PhaseStyle returns styled text for a connection phase.
func PhaseStyle(phase string) lipgloss.Style {
	return lipgloss.NewStyle().Foreground(PhaseColor(phase))
}
