package tui

import "github.com/charmbracelet/lipgloss"

var (
	colorAccent = lipgloss.Color("#06B6D4")

	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(colorAccent)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#22C55E"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#EAB308"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
)
