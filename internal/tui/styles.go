package tui

import "github.com/charmbracelet/lipgloss"

type styles struct {
	brand     lipgloss.Style
	tab       lipgloss.Style
	activeTab lipgloss.Style

	userLabel      lipgloss.Style
	userText       lipgloss.Style
	assistantLabel lipgloss.Style
	assistantText  lipgloss.Style
	muted          lipgloss.Style

	spinner lipgloss.Style
	notice  lipgloss.Style
	status  lipgloss.Style
	input   lipgloss.Style
	help    lipgloss.Style
}

func newStyles() styles {
	accent := lipgloss.Color("#7c6cf0")
	subtle := lipgloss.Color("#888888")
	text := lipgloss.Color("#e6e6f0")

	return styles{
		brand: lipgloss.NewStyle().
			Bold(true).
			Foreground(accent).
			Padding(0, 2, 0, 0),
		tab: lipgloss.NewStyle().
			Foreground(subtle).
			Padding(0, 1),
		activeTab: lipgloss.NewStyle().
			Bold(true).
			Foreground(text).
			Background(accent).
			Padding(0, 1),

		userLabel: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#4fc1ff")),
		userText: lipgloss.NewStyle().
			Foreground(text),
		assistantLabel: lipgloss.NewStyle().
			Bold(true).
			Foreground(accent),
		assistantText: lipgloss.NewStyle().
			Foreground(text).
			PaddingLeft(2),
		muted: lipgloss.NewStyle().
			Foreground(subtle).
			Italic(true),

		spinner: lipgloss.NewStyle().Foreground(accent),
		notice: lipgloss.NewStyle().
			Foreground(lipgloss.Color("#ff6b6b")).
			Bold(true),
		status: lipgloss.NewStyle().Foreground(subtle),
		input: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(accent),
		help: lipgloss.NewStyle().Foreground(subtle),
	}
}
