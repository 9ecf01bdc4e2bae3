package watchtui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/agusx1211/courier/internal/tui"
)

// Header row.
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(tui.ColorBase).
			Background(tui.ColorBlue).
			Padding(0, 1)

	liveStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(tui.ColorGreen)
)

// Session list and event log.
var (
	spinnerStyle = lipgloss.NewStyle().
			Foreground(tui.ColorMauve)

	sourceStyle = lipgloss.NewStyle().
			Foreground(tui.ColorLavender)

	engineStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(tui.ColorBlue)

	projectStyle = lipgloss.NewStyle().
			Foreground(tui.ColorTeal)

	actionStyle = lipgloss.NewStyle().
			Foreground(tui.ColorText)

	startedStyle = lipgloss.NewStyle().
			Foreground(tui.ColorYellow)

	okStyle = lipgloss.NewStyle().
		Foreground(tui.ColorGreen)

	failStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(tui.ColorRed)

	dimStyle = tui.DimStyle

	dividerStyle = tui.DividerStyle
)
