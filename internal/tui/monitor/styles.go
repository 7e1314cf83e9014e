package monitor

import (
	"github.com/charmbracelet/lipgloss"
)

var (
	// Base colors
	primaryColor   = lipgloss.Color("212")
	secondaryColor = lipgloss.Color("141")
	mutedColor     = lipgloss.Color("241")
	successColor   = lipgloss.Color("42")
	warningColor   = lipgloss.Color("214")
	errorColor     = lipgloss.Color("196")

	// Panel styles
	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	activePanelStyle = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(primaryColor).
				Padding(0, 1)

	panelTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Background(lipgloss.Color("237")).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	// Text styles
	labelStyle     = lipgloss.NewStyle().Bold(true).Width(14)
	subtleStyle    = lipgloss.NewStyle().Foreground(mutedColor)
	helpStyle      = lipgloss.NewStyle().Foreground(mutedColor)
	timestampStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	spinnerStyle   = lipgloss.NewStyle().Foreground(primaryColor)

	onlineStyle  = lipgloss.NewStyle().Foreground(successColor).Bold(true)
	offlineStyle = lipgloss.NewStyle().Foreground(errorColor).Bold(true)
	riskStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("255")).Background(errorColor).Bold(true).Padding(0, 1)

	// Operation badges
	opStyles = map[string]lipgloss.Style{
		"CREATE": lipgloss.NewStyle().Foreground(successColor).Width(7),
		"UPDATE": lipgloss.NewStyle().Foreground(warningColor).Width(7),
		"DELETE": lipgloss.NewStyle().Foreground(errorColor).Width(7),
	}

	// Activity type badges
	netBadge    = lipgloss.NewStyle().Foreground(lipgloss.Color("45"))
	doneBadge   = lipgloss.NewStyle().Foreground(successColor)
	unlockBadge = lipgloss.NewStyle().Foreground(secondaryColor).Bold(true)
	syncBadge   = lipgloss.NewStyle().Foreground(warningColor)
)

// formatOnline renders the connectivity state.
func formatOnline(online bool) string {
	if online {
		return onlineStyle.Render("● online")
	}
	return offlineStyle.Render("○ offline")
}

// formatOp renders an operation name with color
func formatOp(op string) string {
	style, ok := opStyles[op]
	if !ok {
		return op
	}
	return style.Render(op)
}

// formatActivityBadge renders an activity type badge
func formatActivityBadge(actType string) string {
	switch actType {
	case "net":
		return netBadge.Render("[NET]")
	case "done":
		return doneBadge.Render("[DONE]")
	case "unlock":
		return unlockBadge.Render("[UNLK]")
	case "sync":
		return syncBadge.Render("[SYNC]")
	default:
		return subtleStyle.Render("[???]")
	}
}
