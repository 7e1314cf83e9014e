package monitor

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/marcus/fitsync/internal/actionqueue"
	"github.com/marcus/fitsync/internal/output"
)

// renderView renders the complete TUI view
func (m Model) renderView() string {
	if m.Width == 0 || m.Height == 0 {
		return "Loading..."
	}

	// Handle small terminal sizes gracefully
	if m.Width < MinWidth || m.Height < MinHeight {
		return m.renderCompact()
	}

	if m.ShowHelp {
		return m.renderHelp()
	}

	// Status gets a fixed height; queue and activity share the rest.
	availableHeight := m.Height - 1
	statusHeight := 12
	rest := availableHeight - statusHeight
	queueHeight := rest / 2
	activityHeight := rest - queueHeight

	panels := lipgloss.JoinVertical(lipgloss.Left,
		m.renderStatusPanel(statusHeight),
		m.renderQueuePanel(queueHeight),
		m.renderActivityPanel(activityHeight),
	)

	return lipgloss.JoinVertical(lipgloss.Left, panels, m.renderFooter())
}

// renderCompact renders a minimal view for small terminals
func (m Model) renderCompact() string {
	var s strings.Builder

	s.WriteString("fitsync monitor (resize for full view)\n\n")
	s.WriteString(formatOnline(m.Status.Online))
	if m.Syncing || m.Status.InProgress {
		s.WriteString(" " + m.spinner.View())
	}
	s.WriteString("\n")
	s.WriteString(fmt.Sprintf("Queued: %d\n", m.Status.QueueLength))
	if m.Status.DataAtRisk {
		s.WriteString(riskStyle.Render("DATA AT RISK") + "\n")
	}

	s.WriteString("\nq:quit s:sync ?:help")

	return s.String()
}

// renderStatusPanel renders connectivity, queue and today's progress (Panel 1)
func (m Model) renderStatusPanel(height int) string {
	var b strings.Builder
	st := m.Status

	conn := formatOnline(st.Online)
	if m.Syncing || st.InProgress {
		conn += "  " + m.spinner.View() + " syncing"
	}
	row(&b, "Connection", conn)
	row(&b, "Queue", fmt.Sprintf("%d pending", st.QueueLength))

	last := subtleStyle.Render("never")
	if st.LastSyncAttempt != nil {
		last = output.FormatTimeAgo(*st.LastSyncAttempt)
	}
	row(&b, "Last attempt", last)
	if m.LastResult != nil {
		r := m.LastResult
		row(&b, "Last result", fmt.Sprintf("%d synced, %d failed, %d deferred", r.Synced, r.Failed, r.Deferred))
	}

	storage := "ok"
	if st.StorageFailures > 0 {
		storage = fmt.Sprintf("%d write failures", st.StorageFailures)
	}
	if st.DataAtRisk {
		storage += "  " + riskStyle.Render("DATA AT RISK")
	}
	row(&b, "Storage", storage)

	sum := m.Summary
	row(&b, "Workouts", fmt.Sprintf("%d/%d done  %d pts", sum.Workouts.Completed, sum.Workouts.Total, sum.Workouts.Points))
	row(&b, "Meals", fmt.Sprintf("%d/%d done  %d pts", sum.Meals.Completed, sum.Meals.Total, sum.Meals.Points))
	row(&b, "Water", fmt.Sprintf("%.0f / %.0f ml", sum.HydrationTodayML, sum.HydrationGoalML))
	row(&b, "Calories", fmt.Sprintf("%.0f in  %.0f out", sum.ConsumedCalories, sum.BurnedCalories))

	return m.wrapPanel("SYNC STATUS", b.String(), height, PanelStatus)
}

func row(b *strings.Builder, label, value string) {
	b.WriteString(labelStyle.Render(label))
	b.WriteString(value)
	b.WriteString("\n")
}

// renderQueuePanel lists pending actions in drain order (Panel 2)
func (m Model) renderQueuePanel(height int) string {
	var content strings.Builder

	if len(m.Pending) == 0 {
		content.WriteString(subtleStyle.Render("Queue is empty"))
		return m.wrapPanel("QUEUE", content.String(), height, PanelQueue)
	}

	offset := clampOffset(m.ScrollOffset[PanelQueue], len(m.Pending))
	visible := m.visibleItems(len(m.Pending), offset, height-3)
	for _, a := range m.Pending[offset : offset+visible] {
		content.WriteString(formatAction(a))
		content.WriteString("\n")
	}

	title := fmt.Sprintf("QUEUE (%d)", len(m.Pending))
	return m.wrapPanel(title, content.String(), height, PanelQueue)
}

// renderActivityPanel renders the event feed, newest first (Panel 3)
func (m Model) renderActivityPanel(height int) string {
	var content strings.Builder

	if len(m.Activity) == 0 {
		content.WriteString(subtleStyle.Render("No activity yet"))
		return m.wrapPanel("ACTIVITY", content.String(), height, PanelActivity)
	}

	offset := clampOffset(m.ScrollOffset[PanelActivity], len(m.Activity))
	visible := m.visibleItems(len(m.Activity), offset, height-3)
	for _, item := range m.Activity[offset : offset+visible] {
		content.WriteString(formatActivityItem(item))
		content.WriteString("\n")
	}

	return m.wrapPanel("ACTIVITY", content.String(), height, PanelActivity)
}

// renderFooter renders the key hints and refresh time
func (m Model) renderFooter() string {
	keys := helpStyle.Render("q:quit  tab:switch  j/k:scroll  s:sync now  r:refresh  ?:help")
	refresh := timestampStyle.Render(fmt.Sprintf("Last: %s", m.LastRefresh.Format("15:04:05")))

	padding := m.Width - lipgloss.Width(keys) - lipgloss.Width(refresh) - 2
	if padding < 0 {
		padding = 0
	}
	return " " + keys + strings.Repeat(" ", padding) + refresh
}

func (m Model) renderHelp() string {
	help := `
MONITOR TUI - Key Bindings

NAVIGATION:
  Tab / Shift+Tab   Switch between panels
  1 / 2 / 3         Jump to panel
  j / k             Scroll active panel

ACTIONS:
  s                 Sync now (ignores the periodic schedule)
  r                 Refresh data
  q / Ctrl+C        Quit

Press ? to close help
`
	return helpStyle.Render(help)
}

// wrapPanel wraps content in a panel with title and border
func (m Model) wrapPanel(title, content string, height int, panel Panel) string {
	style := panelStyle
	if m.ActivePanel == panel {
		style = activePanelStyle
	}

	titleStr := panelTitleStyle.Render(title)

	contentWidth := m.Width - 4 // border and padding
	lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
	contentHeight := max(height-3, 1) // title + border

	for len(lines) < contentHeight {
		lines = append(lines, "")
	}
	if len(lines) > contentHeight {
		lines = lines[:contentHeight]
	}
	for i, line := range lines {
		if lipgloss.Width(line) > contentWidth {
			lines[i] = ansi.Truncate(line, contentWidth, "…")
		}
	}

	inner := lipgloss.JoinVertical(lipgloss.Left, titleStr, strings.Join(lines, "\n"))
	return style.Width(m.Width - 2).Render(inner)
}

func formatAction(a actionqueue.Action) string {
	id := ""
	if data, err := a.Payload.Decode(); err == nil {
		if v, ok := data["id"]; ok {
			id = fmt.Sprint(v)
		}
	}
	enqueued := time.UnixMilli(a.EnqueuedAt)
	return fmt.Sprintf("%s %-18s %-28s %s  %s",
		formatOp(string(a.Operation)),
		a.Collection,
		id,
		subtleStyle.Render(fmt.Sprintf("try %d/%d", a.AttemptCount, a.MaxAttempts)),
		timestampStyle.Render(output.FormatTimeAgo(enqueued)),
	)
}

func formatActivityItem(item ActivityItem) string {
	return fmt.Sprintf("%s %s %s",
		timestampStyle.Render(item.Timestamp.Format("15:04:05")),
		formatActivityBadge(item.Type),
		item.Message,
	)
}

// visibleItems returns how many items fit from offset.
func (m Model) visibleItems(total, offset, height int) int {
	return max(0, min(total-offset, height))
}

func clampOffset(offset, total int) int {
	if offset >= total {
		return max(total-1, 0)
	}
	return offset
}
