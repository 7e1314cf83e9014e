// Package output provides styled terminal output helpers (success, error,
// warning, progress formatting) using lipgloss.
package output

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	json "github.com/goccy/go-json"

	"github.com/marcus/fitsync/internal/catalog"
	"github.com/marcus/fitsync/internal/events"
	"github.com/marcus/fitsync/internal/progress"
)

var (
	// Styles
	titleStyle   = lipgloss.NewStyle().Bold(true)
	subtleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	barStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("212"))
	opStyles     = map[events.Operation]lipgloss.Style{
		events.OpCreate: lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		events.OpUpdate: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		events.OpDelete: lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
	rarityStyles = map[catalog.Rarity]lipgloss.Style{
		catalog.Common:    lipgloss.NewStyle().Foreground(lipgloss.Color("250")),
		catalog.Rare:      lipgloss.NewStyle().Foreground(lipgloss.Color("45")),
		catalog.Epic:      lipgloss.NewStyle().Foreground(lipgloss.Color("141")),
		catalog.Legendary: lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true),
	}
)

// Success prints a success message
func Success(format string, args ...any) {
	fmt.Println(successStyle.Render(fmt.Sprintf(format, args...)))
}

// Error prints an error message
func Error(format string, args ...any) {
	fmt.Println(errorStyle.Render("ERROR: " + fmt.Sprintf(format, args...)))
}

// Warning prints a warning message
func Warning(format string, args ...any) {
	fmt.Println(warningStyle.Render("Warning: " + fmt.Sprintf(format, args...)))
}

// Info prints an info message
func Info(format string, args ...any) {
	fmt.Printf(format+"\n", args...)
}

// JSON outputs data as JSON
func JSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// Error codes for structured JSON output
const (
	ErrCodeNotFound       = "not_found"
	ErrCodeInvalidInput   = "invalid_input"
	ErrCodeStorageError   = "storage_error"
	ErrCodeOffline        = "offline"
	ErrCodeNotInitialized = "not_initialized"
)

// JSONError outputs an error as JSON
func JSONError(code, message string) {
	data, _ := json.Marshal(map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
	fmt.Println(string(data))
}

// FormatOnline renders connectivity as a colored word.
func FormatOnline(online bool) string {
	if online {
		return successStyle.Render("online")
	}
	return errorStyle.Render("offline")
}

// FormatOp formats a queue operation with color
func FormatOp(op events.Operation) string {
	style, ok := opStyles[op]
	if !ok {
		return string(op)
	}
	return style.Render(string(op))
}

// FormatRarity formats an achievement rarity with color
func FormatRarity(r catalog.Rarity) string {
	style, ok := rarityStyles[r]
	if !ok {
		return string(r)
	}
	return style.Render(string(r))
}

// ProgressBar renders fraction (0..1) as a fixed-width bar with a percentage.
func ProgressBar(fraction float64, width int) string {
	if width < 1 {
		width = 10
	}
	fraction = min(max(fraction, 0), 1)
	filled := int(fraction*float64(width) + 0.5)
	bar := strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
	return fmt.Sprintf("%s %3.0f%%", barStyle.Render(bar), fraction*100)
}

// FormatRecord formats one progress record as a single line. name is the
// display name for the subject, or "" to show only the id.
func FormatRecord(rec progress.Record, name string) string {
	var parts []string
	parts = append(parts, titleStyle.Render(rec.SubjectID))
	if name != "" {
		parts = append(parts, name)
	}
	parts = append(parts, ProgressBar(rec.Progress/progress.Scale(rec.Kind), 10))

	switch {
	case rec.Completed && rec.RemoteRef != "":
		parts = append(parts, successStyle.Render("✓ done"))
	case rec.Completed:
		parts = append(parts, warningStyle.Render("✓ done (pending sync)"))
	}
	if rec.CompletedAt != nil {
		parts = append(parts, subtleStyle.Render(FormatTimeAgo(*rec.CompletedAt)))
	}
	return strings.Join(parts, "  ")
}

// FormatTimeAgo formats a time as a human-readable "ago" string
func FormatTimeAgo(t time.Time) string {
	diff := time.Since(t)

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		mins := int(diff.Minutes())
		if mins == 1 {
			return "1m ago"
		}
		return fmt.Sprintf("%dm ago", mins)
	case diff < 24*time.Hour:
		hours := int(diff.Hours())
		if hours == 1 {
			return "1h ago"
		}
		return fmt.Sprintf("%dh ago", hours)
	case diff < 7*24*time.Hour:
		days := int(diff.Hours() / 24)
		if days == 1 {
			return "1d ago"
		}
		return fmt.Sprintf("%dd ago", days)
	default:
		return t.Format("2006-01-02")
	}
}

// SectionHeader returns a formatted section header for CLI output
// e.g., "\nWORKOUTS:\n"
func SectionHeader(title string) string {
	return fmt.Sprintf("\n%s:\n", strings.ToUpper(title))
}

// IndentLines indents each line by the specified number of spaces
func IndentLines(lines []string, spaces int) []string {
	indent := strings.Repeat(" ", spaces)
	result := make([]string, len(lines))
	for i, line := range lines {
		result[i] = indent + line
	}
	return result
}
