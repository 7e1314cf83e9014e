package output

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"golang.org/x/term"

	"github.com/marcus/fitsync/internal/catalog"
)

const (
	defaultMarkdownWidth = 80
	minMarkdownWidth     = 20
)

// TerminalWidth returns the current terminal width or a fallback when unavailable.
func TerminalWidth(fallback int) int {
	if fallback <= 0 {
		fallback = defaultMarkdownWidth
	}

	if width, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && width > 0 {
		return width
	}

	if cols := os.Getenv("COLUMNS"); cols != "" {
		if parsed, err := strconv.Atoi(cols); err == nil && parsed > 0 {
			return parsed
		}
	}

	return fallback
}

// IsTerminal reports whether stdout is a terminal.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// RenderMarkdown renders markdown using Glamour with terminal-aware wrapping.
func RenderMarkdown(text string) (string, error) {
	return RenderMarkdownWithWidth(text, TerminalWidth(defaultMarkdownWidth))
}

// RenderMarkdownWithWidth renders markdown using Glamour with explicit wrapping.
func RenderMarkdownWithWidth(text string, width int) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", nil
	}
	if width < minMarkdownWidth {
		width = minMarkdownWidth
	}

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return "", err
	}

	rendered, err := renderer.Render(text)
	if err != nil {
		return "", err
	}

	return strings.TrimRight(rendered, "\n"), nil
}

// CatalogMarkdown describes the plan for one weekday, or the whole week when
// day is nil, as markdown tables.
func CatalogMarkdown(cat *catalog.Catalog, day *time.Weekday) string {
	var b strings.Builder

	heading := "Weekly plan"
	if day != nil {
		heading = day.String()
	}
	fmt.Fprintf(&b, "# %s\n\n", heading)

	b.WriteString("## Workouts\n\n| ID | Name | Days | Minutes | kcal | Points |\n|---|---|---|---:|---:|---:|\n")
	for _, w := range cat.Workouts {
		if day != nil && !catalog.ScheduledOn(w.Days, *day) {
			continue
		}
		fmt.Fprintf(&b, "| `%s` | %s | %s | %d | %d | %d |\n", w.ID, w.Name, days(w.Days), w.DurationMin, w.CaloriesBurned, w.Points)
	}

	b.WriteString("\n## Meals\n\n| ID | Name | Type | Days | kcal | Points |\n|---|---|---|---|---:|---:|\n")
	for _, m := range cat.Meals {
		if day != nil && !catalog.ScheduledOn(m.Days, *day) {
			continue
		}
		fmt.Fprintf(&b, "| `%s` | %s | %s | %s | %d | %d |\n", m.ID, m.Name, m.MealType, days(m.Days), m.Calories, m.Points)
	}

	b.WriteString("\n## Achievements\n\n")
	for _, a := range cat.Achievements {
		fmt.Fprintf(&b, "- **%s** (%s, %d pts): %s", a.Title, a.Rarity, a.Points, a.Description)
		if a.Criteria.Unit != "" {
			fmt.Fprintf(&b, " _Target: %g %s._", a.Criteria.Target, a.Criteria.Unit)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "\nDaily water goal: **%d ml**\n", cat.Hydration.DailyGoalML)
	return b.String()
}

func days(d []string) string {
	if len(d) == 0 {
		return "every day"
	}
	return strings.Join(d, ", ")
}
