package cmd

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/marcus/fitsync/internal/catalog"
	"github.com/marcus/fitsync/internal/events"
	"github.com/marcus/fitsync/internal/output"
	"github.com/marcus/fitsync/internal/progress"
	"github.com/marcus/fitsync/internal/suggest"
)

const refreshTimeout = 10 * time.Second

// parseFields turns k=v arguments into a record body. Values that parse as
// JSON keep their type; anything else is a string.
func parseFields(args []string) (map[string]any, error) {
	data := make(map[string]any, len(args))
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid field %q (want key=value)", arg)
		}
		var decoded any
		if err := json.Unmarshal([]byte(v), &decoded); err == nil {
			data[k] = decoded
		} else {
			data[k] = v
		}
	}
	return data, nil
}

// parseKind accepts singular and plural kind names.
func parseKind(s string) (events.Kind, error) {
	switch strings.ToLower(strings.TrimSuffix(strings.TrimSpace(s), "s")) {
	case "workout":
		return events.KindWorkout, nil
	case "meal":
		return events.KindMeal, nil
	case "achievement":
		return events.KindAchievement, nil
	case "hydration", "water":
		return events.KindHydration, nil
	}
	return "", fmt.Errorf("unknown kind %q", s)
}

// parseDay resolves a weekday name, "today", or "" (today).
func parseDay(s string, now time.Time) (time.Weekday, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || s == "today" {
		return now.Weekday(), nil
	}
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if s == name || s == name[:3] {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown day %q", s)
}

func subjectName(cat *catalog.Catalog, kind events.Kind, id string) string {
	switch kind {
	case events.KindWorkout:
		if w, ok := cat.Workout(id); ok {
			return w.Name
		}
	case events.KindMeal:
		if m, ok := cat.Meal(id); ok {
			return m.Name
		}
	case events.KindAchievement:
		if a, ok := cat.Achievement(id); ok {
			return a.Title
		}
	}
	return ""
}

// warnUnknownCollection flags likely typos. Unknown collections are still
// queued since the remote may define them.
func warnUnknownCollection(name string) {
	if _, ok := events.NormalizeCollection(name); ok {
		return
	}
	known := make([]string, 0, len(events.KnownCollections()))
	for c := range events.KnownCollections() {
		known = append(known, string(c))
	}
	if hint := suggest.Hint(suggest.Closest(name, known)); hint != "" {
		output.Warning("unknown collection %q; %s", name, hint)
	}
}

var logCmd = &cobra.Command{
	Use:     "log",
	Short:   "Write records optimistically and queue them for sync",
	GroupID: "track",
}

var logCreateCmd = &cobra.Command{
	Use:   "create <collection> [key=value...]",
	Short: "Create a record",
	Example: `  fitsync log create meal_logs meal_id=m-oats calories=350
  fitsync log create workout_sessions workout_id=w-hiit duration_min=20`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := parseFields(args[1:])
		if err != nil {
			output.Error("%v", err)
			return err
		}
		a, err := openApp(cmd.Context(), cmd, appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		warnUnknownCollection(args[0])
		id, err := a.svc.OptimisticCreate(cmd.Context(), args[0], data, "")
		if err != nil {
			output.Error("create: %v", err)
			return err
		}
		if jsonOutput(cmd) {
			return output.JSON(map[string]any{"id": id, "queued": a.svc.Queue().Len()})
		}
		output.Success("created %s (%d queued)", id, a.svc.Queue().Len())
		return nil
	},
}

var logUpdateCmd = &cobra.Command{
	Use:   "update <collection> <id> key=value...",
	Short: "Patch a record",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := parseFields(args[2:])
		if err != nil {
			output.Error("%v", err)
			return err
		}
		a, err := openApp(cmd.Context(), cmd, appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.svc.OptimisticUpdate(cmd.Context(), args[0], args[1], data, ""); err != nil {
			output.Error("update: %v", err)
			return err
		}
		output.Success("updated %s", args[1])
		return nil
	},
}

var logDeleteCmd = &cobra.Command{
	Use:     "delete <collection> <id>",
	Aliases: []string{"rm"},
	Short:   "Delete a record",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), cmd, appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.svc.OptimisticDelete(cmd.Context(), args[0], args[1], ""); err != nil {
			output.Error("delete: %v", err)
			return err
		}
		output.Success("deleted %s", args[1])
		return nil
	},
}

var completeCmd = &cobra.Command{
	Use:     "complete <kind> <id>",
	Aliases: []string{"done"},
	Short:   "Mark a workout, meal or achievement complete",
	GroupID: "track",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := parseKind(args[0])
		if err != nil {
			output.Error("%v", err)
			return err
		}
		a, err := openApp(cmd.Context(), cmd, appOptions{drain: true})
		if err != nil {
			return err
		}
		defer a.Close()

		rec, err := a.svc.Complete(cmd.Context(), kind, args[1])
		if err != nil {
			output.Error("%v", err)
			return err
		}
		if jsonOutput(cmd) {
			return output.JSON(rec)
		}
		fmt.Println(output.FormatRecord(rec, subjectName(a.svc.Catalog(), kind, rec.SubjectID)))
		return nil
	},
}

var progressCmd = &cobra.Command{
	Use:     "progress [kind]",
	Short:   "Show progress records and today's summary",
	GroupID: "track",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kinds := []events.Kind{events.KindWorkout, events.KindMeal, events.KindAchievement, events.KindHydration}
		if len(args) == 1 {
			kind, err := parseKind(args[0])
			if err != nil {
				output.Error("%v", err)
				return err
			}
			kinds = []events.Kind{kind}
		}

		a, err := openApp(cmd.Context(), cmd, appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		if refresh, _ := cmd.Flags().GetBool("refresh"); refresh && a.svc.SyncStatus().Online {
			ctx, cancel := context.WithTimeout(cmd.Context(), refreshTimeout)
			err := a.svc.Refresh(ctx)
			cancel()
			if err != nil {
				output.Warning("refresh failed, showing local state: %v", err)
			}
		}

		byKind := make(map[events.Kind][]progress.Record, len(kinds))
		for _, k := range kinds {
			recs := a.svc.Records(k)
			sort.Slice(recs, func(i, j int) bool { return recs[i].SubjectID < recs[j].SubjectID })
			byKind[k] = recs
		}
		if jsonOutput(cmd) {
			return output.JSON(map[string]any{"records": byKind, "summary": a.svc.Summary()})
		}

		for _, k := range kinds {
			fmt.Println(output.SectionHeader(strings.ToUpper(string(k))))
			if len(byKind[k]) == 0 {
				fmt.Println("  (none)")
				continue
			}
			for _, rec := range byKind[k] {
				fmt.Println("  " + output.FormatRecord(rec, subjectName(a.svc.Catalog(), k, rec.SubjectID)))
			}
		}

		s := a.svc.Summary()
		fmt.Println()
		fmt.Println(output.SectionHeader("TODAY"))
		fmt.Printf("  Workouts      %d/%d  (%d pts)\n", s.Workouts.Completed, s.Workouts.Total, s.Workouts.Points)
		fmt.Printf("  Meals         %d/%d  (%d pts)\n", s.Meals.Completed, s.Meals.Total, s.Meals.Points)
		fmt.Printf("  Achievements  %d/%d  (%d pts)\n", s.Achievements.Completed, s.Achievements.Total, s.Achievements.Points)
		fmt.Printf("  Water         %s  %.0f/%.0f ml\n", output.ProgressBar(s.HydrationTodayML/s.HydrationGoalML, 10), s.HydrationTodayML, s.HydrationGoalML)
		fmt.Printf("  Calories      %.0f in, %.0f out\n", s.ConsumedCalories, s.BurnedCalories)
		return nil
	},
}

var hydrateCmd = &cobra.Command{
	Use:     "hydrate <ml>",
	Aliases: []string{"water"},
	Short:   "Log water intake",
	GroupID: "track",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ml, err := strconv.ParseFloat(args[0], 64)
		if err != nil || ml <= 0 {
			err = fmt.Errorf("invalid amount %q", args[0])
			output.Error("%v", err)
			return err
		}
		a, err := openApp(cmd.Context(), cmd, appOptions{drain: true})
		if err != nil {
			return err
		}
		defer a.Close()

		rec, err := a.svc.AddWater(cmd.Context(), ml)
		if err != nil {
			output.Error("%v", err)
			return err
		}
		if jsonOutput(cmd) {
			return output.JSON(rec)
		}
		fmt.Printf("%s  %.0f ml today\n", output.ProgressBar(rec.Progress/progress.Scale(rec.Kind), 20), rec.Amount)
		return nil
	},
}

var caloriesCmd = &cobra.Command{
	Use:     "calories",
	Short:   "Show calories consumed from completed meals",
	GroupID: "track",
	RunE: func(cmd *cobra.Command, args []string) error {
		dayFlag, _ := cmd.Flags().GetString("day")
		day, err := parseDay(dayFlag, time.Now())
		if err != nil {
			output.Error("%v", err)
			return err
		}
		a, err := openApp(cmd.Context(), cmd, appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		kcal := a.svc.ConsumedCalories(day)
		if jsonOutput(cmd) {
			return output.JSON(map[string]any{"day": day.String(), "consumed": kcal})
		}
		fmt.Printf("%s: %.0f kcal consumed\n", day, kcal)
		return nil
	},
}

var planCmd = &cobra.Command{
	Use:     "plan",
	Short:   "Show the workout and meal plan",
	GroupID: "track",
	RunE: func(cmd *cobra.Command, args []string) error {
		cat, err := loadCatalog()
		if err != nil {
			output.Error("load catalog: %v", err)
			return err
		}
		var day *time.Weekday
		if dayFlag, _ := cmd.Flags().GetString("day"); dayFlag != "" {
			d, err := parseDay(dayFlag, time.Now())
			if err != nil {
				output.Error("%v", err)
				return err
			}
			day = &d
		}
		if jsonOutput(cmd) {
			return output.JSON(cat)
		}

		md := output.CatalogMarkdown(cat, day)
		if !output.IsTerminal() {
			fmt.Print(md)
			return nil
		}
		rendered, err := output.RenderMarkdown(md)
		if err != nil {
			fmt.Print(md)
			return nil
		}
		fmt.Print(rendered)
		return nil
	},
}

func init() {
	progressCmd.Flags().Bool("refresh", false, "Merge remote progress before showing")
	caloriesCmd.Flags().String("day", "", "Weekday (default today)")
	planCmd.Flags().String("day", "", "Only show items scheduled on this weekday")

	logCmd.AddCommand(logCreateCmd)
	logCmd.AddCommand(logUpdateCmd)
	logCmd.AddCommand(logDeleteCmd)

	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(completeCmd)
	rootCmd.AddCommand(progressCmd)
	rootCmd.AddCommand(hydrateCmd)
	rootCmd.AddCommand(caloriesCmd)
	rootCmd.AddCommand(planCmd)
}
