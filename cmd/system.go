package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/marcus/fitsync/internal/config"
	"github.com/marcus/fitsync/internal/entitycache"
	"github.com/marcus/fitsync/internal/events"
	"github.com/marcus/fitsync/internal/output"
	"github.com/marcus/fitsync/internal/suggest"
	"github.com/marcus/fitsync/internal/tui/monitor"
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	Short:   "Inspect or purge pending remote writes",
	GroupID: "sync",
}

var queueListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List queued actions in drain order",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), cmd, appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		filter, _ := cmd.Flags().GetString("collection")
		if filter != "" {
			c, _ := events.NormalizeCollection(filter)
			filter = string(c)
		}

		pending := a.svc.PendingActions()
		if filter != "" {
			kept := pending[:0]
			for _, act := range pending {
				if act.Collection == filter {
					kept = append(kept, act)
				}
			}
			pending = kept
		}
		if jsonOutput(cmd) {
			return output.JSON(pending)
		}
		if len(pending) == 0 {
			output.Info("queue is empty")
			return nil
		}
		for _, act := range pending {
			fmt.Printf("%s %s  %-18s  attempts %d/%d  %s\n",
				output.FormatOp(act.Operation), shortID(act.ID), act.Collection,
				act.AttemptCount, act.MaxAttempts, output.FormatTimeAgo(time.UnixMilli(act.EnqueuedAt)))
		}
		return nil
	},
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

var queuePurgeCmd = &cobra.Command{
	Use:   "purge <collection>",
	Short: "Drop every queued action for a collection",
	Long: `Removes queued actions for one collection without sending them.
The local cache keeps its optimistic state; the remote never sees the
dropped writes.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _ := events.NormalizeCollection(args[0])
		collection := string(c)

		yes, _ := cmd.Flags().GetBool("yes")
		if !yes {
			if !output.IsTerminal() {
				err := errors.New("refusing to purge without --yes")
				output.Error("%v", err)
				return err
			}
			confirmed := false
			err := huh.NewConfirm().
				Title(fmt.Sprintf("Drop all queued %s actions?", collection)).
				Description("Dropped writes are never sent to the remote.").
				Affirmative("Purge").
				Negative("Cancel").
				Value(&confirmed).
				Run()
			if err != nil {
				return err
			}
			if !confirmed {
				output.Info("cancelled")
				return nil
			}
		}

		a, err := openApp(cmd.Context(), cmd, appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		n := a.svc.Queue().RemoveByCollection(cmd.Context(), collection)
		if jsonOutput(cmd) {
			return output.JSON(map[string]any{"collection": collection, "removed": n})
		}
		output.Success("removed %d queued %s actions", n, collection)
		return nil
	},
}

var cacheCmd = &cobra.Command{
	Use:     "cache",
	Short:   "Inspect the local entity cache",
	GroupID: "sync",
}

var cacheListCmd = &cobra.Command{
	Use:   "list [prefix]",
	Short: "List cached entities, optionally by key prefix",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), cmd, appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		prefix := ""
		if len(args) == 1 {
			prefix = args[0]
		}
		stale, _ := cmd.Flags().GetDuration("stale")

		var entities []entitycache.Entity
		for _, e := range a.svc.Cache().ListByPrefix(prefix) {
			if stale > 0 && !a.svc.Cache().IsStale(e, stale) {
				continue
			}
			entities = append(entities, e)
		}
		sort.Slice(entities, func(i, j int) bool { return entities[i].Key < entities[j].Key })

		if jsonOutput(cmd) {
			return output.JSON(entities)
		}
		if len(entities) == 0 {
			output.Info("no cached entities")
			return nil
		}
		for _, e := range entities {
			fmt.Printf("%-48s  %s\n", e.Key, output.FormatTimeAgo(time.UnixMilli(e.CachedAt)))
		}
		return nil
	},
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Live TUI dashboard for sync activity",
	Long: `Launch a live-updating dashboard showing connectivity, the pending
queue and an activity feed of completions, unlocks and connectivity
changes. Sync runs in the background while the dashboard is open.

Key bindings:
  Tab/Shift+Tab  Switch panels
  1/2/3          Jump to panel
  j/k            Scroll
  s              Force sync
  r              Refresh
  ?              Toggle help
  q              Quit`,
	GroupID: "system",
	RunE: func(cmd *cobra.Command, args []string) error {
		// The dashboard owns the terminal; engine logs go to a file.
		logPath := filepath.Join(config.GetDataDir(), "monitor.log")
		if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
			return err
		}
		logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			output.Error("open log: %v", err)
			return err
		}
		defer logFile.Close()
		setupLogging(logFile, true)

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		a, err := openApp(ctx, cmd, appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		done := make(chan error, 1)
		go func() { done <- a.svc.Start(ctx) }()

		interval, _ := cmd.Flags().GetDuration("interval")
		if interval < 500*time.Millisecond {
			interval = 2 * time.Second
		}
		model := monitor.NewModel(a.svc, interval)
		defer model.Close()

		p := tea.NewProgram(model, tea.WithAltScreen())
		_, runErr := p.Run()
		cancel()
		if err := <-done; err != nil {
			output.Warning("background sync: %v", err)
		}
		if runErr != nil {
			return fmt.Errorf("error running monitor: %w", runErr)
		}
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:     "config",
	Short:   "Manage fitsync configuration",
	GroupID: "system",
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Show the effective value of a config key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := config.Get(args[0])
		if err != nil {
			output.Error("%v", err)
			printKeyHint(args[0])
			return err
		}
		fmt.Println(v)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a config value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Set(args[0], args[1]); err != nil {
			output.Error("%v", err)
			if !slices.Contains(config.Keys, args[0]) {
				printKeyHint(args[0])
			}
			return err
		}
		output.Success("%s = %s", args[0], args[1])
		return nil
	},
}

func printKeyHint(key string) {
	if hint := suggest.Hint(suggest.Closest(key, config.Keys)); hint != "" {
		fmt.Println(hint)
		return
	}
	fmt.Println("Valid keys:", strings.Join(config.Keys, ", "))
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show every config key with its effective value",
	RunE: func(cmd *cobra.Command, args []string) error {
		values := make(map[string]string, len(config.Keys))
		for _, k := range config.Keys {
			v, _ := config.Get(k)
			values[k] = v
		}
		if jsonOutput(cmd) {
			return output.JSON(values)
		}
		for _, k := range config.Keys {
			fmt.Printf("%-28s %s\n", k, values[k])
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:     "version",
	Short:   "Show version",
	GroupID: "system",
	Run: func(cmd *cobra.Command, args []string) {
		short, _ := cmd.Flags().GetBool("short")
		if short {
			fmt.Print(version)
			return
		}
		fmt.Printf("fitsync version %s\n", version)
	},
}

func init() {
	queueListCmd.Flags().String("collection", "", "Only show actions for this collection")
	queuePurgeCmd.Flags().BoolP("yes", "y", false, "Skip confirmation")
	cacheListCmd.Flags().Duration("stale", 0, "Only show entities older than this")
	monitorCmd.Flags().Duration("interval", 2*time.Second, "Refresh interval")
	versionCmd.Flags().Bool("short", false, "Print only the version")

	queueCmd.AddCommand(queueListCmd, queuePurgeCmd)
	cacheCmd.AddCommand(cacheListCmd)
	configCmd.AddCommand(configGetCmd, configSetCmd, configListCmd)

	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
