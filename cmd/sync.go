package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/fitsync/internal/output"
	fssync "github.com/marcus/fitsync/internal/sync"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	Short:   "Show connectivity, queue depth and last sync",
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), cmd, appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		st := a.svc.SyncStatus()
		if jsonOutput(cmd) {
			return output.JSON(st)
		}

		fmt.Printf("Connectivity: %s\n", output.FormatOnline(st.Online))
		fmt.Printf("Owner:        %s\n", a.svc.Owner())
		fmt.Printf("Queued:       %d\n", st.QueueLength)
		if st.LastSyncAttempt != nil {
			fmt.Printf("Last sync:    %s\n", output.FormatTimeAgo(*st.LastSyncAttempt))
		} else {
			fmt.Println("Last sync:    never")
		}
		if st.DataAtRisk {
			output.Warning("%d local writes failed; pending changes may not survive a restart", st.StorageFailures)
		}
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:     "sync",
	Short:   "Push queued changes to the remote store",
	GroupID: "sync",
	Long: `Drains the action queue once. Without --force the drain is skipped
while offline; --force attempts it regardless and lets the per-action
retries decide.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")

		a, err := openApp(cmd.Context(), cmd, appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		var res fssync.Result
		if force {
			res = a.svc.ForceSync(cmd.Context())
		} else {
			if !a.svc.SyncStatus().Online {
				if jsonOutput(cmd) {
					output.JSONError(output.ErrCodeOffline, "remote unreachable")
				} else {
					output.Warning("offline; %d actions stay queued", a.svc.Queue().Len())
				}
				return nil
			}
			res = a.svc.Drain(cmd.Context())
		}

		if jsonOutput(cmd) {
			return output.JSON(res)
		}
		printResult(res, a.svc.Queue().Len())
		return nil
	},
}

func printResult(res fssync.Result, remaining int) {
	switch {
	case res.Success && res.Synced == 0 && remaining == 0:
		output.Info("nothing to sync")
	case res.Success:
		output.Success("synced %d actions", res.Synced)
	default:
		output.Warning("synced %d, failed %d, deferred %d", res.Synced, res.Failed, res.Deferred)
		for _, e := range res.Errors {
			fmt.Printf("  %s\n", e)
		}
	}
	if remaining > 0 {
		fmt.Printf("%d actions still queued\n", remaining)
	}
}

var runCmd = &cobra.Command{
	Use:     "run",
	Short:   "Keep syncing in the foreground until interrupted",
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := openApp(ctx, cmd, appOptions{drain: true})
		if err != nil {
			return err
		}
		defer a.Close()

		unsubscribe := a.svc.SubscribeToConnectivity(func(online bool) {
			fmt.Printf("%s  %s\n", time.Now().Format(time.TimeOnly), output.FormatOnline(online))
		})
		defer unsubscribe()

		output.Info("syncing as %s; press Ctrl+C to stop", a.svc.Owner())
		if err := a.svc.Start(ctx); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().Bool("force", false, "Attempt the drain even when offline")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(runCmd)
}
