package cmd

import (
	"context"
	"time"

	"github.com/marcus/cashew/internal/output"
	"github.com/marcus/cashew/internal/syncclient"
	"github.com/marcus/cashew/internal/syncconfig"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	Short:   "Show wallet, queue and hub status",
	GroupID: "system",
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := openWallet()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer w.Close()

		accounts, err := w.DB.ListAccounts()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		pending, err := w.Queue.PendingCount()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		failed, err := w.Queue.FailedItems()
		if err != nil {
			output.Error("%v", err)
			return err
		}

		linked := syncconfig.IsLinked()
		reachable := false
		if linked {
			ctx, cancel := context.WithTimeout(cmd.Context(), 3*time.Second)
			client := syncclient.New(syncconfig.GetHubURL(), syncconfig.GetAPIKey(), "")
			reachable = client.Health(ctx) == nil
			cancel()
		}

		if jsonMode {
			return output.JSON(map[string]any{
				"accounts":      len(accounts),
				"pending_sync":  pending,
				"failed_items":  len(failed),
				"linked":        linked,
				"hub_reachable": reachable,
			})
		}

		for i := range accounts {
			output.Info("%s", output.FormatAccountShort(&accounts[i]))
		}
		if pending > 0 {
			output.Warning("%d mutation(s) awaiting sync", pending)
		} else {
			output.Info("Queue is drained.")
		}
		if len(failed) > 0 {
			output.Warning("%d mutation(s) failed terminally ('cashew queue reset <id>' to requeue)", len(failed))
		}
		switch {
		case !linked:
			output.Info("Not linked to a hub ('cashew link' to connect).")
		case reachable:
			output.Success("Hub reachable at %s", syncconfig.GetHubURL())
		default:
			output.Warning("Hub unreachable at %s (offline mode)", syncconfig.GetHubURL())
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
