package cmd

import (
	"context"
	"time"

	"github.com/marcus/cashew/internal/output"
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	Short:   "Run one sync cycle against the hub",
	Long:    `Pulls authoritative state, pushes queued mutations and reconciles balances. Use --status to inspect sync bookkeeping without touching the network.`,
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		statusOnly, _ := cmd.Flags().GetBool("status")

		w, err := openWallet()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer w.Close()

		if statusOnly {
			return printSyncStatus(w)
		}

		engine, err := buildEngine(w)
		if err != nil {
			if jsonMode {
				output.JSONError(output.ErrCodeNotLinked, err.Error())
			} else {
				output.Error("%v", err)
			}
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
		defer cancel()

		if err := engine.ForceSync(ctx); err != nil {
			if jsonMode {
				output.JSONError(output.ErrCodeSyncError, err.Error())
			} else {
				output.Error("sync failed: %v", err)
			}
			return err
		}

		pending, err := engine.PendingSyncCount()
		if err != nil {
			output.Error("%v", err)
			return err
		}

		if jsonMode {
			return output.JSON(map[string]any{"synced": true, "pending": pending})
		}
		if pending == 0 {
			output.Success("Synced; queue is drained")
		} else {
			output.Success("Synced; %d mutation(s) still pending", pending)
		}
		return nil
	},
}

func printSyncStatus(w *wallet) error {
	meta, err := w.DB.AllSyncMeta()
	if err != nil {
		output.Error("read sync metadata: %v", err)
		return err
	}
	failed, err := w.Queue.FailedItems()
	if err != nil {
		output.Error("read failed items: %v", err)
		return err
	}

	if jsonMode {
		return output.JSON(map[string]any{"entity_types": meta, "failed_items": failed})
	}

	if len(meta) == 0 {
		output.Info("Never synced.")
	}
	for _, m := range meta {
		pulled := "never"
		if m.LastPulledAt != nil {
			pulled = m.LastPulledAt.Format(time.RFC3339)
		}
		pushed := "never"
		if m.LastPushedAt != nil {
			pushed = m.LastPushedAt.Format(time.RFC3339)
		}
		output.Info("%-14s pulled %-22s pushed %-22s token %-6d pending %d",
			m.EntityType, pulled, pushed, m.LastSyncToken, m.PendingChanges)
	}

	if len(failed) > 0 {
		output.Warning("%d mutation(s) failed terminally; inspect with 'cashew queue list' and requeue with 'cashew queue reset <id>'", len(failed))
		for i := range failed {
			output.Info("%s", output.FormatQueueItem(&failed[i]))
		}
	}
	return nil
}

func init() {
	syncCmd.Flags().Bool("status", false, "show sync bookkeeping instead of syncing")
	rootCmd.AddCommand(syncCmd)
}
