package cmd

import (
	"strconv"
	"time"

	"github.com/marcus/cashew/internal/output"
	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	Short:   "Inspect the pending mutation queue",
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		return queueListCmd.RunE(cmd, args)
	},
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued mutations",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		if limit == 0 {
			limit = 50
		}

		w, err := openWallet()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer w.Close()

		items, err := w.Queue.List(limit)
		if err != nil {
			output.Error("list queue: %v", err)
			return err
		}

		if jsonMode {
			return output.JSON(items)
		}
		if len(items) == 0 {
			output.Info("Queue is empty.")
			return nil
		}
		for i := range items {
			output.Info("%s", output.FormatQueueItem(&items[i]))
		}
		return nil
	},
}

var queueResetCmd = &cobra.Command{
	Use:   "reset <item-id>",
	Short: "Requeue a terminally failed mutation",
	Long:  `Moves a failed queue item back to pending with a fresh retry budget. Failed items are never retried without this explicit step.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			output.Error("invalid item id %q", args[0])
			return err
		}

		w, err := openWallet()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer w.Close()

		if err := w.Queue.ResetForRetry(id); err != nil {
			output.Error("reset item %d: %v", id, err)
			return err
		}
		output.Success("Item %d requeued", id)
		return nil
	},
}

var queuePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Remove old completed queue items",
	RunE: func(cmd *cobra.Command, args []string) error {
		olderThan, _ := cmd.Flags().GetDuration("older-than")

		w, err := openWallet()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer w.Close()

		n, err := w.Queue.PurgeCompleted(olderThan)
		if err != nil {
			output.Error("purge queue: %v", err)
			return err
		}
		output.Success("Purged %d completed item(s)", n)
		return nil
	},
}

func init() {
	queueListCmd.Flags().Int("limit", 50, "maximum items to show")
	queuePurgeCmd.Flags().Duration("older-than", 24*time.Hour, "age threshold for completed items")

	queueCmd.AddCommand(queueListCmd, queueResetCmd, queuePurgeCmd)
	rootCmd.AddCommand(queueCmd)
}
