package cmd

import (
	"time"

	"github.com/marcus/cashew/internal/dateparse"
	"github.com/marcus/cashew/internal/output"
	"github.com/spf13/cobra"
)

var txnsCmd = &cobra.Command{
	Use:     "txns [account]",
	Aliases: []string{"transactions"},
	Short:   "List the transaction journal",
	GroupID: "wallet",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		pendingOnly, _ := cmd.Flags().GetBool("pending")
		sinceArg, _ := cmd.Flags().GetString("since")

		var since time.Time
		if sinceArg != "" {
			cutoff, err := dateparse.ParseSince(sinceArg)
			if err != nil {
				output.Error("%v", err)
				return err
			}
			since = cutoff
		}

		w, err := openWallet()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer w.Close()

		arg := ""
		if len(args) > 0 {
			arg = args[0]
		}
		acct, err := resolveAccount(w, arg)
		if err != nil {
			output.Error("%v", err)
			return err
		}

		txns, err := w.DB.ListTransactions(acct.LocalID, limit)
		if err != nil {
			output.Error("list transactions: %v", err)
			return err
		}

		filtered := txns[:0]
		for _, t := range txns {
			if pendingOnly && !t.IsOffline {
				continue
			}
			if !since.IsZero() && t.CreatedAt.Before(since) {
				continue
			}
			filtered = append(filtered, t)
		}
		txns = filtered

		if jsonMode {
			return output.JSON(txns)
		}
		if len(txns) == 0 {
			output.Info("No transactions.")
			return nil
		}
		for i := range txns {
			output.Info("%s", output.FormatTransactionShort(&txns[i], acct.Currency))
		}
		return nil
	},
}

func init() {
	txnsCmd.Flags().Int("limit", 50, "maximum entries to show")
	txnsCmd.Flags().Bool("pending", false, "show only unconfirmed entries")
	txnsCmd.Flags().String("since", "", "only entries after this date (2026-08-01, 7d, yesterday)")
	rootCmd.AddCommand(txnsCmd)
}
