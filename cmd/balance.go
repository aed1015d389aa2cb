package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/marcus/cashew/internal/ledger"
	"github.com/marcus/cashew/internal/output"
	"github.com/marcus/cashew/internal/syncclient"
	"github.com/marcus/cashew/internal/syncconfig"
	"github.com/spf13/cobra"
)

var balanceCmd = &cobra.Command{
	Use:     "balance [account]",
	Aliases: []string{"bal"},
	Short:   "Show an account's effective balance",
	GroupID: "wallet",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		verify, _ := cmd.Flags().GetBool("verify")

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

		if verify {
			if err := verifyAgainstHub(w, acct.LocalID); err != nil {
				output.Error("%v", err)
				return err
			}
			// Re-read: verification may have folded confirmed deltas.
			acct, err = resolveAccount(w, acct.LocalID)
			if err != nil {
				output.Error("%v", err)
				return err
			}
		}

		if jsonMode {
			return output.JSON(map[string]any{
				"account":           acct.LocalID,
				"balance":           acct.Balance,
				"pending_delta":     acct.PendingDelta,
				"effective_balance": acct.EffectiveBalance(),
				"currency":          acct.Currency,
				"is_synced":         acct.IsSynced,
			})
		}
		output.Info("%s", output.FormatBalance(acct))
		return nil
	},
}

// verifyAgainstHub fetches the hub's authoritative snapshot for the account
// and reconciles the local ledger against it.
func verifyAgainstHub(w *wallet, localID string) error {
	if !syncconfig.IsLinked() {
		return fmt.Errorf("--verify needs a linked hub (run 'cashew link' first)")
	}
	acct, err := w.DB.GetAccount(localID)
	if err != nil {
		return err
	}
	if acct.RemoteID == nil {
		return fmt.Errorf("account %s has not synced yet; run 'cashew sync now' first", localID)
	}

	deviceID, err := syncconfig.GetDeviceID()
	if err != nil {
		return fmt.Errorf("get device id: %w", err)
	}
	client := syncclient.New(syncconfig.GetHubURL(), syncconfig.GetAPIKey(), deviceID)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	snap, err := client.Snapshot(ctx, *acct.RemoteID)
	if err != nil {
		return fmt.Errorf("fetch snapshot: %w", err)
	}

	asOf, err := time.Parse(time.RFC3339, snap.AsOf)
	if err != nil {
		asOf = time.Now().UTC()
	}
	confirmed := make([]ledger.ConfirmedRef, 0, len(snap.ConfirmedRefs))
	for _, ref := range snap.ConfirmedRefs {
		confirmed = append(confirmed, ledger.ConfirmedRef{
			LocalRef:     ref.LocalRef,
			RemoteID:     ref.RemoteID,
			BalanceAfter: ref.BalanceAfter,
		})
	}
	if err := w.Ledger.ApplyServerSnapshot(localID, snap.Balance, confirmed, asOf); err != nil {
		return fmt.Errorf("apply snapshot: %w", err)
	}
	output.Success("verified against hub (authoritative balance %s)", output.Money(snap.Balance, snap.Currency))
	return nil
}

func init() {
	balanceCmd.Flags().Bool("verify", false, "reconcile against the hub's authoritative snapshot")
	rootCmd.AddCommand(balanceCmd)
}
