package cmd

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/marcus/cashew/internal/ledger"
	"github.com/marcus/cashew/internal/models"
	"github.com/marcus/cashew/internal/output"
	"github.com/spf13/cobra"
)

// parseAmount converts a decimal string like "12.50" into integer minor
// units. At most two fraction digits are accepted.
func parseAmount(s string) (int64, error) {
	s = strings.TrimSpace(s)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}

	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" && frac == "" {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > 2 {
		return 0, fmt.Errorf("invalid amount %q: at most two decimal places", s)
	}
	for len(frac) < 2 {
		frac += "0"
	}

	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q", s)
	}

	minor := w*100 + f
	if neg {
		minor = -minor
	}
	return minor, nil
}

// resolveAccount maps an optional account argument to an account. With no
// argument, a wallet holding exactly one account uses that account.
func resolveAccount(w *wallet, arg string) (*models.Account, error) {
	if arg != "" {
		return w.DB.GetAccount(arg)
	}
	accounts, err := w.DB.ListAccounts()
	if err != nil {
		return nil, err
	}
	switch len(accounts) {
	case 0:
		return nil, fmt.Errorf("no accounts (run 'cashew accounts new' first)")
	case 1:
		return &accounts[0], nil
	default:
		return nil, fmt.Errorf("multiple accounts; specify one with --account")
	}
}

// runDelta applies one signed ledger operation and prints the result.
func runDelta(cmd *cobra.Command, kind models.TxKind, amountArg string) error {
	accountArg, _ := cmd.Flags().GetString("account")
	vendorRef, _ := cmd.Flags().GetString("vendor")
	note, _ := cmd.Flags().GetString("note")

	amount, err := parseAmount(amountArg)
	if err != nil {
		output.Error("%v", err)
		return err
	}

	w, err := openWallet()
	if err != nil {
		output.Error("%v", err)
		return err
	}
	defer w.Close()

	acct, err := resolveAccount(w, accountArg)
	if err != nil {
		output.Error("%v", err)
		return err
	}

	localRef, err := w.Ledger.ApplyOfflineDelta(acct.LocalID, amount, kind, vendorRef, note)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			if jsonMode {
				output.JSONError(output.ErrCodeInsufficientFunds, "insufficient funds")
			} else {
				output.Error("insufficient funds")
			}
			return err
		}
		output.Error("%v", err)
		return err
	}

	updated, err := w.DB.GetAccount(acct.LocalID)
	if err != nil {
		output.Error("%v", err)
		return err
	}

	if jsonMode {
		return output.JSON(map[string]any{
			"local_ref":         localRef,
			"account":           updated.LocalID,
			"effective_balance": updated.EffectiveBalance(),
			"pending_delta":     updated.PendingDelta,
		})
	}
	output.Success("%s recorded (%s)", kind, localRef)
	output.Info("Balance: %s", output.FormatBalance(updated))
	return nil
}

var topupCmd = &cobra.Command{
	Use:     "topup <amount>",
	Short:   "Add funds to an account",
	GroupID: "wallet",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDelta(cmd, models.KindTopUp, args[0])
	},
}

var payCmd = &cobra.Command{
	Use:     "pay <amount>",
	Short:   "Pay from an account",
	Long:    `Records a payment against the effective balance. Works offline; the hub confirms it on the next sync.`,
	GroupID: "wallet",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDelta(cmd, models.KindPayment, args[0])
	},
}

var refundCmd = &cobra.Command{
	Use:     "refund <amount>",
	Short:   "Refund a prior payment",
	GroupID: "wallet",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDelta(cmd, models.KindRefund, args[0])
	},
}

func init() {
	for _, c := range []*cobra.Command{topupCmd, payCmd, refundCmd} {
		c.Flags().String("account", "", "account id (optional with a single account)")
		c.Flags().String("vendor", "", "vendor reference")
		c.Flags().String("note", "", "free-form note")
		rootCmd.AddCommand(c)
	}
}
