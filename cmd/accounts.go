package cmd

import (
	"github.com/marcus/cashew/internal/output"
	"github.com/spf13/cobra"
)

var accountsCmd = &cobra.Command{
	Use:     "accounts",
	Aliases: []string{"acct"},
	Short:   "List wallet accounts",
	GroupID: "wallet",
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := openWallet()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer w.Close()

		accounts, err := w.DB.ListAccounts()
		if err != nil {
			output.Error("list accounts: %v", err)
			return err
		}

		if jsonMode {
			return output.JSON(accounts)
		}
		if len(accounts) == 0 {
			output.Info("No accounts. Create one with 'cashew accounts new'.")
			return nil
		}
		for i := range accounts {
			output.Info("%s", output.FormatAccountShort(&accounts[i]))
		}
		return nil
	},
}

var accountsNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Create a new account",
	RunE: func(cmd *cobra.Command, args []string) error {
		label, _ := cmd.Flags().GetString("label")
		currency, _ := cmd.Flags().GetString("currency")
		allowNegative, _ := cmd.Flags().GetBool("allow-negative")

		w, err := openWallet()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer w.Close()

		acct, err := w.Ledger.ProvisionAccount(label, currency, allowNegative)
		if err != nil {
			output.Error("create account: %v", err)
			return err
		}

		if jsonMode {
			return output.JSON(acct)
		}
		output.Success("Created account %s", acct.LocalID)
		output.Info("It will receive a hub identity on the next sync.")
		return nil
	},
}

func init() {
	accountsNewCmd.Flags().String("label", "", "account label")
	accountsNewCmd.Flags().String("currency", "EUR", "ISO currency code")
	accountsNewCmd.Flags().Bool("allow-negative", false, "permit a negative balance")

	accountsCmd.AddCommand(accountsNewCmd)
	rootCmd.AddCommand(accountsCmd)
}
