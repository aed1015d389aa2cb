package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	version  string
	baseDir  string
	jsonMode bool
)

// SetVersion sets the version string
func SetVersion(v string) {
	version = v
}

var rootCmd = &cobra.Command{
	Use:   "cashew",
	Short: "Offline-first cashless wallet CLI",
	Long: `cashew - An offline-first cashless wallet with a local SQLite ledger.

Every balance change is journaled locally and queued for sync; the wallet
keeps working with no connectivity and reconciles with the hub when it
returns.`,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initBaseDir)

	rootCmd.SetGlobalNormalizationFunc(normalizeFlagName)
	rootCmd.PersistentFlags().BoolVar(&jsonMode, "json", false, "output as JSON")

	rootCmd.AddGroup(
		&cobra.Group{ID: "wallet", Title: "Wallet Commands:"},
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "system", Title: "System Commands:"},
	)
	rootCmd.SetHelpCommandGroupID("system")
	rootCmd.SetCompletionCommandGroupID("system")
}

// normalizeFlagName accepts underscore spellings of multi-word flags,
// e.g. --allow_negative resolves to --allow-negative.
func normalizeFlagName(f *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
}

func initBaseDir() {
	if v := os.Getenv("CASHEW_DIR"); v != "" {
		baseDir = v
		return
	}
	var err error
	baseDir, err = os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot determine working directory: %v\n", err)
		os.Exit(1)
	}
}

// getBaseDir returns the base directory holding the wallet database
func getBaseDir() string {
	return baseDir
}
