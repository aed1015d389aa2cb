package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/marcus/cashew/internal/db"
	"github.com/marcus/cashew/internal/output"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:     "init",
	Short:   "Initialize a new wallet",
	Long:    `Creates the local .cashew directory and SQLite database.`,
	GroupID: "system",
	RunE: func(cmd *cobra.Command, args []string) error {
		baseDir := getBaseDir()

		if _, err := os.Stat(filepath.Join(baseDir, ".cashew")); err == nil {
			output.Warning(".cashew/ already exists")
			return nil
		}

		database, err := db.Initialize(baseDir)
		if err != nil {
			output.Error("failed to initialize database: %v", err)
			return err
		}
		defer database.Close()

		fmt.Println("INITIALIZED .cashew/")
		output.Info("Create an account with 'cashew accounts new' and link a hub with 'cashew link'.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
