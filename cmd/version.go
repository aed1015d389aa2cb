package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:     "version",
	Short:   "Print the cashew version",
	GroupID: "system",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("cashew " + version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
