package cmd

import (
	"context"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/marcus/cashew/internal/output"
	"github.com/marcus/cashew/internal/syncclient"
	"github.com/marcus/cashew/internal/syncconfig"
	"github.com/spf13/cobra"
)

var linkCmd = &cobra.Command{
	Use:     "link",
	Short:   "Link this wallet to a cashew-hub server",
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		url, _ := cmd.Flags().GetString("url")
		key, _ := cmd.Flags().GetString("key")

		if creds, err := syncconfig.LoadLink(); err == nil && creds != nil && creds.HubURL != "" {
			output.Warning("Already linked to %s; run 'cashew unlink' first to relink", creds.HubURL)
			return nil
		}

		deviceID, err := syncconfig.GetDeviceID()
		if err != nil {
			output.Error("%v", err)
			return err
		}

		client := syncclient.New(url, key, deviceID)
		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()
		if err := client.Health(ctx); err != nil {
			output.Error("hub not reachable at %s: %v", url, err)
			return err
		}

		if err := syncconfig.SaveLink(&syncconfig.LinkCredentials{
			APIKey:   key,
			HubURL:   url,
			DeviceID: deviceID,
			LinkedAt: time.Now().UTC().Format(time.RFC3339),
		}); err != nil {
			output.Error("save link: %v", err)
			return err
		}

		output.Success("Linked to %s (device %s)", url, deviceID[:8])
		output.Info("Run 'cashew sync' to reconcile.")
		return nil
	},
}

var unlinkCmd = &cobra.Command{
	Use:     "unlink",
	Short:   "Remove the hub link",
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")

		creds, err := syncconfig.LoadLink()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		if creds == nil || creds.HubURL == "" {
			output.Info("Not linked.")
			return nil
		}

		if !force {
			var confirmed bool
			prompt := huh.NewConfirm().
				Title("Unlink from " + creds.HubURL + "?").
				Description("Queued mutations stay local until you link again.").
				Value(&confirmed)
			if err := prompt.Run(); err != nil {
				return err
			}
			if !confirmed {
				output.Info("Aborted.")
				return nil
			}
		}

		if err := syncconfig.ClearLink(); err != nil {
			output.Error("clear link: %v", err)
			return err
		}
		output.Success("Unlinked from %s", creds.HubURL)
		return nil
	},
}

func init() {
	linkCmd.Flags().String("url", "http://localhost:8422", "hub base URL")
	linkCmd.Flags().String("key", "", "API key")

	unlinkCmd.Flags().Bool("force", false, "skip confirmation")

	rootCmd.AddCommand(linkCmd, unlinkCmd)
}
