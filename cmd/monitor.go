package cmd

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/marcus/cashew/internal/output"
	"github.com/marcus/cashew/internal/tui/monitor"
	"github.com/spf13/cobra"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Live TUI dashboard for balances and sync state",
	Long: `Launch a live-updating dashboard showing account balances, the
mutation queue and per-entity-type sync bookkeeping.

Key bindings:
  s    Force a sync cycle
  r    Refresh now
  q    Quit`,
	GroupID: "system",
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := openWallet()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer w.Close()

		// The engine is optional: an unlinked wallet still gets the
		// read-only dashboard.
		engine, _ := buildEngine(w)

		m := monitor.NewModel(w.DB, w.Queue, engine)
		if interval, err := cmd.Flags().GetDuration("interval"); err == nil && interval > 0 {
			m.RefreshInterval = interval
		}

		p := tea.NewProgram(m, tea.WithAltScreen())
		if _, err := p.Run(); err != nil {
			output.Error("monitor: %v", err)
			return err
		}
		return nil
	},
}

func init() {
	monitorCmd.Flags().Duration("interval", 2*time.Second, "refresh interval")
	rootCmd.AddCommand(monitorCmd)
}
