package cmd

import (
	"fmt"

	"github.com/marcus/cashew/internal/db"
	"github.com/marcus/cashew/internal/ledger"
	"github.com/marcus/cashew/internal/queue"
	walletsync "github.com/marcus/cashew/internal/sync"
	"github.com/marcus/cashew/internal/syncclient"
	"github.com/marcus/cashew/internal/syncconfig"
)

// wallet bundles the handles a command needs against one local database.
type wallet struct {
	DB     *db.DB
	Queue  *queue.Queue
	Ledger *ledger.Reconciler
}

func (w *wallet) Close() error {
	return w.DB.Close()
}

// openWallet opens the wallet database in the base directory.
func openWallet() (*wallet, error) {
	database, err := db.Open(getBaseDir())
	if err != nil {
		return nil, err
	}
	q := queue.New(database)
	return &wallet{
		DB:     database,
		Queue:  q,
		Ledger: ledger.New(database, q),
	}, nil
}

// buildEngine constructs the sync orchestrator from the stored link state.
// Returns an error when the wallet has never been linked to a hub.
func buildEngine(w *wallet) (*walletsync.Orchestrator, error) {
	if !syncconfig.IsLinked() {
		return nil, fmt.Errorf("wallet is not linked to a hub (run 'cashew link' first)")
	}
	deviceID, err := syncconfig.GetDeviceID()
	if err != nil {
		return nil, fmt.Errorf("get device id: %w", err)
	}

	client := syncclient.New(syncconfig.GetHubURL(), syncconfig.GetAPIKey(), deviceID)

	cfg := walletsync.DefaultConfig()
	cfg.Interval = syncconfig.GetSyncInterval()
	cfg.StaleAfter = syncconfig.GetStaleAfter()
	cfg.PullLimit = syncconfig.GetPullLimit()

	engine := walletsync.New(w.DB, w.Queue, w.Ledger, client, cfg)
	engine.SetOnline(true)
	return engine, nil
}
