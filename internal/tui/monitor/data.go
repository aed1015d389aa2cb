package monitor

import (
	"github.com/marcus/cashew/internal/db"
	"github.com/marcus/cashew/internal/models"
	"github.com/marcus/cashew/internal/queue"
	walletsync "github.com/marcus/cashew/internal/sync"
)

const queueItemLimit = 50

// dashboardData is one refresh's worth of state.
type dashboardData struct {
	Accounts   []models.Account
	QueueItems []models.QueueItem
	Meta       []models.SyncMeta
	Pending    int64
	Online     bool
}

func loadDashboard(database *db.DB, q *queue.Queue, engine *walletsync.Orchestrator) (dashboardData, error) {
	var data dashboardData

	accounts, err := database.ListAccounts()
	if err != nil {
		return data, err
	}
	data.Accounts = accounts

	items, err := q.List(queueItemLimit)
	if err != nil {
		return data, err
	}
	data.QueueItems = items

	meta, err := database.AllSyncMeta()
	if err != nil {
		return data, err
	}
	data.Meta = meta

	pending, err := q.PendingCount()
	if err != nil {
		return data, err
	}
	data.Pending = pending

	if engine != nil {
		data.Online = engine.Online()
	}
	return data, nil
}
