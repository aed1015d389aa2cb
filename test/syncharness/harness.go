// Package syncharness spins up a real hub over httptest and several wallet
// devices with their own databases, then drives full sync cycles through the
// production HTTP client. It exists to prove convergence: after enough cycles,
// every device agrees on every balance.
package syncharness

import (
	"context"
	"database/sql"
	"fmt"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"

	"github.com/marcus/cashew/internal/api"
	"github.com/marcus/cashew/internal/db"
	"github.com/marcus/cashew/internal/ledger"
	"github.com/marcus/cashew/internal/models"
	"github.com/marcus/cashew/internal/queue"
	"github.com/marcus/cashew/internal/serverdb"
	walletsync "github.com/marcus/cashew/internal/sync"
	"github.com/marcus/cashew/internal/syncclient"
)

// Device is one simulated wallet installation: its own database, queue,
// ledger and sync engine, talking to the shared hub over HTTP.
type Device struct {
	ID     string
	DB     *db.DB
	Queue  *queue.Queue
	Ledger *ledger.Reconciler
	Client *syncclient.Client
	Engine *walletsync.Orchestrator
}

// Harness owns the hub and the devices.
type Harness struct {
	t       *testing.T
	Hub     *serverdb.HubDB
	Server  *httptest.Server
	Devices map[string]*Device
	order   []string
}

// NewHarness stands up an in-memory hub behind httptest and numDevices wallet
// devices named device-A, device-B, ...
func NewHarness(t *testing.T, numDevices int) *Harness {
	t.Helper()

	store, err := serverdb.OpenMemory()
	if err != nil {
		t.Fatalf("open hub store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := api.LoadConfig()
	srv, err := api.NewServer(cfg, store)
	if err != nil {
		t.Fatalf("create hub server: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	h := &Harness{
		t:       t,
		Hub:     store,
		Server:  ts,
		Devices: make(map[string]*Device),
	}

	engineCfg := walletsync.DefaultConfig()
	// Every cycle is allowed to pull; staleness windows only matter in
	// production.
	engineCfg.StaleAfter = 0

	for i := 0; i < numDevices; i++ {
		deviceID := "device-" + string(rune('A'+i))

		database, err := db.Initialize(t.TempDir())
		if err != nil {
			t.Fatalf("init %s database: %v", deviceID, err)
		}
		t.Cleanup(func() { database.Close() })

		q := queue.New(database)
		rec := ledger.New(database, q)
		client := syncclient.New(ts.URL, "", deviceID)
		engine := walletsync.New(database, q, rec, client, engineCfg)
		engine.SetOnline(true)

		h.Devices[deviceID] = &Device{
			ID:     deviceID,
			DB:     database,
			Queue:  q,
			Ledger: rec,
			Client: client,
			Engine: engine,
		}
		h.order = append(h.order, deviceID)
	}
	return h
}

// Device returns a device by ID, failing the test if it does not exist.
func (h *Harness) Device(id string) *Device {
	h.t.Helper()
	d, ok := h.Devices[id]
	if !ok {
		h.t.Fatalf("unknown device: %s", id)
	}
	return d
}

// Sync runs one full cycle for a device.
func (h *Harness) Sync(deviceID string) {
	h.t.Helper()
	if err := h.Device(deviceID).Engine.RunCycle(context.Background()); err != nil {
		h.t.Fatalf("%s sync cycle: %v", deviceID, err)
	}
}

// SyncAll runs one cycle per device, in stable order.
func (h *Harness) SyncAll() {
	h.t.Helper()
	for _, id := range h.order {
		h.Sync(id)
	}
}

// AccountByRemote returns the device's local view of an account by its hub ID.
func (h *Harness) AccountByRemote(deviceID, remoteID string) *models.Account {
	h.t.Helper()
	accounts, err := h.Device(deviceID).DB.ListAccounts()
	if err != nil {
		h.t.Fatalf("%s list accounts: %v", deviceID, err)
	}
	for i := range accounts {
		if accounts[i].RemoteID != nil && *accounts[i].RemoteID == remoteID {
			return &accounts[i]
		}
	}
	return nil
}

// RemoteID returns the hub ID an account gained after its create was acked.
func (h *Harness) RemoteID(deviceID, localID string) string {
	h.t.Helper()
	a, err := h.Device(deviceID).DB.GetAccount(localID)
	if err != nil {
		h.t.Fatalf("%s get account %s: %v", deviceID, localID, err)
	}
	if a.RemoteID == nil {
		h.t.Fatalf("%s account %s has no remote id yet", deviceID, localID)
	}
	return *a.RemoteID
}

// ledgerView is the convergence fingerprint of one device: every known
// account's authoritative balance plus its set of confirmed journal entries.
func (h *Harness) ledgerView(deviceID string) string {
	h.t.Helper()
	d := h.Device(deviceID)

	accounts, err := d.DB.ListAccounts()
	if err != nil {
		h.t.Fatalf("%s list accounts: %v", deviceID, err)
	}

	var lines []string
	for _, a := range accounts {
		if a.RemoteID == nil {
			// Unpushed accounts cannot have converged yet; they would make
			// any comparison meaningless.
			h.t.Fatalf("%s account %s still has no remote id", deviceID, a.LocalID)
		}
		lines = append(lines, fmt.Sprintf("account %s balance=%d", *a.RemoteID, a.Balance))

		txns, err := d.DB.ListTransactions(a.LocalID, 1000)
		if err != nil {
			h.t.Fatalf("%s list transactions: %v", deviceID, err)
		}
		for _, txn := range txns {
			if txn.IsOffline {
				continue
			}
			lines = append(lines, fmt.Sprintf("txn %s %s %d after=%d",
				txn.LocalRef, txn.Kind, txn.Amount, txn.BalanceAfter))
		}
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n")
}

// AssertConverged fails unless every device reports the same balances and the
// same set of confirmed transactions.
func (h *Harness) AssertConverged() {
	h.t.Helper()
	if len(h.order) < 2 {
		return
	}
	ref := h.ledgerView(h.order[0])
	for _, id := range h.order[1:] {
		view := h.ledgerView(id)
		if view != ref {
			h.t.Fatalf("ledger divergence between %s and %s:\n--- %s ---\n%s\n--- %s ---\n%s",
				h.order[0], id, h.order[0], ref, id, view)
		}
	}
}

// AssertHubBalance checks the authoritative balance on the hub itself.
func (h *Harness) AssertHubBalance(remoteID string, want int64) {
	h.t.Helper()
	a, err := h.Hub.GetAccount(remoteID)
	if err != nil {
		h.t.Fatalf("hub account %s: %v", remoteID, err)
	}
	if a.Balance != want {
		h.t.Errorf("hub balance for %s = %d, want %d", remoteID, a.Balance, want)
	}
}

// PendingCount returns the device's queue depth.
func (h *Harness) PendingCount(deviceID string) int64 {
	h.t.Helper()
	n, err := h.Device(deviceID).Queue.PendingCount()
	if err != nil {
		h.t.Fatalf("%s pending count: %v", deviceID, err)
	}
	return n
}

// ClearBackoff removes retry windows so a follow-up cycle retries immediately,
// standing in for the passage of wall-clock time.
func (h *Harness) ClearBackoff(deviceID string) {
	h.t.Helper()
	err := h.Device(deviceID).DB.Tx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE sync_queue SET next_attempt_at = NULL WHERE status = 'pending'`)
		return err
	})
	if err != nil {
		h.t.Fatalf("%s clear backoff: %v", deviceID, err)
	}
}
