package cmd

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/marcus/cashew/internal/api"
	"github.com/marcus/cashew/internal/db"
	"github.com/marcus/cashew/internal/ledger"
	"github.com/marcus/cashew/internal/models"
	"github.com/marcus/cashew/internal/queue"
	"github.com/marcus/cashew/internal/serverdb"
	walletsync "github.com/marcus/cashew/internal/sync"
	"github.com/marcus/cashew/internal/syncclient"
	"github.com/marcus/cashew/internal/syncconfig"
)

func setupWallet(t *testing.T) *wallet {
	t.Helper()
	database, err := db.Initialize(t.TempDir())
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	q := queue.New(database)
	return &wallet{DB: database, Queue: q, Ledger: ledger.New(database, q)}
}

func TestResolveAccountDefaultsToOnlyAccount(t *testing.T) {
	w := setupWallet(t)

	if _, err := resolveAccount(w, ""); err == nil {
		t.Error("expected error with no accounts")
	}

	a, err := w.Ledger.ProvisionAccount("Canteen", "EUR", false)
	if err != nil {
		t.Fatalf("ProvisionAccount failed: %v", err)
	}

	got, err := resolveAccount(w, "")
	if err != nil {
		t.Fatalf("resolveAccount failed: %v", err)
	}
	if got.LocalID != a.LocalID {
		t.Errorf("resolved %s, want %s", got.LocalID, a.LocalID)
	}
}

func TestResolveAccountAmbiguousWithSeveral(t *testing.T) {
	w := setupWallet(t)

	a, _ := w.Ledger.ProvisionAccount("Canteen", "EUR", false)
	b, _ := w.Ledger.ProvisionAccount("Transit", "EUR", false)

	if _, err := resolveAccount(w, ""); err == nil {
		t.Error("expected ambiguity error with two accounts")
	}

	got, err := resolveAccount(w, b.LocalID)
	if err != nil {
		t.Fatalf("resolveAccount by id failed: %v", err)
	}
	if got.LocalID != b.LocalID || got.LocalID == a.LocalID {
		t.Errorf("resolved %s, want %s", got.LocalID, b.LocalID)
	}
}

// A payment the hub absorbed but whose ack was lost stays offline locally;
// verifying against the hub snapshot folds it into the authoritative balance.
func TestBalanceVerifyFoldsHubConfirmedPayment(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("CASHEW_HUB_URL", "")
	t.Setenv("CASHEW_API_KEY", "")
	t.Setenv("CASHEW_HUB_API_KEY", "")

	store, err := serverdb.OpenMemory()
	if err != nil {
		t.Fatalf("open hub store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	srv, err := api.NewServer(api.LoadConfig(), store)
	if err != nil {
		t.Fatalf("create hub server: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	err = syncconfig.SaveLink(&syncconfig.LinkCredentials{
		HubURL:   ts.URL,
		DeviceID: "dev-balance",
		LinkedAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		t.Fatalf("SaveLink failed: %v", err)
	}

	w := setupWallet(t)
	acct, err := w.Ledger.ProvisionAccount("Canteen", "EUR", false)
	if err != nil {
		t.Fatalf("ProvisionAccount failed: %v", err)
	}
	if _, err := w.Ledger.ApplyOfflineDelta(acct.LocalID, 1000, models.KindTopUp, "", ""); err != nil {
		t.Fatalf("topup failed: %v", err)
	}

	engineCfg := walletsync.DefaultConfig()
	engineCfg.StaleAfter = 0
	client := syncclient.New(ts.URL, "", "dev-balance")
	engine := walletsync.New(w.DB, w.Queue, w.Ledger, client, engineCfg)
	engine.SetOnline(true)

	ctx := context.Background()
	// Two cycles: the account create goes first, the topup follows once the
	// account has its hub identity.
	for i := 0; i < 2; i++ {
		if err := engine.RunCycle(ctx); err != nil {
			t.Fatalf("sync cycle %d failed: %v", i+1, err)
		}
	}

	synced, err := w.DB.GetAccount(acct.LocalID)
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if synced.RemoteID == nil || synced.Balance != 1000 {
		t.Fatalf("after sync: remote=%v balance=%d, want linked/1000", synced.RemoteID, synced.Balance)
	}

	// Pay offline, then replay the push by hand so the hub absorbs it while
	// the wallet never sees the ack.
	payRef, err := w.Ledger.RequestOfflinePayment(acct.LocalID, 300, "kiosk-7")
	if err != nil {
		t.Fatalf("payment failed: %v", err)
	}
	payload, _ := json.Marshal(walletsync.TxPayload{
		LocalRef:  payRef,
		AccountID: *synced.RemoteID,
		Kind:      string(models.KindPayment),
		Amount:    300,
		VendorRef: "kiosk-7",
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	})
	resp, err := client.Push(ctx, syncclient.PushRequest{Items: []syncclient.PushItem{{
		ItemID:          1,
		EntityType:      "transactions",
		EntityID:        payRef,
		Operation:       "create",
		Payload:         payload,
		ClientTimestamp: time.Now().UTC().Format(time.RFC3339),
	}}})
	if err != nil {
		t.Fatalf("manual push failed: %v", err)
	}
	if len(resp.Acks) != 1 {
		t.Fatalf("manual push acks = %+v, want 1", resp)
	}

	before, _ := w.DB.GetAccount(acct.LocalID)
	if before.Balance != 1000 || before.PendingDelta != -300 {
		t.Fatalf("before verify: balance=%d pending=%d, want 1000/-300", before.Balance, before.PendingDelta)
	}

	if err := verifyAgainstHub(w, acct.LocalID); err != nil {
		t.Fatalf("verifyAgainstHub failed: %v", err)
	}

	after, err := w.DB.GetAccount(acct.LocalID)
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if after.Balance != 700 || after.PendingDelta != 0 {
		t.Errorf("after verify: balance=%d pending=%d, want 700/0", after.Balance, after.PendingDelta)
	}
	txn, err := w.DB.GetTransaction(payRef)
	if err != nil {
		t.Fatalf("GetTransaction failed: %v", err)
	}
	if txn.IsOffline {
		t.Error("payment still marked offline after verify")
	}
}

func TestBalanceVerifyRequiresLinkAndRemoteID(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("CASHEW_HUB_URL", "")
	t.Setenv("CASHEW_API_KEY", "")

	w := setupWallet(t)
	acct, err := w.Ledger.ProvisionAccount("Canteen", "EUR", false)
	if err != nil {
		t.Fatalf("ProvisionAccount failed: %v", err)
	}

	if err := verifyAgainstHub(w, acct.LocalID); err == nil {
		t.Error("verify succeeded without a hub link")
	}

	err = syncconfig.SaveLink(&syncconfig.LinkCredentials{
		HubURL:   "http://localhost:1",
		DeviceID: "dev-balance",
	})
	if err != nil {
		t.Fatalf("SaveLink failed: %v", err)
	}
	if err := verifyAgainstHub(w, acct.LocalID); err == nil {
		t.Error("verify succeeded before the account has a remote id")
	}
}
