package syncharness

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/marcus/cashew/internal/models"
	"github.com/marcus/cashew/internal/syncclient"
)

func TestTwoDevicesConvergeOnSharedAccount(t *testing.T) {
	h := NewHarness(t, 2)
	a := h.Device("device-A")

	acct, err := a.Ledger.ProvisionAccount("Family wallet", "EUR", false)
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if _, err := a.Ledger.ApplyOfflineDelta(acct.LocalID, 500, models.KindTopUp, "", ""); err != nil {
		t.Fatalf("topup: %v", err)
	}

	// Cycle 1 pushes the account create; the topup waits behind the account's
	// remote identity. Cycle 2 pushes and confirms the topup.
	h.Sync("device-A")
	h.Sync("device-A")
	remoteID := h.RemoteID("device-A", acct.LocalID)
	h.AssertHubBalance(remoteID, 500)

	local, _ := a.DB.GetAccount(acct.LocalID)
	if local.Balance != 500 || local.PendingDelta != 0 {
		t.Fatalf("device-A balance=%d pending=%d, want 500/0", local.Balance, local.PendingDelta)
	}

	// Device B pulls the account and the confirmed topup.
	h.Sync("device-B")
	mirrored := h.AccountByRemote("device-B", remoteID)
	if mirrored == nil {
		t.Fatal("device-B never materialized the account")
	}
	if mirrored.Balance != 500 {
		t.Fatalf("device-B balance = %d, want 500", mirrored.Balance)
	}

	// B spends against the mirrored account, then both devices cycle.
	if _, err := h.Device("device-B").Ledger.RequestOfflinePayment(mirrored.LocalID, 200, "canteen-3"); err != nil {
		t.Fatalf("device-B payment: %v", err)
	}
	h.Sync("device-B")
	h.Sync("device-A")

	h.AssertHubBalance(remoteID, 300)
	h.AssertConverged()

	// A sees B's payment as a confirmed journal entry.
	txns, _ := a.DB.ListTransactions(acct.LocalID, 10)
	var sawPayment bool
	for _, txn := range txns {
		if txn.Kind == models.KindPayment && txn.Amount == 200 && !txn.IsOffline {
			sawPayment = true
		}
	}
	if !sawPayment {
		t.Error("device-A never learned about device-B's payment")
	}
}

func TestRetriedPushIsDeduplicatedByLocalRef(t *testing.T) {
	h := NewHarness(t, 1)
	d := h.Device("device-A")

	acct, _ := d.Ledger.ProvisionAccount("Wallet", "EUR", false)
	ref, err := d.Ledger.ApplyOfflineDelta(acct.LocalID, 400, models.KindTopUp, "", "")
	if err != nil {
		t.Fatalf("topup: %v", err)
	}
	h.Sync("device-A")
	h.Sync("device-A")
	remoteID := h.RemoteID("device-A", acct.LocalID)
	h.AssertHubBalance(remoteID, 400)

	// Replay the already-absorbed mutation, as a client whose ack was lost in
	// a crash would. The hub answers from its stored row.
	payload, _ := json.Marshal(map[string]any{
		"local_ref":  ref,
		"account_id": remoteID,
		"kind":       "topup",
		"amount":     400,
		"created_at": time.Now().UTC().Format(time.RFC3339),
	})
	resp, err := d.Client.Push(context.Background(), syncclient.PushRequest{Items: []syncclient.PushItem{{
		ItemID:          999,
		EntityType:      "transactions",
		EntityID:        ref,
		Operation:       "create",
		Payload:         payload,
		ClientTimestamp: time.Now().UTC().Format(time.RFC3339),
	}}})
	if err != nil {
		t.Fatalf("replayed push: %v", err)
	}
	if len(resp.Acks) != 1 || !resp.Acks[0].Duplicate {
		t.Fatalf("acks = %+v, want one duplicate ack", resp.Acks)
	}
	h.AssertHubBalance(remoteID, 400)
}

func TestOfflineBacklogDrainsOnReconnect(t *testing.T) {
	h := NewHarness(t, 1)
	d := h.Device("device-A")

	// A long offline stretch: account plus a burst of activity, no cycles.
	acct, _ := d.Ledger.ProvisionAccount("Wallet", "EUR", false)
	if _, err := d.Ledger.ApplyOfflineDelta(acct.LocalID, 1000, models.KindTopUp, "", ""); err != nil {
		t.Fatalf("topup: %v", err)
	}
	for i, amount := range []int64{150, 240, 60} {
		if _, err := d.Ledger.RequestOfflinePayment(acct.LocalID, amount, "vendor"); err != nil {
			t.Fatalf("payment %d: %v", i, err)
		}
	}

	local, _ := d.DB.GetAccount(acct.LocalID)
	if local.EffectiveBalance() != 550 {
		t.Fatalf("offline effective balance = %d, want 550", local.EffectiveBalance())
	}
	if n := h.PendingCount("device-A"); n != 5 {
		t.Fatalf("pending = %d, want account + 4 transactions", n)
	}

	h.Sync("device-A")
	h.Sync("device-A")

	remoteID := h.RemoteID("device-A", acct.LocalID)
	h.AssertHubBalance(remoteID, 550)
	local, _ = d.DB.GetAccount(acct.LocalID)
	if local.Balance != 550 || local.PendingDelta != 0 {
		t.Errorf("after drain: balance=%d pending=%d, want 550/0", local.Balance, local.PendingDelta)
	}
	if n := h.PendingCount("device-A"); n != 0 {
		t.Errorf("pending after drain = %d, want 0", n)
	}
}

func TestConcurrentOverspendIsRejectedAndStateRepaired(t *testing.T) {
	h := NewHarness(t, 2)
	a := h.Device("device-A")

	acct, _ := a.Ledger.ProvisionAccount("Wallet", "EUR", false)
	if _, err := a.Ledger.ApplyOfflineDelta(acct.LocalID, 100, models.KindTopUp, "", ""); err != nil {
		t.Fatalf("topup: %v", err)
	}
	h.Sync("device-A")
	h.Sync("device-A")
	remoteID := h.RemoteID("device-A", acct.LocalID)

	// B mirrors the account at balance 100, then goes offline.
	h.Sync("device-B")
	mirrored := h.AccountByRemote("device-B", remoteID)

	// Both devices spend from the same 100 while apart. A wins the race.
	if _, err := a.Ledger.RequestOfflinePayment(acct.LocalID, 80, "vendor-a"); err != nil {
		t.Fatalf("device-A payment: %v", err)
	}
	if _, err := h.Device("device-B").Ledger.RequestOfflinePayment(mirrored.LocalID, 80, "vendor-b"); err != nil {
		t.Fatalf("device-B payment: %v", err)
	}
	h.Sync("device-A")
	h.AssertHubBalance(remoteID, 20)

	// B's push is rejected for insufficient funds; the authoritative balance
	// is never overdrawn, and the pull in the same cycle repairs B's view.
	h.Sync("device-B")
	h.AssertHubBalance(remoteID, 20)

	h.Sync("device-B")
	mirrored = h.AccountByRemote("device-B", remoteID)
	if mirrored.Balance != 20 {
		t.Errorf("device-B authoritative balance = %d, want 20", mirrored.Balance)
	}
	// The losing spend stays speculative, visible in the pending delta until
	// an operator or a retry resolves it.
	if mirrored.PendingDelta != -80 {
		t.Errorf("device-B pending delta = %d, want -80", mirrored.PendingDelta)
	}
}

func TestThreeDevicesConvergeAfterInterleavedActivity(t *testing.T) {
	h := NewHarness(t, 3)
	a := h.Device("device-A")

	acct, _ := a.Ledger.ProvisionAccount("Pool", "EUR", false)
	if _, err := a.Ledger.ApplyOfflineDelta(acct.LocalID, 900, models.KindTopUp, "", ""); err != nil {
		t.Fatalf("topup: %v", err)
	}
	h.Sync("device-A")
	h.Sync("device-A")
	remoteID := h.RemoteID("device-A", acct.LocalID)

	h.Sync("device-B")
	h.Sync("device-C")

	if _, err := h.Device("device-B").Ledger.RequestOfflinePayment(
		h.AccountByRemote("device-B", remoteID).LocalID, 300, "vendor-b"); err != nil {
		t.Fatalf("device-B payment: %v", err)
	}
	if _, err := h.Device("device-C").Ledger.RequestOfflinePayment(
		h.AccountByRemote("device-C", remoteID).LocalID, 150, "vendor-c"); err != nil {
		t.Fatalf("device-C payment: %v", err)
	}

	// Two rounds: first delivers everyone's pushes, second spreads the
	// resulting confirmations to every device.
	h.SyncAll()
	h.SyncAll()

	h.AssertHubBalance(remoteID, 450)
	h.AssertConverged()
}
