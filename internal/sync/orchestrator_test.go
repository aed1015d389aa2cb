package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/marcus/cashew/internal/connectivity"
	"github.com/marcus/cashew/internal/db"
	"github.com/marcus/cashew/internal/ledger"
	"github.com/marcus/cashew/internal/models"
	"github.com/marcus/cashew/internal/queue"
	"github.com/marcus/cashew/internal/syncclient"
)

// fakeClient is an in-process hub stand-in. Push behavior is a pluggable
// function; pulls serve canned pages per entity type, then empty ones.
type fakeClient struct {
	mu     sync.Mutex
	pushFn func(req syncclient.PushRequest) (*syncclient.PushResponse, error)
	pages  map[string][]syncclient.PullResponse
	pushed []syncclient.PushRequest
}

func (f *fakeClient) Push(_ context.Context, req syncclient.PushRequest) (*syncclient.PushResponse, error) {
	f.mu.Lock()
	f.pushed = append(f.pushed, req)
	fn := f.pushFn
	f.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	return ackAll(req, nil), nil
}

func (f *fakeClient) Pull(_ context.Context, entityType string, since int64, _ int) (*syncclient.PullResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if pages := f.pages[entityType]; len(pages) > 0 {
		page := pages[0]
		f.pages[entityType] = pages[1:]
		return &page, nil
	}
	return &syncclient.PullResponse{LastSeq: since}, nil
}

// ackAll acknowledges every item with a derived remote ID; balances, when
// given, are keyed by entity ID.
func ackAll(req syncclient.PushRequest, balances map[string]int64) *syncclient.PushResponse {
	resp := &syncclient.PushResponse{}
	for _, item := range req.Items {
		resp.Acks = append(resp.Acks, syncclient.Ack{
			ItemID:       item.ItemID,
			EntityID:     item.EntityID,
			RemoteID:     "remote-" + item.EntityID,
			BalanceAfter: balances[item.EntityID],
		})
	}
	return resp
}

func setupOrchestrator(t *testing.T, client Client) (*db.DB, *queue.Queue, *ledger.Reconciler, *Orchestrator) {
	t.Helper()
	database, err := db.Initialize(t.TempDir())
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	q := queue.New(database)
	rec := ledger.New(database, q)
	o := New(database, q, rec, client, DefaultConfig())
	o.SetOnline(true)
	return database, q, rec, o
}

func TestCycleConfirmsLedgerEndToEnd(t *testing.T) {
	fake := &fakeClient{}
	database, q, rec, o := setupOrchestrator(t, fake)
	ctx := context.Background()

	a, err := rec.ProvisionAccount("Wallet", "EUR", false)
	if err != nil {
		t.Fatalf("ProvisionAccount failed: %v", err)
	}
	topupRef, err := rec.ApplyOfflineDelta(a.LocalID, 500, models.KindTopUp, "", "")
	if err != nil {
		t.Fatalf("topup failed: %v", err)
	}
	payRef, err := rec.RequestOfflinePayment(a.LocalID, 200, "vendor-1")
	if err != nil {
		t.Fatalf("payment failed: %v", err)
	}

	// First cycle: the account create goes out; both transactions wait behind
	// the account's remote identity.
	if err := o.RunCycle(ctx); err != nil {
		t.Fatalf("first cycle failed: %v", err)
	}

	got, _ := database.GetAccount(a.LocalID)
	if got.RemoteID == nil || *got.RemoteID != "remote-"+a.LocalID {
		t.Fatalf("account remote id = %v after first cycle", got.RemoteID)
	}
	if got.NeedsPush {
		t.Error("account still marked for push after ack")
	}
	pending, _ := q.PendingCount()
	if pending != 2 {
		t.Errorf("pending after first cycle = %d, want 2 gated transactions", pending)
	}

	fake.mu.Lock()
	if len(fake.pushed) != 1 || len(fake.pushed[0].Items) != 1 {
		t.Fatalf("first push = %+v, want exactly the account create", fake.pushed)
	}
	fake.mu.Unlock()

	// Second cycle: the transactions transmit and their acks fold the
	// speculative deltas into the authoritative balance.
	fake.mu.Lock()
	fake.pushFn = func(req syncclient.PushRequest) (*syncclient.PushResponse, error) {
		return ackAll(req, map[string]int64{topupRef: 500, payRef: 300}), nil
	}
	fake.mu.Unlock()

	if err := o.RunCycle(ctx); err != nil {
		t.Fatalf("second cycle failed: %v", err)
	}

	got, _ = database.GetAccount(a.LocalID)
	if got.Balance != 300 || got.PendingDelta != 0 {
		t.Errorf("after confirm: balance=%d pending=%d, want 300/0", got.Balance, got.PendingDelta)
	}
	pending, _ = q.PendingCount()
	if pending != 0 {
		t.Errorf("pending after second cycle = %d, want 0", pending)
	}
	txn, _ := database.GetTransaction(payRef)
	if txn.IsOffline || txn.RemoteID == nil {
		t.Errorf("payment not confirmed: offline=%v remote=%v", txn.IsOffline, txn.RemoteID)
	}
}

func TestInvalidPayloadRejectionIsTerminal(t *testing.T) {
	fake := &fakeClient{}
	_, q, rec, o := setupOrchestrator(t, fake)

	a, _ := rec.ProvisionAccount("Wallet", "EUR", false)

	fake.pushFn = func(req syncclient.PushRequest) (*syncclient.PushResponse, error) {
		resp := &syncclient.PushResponse{}
		for _, item := range req.Items {
			resp.Rejected = append(resp.Rejected, syncclient.Rejection{
				ItemID: item.ItemID,
				Reason: syncclient.ReasonInvalidPayload,
			})
		}
		return resp, nil
	}

	if err := o.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}

	failed, err := q.FailedItems()
	if err != nil {
		t.Fatalf("FailedItems failed: %v", err)
	}
	if len(failed) != 1 || failed[0].EntityID != a.LocalID {
		t.Fatalf("failed items = %+v, want the account create", failed)
	}

	// Terminal items never re-enter the drain loop.
	fake.pushFn = nil
	fake.mu.Lock()
	fake.pushed = nil
	fake.mu.Unlock()
	if err := o.RunCycle(context.Background()); err != nil {
		t.Fatalf("follow-up cycle failed: %v", err)
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.pushed) != 0 {
		t.Errorf("terminally failed item was pushed again: %+v", fake.pushed)
	}
}

func TestConflictRejectionInvalidatesPullState(t *testing.T) {
	fake := &fakeClient{}
	database, q, rec, o := setupOrchestrator(t, fake)

	a, _ := rec.ProvisionAccount("Wallet", "EUR", false)

	fake.pushFn = func(req syncclient.PushRequest) (*syncclient.PushResponse, error) {
		resp := &syncclient.PushResponse{}
		for _, item := range req.Items {
			resp.Rejected = append(resp.Rejected, syncclient.Rejection{
				ItemID: item.ItemID,
				Reason: syncclient.ReasonConflict,
			})
		}
		return resp, nil
	}

	if err := o.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}

	meta, _ := database.GetSyncMeta(models.EntityAccounts)
	if meta.LastPulledAt != nil {
		t.Error("conflict did not invalidate pull state")
	}

	items, _ := q.List(10)
	var found *models.QueueItem
	for i := range items {
		if items[i].EntityID == a.LocalID {
			found = &items[i]
		}
	}
	if found == nil {
		t.Fatal("account create missing from queue")
	}
	if found.Status != models.StatusPending || found.RetryCount != 1 {
		t.Errorf("conflicted item status=%s retries=%d, want pending/1", found.Status, found.RetryCount)
	}
}

func TestNetworkFailureRequeuesBatch(t *testing.T) {
	fake := &fakeClient{}
	_, q, rec, o := setupOrchestrator(t, fake)

	a, _ := rec.ProvisionAccount("Wallet", "EUR", false)

	fake.pushFn = func(syncclient.PushRequest) (*syncclient.PushResponse, error) {
		return nil, fmt.Errorf("dial tcp: connection refused")
	}

	if err := o.RunCycle(context.Background()); err == nil {
		t.Fatal("cycle succeeded despite push failure")
	}
	if o.State() != StateIdle {
		t.Errorf("state = %s, want idle after cycle", o.State())
	}

	items, _ := q.List(10)
	for _, item := range items {
		if item.EntityID != a.LocalID {
			continue
		}
		if item.Status != models.StatusPending {
			t.Errorf("status = %s, want pending", item.Status)
		}
		if item.RetryCount != 1 || item.NextAttemptAt == nil {
			t.Errorf("retries=%d next=%v, want 1 with backoff", item.RetryCount, item.NextAttemptAt)
		}
	}
}

func TestPullMaterializesRemoteAccount(t *testing.T) {
	snap, _ := json.Marshal(AccountSnapshotPayload{
		Label:    "Shared wallet",
		Currency: "EUR",
		Balance:  1200,
	})
	fake := &fakeClient{pages: map[string][]syncclient.PullResponse{
		"accounts": {{
			Records: []syncclient.PullRecord{{
				ServerSeq:  7,
				EntityType: "accounts",
				RemoteID:   "wacct-9",
				Payload:    snap,
			}},
			LastSeq: 7,
		}},
	}}
	database, _, _, o := setupOrchestrator(t, fake)

	if err := o.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}

	accounts, err := database.ListAccounts()
	if err != nil {
		t.Fatalf("ListAccounts failed: %v", err)
	}
	if len(accounts) != 1 {
		t.Fatalf("got %d accounts, want 1", len(accounts))
	}
	a := accounts[0]
	if a.RemoteID == nil || *a.RemoteID != "wacct-9" {
		t.Errorf("remote id = %v, want wacct-9", a.RemoteID)
	}
	if a.Balance != 1200 || a.PendingDelta != 0 {
		t.Errorf("balance=%d pending=%d, want 1200/0", a.Balance, a.PendingDelta)
	}
	if !a.IsSynced || a.NeedsPush {
		t.Errorf("synced=%v needsPush=%v, want true/false", a.IsSynced, a.NeedsPush)
	}

	meta, _ := database.GetSyncMeta(models.EntityAccounts)
	if meta.LastSyncToken != 7 || !meta.InitialSyncDone {
		t.Errorf("meta token=%d done=%v, want 7/true", meta.LastSyncToken, meta.InitialSyncDone)
	}
}

func TestPullPagesUntilExhausted(t *testing.T) {
	page := func(seq int64, more bool) syncclient.PullResponse {
		snap, _ := json.Marshal(AccountSnapshotPayload{Label: fmt.Sprintf("a%d", seq), Currency: "EUR"})
		return syncclient.PullResponse{
			Records: []syncclient.PullRecord{{
				ServerSeq:  seq,
				EntityType: "accounts",
				RemoteID:   fmt.Sprintf("wacct-%d", seq),
				Payload:    snap,
			}},
			LastSeq: seq,
			HasMore: more,
		}
	}
	fake := &fakeClient{pages: map[string][]syncclient.PullResponse{
		"accounts": {page(1, true), page(2, false)},
	}}
	database, _, _, o := setupOrchestrator(t, fake)

	if err := o.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}

	accounts, _ := database.ListAccounts()
	if len(accounts) != 2 {
		t.Errorf("got %d accounts, want 2 across pages", len(accounts))
	}
	meta, _ := database.GetSyncMeta(models.EntityAccounts)
	if meta.LastSyncToken != 2 {
		t.Errorf("token = %d, want 2", meta.LastSyncToken)
	}
}

func TestForceSyncFailsFastWhenOffline(t *testing.T) {
	fake := &fakeClient{}
	_, q, rec, o := setupOrchestrator(t, fake)
	o.SetOnline(false)

	a, _ := rec.ProvisionAccount("Wallet", "EUR", false)

	if err := o.ForceSync(context.Background()); !errors.Is(err, ErrOffline) {
		t.Fatalf("ForceSync offline: got %v, want ErrOffline", err)
	}

	// Nothing reached the network and the mutation is still queued.
	fake.mu.Lock()
	pushed := len(fake.pushed)
	fake.mu.Unlock()
	if pushed != 0 {
		t.Errorf("pushed %d batches while offline, want 0", pushed)
	}
	pending, _ := q.PendingCountFor(models.EntityAccounts, a.LocalID)
	if pending != 1 {
		t.Errorf("pending = %d, want the untouched account create", pending)
	}

	// Back online the same call drains it.
	o.SetOnline(true)
	if err := o.ForceSync(context.Background()); err != nil {
		t.Fatalf("ForceSync online failed: %v", err)
	}
	fake.mu.Lock()
	pushed = len(fake.pushed)
	fake.mu.Unlock()
	if pushed == 0 {
		t.Error("no push after coming back online")
	}
}

func TestRunTriggersCycleOnConnectivityRegained(t *testing.T) {
	fake := &fakeClient{}
	_, _, rec, o := setupOrchestrator(t, fake)
	o.SetOnline(false)

	if _, err := rec.ProvisionAccount("Wallet", "EUR", false); err != nil {
		t.Fatalf("ProvisionAccount failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan connectivity.Change, 1)
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx, events) }()

	events <- connectivity.Change{Online: true, At: time.Now()}

	deadline := time.After(5 * time.Second)
	for {
		fake.mu.Lock()
		n := len(fake.pushed)
		fake.mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("no push after connectivity regained")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if !o.Online() {
		t.Error("orchestrator did not record online state")
	}

	cancel()
	if err := <-done; err != context.Canceled {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}
}
