package serverdb

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func setupHub(t *testing.T) *HubDB {
	t.Helper()
	hub, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory failed: %v", err)
	}
	t.Cleanup(func() { hub.Close() })
	return hub
}

func createAccount(t *testing.T, hub *HubDB, deviceID, localID string, allowNegative bool) string {
	t.Helper()
	payload, _ := json.Marshal(accountPayload{
		LocalID:       localID,
		Label:         "Wallet",
		Currency:      "EUR",
		AllowNegative: allowNegative,
	})
	res, err := hub.ApplyEvent(PushEvent{
		DeviceID:        deviceID,
		EntityType:      "accounts",
		EntityID:        localID,
		Operation:       "create",
		Payload:         payload,
		ClientTimestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("account create failed: %v", err)
	}
	return res.RemoteID
}

func pushTxn(t *testing.T, hub *HubDB, deviceID, accountID, localRef, kind string, amount int64) (*ApplyResult, error) {
	t.Helper()
	payload, _ := json.Marshal(txPayload{
		LocalRef:  localRef,
		AccountID: accountID,
		Kind:      kind,
		Amount:    amount,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	})
	return hub.ApplyEvent(PushEvent{
		DeviceID:        deviceID,
		EntityType:      "transactions",
		EntityID:        localRef,
		Operation:       "create",
		Payload:         payload,
		ClientTimestamp: time.Now(),
	})
}

func TestAccountCreateIsIdempotent(t *testing.T) {
	hub := setupHub(t)

	first := createAccount(t, hub, "dev-1", "acct-local-1", false)
	second := createAccount(t, hub, "dev-1", "acct-local-1", false)
	if first != second {
		t.Errorf("retried create produced new account %s, want %s", second, first)
	}

	// A different device with its own local id gets a distinct account.
	other := createAccount(t, hub, "dev-2", "acct-local-1", false)
	if other == first {
		t.Error("accounts from different devices collapsed into one")
	}
}

func TestTransactionLifecycle(t *testing.T) {
	hub := setupHub(t)
	accountID := createAccount(t, hub, "dev-1", "acct-local-1", false)

	res, err := pushTxn(t, hub, "dev-1", accountID, "ref-1", "topup", 1000)
	if err != nil {
		t.Fatalf("topup failed: %v", err)
	}
	if res.BalanceAfter != 1000 {
		t.Errorf("balance after topup = %d, want 1000", res.BalanceAfter)
	}
	if res.Duplicate {
		t.Error("first absorption flagged duplicate")
	}

	res2, err := pushTxn(t, hub, "dev-1", accountID, "ref-2", "payment", 300)
	if err != nil {
		t.Fatalf("payment failed: %v", err)
	}
	if res2.BalanceAfter != 700 {
		t.Errorf("balance after payment = %d, want 700", res2.BalanceAfter)
	}

	a, err := hub.GetAccount(accountID)
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if a.Balance != 700 {
		t.Errorf("stored balance = %d, want 700", a.Balance)
	}

	// A retried push is acknowledged from the stored row, not re-applied.
	dup, err := pushTxn(t, hub, "dev-1", accountID, "ref-2", "payment", 300)
	if err != nil {
		t.Fatalf("retried payment failed: %v", err)
	}
	if !dup.Duplicate || dup.RemoteID != res2.RemoteID || dup.BalanceAfter != 700 {
		t.Errorf("duplicate ack = %+v, want original absorption", dup)
	}
	a, _ = hub.GetAccount(accountID)
	if a.Balance != 700 {
		t.Errorf("retry changed balance to %d", a.Balance)
	}
}

func TestInsufficientFundsRejected(t *testing.T) {
	hub := setupHub(t)
	accountID := createAccount(t, hub, "dev-1", "acct-local-1", false)

	if _, err := pushTxn(t, hub, "dev-1", accountID, "ref-1", "payment", 500); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("got %v, want ErrInsufficientFunds", err)
	}

	a, _ := hub.GetAccount(accountID)
	if a.Balance != 0 {
		t.Errorf("rejected payment changed balance to %d", a.Balance)
	}

	// Overdraft-enabled accounts accept the same mutation.
	overdraft := createAccount(t, hub, "dev-1", "acct-local-2", true)
	res, err := pushTxn(t, hub, "dev-1", overdraft, "ref-2", "payment", 500)
	if err != nil {
		t.Fatalf("overdraft payment failed: %v", err)
	}
	if res.BalanceAfter != -500 {
		t.Errorf("balance = %d, want -500", res.BalanceAfter)
	}
}

func TestValidationErrors(t *testing.T) {
	hub := setupHub(t)
	accountID := createAccount(t, hub, "dev-1", "acct-local-1", false)

	if _, err := pushTxn(t, hub, "dev-1", accountID, "", "payment", 100); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("missing local_ref: got %v, want ErrInvalidPayload", err)
	}
	if _, err := pushTxn(t, hub, "dev-1", accountID, "ref-1", "bogus", 100); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("bogus kind: got %v, want ErrInvalidPayload", err)
	}
	if _, err := pushTxn(t, hub, "dev-1", accountID, "ref-2", "payment", 0); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("zero amount: got %v, want ErrInvalidPayload", err)
	}
	if _, err := pushTxn(t, hub, "dev-1", "wacct-missing", "ref-3", "topup", 100); !errors.Is(err, ErrUnknownAccount) {
		t.Errorf("missing account: got %v, want ErrUnknownAccount", err)
	}

	_, err := hub.ApplyEvent(PushEvent{
		DeviceID:   "dev-1",
		EntityType: "gadgets",
		EntityID:   "g-1",
		Operation:  "create",
		Payload:    json.RawMessage(`{}`),
	})
	if !errors.Is(err, ErrUnknownEntity) {
		t.Errorf("unknown entity: got %v, want ErrUnknownEntity", err)
	}
}

func TestEventsSincePaging(t *testing.T) {
	hub := setupHub(t)
	accountID := createAccount(t, hub, "dev-1", "acct-local-1", false)

	// Each transaction journals a transactions event and an accounts event.
	for i, ref := range []string{"ref-1", "ref-2", "ref-3"} {
		if _, err := pushTxn(t, hub, "dev-1", accountID, ref, "topup", int64(100*(i+1))); err != nil {
			t.Fatalf("topup %s failed: %v", ref, err)
		}
	}

	events, lastSeq, hasMore, err := hub.EventsSince("transactions", 0, 2)
	if err != nil {
		t.Fatalf("EventsSince failed: %v", err)
	}
	if len(events) != 2 || !hasMore {
		t.Fatalf("page 1: %d events hasMore=%v, want 2/true", len(events), hasMore)
	}

	events, lastSeq, hasMore, err = hub.EventsSince("transactions", lastSeq, 2)
	if err != nil {
		t.Fatalf("EventsSince page 2 failed: %v", err)
	}
	if len(events) != 1 || hasMore {
		t.Fatalf("page 2: %d events hasMore=%v, want 1/false", len(events), hasMore)
	}
	if events[0].LocalRef != "ref-3" {
		t.Errorf("page 2 record = %s, want ref-3", events[0].LocalRef)
	}

	// An exhausted cursor stays put.
	events, finalSeq, hasMore, err := hub.EventsSince("transactions", lastSeq, 2)
	if err != nil || len(events) != 0 || hasMore {
		t.Fatalf("drained cursor: events=%d hasMore=%v err=%v", len(events), hasMore, err)
	}
	if finalSeq != lastSeq {
		t.Errorf("empty page moved cursor from %d to %d", lastSeq, finalSeq)
	}
}

func TestAccountEventCarriesSnapshot(t *testing.T) {
	hub := setupHub(t)
	accountID := createAccount(t, hub, "dev-1", "acct-local-1", false)
	res, err := pushTxn(t, hub, "dev-1", accountID, "ref-1", "topup", 400)
	if err != nil {
		t.Fatalf("topup failed: %v", err)
	}

	events, _, _, err := hub.EventsSince("accounts", 0, 10)
	if err != nil {
		t.Fatalf("EventsSince failed: %v", err)
	}
	// Create event plus one per balance change.
	if len(events) != 2 {
		t.Fatalf("got %d account events, want 2", len(events))
	}

	var snap accountSnapshotPayload
	if err := json.Unmarshal(events[1].Payload, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.Balance != 400 {
		t.Errorf("snapshot balance = %d, want 400", snap.Balance)
	}
	if len(snap.ConfirmedRefs) != 1 || snap.ConfirmedRefs[0].LocalRef != "ref-1" || snap.ConfirmedRefs[0].RemoteID != res.RemoteID {
		t.Errorf("confirmed refs = %+v, want ref-1/%s", snap.ConfirmedRefs, res.RemoteID)
	}
}

func TestConfirmedTxnsScopedToDevice(t *testing.T) {
	hub := setupHub(t)
	accountID := createAccount(t, hub, "dev-1", "acct-local-1", true)

	if _, err := pushTxn(t, hub, "dev-1", accountID, "ref-a", "topup", 100); err != nil {
		t.Fatalf("dev-1 topup failed: %v", err)
	}
	if _, err := pushTxn(t, hub, "dev-2", accountID, "ref-b", "payment", 50); err != nil {
		t.Fatalf("dev-2 payment failed: %v", err)
	}

	refs, err := hub.ConfirmedTxns(accountID, "dev-1")
	if err != nil {
		t.Fatalf("ConfirmedTxns failed: %v", err)
	}
	if len(refs) != 1 || refs[0].LocalRef != "ref-a" {
		t.Errorf("dev-1 refs = %+v, want only ref-a", refs)
	}
}

func TestRecordUpsertAndDelete(t *testing.T) {
	hub := setupHub(t)

	payload := json.RawMessage(`{"local_id":"p-1","fields":{"name":"Ana"}}`)
	res, err := hub.ApplyEvent(PushEvent{
		DeviceID:   "dev-1",
		EntityType: "profiles",
		EntityID:   "p-1",
		Operation:  "create",
		Payload:    payload,
	})
	if err != nil {
		t.Fatalf("record create failed: %v", err)
	}
	if res.RemoteID != "p-1" {
		t.Errorf("record remote id = %s, want p-1", res.RemoteID)
	}

	updated := json.RawMessage(`{"local_id":"p-1","fields":{"name":"Ana B"}}`)
	res2, err := hub.ApplyEvent(PushEvent{
		DeviceID:   "dev-1",
		EntityType: "profiles",
		EntityID:   "p-1",
		Operation:  "update",
		Payload:    updated,
	})
	if err != nil {
		t.Fatalf("record update failed: %v", err)
	}
	if res2.ServerSeq <= res.ServerSeq {
		t.Errorf("update seq %d not after create seq %d", res2.ServerSeq, res.ServerSeq)
	}

	if _, err := hub.ApplyEvent(PushEvent{
		DeviceID:   "dev-1",
		EntityType: "profiles",
		EntityID:   "p-1",
		Operation:  "delete",
	}); err != nil {
		t.Fatalf("record delete failed: %v", err)
	}

	events, _, _, err := hub.EventsSince("profiles", 0, 10)
	if err != nil {
		t.Fatalf("EventsSince failed: %v", err)
	}
	if len(events) != 3 {
		t.Errorf("got %d profile events, want 3", len(events))
	}
}
