package db

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/marcus/cashew/internal/models"
)

func setupDB(t *testing.T) *DB {
	t.Helper()
	database, err := Initialize(t.TempDir())
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func TestInitialize(t *testing.T) {
	dir := t.TempDir()

	database, err := Initialize(dir)
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer database.Close()

	dbPath := filepath.Join(dir, ".cashew", "wallet.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file not created")
	}

	version, err := database.GetSchemaVersion()
	if err != nil {
		t.Fatalf("GetSchemaVersion failed: %v", err)
	}
	if version != SchemaVersion {
		t.Errorf("schema version = %d, want %d", version, SchemaVersion)
	}
}

func TestOpenMissingWallet(t *testing.T) {
	if _, err := Open(t.TempDir()); err == nil {
		t.Fatal("Open succeeded without init")
	}
}

func insertAccount(t *testing.T, database *DB, a *models.Account) {
	t.Helper()
	err := database.Tx(func(tx *sql.Tx) error {
		return database.InsertAccountTx(tx, a)
	})
	if err != nil {
		t.Fatalf("InsertAccountTx failed: %v", err)
	}
}

func TestAccountRoundTrip(t *testing.T) {
	database := setupDB(t)

	a := &models.Account{
		LocalID:  NewAccountID(),
		Label:    "Cafeteria",
		Currency: "EUR",
	}
	insertAccount(t, database, a)

	got, err := database.GetAccount(a.LocalID)
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if got.Label != "Cafeteria" || got.Currency != "EUR" {
		t.Errorf("unexpected account: %+v", got)
	}
	if got.Balance != 0 || got.PendingDelta != 0 {
		t.Errorf("new account should start at zero: balance=%d pending=%d", got.Balance, got.PendingDelta)
	}
	if got.EffectiveBalance() != 0 {
		t.Errorf("EffectiveBalance = %d, want 0", got.EffectiveBalance())
	}
}

func TestMarkAccountDirtyBumpsEditSeq(t *testing.T) {
	database := setupDB(t)

	a := &models.Account{LocalID: NewAccountID(), Currency: "EUR"}
	insertAccount(t, database, a)

	for i := 0; i < 3; i++ {
		err := database.Tx(func(tx *sql.Tx) error {
			return database.MarkAccountDirtyTx(tx, a.LocalID)
		})
		if err != nil {
			t.Fatalf("MarkAccountDirtyTx failed: %v", err)
		}
	}

	got, err := database.GetAccount(a.LocalID)
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if got.EditSeq != 3 {
		t.Errorf("EditSeq = %d, want 3", got.EditSeq)
	}
	if got.IsSynced || !got.NeedsPush {
		t.Errorf("dirty flags wrong: is_synced=%v needs_push=%v", got.IsSynced, got.NeedsPush)
	}
}

func TestClearAccountDirtyGuardedByEditSeq(t *testing.T) {
	database := setupDB(t)

	a := &models.Account{LocalID: NewAccountID(), Currency: "EUR"}
	insertAccount(t, database, a)

	err := database.Tx(func(tx *sql.Tx) error {
		return database.MarkAccountDirtyTx(tx, a.LocalID)
	})
	if err != nil {
		t.Fatalf("MarkAccountDirtyTx failed: %v", err)
	}

	// A clear carrying a stale edit counter must not clear the flag: the
	// account was edited again after the payload was captured.
	err = database.Tx(func(tx *sql.Tx) error {
		return database.ClearAccountDirtyTx(tx, a.LocalID, 0)
	})
	if err != nil {
		t.Fatalf("ClearAccountDirtyTx failed: %v", err)
	}
	got, _ := database.GetAccount(a.LocalID)
	if !got.NeedsPush {
		t.Error("stale clear wiped the dirty flag")
	}

	err = database.Tx(func(tx *sql.Tx) error {
		return database.ClearAccountDirtyTx(tx, a.LocalID, got.EditSeq)
	})
	if err != nil {
		t.Fatalf("ClearAccountDirtyTx failed: %v", err)
	}
	got, _ = database.GetAccount(a.LocalID)
	if got.NeedsPush || !got.IsSynced {
		t.Errorf("current clear did not stick: needs_push=%v is_synced=%v", got.NeedsPush, got.IsSynced)
	}
}

func TestSetAccountRemoteIDExactlyOnce(t *testing.T) {
	database := setupDB(t)

	a := &models.Account{LocalID: NewAccountID(), Currency: "EUR"}
	insertAccount(t, database, a)

	set := func(remoteID string) error {
		return database.Tx(func(tx *sql.Tx) error {
			return database.SetAccountRemoteIDTx(tx, a.LocalID, remoteID)
		})
	}

	if err := set("wacct-1"); err != nil {
		t.Fatalf("first SetAccountRemoteIDTx failed: %v", err)
	}
	// Same value again is the duplicate-ack case and must be a no-op.
	if err := set("wacct-1"); err != nil {
		t.Fatalf("idempotent SetAccountRemoteIDTx failed: %v", err)
	}
	// A different value is a server identity conflict.
	if err := set("wacct-2"); err != ErrRemoteIDSet {
		t.Errorf("conflicting remote id: got %v, want ErrRemoteIDSet", err)
	}
}

func TestSyncMetaLifecycle(t *testing.T) {
	database := setupDB(t)

	meta, err := database.GetSyncMeta(models.EntityAccounts)
	if err != nil {
		t.Fatalf("GetSyncMeta failed: %v", err)
	}
	if meta.InitialSyncDone || meta.LastSyncToken != 0 {
		t.Errorf("fresh meta not zero: %+v", meta)
	}

	err = database.Tx(func(tx *sql.Tx) error {
		return database.UpdatePulledTx(tx, models.EntityAccounts, 42)
	})
	if err != nil {
		t.Fatalf("UpdatePulledTx failed: %v", err)
	}

	meta, _ = database.GetSyncMeta(models.EntityAccounts)
	if !meta.InitialSyncDone || meta.LastSyncToken != 42 {
		t.Errorf("after pull: %+v", meta)
	}
	if meta.LastPulledAt == nil {
		t.Fatal("LastPulledAt not set")
	}

	err = database.Tx(func(tx *sql.Tx) error {
		return database.InvalidateSyncMetaTx(tx, models.EntityAccounts)
	})
	if err != nil {
		t.Fatalf("InvalidateSyncMetaTx failed: %v", err)
	}
	meta, _ = database.GetSyncMeta(models.EntityAccounts)
	if meta.LastPulledAt != nil {
		t.Error("invalidate did not clear LastPulledAt")
	}
}

func TestPendingChangesClampsAtZero(t *testing.T) {
	database := setupDB(t)

	err := database.Tx(func(tx *sql.Tx) error {
		if err := database.AdjustPendingChangesTx(tx, models.EntityTickets, 1); err != nil {
			return err
		}
		return database.AdjustPendingChangesTx(tx, models.EntityTickets, -5)
	})
	if err != nil {
		t.Fatalf("AdjustPendingChangesTx failed: %v", err)
	}

	meta, _ := database.GetSyncMeta(models.EntityTickets)
	if meta.PendingChanges != 0 {
		t.Errorf("PendingChanges = %d, want 0", meta.PendingChanges)
	}
}
