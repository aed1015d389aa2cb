package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/marcus/cashew/internal/models"
)

const accountColumns = `local_id, COALESCE(remote_id,''), label, currency, balance, pending_delta,
	allow_negative, is_synced, needs_push, edit_seq,
	COALESCE(last_synced_at,''), created_at, updated_at`

func scanAccount(row interface{ Scan(...any) error }) (*models.Account, error) {
	var (
		a                             models.Account
		remoteID, lastSynced          string
		allowNeg, isSynced, needsPush int
		createdAt, updatedAt          string
	)
	err := row.Scan(&a.LocalID, &remoteID, &a.Label, &a.Currency, &a.Balance, &a.PendingDelta,
		&allowNeg, &isSynced, &needsPush, &a.EditSeq,
		&lastSynced, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if remoteID != "" {
		a.RemoteID = &remoteID
	}
	a.AllowNegative = allowNeg != 0
	a.IsSynced = isSynced != 0
	a.NeedsPush = needsPush != 0

	if a.LastSyncedAt, err = parseNullableTime(lastSynced); err != nil {
		return nil, fmt.Errorf("parse last_synced_at: %w", err)
	}
	if a.CreatedAt, err = ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if a.UpdatedAt, err = ParseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &a, nil
}

// InsertAccountTx inserts a new account. Locally created accounts start with
// needs_push set and no remote identity; pulled accounts arrive synced.
func (db *DB) InsertAccountTx(tx *sql.Tx, a *models.Account) error {
	var remoteID any
	if a.RemoteID != nil {
		remoteID = *a.RemoteID
	}
	allowNeg := 0
	if a.AllowNegative {
		allowNeg = 1
	}
	isSynced, needsPush := 0, 1
	if a.IsSynced {
		isSynced, needsPush = 1, 0
	}

	_, err := tx.Exec(`
		INSERT INTO accounts (local_id, remote_id, label, currency, balance, pending_delta,
			allow_negative, is_synced, needs_push, edit_seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		a.LocalID, remoteID, a.Label, a.Currency, a.Balance, a.PendingDelta,
		allowNeg, isSynced, needsPush)
	if err != nil {
		return fmt.Errorf("insert account %s: %w", a.LocalID, err)
	}
	return nil
}

// GetAccount returns an account by local ID.
func (db *DB) GetAccount(localID string) (*models.Account, error) {
	a, err := scanAccount(db.conn.QueryRow(
		`SELECT `+accountColumns+` FROM accounts WHERE local_id = ?`, localID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return a, err
}

// GetAccountTx is GetAccount inside an open transaction.
func (db *DB) GetAccountTx(tx *sql.Tx, localID string) (*models.Account, error) {
	a, err := scanAccount(tx.QueryRow(
		`SELECT `+accountColumns+` FROM accounts WHERE local_id = ?`, localID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return a, err
}

// GetAccountByRemoteID returns the local account for a server-side identity.
func (db *DB) GetAccountByRemoteID(tx *sql.Tx, remoteID string) (*models.Account, error) {
	a, err := scanAccount(tx.QueryRow(
		`SELECT `+accountColumns+` FROM accounts WHERE remote_id = ?`, remoteID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return a, err
}

// ListAccounts returns all accounts ordered by creation.
func (db *DB) ListAccounts() ([]models.Account, error) {
	rows, err := db.conn.Query(`SELECT ` + accountColumns + ` FROM accounts ORDER BY created_at ASC, local_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []models.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

// MarkAccountDirtyTx flags the account as locally modified. The edit counter
// lets ApplyRemoteSnapshot detect an edit that raced an in-flight pull.
func (db *DB) MarkAccountDirtyTx(tx *sql.Tx, localID string) error {
	res, err := tx.Exec(`
		UPDATE accounts
		SET needs_push = 1, is_synced = 0, edit_seq = edit_seq + 1, updated_at = ?
		WHERE local_id = ?`,
		FormatTime(time.Now()), localID)
	if err != nil {
		return fmt.Errorf("mark account dirty %s: %w", localID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AdjustPendingDeltaTx adds a signed amount to the account's pending delta.
func (db *DB) AdjustPendingDeltaTx(tx *sql.Tx, localID string, delta int64) error {
	res, err := tx.Exec(`
		UPDATE accounts SET pending_delta = pending_delta + ?, updated_at = ?
		WHERE local_id = ?`,
		delta, FormatTime(time.Now()), localID)
	if err != nil {
		return fmt.Errorf("adjust pending delta %s: %w", localID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetAuthoritativeBalanceTx replaces the server-confirmed balance and pending
// delta in one statement. Only the reconciler calls this.
func (db *DB) SetAuthoritativeBalanceTx(tx *sql.Tx, localID string, balance, pendingDelta int64, asOf time.Time) error {
	res, err := tx.Exec(`
		UPDATE accounts
		SET balance = ?, pending_delta = ?, is_synced = 1, last_synced_at = ?, updated_at = ?
		WHERE local_id = ?`,
		balance, pendingDelta, FormatTime(asOf), FormatTime(time.Now()), localID)
	if err != nil {
		return fmt.Errorf("set balance %s: %w", localID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetAccountRemoteIDTx records the server identity. It is assigned exactly
// once; a conflicting second assignment is an error.
func (db *DB) SetAccountRemoteIDTx(tx *sql.Tx, localID, remoteID string) error {
	var existing sql.NullString
	err := tx.QueryRow(`SELECT remote_id FROM accounts WHERE local_id = ?`, localID).Scan(&existing)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if existing.Valid && existing.String != "" {
		if existing.String == remoteID {
			return nil // idempotent re-assignment of the same identity
		}
		return ErrRemoteIDSet
	}
	_, err = tx.Exec(`UPDATE accounts SET remote_id = ? WHERE local_id = ?`, remoteID, localID)
	return err
}

// ClearAccountDirtyTx clears needs_push after a successful push, but only if
// no local edit happened after the pushed snapshot was taken.
func (db *DB) ClearAccountDirtyTx(tx *sql.Tx, localID string, asOfEditSeq int64) error {
	_, err := tx.Exec(`
		UPDATE accounts
		SET needs_push = 0, is_synced = 1, last_synced_at = ?
		WHERE local_id = ? AND edit_seq = ?`,
		FormatTime(time.Now()), localID, asOfEditSeq)
	return err
}
