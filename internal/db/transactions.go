package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/marcus/cashew/internal/models"
)

const txColumns = `local_ref, COALESCE(remote_id,''), account_id, kind, amount,
	balance_before, balance_after, vendor_ref, note, is_offline,
	COALESCE(confirmed_at,''), created_at`

func scanTransaction(row interface{ Scan(...any) error }) (*models.Transaction, error) {
	var (
		t                     models.Transaction
		remoteID, confirmedAt string
		isOffline             int
		createdAt             string
	)
	err := row.Scan(&t.LocalRef, &remoteID, &t.AccountID, &t.Kind, &t.Amount,
		&t.BalanceBefore, &t.BalanceAfter, &t.VendorRef, &t.Note, &isOffline,
		&confirmedAt, &createdAt)
	if err != nil {
		return nil, err
	}

	if remoteID != "" {
		t.RemoteID = &remoteID
	}
	t.IsOffline = isOffline != 0

	if t.ConfirmedAt, err = parseNullableTime(confirmedAt); err != nil {
		return nil, fmt.Errorf("parse confirmed_at: %w", err)
	}
	if t.CreatedAt, err = ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	return &t, nil
}

// InsertTransactionTx appends a journal entry. The journal is append-only:
// entries are confirmed in place but never rewritten or removed.
func (db *DB) InsertTransactionTx(tx *sql.Tx, t *models.Transaction) error {
	isOffline := 0
	if t.IsOffline {
		isOffline = 1
	}
	var remoteID any
	if t.RemoteID != nil {
		remoteID = *t.RemoteID
	}

	_, err := tx.Exec(`
		INSERT INTO transactions (local_ref, remote_id, account_id, kind, amount,
			balance_before, balance_after, vendor_ref, note, is_offline)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.LocalRef, remoteID, t.AccountID, t.Kind, t.Amount,
		t.BalanceBefore, t.BalanceAfter, t.VendorRef, t.Note, isOffline)
	if err != nil {
		return fmt.Errorf("insert transaction %s: %w", t.LocalRef, err)
	}
	return nil
}

// GetTransaction returns a journal entry by its idempotency token.
func (db *DB) GetTransaction(localRef string) (*models.Transaction, error) {
	t, err := scanTransaction(db.conn.QueryRow(
		`SELECT `+txColumns+` FROM transactions WHERE local_ref = ?`, localRef))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return t, err
}

// GetTransactionTx is GetTransaction inside an open transaction.
func (db *DB) GetTransactionTx(tx *sql.Tx, localRef string) (*models.Transaction, error) {
	t, err := scanTransaction(tx.QueryRow(
		`SELECT `+txColumns+` FROM transactions WHERE local_ref = ?`, localRef))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return t, err
}

// HasTransactionTx reports whether a journal entry with this token exists.
func (db *DB) HasTransactionTx(tx *sql.Tx, localRef string) (bool, error) {
	var n int
	err := tx.QueryRow(`SELECT COUNT(*) FROM transactions WHERE local_ref = ?`, localRef).Scan(&n)
	return n > 0, err
}

// ListTransactions returns the most recent journal entries for an account.
func (db *DB) ListTransactions(accountID string, limit int) ([]models.Transaction, error) {
	rows, err := db.conn.Query(`
		SELECT `+txColumns+` FROM transactions
		WHERE account_id = ?
		ORDER BY created_at DESC, local_ref DESC
		LIMIT ?`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txns []models.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txns = append(txns, *t)
	}
	return txns, rows.Err()
}

// OfflineTransactionsTx returns entries the server has not confirmed yet,
// oldest first.
func (db *DB) OfflineTransactionsTx(tx *sql.Tx, accountID string) ([]models.Transaction, error) {
	rows, err := tx.Query(`
		SELECT `+txColumns+` FROM transactions
		WHERE account_id = ? AND is_offline = 1
		ORDER BY created_at ASC, local_ref ASC`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txns []models.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txns = append(txns, *t)
	}
	return txns, rows.Err()
}

// SumOfflineDeltaTx recomputes the signed sum of unconfirmed entries for an
// account straight from the journal. The reconciler trusts this figure over
// the scalar pending_delta after a snapshot.
func (db *DB) SumOfflineDeltaTx(tx *sql.Tx, accountID string) (int64, error) {
	var sum int64
	err := tx.QueryRow(`
		SELECT COALESCE(SUM(CASE WHEN kind IN ('payment','transfer_out') THEN -amount ELSE amount END), 0)
		FROM transactions
		WHERE account_id = ? AND is_offline = 1`, accountID).Scan(&sum)
	return sum, err
}

// SetTransactionConfirmedTx marks an entry confirmed and supersedes the
// locally computed running balance with the server-reported one. Returns false
// when the entry was already confirmed (nothing changed).
func (db *DB) SetTransactionConfirmedTx(tx *sql.Tx, localRef, remoteID string, serverBalanceAfter int64, at time.Time) (bool, error) {
	res, err := tx.Exec(`
		UPDATE transactions
		SET is_offline = 0, remote_id = ?, balance_after = ?, confirmed_at = ?
		WHERE local_ref = ? AND is_offline = 1`,
		remoteID, serverBalanceAfter, FormatTime(at), localRef)
	if err != nil {
		return false, fmt.Errorf("confirm transaction %s: %w", localRef, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
