package serverdb

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors mapped to push rejection reasons by the API layer.
var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrUnknownAccount    = errors.New("unknown account")
	ErrUnknownEntity     = errors.New("unknown entity")
	ErrInvalidPayload    = errors.New("invalid payload")
)

// PushEvent is one client mutation to absorb.
type PushEvent struct {
	DeviceID        string
	EntityType      string
	EntityID        string
	Operation       string
	Payload         json.RawMessage
	ClientTimestamp time.Time
}

// ApplyResult is the outcome of absorbing one mutation.
type ApplyResult struct {
	RemoteID     string
	ServerSeq    int64
	BalanceAfter int64
	Duplicate    bool
}

// Event is one row of the ordered journal clients pull from.
type Event struct {
	ServerSeq       int64
	EntityType      string
	RemoteID        string
	LocalRef        string
	DeviceID        string
	Payload         json.RawMessage
	ServerTimestamp string
}

// Account is the authoritative state of one wallet account.
type Account struct {
	ID            string
	OwnerName     string
	Currency      string
	Balance       int64
	AllowNegative bool
	UpdatedSeq    int64
	UpdatedAt     string
}

// ConfirmedTxn is one absorbed transaction of a given device.
type ConfirmedTxn struct {
	LocalRef     string
	ID           string
	BalanceAfter int64
}

// accountPayload mirrors the client's account create payload.
type accountPayload struct {
	LocalID       string `json:"local_id,omitempty"`
	Label         string `json:"label"`
	Currency      string `json:"currency"`
	AllowNegative bool   `json:"allow_negative"`
}

// txPayload mirrors the client's transaction payload. AccountID carries the
// server-side account id.
type txPayload struct {
	LocalRef     string `json:"local_ref"`
	RemoteID     string `json:"remote_id,omitempty"`
	AccountID    string `json:"account_id"`
	Kind         string `json:"kind"`
	Amount       int64  `json:"amount"`
	BalanceAfter int64  `json:"balance_after,omitempty"`
	VendorRef    string `json:"vendor_ref,omitempty"`
	Note         string `json:"note,omitempty"`
	CreatedAt    string `json:"created_at"`
}

// accountSnapshotPayload is what account events carry down to clients.
type accountSnapshotPayload struct {
	Label         string         `json:"label"`
	Currency      string         `json:"currency"`
	Balance       int64          `json:"balance"`
	AllowNegative bool           `json:"allow_negative"`
	ConfirmedRefs []confirmedRef `json:"confirmed_refs,omitempty"`
}

type confirmedRef struct {
	LocalRef     string `json:"local_ref"`
	RemoteID     string `json:"remote_id"`
	BalanceAfter int64  `json:"balance_after"`
}

func newID(prefix string) string {
	b := make([]byte, 8)
	rand.Read(b)
	return prefix + "-" + hex.EncodeToString(b)
}

func debitKind(kind string) bool {
	return kind == "payment" || kind == "transfer_out"
}

func validKind(kind string) bool {
	switch kind {
	case "topup", "payment", "refund", "transfer_in", "transfer_out", "correction":
		return true
	}
	return false
}

// ApplyEvent absorbs one mutation inside its own transaction. Retried
// mutations are detected by their idempotency token and acknowledged again
// without any state change.
func (db *HubDB) ApplyEvent(ev PushEvent) (*ApplyResult, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var res *ApplyResult
	switch ev.EntityType {
	case "accounts":
		res, err = db.applyAccountEvent(tx, ev)
	case "transactions":
		res, err = db.applyTransactionEvent(tx, ev)
	case "profiles", "tickets":
		res, err = db.applyRecordEvent(tx, ev)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, ev.EntityType)
	}
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return res, nil
}

func (db *HubDB) applyAccountEvent(tx *sql.Tx, ev PushEvent) (*ApplyResult, error) {
	if ev.Operation != "create" {
		return nil, fmt.Errorf("%w: accounts only support create", ErrInvalidPayload)
	}

	// A retried create carries the same client-side id; the journal remembers
	// which server account it became.
	var existing string
	err := tx.QueryRow(
		"SELECT remote_id FROM events WHERE entity_type = 'accounts' AND device_id = ? AND local_ref = ? ORDER BY server_seq LIMIT 1",
		ev.DeviceID, ev.EntityID).Scan(&existing)
	if err == nil {
		var balance int64
		if err := tx.QueryRow("SELECT balance FROM accounts WHERE id = ?", existing).Scan(&balance); err != nil {
			return nil, fmt.Errorf("load account %s: %w", existing, err)
		}
		return &ApplyResult{RemoteID: existing, BalanceAfter: balance, Duplicate: true}, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("dedup account create: %w", err)
	}

	var p accountPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if p.Currency == "" {
		p.Currency = "EUR"
	}

	id := newID("wacct")
	if _, err := tx.Exec(
		"INSERT INTO accounts (id, owner_name, currency, balance, allow_negative) VALUES (?, ?, ?, 0, ?)",
		id, p.Label, p.Currency, boolInt(p.AllowNegative)); err != nil {
		return nil, fmt.Errorf("insert account: %w", err)
	}

	seq, err := db.journalAccountTx(tx, id, ev.EntityID, ev.DeviceID, nil)
	if err != nil {
		return nil, err
	}
	return &ApplyResult{RemoteID: id, ServerSeq: seq}, nil
}

func (db *HubDB) applyTransactionEvent(tx *sql.Tx, ev PushEvent) (*ApplyResult, error) {
	if ev.Operation != "create" {
		return nil, fmt.Errorf("%w: transactions only support create", ErrInvalidPayload)
	}

	var p txPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if p.LocalRef == "" || p.AccountID == "" || !validKind(p.Kind) {
		return nil, fmt.Errorf("%w: missing local_ref, account_id or kind", ErrInvalidPayload)
	}
	if p.Amount <= 0 && p.Kind != "correction" {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidPayload)
	}

	// Idempotency: a retried push acks the original absorption.
	var dupID string
	var dupBalance int64
	err := tx.QueryRow(
		"SELECT id, balance_after FROM transactions WHERE device_id = ? AND local_ref = ?",
		ev.DeviceID, p.LocalRef).Scan(&dupID, &dupBalance)
	if err == nil {
		return &ApplyResult{RemoteID: dupID, BalanceAfter: dupBalance, Duplicate: true}, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("dedup transaction: %w", err)
	}

	var balance int64
	var allowNegative int
	err = tx.QueryRow("SELECT balance, allow_negative FROM accounts WHERE id = ?", p.AccountID).
		Scan(&balance, &allowNegative)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, p.AccountID)
	}
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}

	signed := p.Amount
	if debitKind(p.Kind) {
		signed = -signed
	}
	newBalance := balance + signed
	if newBalance < 0 && allowNegative == 0 {
		return nil, ErrInsufficientFunds
	}

	id := newID("wtxn")
	if _, err := tx.Exec(
		`INSERT INTO transactions (id, account_id, device_id, local_ref, amount, kind, vendor_ref, note, balance_after, client_timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, p.AccountID, ev.DeviceID, p.LocalRef, p.Amount, p.Kind,
		nullable(p.VendorRef), nullable(p.Note), newBalance,
		ev.ClientTimestamp.UTC().Format(time.RFC3339)); err != nil {
		return nil, fmt.Errorf("insert transaction: %w", err)
	}

	// Journal for other devices: the transaction itself, then the account
	// state it produced.
	p.RemoteID = id
	p.BalanceAfter = newBalance
	txnPayload, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal transaction event: %w", err)
	}
	if _, err := db.journalEventTx(tx, "transactions", id, p.LocalRef, ev.DeviceID, txnPayload); err != nil {
		return nil, err
	}

	if _, err := tx.Exec("UPDATE accounts SET balance = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		newBalance, p.AccountID); err != nil {
		return nil, fmt.Errorf("update balance: %w", err)
	}
	seq, err := db.journalAccountTx(tx, p.AccountID, "", ev.DeviceID, []confirmedRef{
		{LocalRef: p.LocalRef, RemoteID: id, BalanceAfter: newBalance},
	})
	if err != nil {
		return nil, err
	}

	return &ApplyResult{RemoteID: id, ServerSeq: seq, BalanceAfter: newBalance}, nil
}

func (db *HubDB) applyRecordEvent(tx *sql.Tx, ev PushEvent) (*ApplyResult, error) {
	switch ev.Operation {
	case "create", "update":
		if _, err := tx.Exec(
			`INSERT INTO records (entity_type, id, payload, deleted) VALUES (?, ?, ?, 0)
			 ON CONFLICT(entity_type, id) DO UPDATE SET payload = excluded.payload, deleted = 0, updated_at = CURRENT_TIMESTAMP`,
			ev.EntityType, ev.EntityID, string(ev.Payload)); err != nil {
			return nil, fmt.Errorf("upsert record: %w", err)
		}
	case "delete":
		if _, err := tx.Exec(
			"UPDATE records SET deleted = 1, updated_at = CURRENT_TIMESTAMP WHERE entity_type = ? AND id = ?",
			ev.EntityType, ev.EntityID); err != nil {
			return nil, fmt.Errorf("delete record: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: operation %s", ErrInvalidPayload, ev.Operation)
	}

	seq, err := db.journalEventTx(tx, ev.EntityType, ev.EntityID, "", ev.DeviceID, ev.Payload)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec("UPDATE records SET updated_seq = ? WHERE entity_type = ? AND id = ?",
		seq, ev.EntityType, ev.EntityID); err != nil {
		return nil, fmt.Errorf("stamp record seq: %w", err)
	}
	return &ApplyResult{RemoteID: ev.EntityID, ServerSeq: seq}, nil
}

// journalAccountTx appends an account snapshot event reflecting the account's
// current authoritative state.
func (db *HubDB) journalAccountTx(tx *sql.Tx, accountID, localRef, deviceID string, refs []confirmedRef) (int64, error) {
	var p accountSnapshotPayload
	var allowNegative int
	err := tx.QueryRow("SELECT owner_name, currency, balance, allow_negative FROM accounts WHERE id = ?", accountID).
		Scan(&p.Label, &p.Currency, &p.Balance, &allowNegative)
	if err != nil {
		return 0, fmt.Errorf("load account %s: %w", accountID, err)
	}
	p.AllowNegative = allowNegative != 0
	p.ConfirmedRefs = refs

	payload, err := json.Marshal(p)
	if err != nil {
		return 0, fmt.Errorf("marshal account event: %w", err)
	}

	seq, err := db.journalEventTx(tx, "accounts", accountID, localRef, deviceID, payload)
	if err != nil {
		return 0, err
	}
	if _, err := tx.Exec("UPDATE accounts SET updated_seq = ? WHERE id = ?", seq, accountID); err != nil {
		return 0, fmt.Errorf("stamp account seq: %w", err)
	}
	return seq, nil
}

func (db *HubDB) journalEventTx(tx *sql.Tx, entityType, remoteID, localRef, deviceID string, payload json.RawMessage) (int64, error) {
	if payload == nil {
		payload = json.RawMessage("{}")
	}
	res, err := tx.Exec(
		"INSERT INTO events (entity_type, remote_id, local_ref, device_id, payload) VALUES (?, ?, ?, ?, ?)",
		entityType, remoteID, nullable(localRef), deviceID, string(payload))
	if err != nil {
		return 0, fmt.Errorf("journal event: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("event seq: %w", err)
	}
	return seq, nil
}

// EventsSince returns up to limit journal events of one entity type after the
// given sequence, plus the cursor for the next page.
func (db *HubDB) EventsSince(entityType string, since int64, limit int) ([]Event, int64, bool, error) {
	rows, err := db.conn.Query(
		`SELECT server_seq, entity_type, remote_id, COALESCE(local_ref, ''), device_id, payload, server_timestamp
		 FROM events WHERE entity_type = ? AND server_seq > ? ORDER BY server_seq LIMIT ?`,
		entityType, since, limit+1)
	if err != nil {
		return nil, 0, false, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var payload string
		if err := rows.Scan(&ev.ServerSeq, &ev.EntityType, &ev.RemoteID, &ev.LocalRef, &ev.DeviceID, &payload, &ev.ServerTimestamp); err != nil {
			return nil, 0, false, fmt.Errorf("scan event: %w", err)
		}
		ev.Payload = json.RawMessage(payload)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, false, err
	}

	hasMore := len(events) > limit
	if hasMore {
		events = events[:limit]
	}
	lastSeq := since
	if len(events) > 0 {
		lastSeq = events[len(events)-1].ServerSeq
	}
	return events, lastSeq, hasMore, nil
}

// GetAccount loads one authoritative account.
func (db *HubDB) GetAccount(id string) (*Account, error) {
	var a Account
	var allowNegative int
	err := db.conn.QueryRow(
		"SELECT id, owner_name, currency, balance, allow_negative, updated_seq, updated_at FROM accounts WHERE id = ?", id).
		Scan(&a.ID, &a.OwnerName, &a.Currency, &a.Balance, &allowNegative, &a.UpdatedSeq, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	a.AllowNegative = allowNegative != 0
	return &a, nil
}

// ConfirmedTxns lists the transactions of one device the hub has absorbed for
// an account. This backs the snapshot endpoint's confirmed refs.
func (db *HubDB) ConfirmedTxns(accountID, deviceID string) ([]ConfirmedTxn, error) {
	rows, err := db.conn.Query(
		"SELECT local_ref, id, balance_after FROM transactions WHERE account_id = ? AND device_id = ? ORDER BY created_at",
		accountID, deviceID)
	if err != nil {
		return nil, fmt.Errorf("query confirmed txns: %w", err)
	}
	defer rows.Close()

	var refs []ConfirmedTxn
	for rows.Next() {
		var c ConfirmedTxn
		if err := rows.Scan(&c.LocalRef, &c.ID, &c.BalanceAfter); err != nil {
			return nil, fmt.Errorf("scan confirmed txn: %w", err)
		}
		refs = append(refs, c)
	}
	return refs, rows.Err()
}

// LastSeq returns the newest journal sequence.
func (db *HubDB) LastSeq() (int64, error) {
	var seq sql.NullInt64
	if err := db.conn.QueryRow("SELECT MAX(server_seq) FROM events").Scan(&seq); err != nil {
		return 0, fmt.Errorf("query last seq: %w", err)
	}
	return seq.Int64, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
