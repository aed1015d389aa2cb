package models

import (
	"encoding/json"
	"time"
)

// EntityType identifies a syncable local table.
type EntityType string

const (
	EntityAccounts     EntityType = "accounts"
	EntityTransactions EntityType = "transactions"
	EntityProfiles     EntityType = "profiles"
	EntityTickets      EntityType = "tickets"
)

// Operation is the mutation verb recorded in the sync queue.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// TxKind classifies a ledger transaction.
type TxKind string

const (
	KindTopUp       TxKind = "topup"
	KindPayment     TxKind = "payment"
	KindRefund      TxKind = "refund"
	KindTransferIn  TxKind = "transfer_in"
	KindTransferOut TxKind = "transfer_out"
	KindCorrection  TxKind = "correction"
)

// Sign returns +1 for balance-increasing kinds and -1 for balance-decreasing
// ones. Corrections carry their sign in the amount itself.
func (k TxKind) Sign() int64 {
	switch k {
	case KindPayment, KindTransferOut:
		return -1
	default:
		return 1
	}
}

// Valid reports whether k is a known transaction kind.
func (k TxKind) Valid() bool {
	switch k {
	case KindTopUp, KindPayment, KindRefund, KindTransferIn, KindTransferOut, KindCorrection:
		return true
	}
	return false
}

// Priority orders queue items for transmission.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Rank returns the sort rank for a priority (lower transmits first).
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 2
	default:
		return 3
	}
}

// QueueStatus is the state of a sync queue item.
type QueueStatus string

const (
	StatusPending    QueueStatus = "pending"
	StatusProcessing QueueStatus = "processing"
	StatusFailed     QueueStatus = "failed"
	StatusCompleted  QueueStatus = "completed"
)

// Account is a locally persisted wallet account. Balance is the last value
// confirmed by the server; PendingDelta is the signed sum of offline changes
// the server has not yet confirmed. Both are integer minor units.
type Account struct {
	LocalID       string     `json:"local_id"`
	RemoteID      *string    `json:"remote_id,omitempty"`
	Label         string     `json:"label"`
	Currency      string     `json:"currency"`
	Balance       int64      `json:"balance"`
	PendingDelta  int64      `json:"pending_delta"`
	AllowNegative bool       `json:"allow_negative"`
	IsSynced      bool       `json:"is_synced"`
	NeedsPush     bool       `json:"needs_push"`
	EditSeq       int64      `json:"edit_seq"`
	LastSyncedAt  *time.Time `json:"last_synced_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// EffectiveBalance is the value shown to the user and used to authorize spends.
func (a *Account) EffectiveBalance() int64 {
	return a.Balance + a.PendingDelta
}

// Transaction is one append-only journal entry. LocalRef is the
// client-generated idempotency token; RemoteID is assigned once the server
// accepts the transaction.
type Transaction struct {
	LocalRef      string     `json:"local_ref"`
	RemoteID      *string    `json:"remote_id,omitempty"`
	AccountID     string     `json:"account_id"`
	Kind          TxKind     `json:"kind"`
	Amount        int64      `json:"amount"` // always positive; sign comes from Kind
	BalanceBefore int64      `json:"balance_before"`
	BalanceAfter  int64      `json:"balance_after"`
	VendorRef     string     `json:"vendor_ref,omitempty"`
	Note          string     `json:"note,omitempty"`
	IsOffline     bool       `json:"is_offline"`
	ConfirmedAt   *time.Time `json:"confirmed_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// SignedAmount is the amount with the kind's sign applied.
func (t *Transaction) SignedAmount() int64 {
	return t.Amount * t.Kind.Sign()
}

// Record is a generic payload-bearing entity (profiles, tickets) carrying the
// same dirty-tracking columns as the specialized types.
type Record struct {
	LocalID      string          `json:"local_id"`
	RemoteID     *string         `json:"remote_id,omitempty"`
	Payload      json.RawMessage `json:"payload"`
	IsSynced     bool            `json:"is_synced"`
	NeedsPush    bool            `json:"needs_push"`
	EditSeq      int64           `json:"edit_seq"`
	LastSyncedAt *time.Time      `json:"last_synced_at,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// QueueItem is one pending local mutation awaiting transmission.
type QueueItem struct {
	ID            int64           `json:"id"`
	EntityType    EntityType      `json:"entity_type"`
	EntityID      string          `json:"entity_id"`
	Operation     Operation       `json:"operation"`
	Payload       json.RawMessage `json:"payload"`
	Priority      Priority        `json:"priority"`
	Status        QueueStatus     `json:"status"`
	RetryCount    int             `json:"retry_count"`
	LastError     string          `json:"last_error,omitempty"`
	EnqueuedAt    time.Time       `json:"enqueued_at"`
	NextAttemptAt *time.Time      `json:"next_attempt_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

// SyncMeta is the per-entity-type sync bookkeeping row.
type SyncMeta struct {
	EntityType      EntityType `json:"entity_type"`
	LastPulledAt    *time.Time `json:"last_pulled_at,omitempty"`
	LastPushedAt    *time.Time `json:"last_pushed_at,omitempty"`
	LastSyncToken   int64      `json:"last_sync_token"`
	PendingChanges  int        `json:"pending_changes"`
	InitialSyncDone bool       `json:"initial_sync_done"`
}

// NeedsSync reports whether this entity type has work outstanding.
func (m *SyncMeta) NeedsSync() bool {
	return !m.InitialSyncDone || m.PendingChanges > 0
}

// IsStale reports whether the last pull is older than the given threshold.
// A type that has never been pulled is always stale.
func (m *SyncMeta) IsStale(threshold time.Duration, now time.Time) bool {
	if m.LastPulledAt == nil {
		return true
	}
	return now.Sub(*m.LastPulledAt) > threshold
}

// Config is the on-disk per-wallet configuration.
type Config struct {
	DefaultCurrency string `json:"default_currency,omitempty"`
	AllowNegative   bool   `json:"allow_negative,omitempty"`
	JSONOutput      bool   `json:"json_output,omitempty"`
}
