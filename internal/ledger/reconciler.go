// Package ledger implements the balance reconciler: the authoritative
// server-confirmed balance and the speculative offline delta are kept as two
// separate numbers, merged deterministically when the server confirms
// transactions. Nothing here ever mutates a single "current balance" in place.
package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/marcus/cashew/internal/db"
	"github.com/marcus/cashew/internal/models"
	"github.com/marcus/cashew/internal/queue"
)

// Reconciler merges authoritative remote balances with not-yet-confirmed
// local deltas. All mutations run inside one database transaction together
// with their queue item: a balance change without a queued record of it can
// never be observed, even across a crash.
type Reconciler struct {
	db *db.DB
	q  *queue.Queue
}

// New creates a reconciler over the wallet database.
func New(database *db.DB, q *queue.Queue) *Reconciler {
	return &Reconciler{db: database, q: q}
}

// ConfirmedRef identifies one transaction a server snapshot has absorbed.
type ConfirmedRef struct {
	LocalRef     string `json:"local_ref"`
	RemoteID     string `json:"remote_id"`
	BalanceAfter int64  `json:"balance_after"`
}

// ProvisionAccount creates a local account (balance 0) and queues its
// creation for push.
func (r *Reconciler) ProvisionAccount(label, currency string, allowNegative bool) (*models.Account, error) {
	a := &models.Account{
		LocalID:       db.NewAccountID(),
		Label:         label,
		Currency:      currency,
		AllowNegative: allowNegative,
	}
	err := r.db.Tx(func(tx *sql.Tx) error {
		if err := r.db.InsertAccountTx(tx, a); err != nil {
			return err
		}
		payload, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("encode account: %w", err)
		}
		_, err = r.q.EnqueueTx(tx, models.EntityAccounts, a.LocalID, models.OpCreate, payload)
		return err
	})
	if err != nil {
		return nil, err
	}
	slog.Info("account provisioned", "account", a.LocalID, "label", label)
	return a, nil
}

// ApplyOfflineDelta records an economic event against an account while
// offline. Amount is a positive magnitude; the sign comes from the kind
// (corrections may carry a negative amount). On success the pending delta,
// the journal entry and the high-priority queue item commit atomically; on
// ErrInsufficientFunds no state changes at all.
func (r *Reconciler) ApplyOfflineDelta(accountID string, amount int64, kind models.TxKind, vendorRef, note string) (string, error) {
	if !kind.Valid() {
		return "", ErrUnknownKind
	}
	if kind == models.KindCorrection {
		if amount == 0 {
			return "", ErrInvalidAmount
		}
	} else if amount <= 0 {
		return "", ErrInvalidAmount
	}

	localRef := db.NewLocalRef()
	err := r.db.Tx(func(tx *sql.Tx) error {
		a, err := r.db.GetAccountTx(tx, accountID)
		if err != nil {
			return err
		}

		signed := amount * kind.Sign()
		effective := a.EffectiveBalance()
		if !a.AllowNegative && effective+signed < 0 {
			return ErrInsufficientFunds
		}

		t := &models.Transaction{
			LocalRef:      localRef,
			AccountID:     accountID,
			Kind:          kind,
			Amount:        amount,
			BalanceBefore: effective,
			BalanceAfter:  effective + signed,
			VendorRef:     vendorRef,
			Note:          note,
			IsOffline:     true,
		}
		if err := r.db.InsertTransactionTx(tx, t); err != nil {
			return err
		}
		if err := r.db.AdjustPendingDeltaTx(tx, accountID, signed); err != nil {
			return err
		}
		if err := r.db.MarkAccountDirtyTx(tx, accountID); err != nil {
			return err
		}

		payload, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("encode transaction: %w", err)
		}
		if _, err := r.q.EnqueueTx(tx, models.EntityTransactions, localRef, models.OpCreate, payload); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	slog.Debug("offline delta applied", "account", accountID, "kind", kind, "amount", amount, "ref", localRef)
	return localRef, nil
}

// RequestOfflinePayment authorizes and records a debit against the effective
// balance. This is the spend path the rest of the application calls.
func (r *Reconciler) RequestOfflinePayment(accountID string, amount int64, vendorRef string) (string, error) {
	return r.ApplyOfflineDelta(accountID, amount, models.KindPayment, vendorRef, "")
}

// ConfirmTransaction transitions a journal entry to confirmed and folds its
// amount out of the pending delta exactly once: a duplicate confirmation of
// the same entry is a no-op. The server-reported balance supersedes both the
// locally computed running balance and the stored authoritative balance.
func (r *Reconciler) ConfirmTransaction(localRef, remoteID string, serverBalanceAfter int64) error {
	return r.db.Tx(func(tx *sql.Tx) error {
		return r.confirmTx(tx, localRef, remoteID, serverBalanceAfter)
	})
}

// ConfirmTransactionTx is ConfirmTransaction inside the caller's transaction,
// used by the orchestrator to confirm alongside queue completion.
func (r *Reconciler) ConfirmTransactionTx(tx *sql.Tx, localRef, remoteID string, serverBalanceAfter int64) error {
	return r.confirmTx(tx, localRef, remoteID, serverBalanceAfter)
}

func (r *Reconciler) confirmTx(tx *sql.Tx, localRef, remoteID string, serverBalanceAfter int64) error {
	t, err := r.db.GetTransactionTx(tx, localRef)
	if err != nil {
		return err
	}

	changed, err := r.db.SetTransactionConfirmedTx(tx, localRef, remoteID, serverBalanceAfter, time.Now())
	if err != nil {
		return err
	}
	if !changed {
		slog.Debug("transaction already confirmed", "ref", localRef)
		return nil
	}

	// The confirmed amount is now reflected in the server balance; carry the
	// authoritative figure and drop the speculative delta in one step.
	a, err := r.db.GetAccountTx(tx, t.AccountID)
	if err != nil {
		return err
	}
	newPending := a.PendingDelta - t.SignedAmount()
	if err := r.db.SetAuthoritativeBalanceTx(tx, t.AccountID, serverBalanceAfter, newPending, time.Now()); err != nil {
		return err
	}

	slog.Debug("transaction confirmed", "ref", localRef, "remote_id", remoteID, "balance", serverBalanceAfter)
	return nil
}

// ApplyServerSnapshot applies an authoritative account snapshot. The server is
// always right about the confirmed balance, but only about the transactions it
// has actually seen: the snapshot first confirms the entries it covers, then
// the pending delta is recomputed from the journal entries still unconfirmed.
// A spend made in the same instant as the pull therefore keeps its delta live
// instead of being silently collapsed into the new balance.
func (r *Reconciler) ApplyServerSnapshot(accountID string, authoritativeBalance int64, confirmed []ConfirmedRef, asOf time.Time) error {
	return r.db.Tx(func(tx *sql.Tx) error {
		return r.ApplyServerSnapshotTx(tx, accountID, authoritativeBalance, confirmed, asOf)
	})
}

// ApplyServerSnapshotTx is ApplyServerSnapshot inside the caller's transaction.
func (r *Reconciler) ApplyServerSnapshotTx(tx *sql.Tx, accountID string, authoritativeBalance int64, confirmed []ConfirmedRef, asOf time.Time) error {
	if _, err := r.db.GetAccountTx(tx, accountID); err != nil {
		return err
	}

	for _, c := range confirmed {
		_, err := r.db.GetTransactionTx(tx, c.LocalRef)
		if err == db.ErrNotFound {
			continue // confirmed on another device; nothing local to fold
		}
		if err != nil {
			return err
		}
		if _, err := r.db.SetTransactionConfirmedTx(tx, c.LocalRef, c.RemoteID, c.BalanceAfter, asOf); err != nil {
			return err
		}
	}

	// Per-transaction reconciliation, never a scalar diff: whatever the
	// journal still holds as unconfirmed stays in the pending delta.
	pending, err := r.db.SumOfflineDeltaTx(tx, accountID)
	if err != nil {
		return err
	}
	if err := r.db.SetAuthoritativeBalanceTx(tx, accountID, authoritativeBalance, pending, asOf); err != nil {
		return err
	}

	slog.Debug("server snapshot applied", "account", accountID, "balance", authoritativeBalance, "pending", pending)
	return nil
}

// EffectiveBalance returns the balance a spend decision is based on.
func (r *Reconciler) EffectiveBalance(accountID string) (int64, error) {
	a, err := r.db.GetAccount(accountID)
	if err != nil {
		return 0, err
	}
	return a.EffectiveBalance(), nil
}
