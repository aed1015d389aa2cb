package sync

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/marcus/cashew/internal/db"
	"github.com/marcus/cashew/internal/ledger"
	"github.com/marcus/cashew/internal/models"
	"github.com/marcus/cashew/internal/syncclient"
)

// Codec is the per-entity-type dispatch entry: how to encode a local entity
// for push and how to apply an authoritative pulled record. New entity types
// register a table entry here instead of subclassing anything.
type Codec struct {
	// Encode produces the wire payload for a queued mutation from live local
	// state. EditSeq is the entity's edit counter at encode time (0 when the
	// type has no counter), used to clear the dirty flag safely on ack.
	Encode func(tx *sql.Tx, entityID string) (payload json.RawMessage, editSeq int64, err error)

	// Apply merges one authoritative record into local state. editSeqs holds
	// the per-record edit counters captured before the pull started.
	Apply func(tx *sql.Tx, rec syncclient.PullRecord, editSeqs map[string]int64) error
}

// Registry maps entity types to codecs. Iteration uses pullOrder, not map
// order: accounts must land before the transactions that reference them.
type Registry map[models.EntityType]Codec

// pullOrder fixes the merge order across entity types within one cycle.
var pullOrder = []models.EntityType{
	models.EntityAccounts,
	models.EntityTransactions,
	models.EntityProfiles,
	models.EntityTickets,
}

func buildRegistry(database *db.DB, rec *ledger.Reconciler) Registry {
	reg := Registry{}

	reg[models.EntityAccounts] = Codec{
		Encode: func(tx *sql.Tx, entityID string) (json.RawMessage, int64, error) {
			a, err := database.GetAccountTx(tx, entityID)
			if err != nil {
				return nil, 0, err
			}
			p := AccountPayload{
				LocalID:       a.LocalID,
				Label:         a.Label,
				Currency:      a.Currency,
				AllowNegative: a.AllowNegative,
			}
			if a.RemoteID != nil {
				p.RemoteID = *a.RemoteID
			}
			data, err := json.Marshal(p)
			return data, a.EditSeq, err
		},
		Apply: func(tx *sql.Tx, pulled syncclient.PullRecord, _ map[string]int64) error {
			var snap AccountSnapshotPayload
			if err := json.Unmarshal(pulled.Payload, &snap); err != nil {
				return fmt.Errorf("decode account snapshot: %w", err)
			}

			a, err := database.GetAccountByRemoteID(tx, pulled.RemoteID)
			if err == db.ErrNotFound {
				// Account provisioned elsewhere: materialize it locally.
				remoteID := pulled.RemoteID
				a = &models.Account{
					LocalID:       db.NewAccountID(),
					RemoteID:      &remoteID,
					Label:         snap.Label,
					Currency:      snap.Currency,
					AllowNegative: snap.AllowNegative,
					IsSynced:      true,
				}
				if err := database.InsertAccountTx(tx, a); err != nil {
					return err
				}
			} else if err != nil {
				return err
			}

			confirmed := make([]ledger.ConfirmedRef, 0, len(snap.ConfirmedRefs))
			for _, c := range snap.ConfirmedRefs {
				confirmed = append(confirmed, ledger.ConfirmedRef{
					LocalRef:     c.LocalRef,
					RemoteID:     c.RemoteID,
					BalanceAfter: c.BalanceAfter,
				})
			}
			return rec.ApplyServerSnapshotTx(tx, a.LocalID, snap.Balance, confirmed, time.Now())
		},
	}

	reg[models.EntityTransactions] = Codec{
		Encode: func(tx *sql.Tx, entityID string) (json.RawMessage, int64, error) {
			t, err := database.GetTransactionTx(tx, entityID)
			if err != nil {
				return nil, 0, err
			}
			a, err := database.GetAccountTx(tx, t.AccountID)
			if err != nil {
				return nil, 0, err
			}
			if a.RemoteID == nil {
				return nil, 0, fmt.Errorf("account %s has no remote identity yet", t.AccountID)
			}
			p := TxPayload{
				LocalRef:  t.LocalRef,
				AccountID: *a.RemoteID,
				Kind:      string(t.Kind),
				Amount:    t.Amount,
				VendorRef: t.VendorRef,
				Note:      t.Note,
				CreatedAt: t.CreatedAt.UTC().Format(time.RFC3339),
			}
			data, err := json.Marshal(p)
			return data, 0, err
		},
		Apply: func(tx *sql.Tx, pulled syncclient.PullRecord, _ map[string]int64) error {
			var p TxPayload
			if err := json.Unmarshal(pulled.Payload, &p); err != nil {
				return fmt.Errorf("decode transaction: %w", err)
			}

			// Our own entry coming back: confirm it (idempotent).
			if p.LocalRef != "" {
				if _, err := database.GetTransactionTx(tx, p.LocalRef); err == nil {
					return rec.ConfirmTransactionTx(tx, p.LocalRef, pulled.RemoteID, p.BalanceAfter)
				} else if err != db.ErrNotFound {
					return err
				}
			}

			// A transaction made on another device. Journal it as already
			// confirmed; the balance arrives with the account snapshot.
			a, err := database.GetAccountByRemoteID(tx, p.AccountID)
			if err == db.ErrNotFound {
				slog.Debug("pulled transaction for unknown account, skipping", "remote_id", pulled.RemoteID)
				return nil
			}
			if err != nil {
				return err
			}

			localRef := p.LocalRef
			if localRef == "" {
				localRef = "remote-" + pulled.RemoteID
			}
			exists, err := database.HasTransactionTx(tx, localRef)
			if err != nil || exists {
				return err
			}
			remoteID := pulled.RemoteID
			now := time.Now()
			return database.InsertTransactionTx(tx, &models.Transaction{
				LocalRef:     localRef,
				RemoteID:     &remoteID,
				AccountID:    a.LocalID,
				Kind:         models.TxKind(p.Kind),
				Amount:       p.Amount,
				BalanceAfter: p.BalanceAfter,
				VendorRef:    p.VendorRef,
				Note:         p.Note,
				IsOffline:    false,
				ConfirmedAt:  &now,
			})
		},
	}

	// Generic record types share one codec body; the entity type is captured
	// per registration.
	for _, et := range []models.EntityType{models.EntityProfiles, models.EntityTickets} {
		entityType := et
		reg[entityType] = Codec{
			Encode: func(tx *sql.Tx, entityID string) (json.RawMessage, int64, error) {
				r, err := database.GetRecordTx(tx, entityType, entityID)
				if err != nil {
					return nil, 0, err
				}
				data, err := json.Marshal(RecordPayload{LocalID: r.LocalID, Fields: r.Payload})
				return data, r.EditSeq, err
			},
			Apply: func(tx *sql.Tx, pulled syncclient.PullRecord, editSeqs map[string]int64) error {
				var p RecordPayload
				if err := json.Unmarshal(pulled.Payload, &p); err != nil {
					return fmt.Errorf("decode %s record: %w", entityType, err)
				}
				var fields map[string]json.RawMessage
				if err := json.Unmarshal(p.Fields, &fields); err != nil {
					return fmt.Errorf("decode %s fields: %w", entityType, err)
				}

				// Generic records share identity across devices.
				localID := pulled.RemoteID
				asOf, seen := editSeqs[localID]
				if !seen {
					asOf = -1 // created after capture: treat as raced, keep dirty
				}
				return database.ApplyRemoteSnapshotTx(tx, entityType, localID, fields, pulled.RemoteID, asOf)
			},
		}
	}

	return reg
}
