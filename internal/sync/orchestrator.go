// Package sync drives the pull -> merge -> push -> confirm cycle between the
// local wallet database and the hub.
package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marcus/cashew/internal/connectivity"
	"github.com/marcus/cashew/internal/db"
	"github.com/marcus/cashew/internal/ledger"
	"github.com/marcus/cashew/internal/models"
	"github.com/marcus/cashew/internal/queue"
	"github.com/marcus/cashew/internal/syncclient"
)

// ErrOffline is returned when a sync is requested while the hub is unreachable.
var ErrOffline = errors.New("offline")

// Config tunes the orchestrator.
type Config struct {
	PullLimit  int           // records per pull page
	PushLimit  int           // queue items per push batch
	StaleAfter time.Duration // pull threshold per entity type
	Interval   time.Duration // periodic cycle while online
	PurgeAfter time.Duration // completed-item retention (idempotency window)
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		PullLimit:  500,
		PushLimit:  100,
		StaleAfter: 5 * time.Minute,
		Interval:   time.Minute,
		PurgeAfter: 24 * time.Hour,
	}
}

// Orchestrator owns the sync cycle. One instance per local database; it is
// constructed explicitly and passed around, never a package singleton, so
// tests can run several isolated wallets side by side.
type Orchestrator struct {
	db     *db.DB
	q      *queue.Queue
	rec    *ledger.Reconciler
	client Client
	reg    Registry
	cfg    Config

	mu     sync.Mutex // serializes cycles
	state  atomic.Value
	online atomic.Bool
}

// New creates an orchestrator. It does not start anything; call Run for the
// background loop or ForceSync for a one-shot cycle.
func New(database *db.DB, q *queue.Queue, rec *ledger.Reconciler, client Client, cfg Config) *Orchestrator {
	o := &Orchestrator{
		db:     database,
		q:      q,
		rec:    rec,
		client: client,
		reg:    buildRegistry(database, rec),
		cfg:    cfg,
	}
	o.state.Store(StateIdle)
	return o
}

// State returns the orchestrator's current position in the cycle.
func (o *Orchestrator) State() State {
	return o.state.Load().(State)
}

func (o *Orchestrator) setState(s State) {
	o.state.Store(s)
}

// Online reports the last known connectivity.
func (o *Orchestrator) Online() bool {
	return o.online.Load()
}

// SetOnline overrides the connectivity flag (test hook, and the seam the
// connectivity monitor feeds).
func (o *Orchestrator) SetOnline(online bool) {
	o.online.Store(online)
}

// PendingSyncCount returns the number of queued mutations not yet confirmed.
func (o *Orchestrator) PendingSyncCount() (int64, error) {
	return o.q.PendingCount()
}

// FailedItems surfaces terminally failed mutations for the operator view.
// They are never retried automatically.
func (o *Orchestrator) FailedItems() ([]models.QueueItem, error) {
	return o.q.FailedItems()
}

// Run drives cycles until ctx is cancelled: on connectivity regained, on the
// periodic timer while online, and on demand through ForceSync from another
// goroutine. Local writes never wait on this loop; only network pushes live
// here.
func (o *Orchestrator) Run(ctx context.Context, events <-chan connectivity.Change) error {
	if _, err := o.q.RecoverStale(); err != nil {
		return fmt.Errorf("recover stale queue items: %w", err)
	}

	ticker := time.NewTicker(o.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			wasOnline := o.online.Load()
			o.online.Store(ev.Online)
			if ev.Online && !wasOnline {
				slog.Info("connectivity regained, starting sync cycle")
				if err := o.RunCycle(ctx); err != nil {
					slog.Warn("sync cycle failed", "err", err)
				}
			}
		case <-ticker.C:
			if !o.online.Load() {
				continue
			}
			if err := o.RunCycle(ctx); err != nil {
				slog.Warn("periodic sync cycle failed", "err", err)
			}
		}
	}
}

// ForceSync runs one full cycle immediately, regardless of timers. It fails
// fast with ErrOffline when the hub is known to be unreachable.
func (o *Orchestrator) ForceSync(ctx context.Context) error {
	if !o.online.Load() {
		return ErrOffline
	}
	return o.RunCycle(ctx)
}

// RunCycle executes pull -> merge -> push once. Cycles are serialized; a
// second caller blocks until the first finishes. Partial failure is
// tolerated: a failed entity type or item never blocks the rest of the cycle
// beyond its causal dependents.
func (o *Orchestrator) RunCycle(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	// A crash or cancelled push leaves items in processing; sweep them back.
	if _, err := o.q.RecoverStale(); err != nil {
		return err
	}

	var cycleErr error
	defer func() {
		if cycleErr != nil {
			o.setState(StateError)
			slog.Error("sync cycle error", "err", cycleErr)
		}
		o.setState(StateIdle)
	}()

	o.setState(StatePulling)
	if err := o.pullAll(ctx); err != nil {
		cycleErr = err
		return err
	}

	o.setState(StatePushing)
	if err := o.pushAll(ctx); err != nil {
		cycleErr = err
		return err
	}

	if _, err := o.q.PurgeCompleted(o.cfg.PurgeAfter); err != nil {
		slog.Warn("purge completed queue items", "err", err)
	}
	return nil
}

// pullAll refreshes every stale entity type from the hub and merges the
// authoritative records locally.
func (o *Orchestrator) pullAll(ctx context.Context) error {
	now := time.Now()
	for _, entityType := range pullOrder {
		codec, ok := o.reg[entityType]
		if !ok {
			continue
		}

		meta, err := o.db.GetSyncMeta(entityType)
		if err != nil {
			return fmt.Errorf("sync meta %s: %w", entityType, err)
		}
		if meta.InitialSyncDone && !meta.IsStale(o.cfg.StaleAfter, now) {
			continue
		}

		if err := o.pullEntityType(ctx, entityType, codec, meta.LastSyncToken); err != nil {
			// Partial failure: log and move on to the next type.
			slog.Warn("pull failed", "entity_type", entityType, "err", err)
		}
	}
	return nil
}

func (o *Orchestrator) pullEntityType(ctx context.Context, entityType models.EntityType, codec Codec, since int64) error {
	// Capture edit counters before the network round trip so a local edit
	// that races the pull keeps its dirty flag.
	var editSeqs map[string]int64
	if entityType == models.EntityProfiles || entityType == models.EntityTickets {
		var err error
		if editSeqs, err = o.db.EditSeqs(entityType); err != nil {
			return err
		}
	}

	for {
		resp, err := o.client.Pull(ctx, string(entityType), since, o.cfg.PullLimit)
		if err != nil {
			return err
		}

		o.setState(StateMerging)
		err = o.db.Tx(func(tx *sql.Tx) error {
			for _, rec := range resp.Records {
				if err := codec.Apply(tx, rec, editSeqs); err != nil {
					return fmt.Errorf("apply %s seq=%d: %w", entityType, rec.ServerSeq, err)
				}
			}
			return o.db.UpdatePulledTx(tx, entityType, resp.LastSeq)
		})
		o.setState(StatePulling)
		if err != nil {
			return err
		}

		slog.Debug("pulled", "entity_type", entityType, "records", len(resp.Records), "last_seq", resp.LastSeq)
		since = resp.LastSeq
		if !resp.HasMore {
			return nil
		}
	}
}

// pushedItem pairs a queue item with the edit counter captured at encode time.
type pushedItem struct {
	item    models.QueueItem
	editSeq int64
}

// pushAll drains the queue in priority order. Gated items (awaiting an
// unpushed prerequisite) stay queued; encode failures are terminal; network
// failures put the whole batch back with backoff.
func (o *Orchestrator) pushAll(ctx context.Context) error {
	items, err := o.q.DequeueBatch(o.cfg.PushLimit)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	var (
		wire    []syncclient.PushItem
		pending = map[int64]pushedItem{}
	)
	for _, item := range items {
		gated, err := o.gated(item)
		if err != nil {
			slog.Warn("dependency check failed", "item", item.ID, "err", err)
			continue
		}
		if gated {
			// Causally dependent on an unconfirmed create; stays pending
			// behind its prerequisite without consuming a retry.
			slog.Debug("item gated behind prerequisite", "item", item.ID, "entity", item.EntityID)
			continue
		}

		payload, editSeq, err := o.encode(item)
		if err != nil {
			// A payload that cannot be encoded is a schema defect, not a
			// transient condition; park it for the operator.
			slog.Error("encode queue item", "item", item.ID, "err", err)
			if ferr := o.q.MarkFailedTerminal(item.ID, err); ferr != nil {
				return ferr
			}
			continue
		}

		if err := o.q.MarkProcessing(item.ID); err != nil {
			return err
		}
		wire = append(wire, syncclient.PushItem{
			ItemID:          item.ID,
			EntityType:      string(item.EntityType),
			EntityID:        item.EntityID,
			Operation:       string(item.Operation),
			Payload:         payload,
			ClientTimestamp: item.EnqueuedAt.UTC().Format(time.RFC3339),
		})
		pending[item.ID] = pushedItem{item: item, editSeq: editSeq}
	}
	if len(wire) == 0 {
		return nil
	}

	resp, err := o.client.Push(ctx, syncclient.PushRequest{Items: wire})
	if err != nil {
		// Network failure delays convergence but corrupts nothing: every
		// in-flight item goes back through the retry policy.
		for id := range pending {
			if ferr := o.q.MarkFailed(id, err); ferr != nil {
				return ferr
			}
		}
		return fmt.Errorf("push batch: %w", err)
	}

	for _, ack := range resp.Acks {
		p, ok := pending[ack.ItemID]
		if !ok {
			slog.Warn("ack for unknown item", "item", ack.ItemID)
			continue
		}
		if err := o.applyAck(p, ack); err != nil {
			slog.Error("apply ack", "item", ack.ItemID, "err", err)
			if ferr := o.q.MarkFailed(ack.ItemID, err); ferr != nil {
				return ferr
			}
		}
	}

	for _, rej := range resp.Rejected {
		p, ok := pending[rej.ItemID]
		if !ok {
			continue
		}
		if err := o.applyRejection(p.item, rej); err != nil {
			return err
		}
	}
	return nil
}

// gated reports whether a queue item must wait for a prerequisite create to
// be confirmed first. A transaction waits for its account's remote identity;
// an update or delete waits for its own entity's create.
func (o *Orchestrator) gated(item models.QueueItem) (bool, error) {
	if item.EntityType == models.EntityTransactions {
		t, err := o.db.GetTransaction(item.EntityID)
		if err != nil {
			return false, err
		}
		remoteID, err := o.db.RemoteID(models.EntityAccounts, t.AccountID)
		if err != nil {
			return false, err
		}
		return remoteID == nil, nil
	}

	if item.Operation == models.OpCreate {
		return false, nil
	}
	remoteID, err := o.db.RemoteID(item.EntityType, item.EntityID)
	if errors.Is(err, db.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return remoteID == nil, nil
}

// encode produces the wire payload from live local state; the stored snapshot
// is the fallback when the entity is already gone (queued delete).
func (o *Orchestrator) encode(item models.QueueItem) ([]byte, int64, error) {
	codec, ok := o.reg[item.EntityType]
	if !ok {
		return nil, 0, fmt.Errorf("no codec for entity type %s", item.EntityType)
	}
	if item.Operation == models.OpDelete {
		return item.Payload, 0, nil
	}

	var (
		payload []byte
		editSeq int64
	)
	err := o.db.Tx(func(tx *sql.Tx) error {
		var err error
		payload, editSeq, err = codec.Encode(tx, item.EntityID)
		return err
	})
	if errors.Is(err, db.ErrNotFound) {
		return item.Payload, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	return payload, editSeq, nil
}

// applyAck commits everything a successful push implies in one transaction:
// remote identity, dirty-flag clearing, ledger confirmation, queue completion
// and sync metadata.
func (o *Orchestrator) applyAck(p pushedItem, ack syncclient.Ack) error {
	item := p.item
	return o.db.Tx(func(tx *sql.Tx) error {
		switch item.EntityType {
		case models.EntityTransactions:
			if err := o.rec.ConfirmTransactionTx(tx, item.EntityID, ack.RemoteID, ack.BalanceAfter); err != nil {
				return err
			}
		case models.EntityAccounts:
			if item.Operation != models.OpDelete {
				if err := o.db.SetAccountRemoteIDTx(tx, item.EntityID, ack.RemoteID); err != nil {
					return err
				}
				if err := o.db.ClearAccountDirtyTx(tx, item.EntityID, p.editSeq); err != nil {
					return err
				}
			}
		default:
			if item.Operation != models.OpDelete {
				if err := o.db.SetRecordRemoteIDTx(tx, item.EntityType, item.EntityID, ack.RemoteID); err != nil {
					return err
				}
				if err := o.db.ClearRecordDirtyTx(tx, item.EntityType, item.EntityID, p.editSeq); err != nil {
					return err
				}
			}
		}

		if err := o.q.MarkCompletedTx(tx, item.ID); err != nil {
			return err
		}
		return o.db.UpdatePushedTx(tx, item.EntityType)
	})
}

// applyRejection routes a server rejection through the error taxonomy. A
// conflict means remote state diverged: the stale payload is never retried
// blindly — the entity type's metadata is invalidated so the next cycle pulls
// fresh state, and the re-encoded mutation goes out after that.
func (o *Orchestrator) applyRejection(item models.QueueItem, rej syncclient.Rejection) error {
	cause := fmt.Errorf("rejected by server: %s", rej.Reason)
	slog.Warn("push rejected", "item", item.ID, "entity", item.EntityID, "reason", rej.Reason)

	switch rej.Reason {
	case syncclient.ReasonInvalidPayload, syncclient.ReasonUnknownEntity:
		return o.q.MarkFailedTerminal(item.ID, cause)
	case syncclient.ReasonConflict, syncclient.ReasonInsufficientFunds:
		if err := o.db.Tx(func(tx *sql.Tx) error {
			return o.db.InvalidateSyncMetaTx(tx, item.EntityType)
		}); err != nil {
			return err
		}
		return o.q.MarkFailed(item.ID, cause)
	default:
		return o.q.MarkFailed(item.ID, cause)
	}
}
