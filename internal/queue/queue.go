// Package queue implements the durable mutation queue: an append-style log of
// pending local mutations drained in priority order by the sync orchestrator.
package queue

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/marcus/cashew/internal/db"
	"github.com/marcus/cashew/internal/models"
)

var (
	// ErrNotFound is returned for operations on a queue item that does not exist.
	ErrNotFound = errors.New("queue item not found")

	// ErrNotFailed is returned when ResetForRetry targets an item that is not
	// terminally failed.
	ErrNotFailed = errors.New("queue item is not in failed state")
)

// Queue manages the sync_queue table.
type Queue struct {
	db *db.DB
}

// New creates a queue over the wallet database.
func New(database *db.DB) *Queue {
	return &Queue{db: database}
}

const itemColumns = `id, entity_type, entity_id, operation, payload, priority, status,
	retry_count, last_error, enqueued_at, COALESCE(next_attempt_at,''), COALESCE(completed_at,'')`

func scanItem(row interface{ Scan(...any) error }) (*models.QueueItem, error) {
	var (
		item                   models.QueueItem
		payload                string
		enqueuedAt             string
		nextAttempt, completed string
	)
	err := row.Scan(&item.ID, &item.EntityType, &item.EntityID, &item.Operation, &payload,
		&item.Priority, &item.Status, &item.RetryCount, &item.LastError,
		&enqueuedAt, &nextAttempt, &completed)
	if err != nil {
		return nil, err
	}

	item.Payload = json.RawMessage(payload)
	if item.EnqueuedAt, err = db.ParseTime(enqueuedAt); err != nil {
		return nil, fmt.Errorf("parse enqueued_at: %w", err)
	}
	if nextAttempt != "" {
		t, err := db.ParseTime(nextAttempt)
		if err != nil {
			return nil, fmt.Errorf("parse next_attempt_at: %w", err)
		}
		item.NextAttemptAt = &t
	}
	if completed != "" {
		t, err := db.ParseTime(completed)
		if err != nil {
			return nil, fmt.Errorf("parse completed_at: %w", err)
		}
		item.CompletedAt = &t
	}
	return &item, nil
}

// EnqueueTx records a mutation inside the caller's transaction, so the local
// write and its queue item commit atomically. Re-enqueueing while a pending
// item exists for the same (entity, operation) coalesces into that item: the
// payload snapshot is refreshed, no duplicate row is created.
func (q *Queue) EnqueueTx(tx *sql.Tx, entityType models.EntityType, entityID string, op models.Operation, payload json.RawMessage) (int64, error) {
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	var existingID int64
	err := tx.QueryRow(`
		SELECT id FROM sync_queue
		WHERE entity_type = ? AND entity_id = ? AND operation = ? AND status = 'pending'`,
		string(entityType), entityID, string(op)).Scan(&existingID)
	if err == nil {
		_, err = tx.Exec(`UPDATE sync_queue SET payload = ? WHERE id = ?`, string(payload), existingID)
		if err != nil {
			return 0, fmt.Errorf("coalesce queue item %d: %w", existingID, err)
		}
		slog.Debug("queue item coalesced", "id", existingID, "entity", entityID)
		return existingID, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("lookup pending item: %w", err)
	}

	priority := PriorityFor(entityType, op)
	res, err := tx.Exec(`
		INSERT INTO sync_queue (entity_type, entity_id, operation, payload, priority, status, enqueued_at)
		VALUES (?, ?, ?, ?, ?, 'pending', ?)`,
		string(entityType), entityID, string(op), string(payload), string(priority),
		db.FormatTime(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("enqueue %s %s: %w", entityType, entityID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	if err := q.db.AdjustPendingChangesTx(tx, entityType, 1); err != nil {
		return 0, err
	}

	slog.Debug("mutation enqueued", "id", id, "entity_type", entityType, "entity", entityID, "op", op, "priority", priority)
	return id, nil
}

// DequeueBatch returns up to maxN pending items ready for transmission,
// ordered by priority first, then enqueue time (high priority, then FIFO).
// Items waiting out a backoff window are skipped.
func (q *Queue) DequeueBatch(maxN int) ([]models.QueueItem, error) {
	rows, err := q.db.Conn().Query(`
		SELECT `+itemColumns+` FROM sync_queue
		WHERE status = 'pending'
		  AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		ORDER BY CASE priority WHEN 'high' THEN 0 WHEN 'normal' THEN 1 ELSE 2 END ASC,
		         enqueued_at ASC, id ASC
		LIMIT ?`,
		db.FormatTime(time.Now()), maxN)
	if err != nil {
		return nil, fmt.Errorf("dequeue batch: %w", err)
	}
	defer rows.Close()

	var items []models.QueueItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// Get returns a queue item by ID.
func (q *Queue) Get(id int64) (*models.QueueItem, error) {
	item, err := scanItem(q.db.Conn().QueryRow(
		`SELECT `+itemColumns+` FROM sync_queue WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return item, err
}

// MarkProcessing transitions pending -> processing.
func (q *Queue) MarkProcessing(id int64) error {
	return q.db.Tx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE sync_queue SET status = 'processing' WHERE id = ? AND status = 'pending'`, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// MarkCompletedTx transitions processing -> completed inside the caller's
// transaction, so completion commits together with remote-ID bookkeeping.
// Completed items are retained for the idempotency window, then purged.
func (q *Queue) MarkCompletedTx(tx *sql.Tx, id int64) error {
	item, err := scanItem(tx.QueryRow(`SELECT `+itemColumns+` FROM sync_queue WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	_, err = tx.Exec(`
		UPDATE sync_queue SET status = 'completed', last_error = '', completed_at = ?
		WHERE id = ?`,
		db.FormatTime(time.Now()), id)
	if err != nil {
		return err
	}
	return q.db.AdjustPendingChangesTx(tx, item.EntityType, -1)
}

// MarkCompleted is MarkCompletedTx in its own transaction.
func (q *Queue) MarkCompleted(id int64) error {
	return q.db.Tx(func(tx *sql.Tx) error {
		return q.MarkCompletedTx(tx, id)
	})
}

// MarkFailed records a failed transmission. Below the retry budget the item
// returns to pending with an exponential backoff window; at the budget it
// becomes terminally failed and stays visible until an operator resets it.
// Terminal means terminal: the item is never silently dropped or auto-retried.
func (q *Queue) MarkFailed(id int64, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return q.db.Tx(func(tx *sql.Tx) error {
		return q.markFailedTx(tx, id, msg, false)
	})
}

// MarkFailedTerminal fails the item immediately regardless of retry budget.
// Used for payloads that cannot be encoded: retrying a schema defect forever
// helps nobody.
func (q *Queue) MarkFailedTerminal(id int64, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return q.db.Tx(func(tx *sql.Tx) error {
		return q.markFailedTx(tx, id, msg, true)
	})
}

func (q *Queue) markFailedTx(tx *sql.Tx, id int64, msg string, terminal bool) error {
	var retryCount int
	err := tx.QueryRow(`SELECT retry_count FROM sync_queue WHERE id = ?`, id).Scan(&retryCount)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	retryCount++
	if terminal || retryCount >= MaxRetries {
		_, err = tx.Exec(`
			UPDATE sync_queue SET status = 'failed', retry_count = ?, last_error = ?, next_attempt_at = NULL
			WHERE id = ?`,
			retryCount, msg, id)
		if err != nil {
			return err
		}
		slog.Warn("queue item terminally failed", "id", id, "retries", retryCount, "err", msg)
		return nil
	}

	next := time.Now().Add(backoffDelay(retryCount))
	_, err = tx.Exec(`
		UPDATE sync_queue SET status = 'pending', retry_count = ?, last_error = ?, next_attempt_at = ?
		WHERE id = ?`,
		retryCount, msg, db.FormatTime(next), id)
	if err != nil {
		return err
	}
	slog.Debug("queue item scheduled for retry", "id", id, "retry", retryCount, "next_attempt", next)
	return nil
}

// ResetForRetry is the explicit operator transition failed -> pending. The
// retry budget starts over.
func (q *Queue) ResetForRetry(id int64) error {
	return q.db.Tx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE sync_queue
			SET status = 'pending', retry_count = 0, last_error = '', next_attempt_at = NULL
			WHERE id = ? AND status = 'failed'`, id)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			// Distinguish missing from wrong-state for the operator.
			var exists int
			if err := tx.QueryRow(`SELECT COUNT(*) FROM sync_queue WHERE id = ?`, id).Scan(&exists); err != nil {
				return err
			}
			if exists == 0 {
				return ErrNotFound
			}
			return ErrNotFailed
		}
		return nil
	})
}

// RecoverStale returns items stranded in processing (crash or cancelled push)
// to pending. Run once at orchestrator start.
func (q *Queue) RecoverStale() (int64, error) {
	var recovered int64
	err := q.db.Tx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE sync_queue SET status = 'pending' WHERE status = 'processing'`)
		if err != nil {
			return err
		}
		recovered, _ = res.RowsAffected()
		return nil
	})
	if err == nil && recovered > 0 {
		slog.Info("recovered stale queue items", "count", recovered)
	}
	return recovered, err
}

// PendingCount returns the number of items still awaiting transmission.
func (q *Queue) PendingCount() (int64, error) {
	var count int64
	err := q.db.Conn().QueryRow(
		`SELECT COUNT(*) FROM sync_queue WHERE status IN ('pending','processing')`).Scan(&count)
	return count, err
}

// PendingCountFor returns pending items for one entity.
func (q *Queue) PendingCountFor(entityType models.EntityType, entityID string) (int64, error) {
	var count int64
	err := q.db.Conn().QueryRow(`
		SELECT COUNT(*) FROM sync_queue
		WHERE entity_type = ? AND entity_id = ? AND status IN ('pending','processing')`,
		string(entityType), entityID).Scan(&count)
	return count, err
}

// FailedItems returns terminally failed items for the diagnostics view.
func (q *Queue) FailedItems() ([]models.QueueItem, error) {
	rows, err := q.db.Conn().Query(`
		SELECT ` + itemColumns + ` FROM sync_queue
		WHERE status = 'failed'
		ORDER BY enqueued_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []models.QueueItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// List returns all queue items, newest first, for the operator view.
func (q *Queue) List(limit int) ([]models.QueueItem, error) {
	rows, err := q.db.Conn().Query(`
		SELECT `+itemColumns+` FROM sync_queue
		ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []models.QueueItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// PurgeCompleted removes completed items older than the retention window.
// Completed rows are kept briefly so a duplicate ack inside the idempotency
// window can be matched against its original item.
func (q *Queue) PurgeCompleted(olderThan time.Duration) (int64, error) {
	var purged int64
	err := q.db.Tx(func(tx *sql.Tx) error {
		cutoff := time.Now().Add(-olderThan)
		res, err := tx.Exec(`
			DELETE FROM sync_queue
			WHERE status = 'completed' AND completed_at IS NOT NULL AND completed_at <= ?`,
			db.FormatTime(cutoff))
		if err != nil {
			return err
		}
		purged, _ = res.RowsAffected()
		return nil
	})
	return purged, err
}
