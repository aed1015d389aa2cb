package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/marcus/cashew/internal/models"
)

func scanSyncMeta(row interface{ Scan(...any) error }) (*models.SyncMeta, error) {
	var (
		m                  models.SyncMeta
		pulledAt, pushedAt string
		initialDone        int
	)
	err := row.Scan(&m.EntityType, &pulledAt, &pushedAt, &m.LastSyncToken, &m.PendingChanges, &initialDone)
	if err != nil {
		return nil, err
	}
	m.InitialSyncDone = initialDone != 0

	if m.LastPulledAt, err = parseNullableTime(pulledAt); err != nil {
		return nil, fmt.Errorf("parse last_pulled_at: %w", err)
	}
	if m.LastPushedAt, err = parseNullableTime(pushedAt); err != nil {
		return nil, fmt.Errorf("parse last_pushed_at: %w", err)
	}
	return &m, nil
}

const syncMetaColumns = `entity_type, COALESCE(last_pulled_at,''), COALESCE(last_pushed_at,''),
	last_sync_token, pending_changes, initial_sync_done`

// GetSyncMeta returns the bookkeeping row for an entity type, creating a zero
// row on first access.
func (db *DB) GetSyncMeta(entityType models.EntityType) (*models.SyncMeta, error) {
	m, err := scanSyncMeta(db.conn.QueryRow(
		`SELECT `+syncMetaColumns+` FROM sync_metadata WHERE entity_type = ?`, string(entityType)))
	if err == sql.ErrNoRows {
		return &models.SyncMeta{EntityType: entityType}, nil
	}
	return m, err
}

// AllSyncMeta returns bookkeeping rows for every entity type that has one.
func (db *DB) AllSyncMeta() ([]models.SyncMeta, error) {
	rows, err := db.conn.Query(`SELECT ` + syncMetaColumns + ` FROM sync_metadata ORDER BY entity_type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var metas []models.SyncMeta
	for rows.Next() {
		m, err := scanSyncMeta(rows)
		if err != nil {
			return nil, err
		}
		metas = append(metas, *m)
	}
	return metas, rows.Err()
}

func (db *DB) ensureSyncMetaTx(tx *sql.Tx, entityType models.EntityType) error {
	_, err := tx.Exec(`
		INSERT OR IGNORE INTO sync_metadata (entity_type, last_sync_token, pending_changes, initial_sync_done)
		VALUES (?, 0, 0, 0)`, string(entityType))
	return err
}

// UpdatePulledTx records a completed pull: cursor advance, pull time, and the
// initial-sync flag once the first full pull lands.
func (db *DB) UpdatePulledTx(tx *sql.Tx, entityType models.EntityType, syncToken int64) error {
	if err := db.ensureSyncMetaTx(tx, entityType); err != nil {
		return err
	}
	_, err := tx.Exec(`
		UPDATE sync_metadata
		SET last_pulled_at = ?, last_sync_token = ?, initial_sync_done = 1
		WHERE entity_type = ?`,
		FormatTime(time.Now()), syncToken, string(entityType))
	return err
}

// UpdatePushedTx records a completed push for an entity type.
func (db *DB) UpdatePushedTx(tx *sql.Tx, entityType models.EntityType) error {
	if err := db.ensureSyncMetaTx(tx, entityType); err != nil {
		return err
	}
	_, err := tx.Exec(`
		UPDATE sync_metadata SET last_pushed_at = ? WHERE entity_type = ?`,
		FormatTime(time.Now()), string(entityType))
	return err
}

// AdjustPendingChangesTx moves the pending-changes counter by delta, clamping
// at zero.
func (db *DB) AdjustPendingChangesTx(tx *sql.Tx, entityType models.EntityType, delta int) error {
	if err := db.ensureSyncMetaTx(tx, entityType); err != nil {
		return err
	}
	_, err := tx.Exec(`
		UPDATE sync_metadata
		SET pending_changes = MAX(0, pending_changes + ?)
		WHERE entity_type = ?`,
		delta, string(entityType))
	return err
}

// InvalidateSyncMetaTx forces the next cycle to treat the entity type as
// stale. Used after a push conflict so fresh state is pulled before the
// mutation is re-derived.
func (db *DB) InvalidateSyncMetaTx(tx *sql.Tx, entityType models.EntityType) error {
	if err := db.ensureSyncMetaTx(tx, entityType); err != nil {
		return err
	}
	_, err := tx.Exec(`
		UPDATE sync_metadata SET last_pulled_at = NULL WHERE entity_type = ?`,
		string(entityType))
	return err
}
