package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/marcus/cashew/internal/models"
)

// recordTables are the generic payload-bearing entity tables. Accounts and
// transactions have specialized stores; everything else goes through here.
var recordTables = map[models.EntityType]string{
	models.EntityProfiles: "profiles",
	models.EntityTickets:  "tickets",
}

// entityTables maps every syncable entity type to its table and ID column,
// for generic lookups (remote identity, pending-delete guard).
var entityTables = map[models.EntityType]struct {
	table    string
	idColumn string
}{
	models.EntityAccounts:     {"accounts", "local_id"},
	models.EntityTransactions: {"transactions", "local_ref"},
	models.EntityProfiles:     {"profiles", "local_id"},
	models.EntityTickets:      {"tickets", "local_id"},
}

func recordTable(entityType models.EntityType) (string, error) {
	table, ok := recordTables[entityType]
	if !ok {
		return "", fmt.Errorf("not a generic record type: %s", entityType)
	}
	return table, nil
}

func scanRecord(row interface{ Scan(...any) error }) (*models.Record, error) {
	var (
		r                    models.Record
		payload              string
		remoteID, lastSynced string
		isSynced, needsPush  int
		updatedAt            string
	)
	err := row.Scan(&r.LocalID, &remoteID, &payload, &isSynced, &needsPush, &r.EditSeq,
		&lastSynced, &updatedAt)
	if err != nil {
		return nil, err
	}

	r.Payload = json.RawMessage(payload)
	if remoteID != "" {
		r.RemoteID = &remoteID
	}
	r.IsSynced = isSynced != 0
	r.NeedsPush = needsPush != 0

	if r.LastSyncedAt, err = parseNullableTime(lastSynced); err != nil {
		return nil, fmt.Errorf("parse last_synced_at: %w", err)
	}
	if r.UpdatedAt, err = ParseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &r, nil
}

const recordColumns = `local_id, COALESCE(remote_id,''), payload, is_synced, needs_push, edit_seq,
	COALESCE(last_synced_at,''), updated_at`

// InsertRecordTx inserts a generic entity record.
func (db *DB) InsertRecordTx(tx *sql.Tx, entityType models.EntityType, r *models.Record) error {
	table, err := recordTable(entityType)
	if err != nil {
		return err
	}
	var remoteID any
	if r.RemoteID != nil {
		remoteID = *r.RemoteID
	}
	isSynced, needsPush := 0, 1
	if r.IsSynced {
		isSynced, needsPush = 1, 0
	}
	payload := r.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	_, err = tx.Exec(fmt.Sprintf(`
		INSERT INTO %s (local_id, remote_id, payload, is_synced, needs_push, edit_seq)
		VALUES (?, ?, ?, ?, ?, 0)`, table),
		r.LocalID, remoteID, string(payload), isSynced, needsPush)
	if err != nil {
		return fmt.Errorf("insert %s %s: %w", entityType, r.LocalID, err)
	}
	return nil
}

// GetRecord returns a generic record by local ID.
func (db *DB) GetRecord(entityType models.EntityType, localID string) (*models.Record, error) {
	table, err := recordTable(entityType)
	if err != nil {
		return nil, err
	}
	r, err := scanRecord(db.conn.QueryRow(
		fmt.Sprintf(`SELECT %s FROM %s WHERE local_id = ?`, recordColumns, table), localID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return r, err
}

// GetRecordTx is GetRecord inside an open transaction.
func (db *DB) GetRecordTx(tx *sql.Tx, entityType models.EntityType, localID string) (*models.Record, error) {
	table, err := recordTable(entityType)
	if err != nil {
		return nil, err
	}
	r, err := scanRecord(tx.QueryRow(
		fmt.Sprintf(`SELECT %s FROM %s WHERE local_id = ?`, recordColumns, table), localID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return r, err
}

// MarkDirtyTx records a local edit: the payload is replaced, dirty flags set,
// and the edit counter bumped so a racing pull cannot clobber this change.
func (db *DB) MarkDirtyTx(tx *sql.Tx, entityType models.EntityType, localID string, payload json.RawMessage) error {
	table, err := recordTable(entityType)
	if err != nil {
		return err
	}
	res, err := tx.Exec(fmt.Sprintf(`
		UPDATE %s
		SET payload = ?, needs_push = 1, is_synced = 0, edit_seq = edit_seq + 1, updated_at = ?
		WHERE local_id = ?`, table),
		string(payload), FormatTime(time.Now()), localID)
	if err != nil {
		return fmt.Errorf("mark dirty %s %s: %w", entityType, localID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// IsPendingSync reports whether the record still has unsent local changes.
func (db *DB) IsPendingSync(entityType models.EntityType, localID string) (bool, error) {
	table, err := recordTable(entityType)
	if err != nil {
		return false, err
	}
	var needsPush int
	err = db.conn.QueryRow(
		fmt.Sprintf(`SELECT needs_push FROM %s WHERE local_id = ?`, table), localID).Scan(&needsPush)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	return needsPush != 0, nil
}

// ApplyRemoteSnapshotTx merges a pulled snapshot into a local record. Fields
// present in the snapshot overwrite local values; absent fields are left
// untouched. The dirty flag is cleared only when no local edit happened after
// the snapshot's as-of edit sequence, so an edit that raced the pull survives.
func (db *DB) ApplyRemoteSnapshotTx(tx *sql.Tx, entityType models.EntityType, localID string, remoteFields map[string]json.RawMessage, remoteID string, asOfEditSeq int64) error {
	table, err := recordTable(entityType)
	if err != nil {
		return err
	}

	r, err := db.GetRecordTx(tx, entityType, localID)
	if err == ErrNotFound {
		// Remote-created record: materialize it locally, already synced.
		merged, mErr := json.Marshal(remoteFields)
		if mErr != nil {
			return mErr
		}
		rec := &models.Record{LocalID: localID, Payload: merged, IsSynced: true}
		if remoteID != "" {
			rec.RemoteID = &remoteID
		}
		return db.InsertRecordTx(tx, entityType, rec)
	}
	if err != nil {
		return err
	}

	var local map[string]json.RawMessage
	if err := json.Unmarshal(r.Payload, &local); err != nil {
		return fmt.Errorf("decode local payload %s %s: %w", entityType, localID, err)
	}
	if local == nil {
		local = map[string]json.RawMessage{}
	}
	for k, v := range remoteFields {
		local[k] = v
	}
	merged, err := json.Marshal(local)
	if err != nil {
		return err
	}

	clean := r.EditSeq == asOfEditSeq

	if remoteID != "" && r.RemoteID == nil {
		if _, err := tx.Exec(fmt.Sprintf(`UPDATE %s SET remote_id = ? WHERE local_id = ?`, table), remoteID, localID); err != nil {
			return err
		}
	}

	if clean {
		_, err = tx.Exec(fmt.Sprintf(`
			UPDATE %s SET payload = ?, needs_push = 0, is_synced = 1, last_synced_at = ?, updated_at = ?
			WHERE local_id = ?`, table),
			string(merged), FormatTime(time.Now()), FormatTime(time.Now()), localID)
	} else {
		// Local edit raced the pull: take the remote fields but keep the
		// record dirty so the edit is still pushed.
		_, err = tx.Exec(fmt.Sprintf(`
			UPDATE %s SET payload = ?, updated_at = ? WHERE local_id = ?`, table),
			string(merged), FormatTime(time.Now()), localID)
	}
	return err
}

// RemoteIDTx returns the remote identity for any syncable entity, or nil if
// the entity has not been pushed yet. Used for causal dependency gating.
func (db *DB) RemoteIDTx(tx *sql.Tx, entityType models.EntityType, localID string) (*string, error) {
	info, ok := entityTables[entityType]
	if !ok {
		return nil, fmt.Errorf("unknown entity type: %s", entityType)
	}
	var remoteID sql.NullString
	err := tx.QueryRow(
		fmt.Sprintf(`SELECT remote_id FROM %s WHERE %s = ?`, info.table, info.idColumn),
		localID).Scan(&remoteID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if !remoteID.Valid || remoteID.String == "" {
		return nil, nil
	}
	return &remoteID.String, nil
}

// SetRecordRemoteIDTx records the server identity for a generic record,
// assigned exactly once.
func (db *DB) SetRecordRemoteIDTx(tx *sql.Tx, entityType models.EntityType, localID, remoteID string) error {
	table, err := recordTable(entityType)
	if err != nil {
		return err
	}
	var existing sql.NullString
	err = tx.QueryRow(fmt.Sprintf(`SELECT remote_id FROM %s WHERE local_id = ?`, table), localID).Scan(&existing)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if existing.Valid && existing.String != "" {
		if existing.String == remoteID {
			return nil
		}
		return ErrRemoteIDSet
	}
	_, err = tx.Exec(fmt.Sprintf(`UPDATE %s SET remote_id = ? WHERE local_id = ?`, table), remoteID, localID)
	return err
}

// ClearRecordDirtyTx clears needs_push after a successful push, but only if
// no local edit happened after the pushed snapshot was encoded.
func (db *DB) ClearRecordDirtyTx(tx *sql.Tx, entityType models.EntityType, localID string, asOfEditSeq int64) error {
	table, err := recordTable(entityType)
	if err != nil {
		return err
	}
	_, err = tx.Exec(fmt.Sprintf(`
		UPDATE %s SET needs_push = 0, is_synced = 1, last_synced_at = ?
		WHERE local_id = ? AND edit_seq = ?`, table),
		FormatTime(time.Now()), localID, asOfEditSeq)
	return err
}

// RemoteID is RemoteIDTx outside a transaction.
func (db *DB) RemoteID(entityType models.EntityType, localID string) (*string, error) {
	info, ok := entityTables[entityType]
	if !ok {
		return nil, fmt.Errorf("unknown entity type: %s", entityType)
	}
	var remoteID sql.NullString
	err := db.conn.QueryRow(
		fmt.Sprintf(`SELECT remote_id FROM %s WHERE %s = ?`, info.table, info.idColumn),
		localID).Scan(&remoteID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if !remoteID.Valid || remoteID.String == "" {
		return nil, nil
	}
	return &remoteID.String, nil
}

// EditSeqs returns the current edit counter for every row of a record table.
// The sync engine captures this before a pull so an edit that lands while the
// response is in flight keeps its dirty flag.
func (db *DB) EditSeqs(entityType models.EntityType) (map[string]int64, error) {
	table, err := recordTable(entityType)
	if err != nil {
		return nil, err
	}
	rows, err := db.conn.Query(fmt.Sprintf(`SELECT local_id, edit_seq FROM %s`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	seqs := make(map[string]int64)
	for rows.Next() {
		var id string
		var seq int64
		if err := rows.Scan(&id, &seq); err != nil {
			return nil, err
		}
		seqs[id] = seq
	}
	return seqs, rows.Err()
}

// DeleteRecordTx removes a generic record. Records referenced by a pending
// queue item are never deleted; the mutation must drain or be resolved first.
func (db *DB) DeleteRecordTx(tx *sql.Tx, entityType models.EntityType, localID string) error {
	table, err := recordTable(entityType)
	if err != nil {
		return err
	}

	var pending int
	err = tx.QueryRow(`
		SELECT COUNT(*) FROM sync_queue
		WHERE entity_type = ? AND entity_id = ? AND status IN ('pending','processing')`,
		string(entityType), localID).Scan(&pending)
	if err != nil {
		return err
	}
	if pending > 0 {
		return ErrPendingMutation
	}

	res, err := tx.Exec(fmt.Sprintf(`DELETE FROM %s WHERE local_id = ?`, table), localID)
	if err != nil {
		return fmt.Errorf("delete %s %s: %w", entityType, localID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
