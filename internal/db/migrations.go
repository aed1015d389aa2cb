package db

import (
	"database/sql"
	"fmt"
)

// columnExists checks whether a column exists on a table
func (db *DB) columnExists(table, column string) (bool, error) {
	query := fmt.Sprintf("PRAGMA table_info(%s);", table)
	rows, err := db.conn.Query(query)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notnull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}

	return false, rows.Err()
}

// tableExists checks whether a table exists in the database
func (db *DB) tableExists(table string) (bool, error) {
	var count int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// GetSchemaVersion returns the current schema version from the database
func (db *DB) GetSchemaVersion() (int, error) {
	var version string
	err := db.conn.QueryRow("SELECT value FROM schema_info WHERE key = 'version'").Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		// Table might not exist yet
		return 0, nil
	}
	var v int
	fmt.Sscanf(version, "%d", &v)
	return v, nil
}

func (db *DB) setSchemaVersion(version int) error {
	_, err := db.conn.Exec(`INSERT OR REPLACE INTO schema_info (key, value) VALUES ('version', ?)`,
		fmt.Sprintf("%d", version))
	return err
}

// RunMigrations runs any pending database migrations and returns the number applied.
func (db *DB) RunMigrations() (int, error) {
	current, err := db.GetSchemaVersion()
	if err != nil {
		return 0, err
	}
	if current >= SchemaVersion {
		return 0, nil
	}

	applied := 0
	err = db.withWriteLock(func() error {
		// Re-check under the lock in case another process migrated first
		current, err := db.GetSchemaVersion()
		if err != nil {
			return err
		}

		if current < 2 {
			if err := db.migrateV2(); err != nil {
				return fmt.Errorf("migration v2: %w", err)
			}
			applied++
		}
		if current < 3 {
			if err := db.migrateV3(); err != nil {
				return fmt.Errorf("migration v3: %w", err)
			}
			applied++
		}

		return db.setSchemaVersion(SchemaVersion)
	})
	return applied, err
}

// migrateV2 adds next_attempt_at to sync_queue (backoff scheduling).
func (db *DB) migrateV2() error {
	exists, err := db.columnExists("sync_queue", "next_attempt_at")
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	_, err = db.conn.Exec(`ALTER TABLE sync_queue ADD COLUMN next_attempt_at DATETIME`)
	return err
}

// migrateV3 adds edit_seq to accounts and records so a pull can tell whether a
// local edit raced it.
func (db *DB) migrateV3() error {
	for _, table := range []string{"accounts", "profiles", "tickets"} {
		exists, err := db.columnExists(table, "edit_seq")
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if _, err := db.conn.Exec(fmt.Sprintf(`ALTER TABLE %s ADD COLUMN edit_seq INTEGER NOT NULL DEFAULT 0`, table)); err != nil {
			return err
		}
	}
	return nil
}
