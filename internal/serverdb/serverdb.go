// Package serverdb is the hub's authoritative store. One SQLite database
// holds every account balance, the deduplicated transaction journal, and the
// ordered event log clients pull from.
package serverdb

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// HubDB wraps the hub database connection.
type HubDB struct {
	conn *sql.DB
	path string
}

// Open opens the hub database, creating and initializing it if needed.
func Open(dbPath string) (*HubDB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Single writer; SQLite serializes anyway and this avoids SQLITE_BUSY
	// churn under concurrent pushes.
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	conn.Exec("PRAGMA synchronous=NORMAL")
	conn.Exec("PRAGMA foreign_keys=ON")

	if _, err := conn.Exec(hubSchema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	db := &HubDB{conn: conn, path: dbPath}

	if _, err := db.RunMigrations(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return db, nil
}

// OpenMemory opens a fresh in-memory hub database. Tests and the sync
// harness use it to run many isolated hubs in one process.
func OpenMemory() (*HubDB, error) {
	conn, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open memory database: %w", err)
	}
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec(hubSchema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	db := &HubDB{conn: conn, path: ":memory:"}
	if _, err := db.RunMigrations(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return db, nil
}

// Ping checks the database connection is alive.
func (db *HubDB) Ping() error {
	return db.conn.Ping()
}

// Close checkpoints the WAL and closes the database connection.
func (db *HubDB) Close() error {
	db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return db.conn.Close()
}

// RunMigrations applies any pending migrations and returns how many ran.
func (db *HubDB) RunMigrations() (int, error) {
	currentVersion := db.getSchemaVersion()
	if currentVersion >= HubSchemaVersion {
		return 0, nil
	}

	run := 0
	for _, m := range Migrations {
		if m.Version > currentVersion {
			if _, err := db.conn.Exec(m.SQL); err != nil {
				return run, fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
			}
			if err := db.setSchemaVersion(m.Version); err != nil {
				return run, fmt.Errorf("set version %d: %w", m.Version, err)
			}
			run++
		}
	}

	if currentVersion == 0 {
		if err := db.setSchemaVersion(HubSchemaVersion); err != nil {
			return run, err
		}
	}
	return run, nil
}

func (db *HubDB) getSchemaVersion() int {
	var version string
	err := db.conn.QueryRow("SELECT value FROM schema_info WHERE key = 'version'").Scan(&version)
	if err != nil {
		return 0
	}
	var v int
	fmt.Sscanf(version, "%d", &v)
	return v
}

func (db *HubDB) setSchemaVersion(version int) error {
	_, err := db.conn.Exec(
		"INSERT INTO schema_info (key, value) VALUES ('version', ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		fmt.Sprintf("%d", version))
	return err
}
