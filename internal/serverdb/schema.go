package serverdb

// HubSchemaVersion is the current hub schema version.
const HubSchemaVersion = 1

const hubSchema = `
CREATE TABLE IF NOT EXISTS accounts (
    id TEXT PRIMARY KEY,
    owner_name TEXT NOT NULL DEFAULT '',
    currency TEXT NOT NULL DEFAULT 'EUR',
    balance INTEGER NOT NULL DEFAULT 0,
    allow_negative INTEGER NOT NULL DEFAULT 0,
    updated_seq INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    account_id TEXT NOT NULL REFERENCES accounts(id),
    device_id TEXT NOT NULL,
    local_ref TEXT NOT NULL,
    amount INTEGER NOT NULL,
    kind TEXT NOT NULL,
    vendor_ref TEXT,
    note TEXT,
    balance_after INTEGER NOT NULL,
    client_timestamp TIMESTAMP,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(device_id, local_ref)
);

CREATE INDEX IF NOT EXISTS idx_transactions_account
    ON transactions(account_id, created_at);

CREATE TABLE IF NOT EXISTS records (
    entity_type TEXT NOT NULL,
    id TEXT NOT NULL,
    payload TEXT NOT NULL,
    updated_seq INTEGER NOT NULL DEFAULT 0,
    deleted INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (entity_type, id)
);

CREATE TABLE IF NOT EXISTS events (
    server_seq INTEGER PRIMARY KEY AUTOINCREMENT,
    entity_type TEXT NOT NULL,
    remote_id TEXT NOT NULL,
    local_ref TEXT,
    device_id TEXT NOT NULL,
    payload TEXT NOT NULL,
    server_timestamp TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_events_type_seq
    ON events(entity_type, server_seq);

CREATE TABLE IF NOT EXISTS schema_info (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

// Migration is a single versioned schema change.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Migrations are applied in order above the stored schema version.
var Migrations = []Migration{}
