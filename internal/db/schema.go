package db

// SchemaVersion is the current database schema version
const SchemaVersion = 3

const schema = `
-- Wallet accounts. balance is the last server-confirmed value in minor units;
-- pending_delta is the signed sum of offline changes not yet confirmed.
CREATE TABLE IF NOT EXISTS accounts (
    local_id TEXT PRIMARY KEY,
    remote_id TEXT UNIQUE,
    label TEXT NOT NULL DEFAULT '',
    currency TEXT NOT NULL DEFAULT 'EUR',
    balance INTEGER NOT NULL DEFAULT 0,
    pending_delta INTEGER NOT NULL DEFAULT 0,
    allow_negative INTEGER NOT NULL DEFAULT 0,
    is_synced INTEGER NOT NULL DEFAULT 0,
    needs_push INTEGER NOT NULL DEFAULT 1,
    edit_seq INTEGER NOT NULL DEFAULT 0,
    last_synced_at DATETIME,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

-- Append-only transaction journal. local_ref is the client-generated
-- idempotency token; remote_id is assigned by the server exactly once.
CREATE TABLE IF NOT EXISTS transactions (
    local_ref TEXT PRIMARY KEY,
    remote_id TEXT UNIQUE,
    account_id TEXT NOT NULL REFERENCES accounts(local_id),
    kind TEXT NOT NULL,
    amount INTEGER NOT NULL,
    balance_before INTEGER NOT NULL DEFAULT 0,
    balance_after INTEGER NOT NULL DEFAULT 0,
    vendor_ref TEXT NOT NULL DEFAULT '',
    note TEXT NOT NULL DEFAULT '',
    is_offline INTEGER NOT NULL DEFAULT 1,
    confirmed_at DATETIME,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_transactions_account ON transactions(account_id, created_at);
CREATE INDEX IF NOT EXISTS idx_transactions_offline ON transactions(account_id, is_offline);

-- Generic payload-bearing records (one table per entity type, same
-- dirty-tracking columns).
CREATE TABLE IF NOT EXISTS profiles (
    local_id TEXT PRIMARY KEY,
    remote_id TEXT UNIQUE,
    payload JSON NOT NULL DEFAULT '{}',
    is_synced INTEGER NOT NULL DEFAULT 0,
    needs_push INTEGER NOT NULL DEFAULT 1,
    edit_seq INTEGER NOT NULL DEFAULT 0,
    last_synced_at DATETIME,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS tickets (
    local_id TEXT PRIMARY KEY,
    remote_id TEXT UNIQUE,
    payload JSON NOT NULL DEFAULT '{}',
    is_synced INTEGER NOT NULL DEFAULT 0,
    needs_push INTEGER NOT NULL DEFAULT 1,
    edit_seq INTEGER NOT NULL DEFAULT 0,
    last_synced_at DATETIME,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

-- Pending local mutations awaiting transmission, ordered by priority then age.
CREATE TABLE IF NOT EXISTS sync_queue (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    entity_type TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    operation TEXT NOT NULL,
    payload JSON NOT NULL DEFAULT '{}',
    priority TEXT NOT NULL DEFAULT 'normal',
    status TEXT NOT NULL DEFAULT 'pending',
    retry_count INTEGER NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT '',
    enqueued_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    next_attempt_at DATETIME,
    completed_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_queue_status ON sync_queue(status, priority, enqueued_at);
CREATE INDEX IF NOT EXISTS idx_queue_entity ON sync_queue(entity_type, entity_id, operation, status);

-- Per-entity-type sync bookkeeping.
CREATE TABLE IF NOT EXISTS sync_metadata (
    entity_type TEXT PRIMARY KEY,
    last_pulled_at DATETIME,
    last_pushed_at DATETIME,
    last_sync_token INTEGER NOT NULL DEFAULT 0,
    pending_changes INTEGER NOT NULL DEFAULT 0,
    initial_sync_done INTEGER NOT NULL DEFAULT 0
);

-- Schema version info
CREATE TABLE IF NOT EXISTS schema_info (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

INSERT OR REPLACE INTO schema_info (key, value) VALUES ('version', '3');
`
