package db

// Schema contains the full database schema. Statements are idempotent so the
// migrate command can be re-run safely.
const Schema = `
CREATE TABLE IF NOT EXISTS accounts (
    account_id            TEXT PRIMARY KEY,
    name                  TEXT NOT NULL,
    kind                  TEXT NOT NULL DEFAULT 'main',
    currency              TEXT NOT NULL DEFAULT 'GBP',
    asset_id              BIGINT NOT NULL,
    cursor_ts             TIMESTAMPTZ,
    sync_interval_seconds BIGINT NOT NULL DEFAULT 3600,
    last_sync_time        TIMESTAMPTZ,
    status                TEXT NOT NULL DEFAULT 'active',
    created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at            TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS entries (
    monzo_id       TEXT PRIMARY KEY,
    account_id     TEXT NOT NULL REFERENCES accounts(account_id) ON DELETE CASCADE,
    source         TEXT NOT NULL,
    entry_date     TEXT NOT NULL,
    ts             TIMESTAMPTZ NOT NULL,
    payee          TEXT NOT NULL,
    amount         NUMERIC(14,2) NOT NULL,
    currency       TEXT NOT NULL,
    category_name  TEXT NOT NULL,
    category_id    BIGINT,
    asset_id       BIGINT NOT NULL,
    notes          TEXT NOT NULL DEFAULT '',
    tags           TEXT[] NOT NULL DEFAULT '{}',
    declined       BOOLEAN NOT NULL DEFAULT FALSE,
    decline_reason TEXT NOT NULL DEFAULT '',
    content_hash   TEXT NOT NULL,
    pushed_hash    TEXT NOT NULL DEFAULT '',
    lunch_money_id BIGINT,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_entries_account_ts ON entries (account_id, ts);

CREATE TABLE IF NOT EXISTS sync_runs (
    run_id             UUID PRIMARY KEY,
    account_id         TEXT NOT NULL,
    status             TEXT NOT NULL,
    fetched            INT NOT NULL DEFAULT 0,
    new_entries        INT NOT NULL DEFAULT 0,
    updated_entries    INT NOT NULL DEFAULT 0,
    unchanged_entries  INT NOT NULL DEFAULT 0,
    skipped            JSONB NOT NULL DEFAULT '[]',
    error              TEXT NOT NULL DEFAULT '',
    cursor_advanced_to TIMESTAMPTZ,
    started_at         TIMESTAMPTZ NOT NULL,
    duration_ms        BIGINT NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_sync_runs_account_started ON sync_runs (account_id, started_at DESC);
`
