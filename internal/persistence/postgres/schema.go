package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// schema is the full DDL for the engine's four tables. event_store is
// expected to be hash-partitioned on position_key in production; the
// plain table here carries the same keys and indexes.
const schema = `
CREATE TABLE IF NOT EXISTS event_store (
    position_key    TEXT        NOT NULL,
    event_version   BIGINT      NOT NULL,
    event_type      TEXT        NOT NULL,
    effective_date  DATE        NOT NULL,
    occurred_at     TIMESTAMPTZ NOT NULL,
    payload_json    JSONB       NOT NULL,
    meta_lots_json  JSONB       NOT NULL,
    correlation_id  TEXT        NOT NULL DEFAULT '',
    causation_id    TEXT        NOT NULL DEFAULT '',
    contract_id     TEXT        NOT NULL DEFAULT '',
    user_id         TEXT        NOT NULL DEFAULT '',
    PRIMARY KEY (position_key, event_version)
);

CREATE INDEX IF NOT EXISTS idx_event_store_replay
    ON event_store (position_key, effective_date, event_version);

CREATE INDEX IF NOT EXISTS idx_event_store_trade_id
    ON event_store (position_key, (payload_json->>'tradeId'));

CREATE TABLE IF NOT EXISTS snapshot_store (
    position_key                 TEXT        PRIMARY KEY,
    last_version                 BIGINT      NOT NULL,
    upi                          TEXT        NOT NULL DEFAULT '',
    status                       TEXT        NOT NULL,
    reconciliation_status        TEXT        NOT NULL,
    provisional_trade_id         TEXT        NOT NULL DEFAULT '',
    direction                    TEXT        NOT NULL,
    compressed_lots_json         JSONB       NOT NULL,
    summary_metrics_json         JSONB       NOT NULL,
    price_quantity_schedule_json JSONB       NOT NULL,
    opt_lock_version             BIGINT      NOT NULL,
    last_updated_at              TIMESTAMPTZ NOT NULL,
    archival_flag                BOOLEAN     NOT NULL DEFAULT FALSE,
    archived_at                  TIMESTAMPTZ,
    account                      TEXT        NOT NULL DEFAULT '',
    instrument                   TEXT        NOT NULL DEFAULT '',
    currency                     TEXT        NOT NULL DEFAULT '',
    contract_id                  TEXT        NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_snapshot_account    ON snapshot_store (account);
CREATE INDEX IF NOT EXISTS idx_snapshot_instrument ON snapshot_store (instrument);
CREATE INDEX IF NOT EXISTS idx_snapshot_contract   ON snapshot_store (contract_id);

CREATE TABLE IF NOT EXISTS idempotency_store (
    trade_id      TEXT        PRIMARY KEY,
    position_key  TEXT        NOT NULL,
    event_version BIGINT      NOT NULL,
    processed_at  TIMESTAMPTZ NOT NULL,
    status        TEXT        NOT NULL
);

CREATE TABLE IF NOT EXISTS upi_history (
    position_key  TEXT        NOT NULL,
    generation    BIGINT      NOT NULL,
    upi           TEXT        NOT NULL,
    created_at    TIMESTAMPTZ NOT NULL,
    terminated_at TIMESTAMPTZ,
    PRIMARY KEY (position_key, generation)
);
`

// Migrate applies the schema. Idempotent; safe to run on every start.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
