package database

import (
	"context"
	"database/sql"
	"fmt"
)

// schema is idempotent. The partial unique index on payment_items is what makes
// "one PAID item per (user, period)" hold under concurrent writers.
const schema = `
CREATE TABLE IF NOT EXISTS payments (
	id                UUID PRIMARY KEY,
	user_id           TEXT NOT NULL,
	provider          TEXT NOT NULL,
	provider_order_id TEXT UNIQUE,
	currency          VARCHAR(3) NOT NULL,
	total             NUMERIC(12, 2) NOT NULL CHECK (total >= 0),
	status            VARCHAR(16) NOT NULL CHECK (status IN ('PENDING', 'PAID', 'FAILED')),
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	paid_at           TIMESTAMPTZ,
	CHECK ((status = 'PAID') = (paid_at IS NOT NULL))
);

CREATE INDEX IF NOT EXISTS idx_payments_user_created ON payments (user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_payments_pending ON payments (created_at) WHERE status = 'PENDING';

CREATE TABLE IF NOT EXISTS payment_items (
	id         UUID PRIMARY KEY,
	payment_id UUID NOT NULL REFERENCES payments (id) ON DELETE CASCADE,
	user_id    TEXT NOT NULL,
	period     DATE NOT NULL CHECK (EXTRACT(DAY FROM period) = 1),
	amount     NUMERIC(12, 2) NOT NULL CHECK (amount >= 0),
	status     VARCHAR(16) NOT NULL CHECK (status IN ('PENDING', 'PAID', 'FAILED'))
);

CREATE INDEX IF NOT EXISTS idx_payment_items_payment ON payment_items (payment_id);
CREATE UNIQUE INDEX IF NOT EXISTS uq_payment_items_paid_period
	ON payment_items (user_id, period) WHERE status = 'PAID';

CREATE TABLE IF NOT EXISTS accounts (
	user_id       TEXT PRIMARY KEY,
	version       BIGINT NOT NULL,
	email         TEXT NOT NULL DEFAULT '',
	username      TEXT NOT NULL DEFAULT '',
	registered_at TIMESTAMPTZ NOT NULL,
	club_id       TEXT NOT NULL DEFAULT '',
	club_name     TEXT NOT NULL DEFAULT '',
	rank          TEXT NOT NULL DEFAULT '',
	deleted_at    TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS reminder_log (
	user_id TEXT NOT NULL,
	cycle   DATE NOT NULL,
	sent_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (user_id, cycle)
);
`

// Migrate creates the ledger, mirror and reminder tables if they do not exist.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}
