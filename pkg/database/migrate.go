package database

import (
	"context"
	"fmt"
)

// schema is applied in order. Every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS credit_accounts (
		account_id               TEXT PRIMARY KEY,
		tier                     TEXT NOT NULL DEFAULT 'free',
		balance                  NUMERIC(20, 6) NOT NULL DEFAULT 0,
		daily_pool               NUMERIC(20, 6) NOT NULL DEFAULT 0,
		expiring_pool            NUMERIC(20, 6) NOT NULL DEFAULT 0,
		non_expiring_pool        NUMERIC(20, 6) NOT NULL DEFAULT 0,
		last_daily_refresh_at    TIMESTAMPTZ,
		trial_status             TEXT NOT NULL DEFAULT 'none',
		trial_ends_at            TIMESTAMPTZ,
		period_ends_at           TIMESTAMPTZ,
		provider_customer_id     TEXT,
		provider_subscription_id TEXT,
		created_at               TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at               TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_credit_accounts_customer
		ON credit_accounts (provider_customer_id)
		WHERE provider_customer_id IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS credit_ledger (
		id                UUID PRIMARY KEY,
		account_id        TEXT NOT NULL REFERENCES credit_accounts (account_id),
		amount            NUMERIC(20, 6) NOT NULL,
		entry_type        TEXT NOT NULL,
		description       TEXT NOT NULL DEFAULT '',
		is_expiring       BOOLEAN NOT NULL DEFAULT FALSE,
		balance_after     NUMERIC(20, 6) NOT NULL,
		provider_event_id TEXT,
		metadata          JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_credit_ledger_account_created
		ON credit_ledger (account_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_credit_ledger_provider_event
		ON credit_ledger (provider_event_id)
		WHERE provider_event_id IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS credit_webhook_events (
		event_id     TEXT PRIMARY KEY,
		event_type   TEXT NOT NULL,
		account_id   TEXT NOT NULL,
		processed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS credit_purchases (
		id                  UUID PRIMARY KEY,
		account_id          TEXT NOT NULL REFERENCES credit_accounts (account_id),
		provider_session_id TEXT NOT NULL UNIQUE,
		amount              NUMERIC(20, 6) NOT NULL,
		status              TEXT NOT NULL DEFAULT 'pending',
		created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_credit_purchases_pending
		ON credit_purchases (created_at)
		WHERE status = 'pending'`,
}

// Migrate creates the credit tables and indexes if they do not exist.
func (db *Database) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := db.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration step %d: %w", i+1, err)
		}
	}
	return nil
}
