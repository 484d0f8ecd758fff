package sqlite

import (
	"context"

	_ "github.com/xraph/grove/drivers/sqlitedriver/sqlitemigrate" // registers the migration executor
	"github.com/xraph/grove/migrate"
)

// Migrations is the grove migration group for the recur store (SQLite).
var Migrations = migrate.NewGroup("recur")

func init() {
	Migrations.MustRegister(
		&migrate.Migration{
			Name:    "create_recur_subscriptions",
			Version: "20260301000001",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS recur_subscriptions (
    id                   TEXT PRIMARY KEY,
    tenant_id            TEXT NOT NULL,
    plan_id              TEXT NOT NULL,
    billing_cycle        TEXT NOT NULL DEFAULT 'monthly',
    status               TEXT NOT NULL DEFAULT 'pending',
    version              INTEGER NOT NULL DEFAULT 0,
    current_period_start DATETIME NOT NULL,
    current_period_end   DATETIME NOT NULL,
    external_ref         TEXT NOT NULL DEFAULT '',
    canceled_at          DATETIME,
    ended_at             DATETIME,
    metadata             TEXT NOT NULL DEFAULT '{}',
    created_at           DATETIME NOT NULL DEFAULT (datetime('now')),
    updated_at           DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_recur_subs_tenant ON recur_subscriptions (tenant_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_recur_subs_live_tenant ON recur_subscriptions (tenant_id)
    WHERE status IN ('pending', 'active', 'past_due');
CREATE UNIQUE INDEX IF NOT EXISTS idx_recur_subs_external_ref ON recur_subscriptions (external_ref)
    WHERE external_ref != '';
CREATE INDEX IF NOT EXISTS idx_recur_subs_period_end ON recur_subscriptions (status, current_period_end);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS recur_subscriptions`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_recur_invoices",
			Version: "20260301000002",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS recur_invoices (
    id              TEXT PRIMARY KEY,
    subscription_id TEXT NOT NULL,
    tenant_id       TEXT NOT NULL,
    kind            TEXT NOT NULL DEFAULT 'charge',
    status          TEXT NOT NULL DEFAULT 'open',
    amount_cents    INTEGER NOT NULL DEFAULT 0,
    currency        TEXT NOT NULL DEFAULT 'usd',
    description     TEXT NOT NULL DEFAULT '',
    period_start    DATETIME NOT NULL,
    period_end      DATETIME NOT NULL,
    issued_at       DATETIME NOT NULL,
    external_ref    TEXT NOT NULL DEFAULT '',
    created_at      DATETIME NOT NULL DEFAULT (datetime('now')),
    updated_at      DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_recur_invoices_sub ON recur_invoices (subscription_id, issued_at);
CREATE INDEX IF NOT EXISTS idx_recur_invoices_tenant ON recur_invoices (tenant_id, issued_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_recur_invoices_external_ref ON recur_invoices (external_ref)
    WHERE external_ref != '';
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS recur_invoices`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_recur_processed_events",
			Version: "20260301000003",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS recur_processed_events (
    external_event_id TEXT PRIMARY KEY,
    event_type        TEXT NOT NULL,
    subscription_id   TEXT NOT NULL DEFAULT '',
    outcome           TEXT NOT NULL,
    received_at       DATETIME NOT NULL DEFAULT (datetime('now'))
);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS recur_processed_events`)
				return err
			},
		},
	)
}
