package postgres

import (
	"context"

	_ "github.com/xraph/grove/drivers/pgdriver/pgmigrate" // registers the migration executor
	"github.com/xraph/grove/migrate"
)

// Migrations is the grove migration group for the recur store.
var Migrations = migrate.NewGroup("recur")

// Constraint names the store maps back onto domain errors.
const (
	idxLiveTenant    = "idx_recur_subs_live_tenant"
	idxSubExternal   = "idx_recur_subs_external_ref"
	idxInvoiceExtRef = "idx_recur_invoices_external_ref"
)

func init() {
	Migrations.MustRegister(
		&migrate.Migration{
			Name:    "create_recur_subscriptions",
			Version: "20260301000001",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS recur_subscriptions (
    seq                  BIGSERIAL,
    id                   TEXT PRIMARY KEY,
    tenant_id            TEXT NOT NULL,
    plan_id              TEXT NOT NULL,
    billing_cycle        TEXT NOT NULL DEFAULT 'monthly',
    status               TEXT NOT NULL DEFAULT 'pending',
    version              BIGINT NOT NULL DEFAULT 0,
    current_period_start TIMESTAMPTZ NOT NULL,
    current_period_end   TIMESTAMPTZ NOT NULL,
    external_ref         TEXT NOT NULL DEFAULT '',
    canceled_at          TIMESTAMPTZ,
    ended_at             TIMESTAMPTZ,
    metadata             JSONB NOT NULL DEFAULT '{}',
    created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_recur_subs_tenant ON recur_subscriptions (tenant_id, seq);
CREATE UNIQUE INDEX IF NOT EXISTS ` + idxLiveTenant + ` ON recur_subscriptions (tenant_id)
    WHERE status IN ('pending', 'active', 'past_due');
CREATE UNIQUE INDEX IF NOT EXISTS ` + idxSubExternal + ` ON recur_subscriptions (external_ref)
    WHERE external_ref != '';
CREATE INDEX IF NOT EXISTS idx_recur_subs_period_end ON recur_subscriptions (current_period_end)
    WHERE status = 'active';
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
    seq             BIGSERIAL,
    id              TEXT PRIMARY KEY,
    subscription_id TEXT NOT NULL,
    tenant_id       TEXT NOT NULL,
    kind            TEXT NOT NULL DEFAULT 'charge',
    status          TEXT NOT NULL DEFAULT 'open',
    amount_cents    BIGINT NOT NULL DEFAULT 0,
    currency        TEXT NOT NULL DEFAULT 'usd',
    description     TEXT NOT NULL DEFAULT '',
    period_start    TIMESTAMPTZ NOT NULL,
    period_end      TIMESTAMPTZ NOT NULL,
    issued_at       TIMESTAMPTZ NOT NULL,
    external_ref    TEXT NOT NULL DEFAULT '',
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_recur_invoices_sub ON recur_invoices (subscription_id, issued_at, seq);
CREATE INDEX IF NOT EXISTS idx_recur_invoices_tenant ON recur_invoices (tenant_id, issued_at, seq);
CREATE UNIQUE INDEX IF NOT EXISTS ` + idxInvoiceExtRef + ` ON recur_invoices (external_ref)
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
    received_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_recur_events_received ON recur_processed_events (received_at);
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
