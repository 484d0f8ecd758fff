// Package plugin lets extensions observe the subscription lifecycle.
// A plugin implements Plugin plus any subset of the hook interfaces; the
// Registry discovers which ones once, at registration.
package plugin

import (
	"context"
	"time"

	"github.com/xraph/recur/invoice"
	"github.com/xraph/recur/plan"
	"github.com/xraph/recur/subscription"
	"github.com/xraph/recur/webhook"
)

// Plugin is the base interface that all plugins must implement.
type Plugin interface {
	Name() string
}

// ──────────────────────────────────────────────────
// Lifecycle hooks
// ──────────────────────────────────────────────────

// OnInit is called when the engine starts.
type OnInit interface {
	Plugin
	OnInit(ctx context.Context, engine any) error
}

// OnShutdown is called when the engine stops.
type OnShutdown interface {
	Plugin
	OnShutdown(ctx context.Context) error
}

// ──────────────────────────────────────────────────
// Subscription hooks
// ──────────────────────────────────────────────────

// OnSubscriptionCreated is called after a subscription is stored.
type OnSubscriptionCreated interface {
	Plugin
	OnSubscriptionCreated(ctx context.Context, sub *subscription.Subscription) error
}

// OnSubscriptionStatusChanged is called after every committed status
// change, whichever path caused it.
type OnSubscriptionStatusChanged interface {
	Plugin
	OnSubscriptionStatusChanged(ctx context.Context, sub *subscription.Subscription, from subscription.Status) error
}

// OnPlanChanged is called after an upgrade or downgrade commits.
// proration is nil when no adjustment was billed.
type OnPlanChanged interface {
	Plugin
	OnPlanChanged(ctx context.Context, sub *subscription.Subscription, from, to plan.Plan, proration *invoice.Invoice) error
}

// ──────────────────────────────────────────────────
// Invoice hooks
// ──────────────────────────────────────────────────

// OnInvoiceAppended is called when a new invoice enters the ledger.
type OnInvoiceAppended interface {
	Plugin
	OnInvoiceAppended(ctx context.Context, inv *invoice.Invoice) error
}

// OnInvoiceSettled is called when an invoice becomes paid or failed.
type OnInvoiceSettled interface {
	Plugin
	OnInvoiceSettled(ctx context.Context, inv *invoice.Invoice) error
}

// ──────────────────────────────────────────────────
// Reconciliation hooks
// ──────────────────────────────────────────────────

// OnWebhookProcessed is called once per delivery, replays included.
type OnWebhookProcessed interface {
	Plugin
	OnWebhookProcessed(ctx context.Context, ev webhook.Event, outcome webhook.Outcome, replay bool, elapsed time.Duration) error
}

// OnVersionConflict is called each time a compare-and-swap loses a race.
type OnVersionConflict interface {
	Plugin
	OnVersionConflict(ctx context.Context, op string, attempt int) error
}
