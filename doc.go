// Package recur provides a subscription lifecycle engine for Go applications.
//
// Recur sells plans from a catalog, tracks each tenant's subscription
// through its lifecycle, and reconciles the payment processor's view of
// the world with its own. It provides:
//
//   - A plan catalog loaded from code or YAML
//   - One live subscription per tenant, guarded by optimistic versioning
//   - Prorated plan changes recorded as invoices
//   - Idempotent webhook reconciliation (Stripe built-in)
//   - Period-end expiry on a cron schedule
//   - Lifecycle hooks for audit, metrics, and event publishing
//
// Recur does not capture payments, compute tax, or convert currency. It
// assumes a processor that does and emits events describing the outcome.
//
// # Quick Start
//
//	import (
//	    "github.com/xraph/recur"
//	    "github.com/xraph/recur/plan"
//	    "github.com/xraph/recur/store/memory"
//	)
//
//	e := recur.New(memory.New(), plan.DefaultCatalog())
//	if err := e.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer e.Stop()
//
//	sub, err := e.CreateSubscription(ctx, "tenant_123", "pro", plan.Monthly)
//
// # Lifecycle
//
// A paid subscription starts pending and becomes active when the first
// payment succeeds:
//
//	pending --payment_succeeded--> active --payment_failed--> past_due
//	   |                             |                          |
//	   +--------- cancel ------------+---------- cancel --------+--> canceled
//	                                 |
//	                                 +--period end, unpaid--> expired
//
// Canceled and expired are terminal. A tenant may subscribe again once
// its previous subscription is terminal.
//
// # Concurrency
//
// Every mutation is a compare-and-swap on the subscription's Version.
// Conflicting writers retry with backoff under the engine's RetryPolicy;
// UpdateSubscriptionAt lets a caller pin the version it last read and
// fail with ErrConflict instead.
//
// # Webhooks
//
// HandleWebhook applies each processor event at most once. Duplicate
// event ids return the original outcome without side effects:
//
//	outcome, err := e.HandleWebhook(ctx, webhook.Event{
//	    ID:             "evt_1",
//	    Type:           webhook.PaymentSucceeded,
//	    SubscriptionID: sub.ID.String(),
//	})
//
// # TypeID
//
// Entities use TypeID for globally unique, K-sortable identifiers:
//
//	sub_01h2xcejqtf2nbrexx3vqjhp41  // Subscription ID
//	inv_01h455vb4pex5vsknk084sn02q  // Invoice ID
package recur
