// Package observability provides a metrics extension for Recur that records
// lifecycle event counts via a MetricFactory.
package observability

import (
	"context"
	"time"

	"github.com/xraph/recur/invoice"
	"github.com/xraph/recur/plan"
	"github.com/xraph/recur/plugin"
	"github.com/xraph/recur/subscription"
	"github.com/xraph/recur/webhook"
)

// Ensure MetricsExtension implements required interfaces.
var (
	_ plugin.Plugin                      = (*MetricsExtension)(nil)
	_ plugin.OnSubscriptionCreated       = (*MetricsExtension)(nil)
	_ plugin.OnSubscriptionStatusChanged = (*MetricsExtension)(nil)
	_ plugin.OnPlanChanged               = (*MetricsExtension)(nil)
	_ plugin.OnInvoiceAppended           = (*MetricsExtension)(nil)
	_ plugin.OnInvoiceSettled            = (*MetricsExtension)(nil)
	_ plugin.OnWebhookProcessed          = (*MetricsExtension)(nil)
	_ plugin.OnVersionConflict           = (*MetricsExtension)(nil)
)

// Counter interface for metric counters.
type Counter interface {
	Inc()
	Add(float64)
}

// Histogram interface for metric histograms.
type Histogram interface {
	Observe(float64)
}

// MetricFactory creates metrics.
type MetricFactory interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
}

// MetricsExtension records system-wide lifecycle metrics.
// Register it as a Recur plugin to track subscription and billing metrics.
type MetricsExtension struct {
	// Subscription metrics
	SubscriptionCreated    Counter
	SubscriptionActivated  Counter
	SubscriptionPastDue    Counter
	SubscriptionCanceled   Counter
	SubscriptionExpired    Counter
	SubscriptionUpgraded   Counter
	SubscriptionDowngraded Counter
	SubscriptionSwitched   Counter

	// Invoice metrics
	InvoiceCharged   Counter
	InvoiceProration Counter
	InvoicePaid      Counter
	InvoiceFailed    Counter
	InvoiceAmount    Histogram

	// Webhook metrics
	WebhookApplied  Counter
	WebhookNoOp     Counter
	WebhookIgnored  Counter
	WebhookReplayed Counter
	WebhookLatency  Histogram

	// Concurrency metrics
	VersionConflicts Counter
}

// NewMetricsExtension creates a MetricsExtension with the provided MetricFactory.
func NewMetricsExtension(factory MetricFactory) *MetricsExtension {
	return &MetricsExtension{
		SubscriptionCreated:    factory.Counter("recur.subscription.created"),
		SubscriptionActivated:  factory.Counter("recur.subscription.activated"),
		SubscriptionPastDue:    factory.Counter("recur.subscription.past_due"),
		SubscriptionCanceled:   factory.Counter("recur.subscription.canceled"),
		SubscriptionExpired:    factory.Counter("recur.subscription.expired"),
		SubscriptionUpgraded:   factory.Counter("recur.subscription.upgraded"),
		SubscriptionDowngraded: factory.Counter("recur.subscription.downgraded"),
		SubscriptionSwitched:   factory.Counter("recur.subscription.switched"),

		InvoiceCharged:   factory.Counter("recur.invoice.charged"),
		InvoiceProration: factory.Counter("recur.invoice.proration"),
		InvoicePaid:      factory.Counter("recur.invoice.paid"),
		InvoiceFailed:    factory.Counter("recur.invoice.failed"),
		InvoiceAmount:    factory.Histogram("recur.invoice.amount_minor"),

		WebhookApplied:  factory.Counter("recur.webhook.applied"),
		WebhookNoOp:     factory.Counter("recur.webhook.no_op"),
		WebhookIgnored:  factory.Counter("recur.webhook.ignored"),
		WebhookReplayed: factory.Counter("recur.webhook.replayed"),
		WebhookLatency:  factory.Histogram("recur.webhook.latency_ms"),

		VersionConflicts: factory.Counter("recur.store.version_conflicts"),
	}
}

// Name implements plugin.Plugin.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// ──────────────────────────────────────────────────
// Subscription lifecycle hooks
// ──────────────────────────────────────────────────

// OnSubscriptionCreated implements plugin.OnSubscriptionCreated.
func (m *MetricsExtension) OnSubscriptionCreated(_ context.Context, _ *subscription.Subscription) error {
	m.SubscriptionCreated.Inc()
	return nil
}

// OnSubscriptionStatusChanged implements plugin.OnSubscriptionStatusChanged.
func (m *MetricsExtension) OnSubscriptionStatusChanged(_ context.Context, sub *subscription.Subscription, _ subscription.Status) error {
	switch sub.Status {
	case subscription.StatusActive:
		m.SubscriptionActivated.Inc()
	case subscription.StatusPastDue:
		m.SubscriptionPastDue.Inc()
	case subscription.StatusCanceled:
		m.SubscriptionCanceled.Inc()
	case subscription.StatusExpired:
		m.SubscriptionExpired.Inc()
	}
	return nil
}

// OnPlanChanged implements plugin.OnPlanChanged.
func (m *MetricsExtension) OnPlanChanged(_ context.Context, sub *subscription.Subscription, from, to plan.Plan, _ *invoice.Invoice) error {
	oldPrice, _ := from.PriceFor(sub.BillingCycle)
	newPrice, _ := to.PriceFor(sub.BillingCycle)
	switch {
	case newPrice.Amount > oldPrice.Amount:
		m.SubscriptionUpgraded.Inc()
	case newPrice.Amount < oldPrice.Amount:
		m.SubscriptionDowngraded.Inc()
	default:
		m.SubscriptionSwitched.Inc()
	}
	return nil
}

// ──────────────────────────────────────────────────
// Invoice lifecycle hooks
// ──────────────────────────────────────────────────

// OnInvoiceAppended implements plugin.OnInvoiceAppended.
func (m *MetricsExtension) OnInvoiceAppended(_ context.Context, inv *invoice.Invoice) error {
	if inv.Kind == invoice.KindProration {
		m.InvoiceProration.Inc()
	} else {
		m.InvoiceCharged.Inc()
	}
	m.InvoiceAmount.Observe(float64(inv.Amount.Amount))
	return nil
}

// OnInvoiceSettled implements plugin.OnInvoiceSettled.
func (m *MetricsExtension) OnInvoiceSettled(_ context.Context, inv *invoice.Invoice) error {
	switch inv.Status {
	case invoice.StatusPaid:
		m.InvoicePaid.Inc()
	case invoice.StatusFailed:
		m.InvoiceFailed.Inc()
	}
	return nil
}

// ──────────────────────────────────────────────────
// Reconciliation hooks
// ──────────────────────────────────────────────────

// OnWebhookProcessed implements plugin.OnWebhookProcessed.
func (m *MetricsExtension) OnWebhookProcessed(_ context.Context, _ webhook.Event, outcome webhook.Outcome, replay bool, elapsed time.Duration) error {
	if replay {
		m.WebhookReplayed.Inc()
		return nil
	}
	switch outcome {
	case webhook.OutcomeApplied:
		m.WebhookApplied.Inc()
	case webhook.OutcomeNoOp:
		m.WebhookNoOp.Inc()
	case webhook.OutcomeIgnored:
		m.WebhookIgnored.Inc()
	}
	m.WebhookLatency.Observe(float64(elapsed.Milliseconds()))
	return nil
}

// OnVersionConflict implements plugin.OnVersionConflict.
func (m *MetricsExtension) OnVersionConflict(_ context.Context, _ string, _ int) error {
	m.VersionConflicts.Inc()
	return nil
}
