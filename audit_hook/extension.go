// Package audithook bridges Recur lifecycle events to an audit trail backend.
//
// It defines a local Recorder interface so the package does not import an
// audit backend directly. Callers inject a RecorderFunc adapter at wiring
// time.
package audithook

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/recur/invoice"
	"github.com/xraph/recur/plan"
	"github.com/xraph/recur/plugin"
	"github.com/xraph/recur/subscription"
	"github.com/xraph/recur/webhook"
)

// Compile-time interface checks.
var (
	_ plugin.Plugin                      = (*Extension)(nil)
	_ plugin.OnSubscriptionCreated       = (*Extension)(nil)
	_ plugin.OnSubscriptionStatusChanged = (*Extension)(nil)
	_ plugin.OnPlanChanged               = (*Extension)(nil)
	_ plugin.OnInvoiceAppended           = (*Extension)(nil)
	_ plugin.OnInvoiceSettled            = (*Extension)(nil)
	_ plugin.OnWebhookProcessed          = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is a local representation of an audit event.
type AuditEvent struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Category   string         `json:"category"`
	ResourceID string         `json:"resource_id,omitempty"`
	TenantID   string         `json:"tenant_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Extension bridges Recur lifecycle events to an audit trail backend.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements plugin.Plugin.
func (e *Extension) Name() string { return "audit-hook" }

// ──────────────────────────────────────────────────
// Subscription lifecycle hooks
// ──────────────────────────────────────────────────

// OnSubscriptionCreated implements plugin.OnSubscriptionCreated.
func (e *Extension) OnSubscriptionCreated(ctx context.Context, sub *subscription.Subscription) error {
	return e.record(ctx, ActionSubscriptionCreated, SeverityInfo, OutcomeSuccess,
		ResourceSubscription, sub.ID.String(), sub.TenantID, CategorySubscription, nil,
		"plan_id", sub.PlanID,
		"billing_cycle", string(sub.BillingCycle),
	)
}

// OnSubscriptionStatusChanged implements plugin.OnSubscriptionStatusChanged.
func (e *Extension) OnSubscriptionStatusChanged(ctx context.Context, sub *subscription.Subscription, from subscription.Status) error {
	action, severity := ActionSubscriptionActivated, SeverityInfo
	switch sub.Status {
	case subscription.StatusPastDue:
		action, severity = ActionSubscriptionPastDue, SeverityWarning
	case subscription.StatusCanceled:
		action = ActionSubscriptionCanceled
	case subscription.StatusExpired:
		action = ActionSubscriptionExpired
	}

	return e.record(ctx, action, severity, OutcomeSuccess,
		ResourceSubscription, sub.ID.String(), sub.TenantID, CategorySubscription, nil,
		"from", string(from),
		"to", string(sub.Status),
		"version", sub.Version,
	)
}

// OnPlanChanged implements plugin.OnPlanChanged.
func (e *Extension) OnPlanChanged(ctx context.Context, sub *subscription.Subscription, from, to plan.Plan, proration *invoice.Invoice) error {
	oldPrice, _ := from.PriceFor(sub.BillingCycle)
	newPrice, _ := to.PriceFor(sub.BillingCycle)
	action := ActionSubscriptionUpgraded
	if newPrice.Amount < oldPrice.Amount {
		action = ActionSubscriptionDowngraded
	}

	kv := []any{
		"from_plan", from.ID,
		"to_plan", to.ID,
		"version", sub.Version,
	}
	if proration != nil {
		kv = append(kv,
			"proration_invoice_id", proration.ID.String(),
			"proration_amount", proration.Amount.Amount,
		)
	}

	return e.record(ctx, action, SeverityInfo, OutcomeSuccess,
		ResourceSubscription, sub.ID.String(), sub.TenantID, CategorySubscription, nil,
		kv...,
	)
}

// ──────────────────────────────────────────────────
// Invoice lifecycle hooks
// ──────────────────────────────────────────────────

// OnInvoiceAppended implements plugin.OnInvoiceAppended.
func (e *Extension) OnInvoiceAppended(ctx context.Context, inv *invoice.Invoice) error {
	return e.record(ctx, ActionInvoiceAppended, SeverityInfo, OutcomeSuccess,
		ResourceInvoice, inv.ID.String(), inv.TenantID, CategoryPayment, nil,
		"subscription_id", inv.SubscriptionID.String(),
		"kind", string(inv.Kind),
		"amount", inv.Amount.Amount,
		"currency", inv.Amount.Currency,
	)
}

// OnInvoiceSettled implements plugin.OnInvoiceSettled.
func (e *Extension) OnInvoiceSettled(ctx context.Context, inv *invoice.Invoice) error {
	if inv.Status == invoice.StatusFailed {
		return e.record(ctx, ActionInvoiceFailed, SeverityCritical, OutcomeFailure,
			ResourceInvoice, inv.ID.String(), inv.TenantID, CategoryPayment,
			fmt.Errorf("payment failed for %s", inv.Amount),
			"subscription_id", inv.SubscriptionID.String(),
			"external_ref", inv.ExternalRef,
		)
	}
	return e.record(ctx, ActionInvoicePaid, SeverityInfo, OutcomeSuccess,
		ResourceInvoice, inv.ID.String(), inv.TenantID, CategoryPayment, nil,
		"subscription_id", inv.SubscriptionID.String(),
		"external_ref", inv.ExternalRef,
	)
}

// ──────────────────────────────────────────────────
// Reconciliation hooks
// ──────────────────────────────────────────────────

// OnWebhookProcessed implements plugin.OnWebhookProcessed. Replays are not
// audited; the first delivery already was.
func (e *Extension) OnWebhookProcessed(ctx context.Context, ev webhook.Event, outcome webhook.Outcome, replay bool, elapsed time.Duration) error {
	if replay {
		return nil
	}
	return e.record(ctx, ActionWebhookProcessed, SeverityInfo, OutcomeSuccess,
		ResourceWebhook, ev.ID, "", CategoryIntegration, nil,
		"event_type", string(ev.Type),
		"outcome", string(outcome),
		"subscription_ref", ev.SubscriptionRef,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// ──────────────────────────────────────────────────
// Internal helpers
// ──────────────────────────────────────────────────

// record builds and sends an audit event if the action is enabled.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, tenantID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		TenantID:   tenantID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}
