package recur

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/xraph/recur/id"
	"github.com/xraph/recur/invoice"
	"github.com/xraph/recur/subscription"
	"github.com/xraph/recur/types"
	"github.com/xraph/recur/webhook"
)

// Reconciler applies processor notifications to subscription state.
// Deliveries may be duplicated or reordered; every event id is applied
// at most once and its outcome is replayed afterwards.
type Reconciler struct {
	e    *Engine
	seen *lru.Cache[string, webhook.Outcome]
}

func newReconciler(e *Engine) *Reconciler {
	seen, _ := lru.New[string, webhook.Outcome](e.replayCacheSize) //nolint:errcheck // size is always positive
	return &Reconciler{e: e, seen: seen}
}

// HandleWebhook is shorthand for e.Reconciler().Handle.
func (e *Engine) HandleWebhook(ctx context.Context, ev webhook.Event) (webhook.Outcome, error) {
	return e.reconciler.Handle(ctx, ev)
}

// Handle processes one delivery. Errors are returned only when nothing
// was logged, so the processor should redeliver.
func (r *Reconciler) Handle(ctx context.Context, ev webhook.Event) (webhook.Outcome, error) {
	start := time.Now()
	if ev.ID == "" {
		return "", fmt.Errorf("%w: event id is required", ErrInvalidInput)
	}
	ev.Type = webhook.Normalize(string(ev.Type))

	outcome, ok, err := r.replay(ctx, ev.ID)
	if err != nil {
		r.e.logger.Warn("webhook replay lookup failed", "event_id", ev.ID, "error", err)
		return "", err
	}
	if ok {
		r.e.logger.Debug("webhook replayed", "event_id", ev.ID, "outcome", outcome)
		r.e.plugins.EmitWebhookProcessed(ctx, ev, outcome, true, time.Since(start))
		return outcome, nil
	}

	outcome, subID, err := r.apply(ctx, ev)
	if err != nil {
		r.e.logger.Warn("webhook not applied",
			"event_id", ev.ID,
			"type", ev.Type,
			"error", err,
		)
		return "", err
	}

	logged, err := r.e.store.RecordProcessedEvent(ctx, &webhook.ProcessedEvent{
		ExternalEventID: ev.ID,
		EventType:       ev.Type,
		SubscriptionID:  subID,
		Outcome:         outcome,
		ReceivedAt:      r.e.now().UTC().Truncate(time.Microsecond),
	})
	if err != nil {
		return "", err
	}
	r.seen.Add(ev.ID, logged.Outcome)

	r.e.logger.Info("webhook processed",
		"event_id", ev.ID,
		"type", ev.Type,
		"subscription_id", subID,
		"outcome", logged.Outcome,
	)
	r.e.plugins.EmitWebhookProcessed(ctx, ev, logged.Outcome, false, time.Since(start))

	return logged.Outcome, nil
}

// replay returns the recorded outcome for eventID. A lookup failure other
// than not-found is returned so the delivery is retried later.
func (r *Reconciler) replay(ctx context.Context, eventID string) (webhook.Outcome, bool, error) {
	if outcome, ok := r.seen.Get(eventID); ok {
		return outcome, true, nil
	}
	logged, err := r.e.store.GetProcessedEvent(ctx, eventID)
	if errors.Is(err, ErrEventNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	r.seen.Add(eventID, logged.Outcome)
	return logged.Outcome, true, nil
}

// apply performs the effects of ev and reports what happened.
func (r *Reconciler) apply(ctx context.Context, ev webhook.Event) (webhook.Outcome, string, error) {
	if !ev.Type.Known() {
		return webhook.OutcomeIgnored, "", nil
	}

	sub, err := r.resolve(ctx, ev)
	if IsNotFound(err) {
		return webhook.OutcomeIgnored, "", nil
	}
	if err != nil {
		return "", "", err
	}
	subID := sub.ID.String()

	target, ok := targetStatus(ev)
	if !ok {
		return webhook.OutcomeNoOp, subID, nil
	}
	if sub.Status.IsTerminal() {
		return webhook.OutcomeNoOp, subID, nil
	}

	applied, err := r.transition(ctx, sub, ev, target)
	if err != nil {
		return "", "", err
	}

	if ev.Type == webhook.PaymentSucceeded || ev.Type == webhook.PaymentFailed {
		billed, err := r.bill(ctx, ev)
		if err != nil {
			return "", "", err
		}
		applied = applied || billed
	}

	if applied {
		return webhook.OutcomeApplied, subID, nil
	}
	return webhook.OutcomeNoOp, subID, nil
}

// resolve finds the subscription an event is about: first by the
// processor's reference, then by our id echoed in metadata.
func (r *Reconciler) resolve(ctx context.Context, ev webhook.Event) (*subscription.Subscription, error) {
	if ev.SubscriptionRef != "" {
		sub, err := r.e.store.GetSubscriptionByExternalRef(ctx, ev.SubscriptionRef)
		if err == nil || !IsNotFound(err) {
			return sub, err
		}
	}
	if ev.SubscriptionID == "" {
		return nil, ErrSubscriptionNotFound
	}
	subID, err := id.ParseSubscriptionID(ev.SubscriptionID)
	if err != nil {
		return nil, ErrSubscriptionNotFound
	}
	sub, err := r.e.store.GetSubscription(ctx, subID)
	if err != nil {
		return nil, err
	}
	if ev.SubscriptionRef != "" && sub.ExternalRef != "" && sub.ExternalRef != ev.SubscriptionRef {
		// Bound to a different processor subscription.
		return nil, ErrSubscriptionNotFound
	}
	return sub, nil
}

// transition moves sub toward target and binds the processor reference.
// Transitions the state machine forbids are absorbed.
func (r *Reconciler) transition(ctx context.Context, sub *subscription.Subscription, ev webhook.Event, target subscription.Status) (bool, error) {
	bind := func(s *subscription.Subscription) error {
		if s.ExternalRef == "" && ev.SubscriptionRef != "" {
			s.ExternalRef = ev.SubscriptionRef
		}
		if ev.Type == webhook.PaymentSucceeded {
			renew(s, r.e.now())
		}
		return nil
	}

	_, changed, err := r.e.setStatus(ctx, "reconcile "+string(ev.Type), sub.ID, target, bind)
	switch {
	case err == nil && changed:
		return true, nil
	case err == nil, IsInvalidTransition(err):
		// Already in target, or an out-of-order event. Bind and renew
		// still apply to a live subscription.
		return r.touch(ctx, sub.ID, ev, bind)
	default:
		return false, err
	}
}

// touch applies mutation without a status change when it would alter
// the subscription.
func (r *Reconciler) touch(ctx context.Context, subID id.SubscriptionID, ev webhook.Event, mutate subscription.Mutation) (bool, error) {
	return retryCAS(ctx, r.e, "reconcile "+string(ev.Type), func(ctx context.Context) (bool, error) {
		cur, err := r.e.store.GetSubscription(ctx, subID)
		if err != nil {
			return false, err
		}
		if cur.Status.IsTerminal() {
			return false, nil
		}
		probe := cur.Clone()
		_ = mutate(probe) //nolint:errcheck // bind never fails
		if probe.ExternalRef == cur.ExternalRef && probe.CurrentPeriodEnd.Equal(cur.CurrentPeriodEnd) {
			return false, nil
		}
		now := r.e.now()
		_, err = r.e.store.CompareAndSwap(ctx, subID, cur.Version, func(s *subscription.Subscription) error {
			s.Touch(now)
			return mutate(s)
		})
		if err != nil {
			return false, err
		}
		return true, nil
	})
}

// bill records the payment attempt carried by ev against the
// subscription's current period. The invoice is keyed by the processor
// invoice (or event) and the result, so redelivery appends nothing.
func (r *Reconciler) bill(ctx context.Context, ev webhook.Event) (bool, error) {
	sub, err := r.resolve(ctx, ev)
	if err != nil {
		return false, err
	}
	if sub.Status.IsTerminal() {
		return false, nil
	}

	p, err := r.e.catalog.Get(sub.PlanID)
	if err != nil {
		r.e.logger.Warn("plan missing from catalog, payment not invoiced",
			"event_id", ev.ID,
			"plan_id", sub.PlanID,
		)
		return false, nil
	}
	amount := r.e.price(p, sub.BillingCycle)
	if ev.Amount != nil && !ev.Amount.Equal(amount) {
		r.e.logger.Warn("processor amount differs from plan price",
			"event_id", ev.ID,
			"plan_id", p.ID,
			"plan_amount", amount.Amount,
			"processor_amount", ev.Amount.Amount,
			"processor_currency", ev.Amount.Currency,
		)
	}

	settle := invoice.StatusPaid
	if ev.Type == webhook.PaymentFailed {
		settle = invoice.StatusFailed
	}
	ref := ev.InvoiceRef
	if ref == "" {
		ref = ev.ID
	}

	now := r.e.now().UTC().Truncate(time.Microsecond)
	inv, err := r.e.appendInvoice(ctx, &invoice.Invoice{
		Entity:         types.NewEntity(now),
		ID:             id.NewInvoiceID(),
		SubscriptionID: sub.ID,
		TenantID:       sub.TenantID,
		Kind:           invoice.KindCharge,
		Status:         invoice.StatusOpen,
		Amount:         amount,
		Description:    fmt.Sprintf("%s (%s)", p.DisplayName, sub.BillingCycle),
		PeriodStart:    sub.CurrentPeriodStart,
		PeriodEnd:      sub.CurrentPeriodEnd,
		IssuedAt:       now,
		ExternalRef:    ref + "#" + string(settle),
	})
	if err != nil {
		return false, err
	}
	if inv.Status == settle {
		return false, nil
	}

	if settle == invoice.StatusPaid {
		_, err = r.e.MarkInvoicePaid(ctx, inv.ID)
	} else {
		_, err = r.e.MarkInvoiceFailed(ctx, inv.ID)
	}
	if errors.Is(err, ErrInvalidTransition) {
		return false, nil
	}
	return err == nil, err
}

// targetStatus maps an event onto the status it asks for.
func targetStatus(ev webhook.Event) (subscription.Status, bool) {
	switch ev.Type {
	case webhook.PaymentSucceeded:
		return subscription.StatusActive, true
	case webhook.PaymentFailed:
		return subscription.StatusPastDue, true
	case webhook.SubscriptionCanceled:
		return subscription.StatusCanceled, true
	case webhook.SubscriptionExpired:
		return subscription.StatusExpired, true
	case webhook.SubscriptionUpdated:
		switch ev.Status {
		case "active", "trialing":
			return subscription.StatusActive, true
		case "past_due", "unpaid":
			return subscription.StatusPastDue, true
		case "canceled", "incomplete_expired":
			return subscription.StatusCanceled, true
		}
	}
	return "", false
}

// renew rolls an elapsed billing period forward to the one containing now.
func renew(s *subscription.Subscription, now time.Time) {
	for !now.Before(s.CurrentPeriodEnd) && s.CurrentPeriodEnd.After(s.CurrentPeriodStart) {
		s.CurrentPeriodStart = s.CurrentPeriodEnd
		s.CurrentPeriodEnd = s.BillingCycle.PeriodEnd(s.CurrentPeriodStart)
	}
}
