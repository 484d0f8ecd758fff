package recur

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/xraph/recur/id"
	"github.com/xraph/recur/invoice"
	"github.com/xraph/recur/plan"
	"github.com/xraph/recur/subscription"
	"github.com/xraph/recur/types"
)

// Metadata keys the engine keeps on a subscription to make a plan
// change's proration reproducible.
const (
	MetaPreviousPlan     = "recur.previous_plan"
	MetaPlanChangedAt    = "recur.plan_changed_at"
	MetaPlanChangedAtVer = "recur.plan_changed_version"
)

// ──────────────────────────────────────────────────
// Plans
// ──────────────────────────────────────────────────

// ListPlans returns the catalog in display order.
func (e *Engine) ListPlans() []plan.Plan {
	return e.catalog.List()
}

// GetPlan returns one plan or ErrPlanNotFound.
func (e *Engine) GetPlan(planID string) (plan.Plan, error) {
	return e.catalog.Get(planID)
}

// ──────────────────────────────────────────────────
// Subscriptions
// ──────────────────────────────────────────────────

// CreateSubscription opens a pending subscription for tenantID on planID.
// An empty cycle selects the plan's default. Plans that cost nothing on
// the chosen cycle are activated immediately and come back at version 1.
func (e *Engine) CreateSubscription(ctx context.Context, tenantID, planID string, cycle plan.BillingCycle) (*subscription.Subscription, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant id is required", ErrInvalidInput)
	}
	p, err := e.catalog.Get(planID)
	if err != nil {
		return nil, err
	}
	if cycle == "" {
		cycle = p.BillingCycle
	}
	if !p.Supports(cycle) {
		return nil, fmt.Errorf("%w: plan %q is not offered %s", ErrInvalidInput, planID, cycle)
	}

	now := e.now().UTC().Truncate(time.Microsecond)
	sub := &subscription.Subscription{
		Entity:             types.NewEntity(now),
		ID:                 id.NewSubscriptionID(),
		TenantID:           tenantID,
		PlanID:             p.ID,
		BillingCycle:       cycle,
		Status:             subscription.StatusPending,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   cycle.PeriodEnd(now),
	}

	if err := e.store.CreateSubscription(ctx, sub); err != nil {
		return nil, err
	}

	e.logger.Info("subscription created",
		"subscription_id", sub.ID.String(),
		"tenant_id", tenantID,
		"plan_id", p.ID,
		"billing_cycle", cycle,
	)
	e.plugins.EmitSubscriptionCreated(ctx, sub)

	if !p.IsFree(cycle) {
		return sub, nil
	}

	active, _, err := e.setStatus(ctx, "activate free plan", sub.ID, subscription.StatusActive, nil)
	if err != nil {
		return nil, err
	}
	return active, nil
}

// GetSubscription returns a subscription by id.
func (e *Engine) GetSubscription(ctx context.Context, subID id.SubscriptionID) (*subscription.Subscription, error) {
	return e.store.GetSubscription(ctx, subID)
}

// GetSubscriptionForTenant returns the subscription only if tenantID
// owns it; other tenants get ErrSubscriptionNotFound.
func (e *Engine) GetSubscriptionForTenant(ctx context.Context, tenantID string, subID id.SubscriptionID) (*subscription.Subscription, error) {
	sub, err := e.store.GetSubscription(ctx, subID)
	if err != nil {
		return nil, err
	}
	if sub.TenantID != tenantID {
		return nil, ErrSubscriptionNotFound
	}
	return sub, nil
}

// ListSubscriptions returns a tenant's subscriptions in creation order.
func (e *Engine) ListSubscriptions(ctx context.Context, tenantID string) ([]*subscription.Subscription, error) {
	return e.store.ListSubscriptions(ctx, tenantID)
}

// UpdateSubscription moves a live, non-pending subscription to newPlanID
// and bills the proration. Moving to the current plan is a no-op.
func (e *Engine) UpdateSubscription(ctx context.Context, subID id.SubscriptionID, newPlanID string) (*subscription.Subscription, error) {
	return e.updatePlan(ctx, subID, newPlanID, nil)
}

// UpdateSubscriptionAt is UpdateSubscription guarded by the caller's
// view of the version. A stale version fails with ErrConflict without
// retrying.
func (e *Engine) UpdateSubscriptionAt(ctx context.Context, subID id.SubscriptionID, newPlanID string, version int64) (*subscription.Subscription, error) {
	return e.updatePlan(ctx, subID, newPlanID, &version)
}

type planChange struct {
	sub      *subscription.Subscription
	from, to plan.Plan
	changed  bool
}

func (e *Engine) updatePlan(ctx context.Context, subID id.SubscriptionID, newPlanID string, expected *int64) (*subscription.Subscription, error) {
	to, err := e.catalog.Get(newPlanID)
	if err != nil {
		return nil, err
	}

	res, err := retryCAS(ctx, e, "update subscription", func(ctx context.Context) (planChange, error) {
		cur, err := e.store.GetSubscription(ctx, subID)
		if err != nil {
			return planChange{}, err
		}
		if expected != nil && cur.Version != *expected {
			return planChange{}, fmt.Errorf("%w: subscription %s is at version %d, not %d", ErrConflict, subID, cur.Version, *expected)
		}
		if cur.Status.IsTerminal() || cur.Status == subscription.StatusPending {
			return planChange{}, fmt.Errorf("%w: cannot change plan of a %s subscription", ErrInvalidTransition, cur.Status)
		}
		if cur.PlanID == to.ID {
			return planChange{sub: cur}, nil
		}
		if !to.Supports(cur.BillingCycle) {
			return planChange{}, fmt.Errorf("%w: plan %q is not offered %s", ErrInvalidInput, to.ID, cur.BillingCycle)
		}
		from := e.planOrZero(cur.PlanID, to)
		if !sameCurrency(e.price(from, cur.BillingCycle), e.price(to, cur.BillingCycle)) {
			return planChange{}, fmt.Errorf("%w: cannot prorate between currencies", ErrInvalidInput)
		}

		now := e.now().UTC().Truncate(time.Microsecond)
		next, err := e.store.CompareAndSwap(ctx, subID, cur.Version, func(s *subscription.Subscription) error {
			s.PlanID = to.ID
			if s.Metadata == nil {
				s.Metadata = make(map[string]string, 3)
			}
			s.Metadata[MetaPreviousPlan] = cur.PlanID
			s.Metadata[MetaPlanChangedAt] = now.Format(time.RFC3339Nano)
			s.Metadata[MetaPlanChangedAtVer] = strconv.FormatInt(cur.Version+1, 10)
			s.Touch(now)
			return nil
		})
		if err != nil {
			return planChange{}, err
		}
		return planChange{sub: next, from: from, to: to, changed: true}, nil
	})
	if err != nil {
		return nil, err
	}

	// Bill the latest plan change. On a no-op this re-appends an
	// adjustment lost to a failure after the swap; the append is keyed
	// by version so it happens at most once.
	proration, err := e.billPlanChange(ctx, res.sub)
	if err != nil {
		return nil, err
	}

	if res.changed {
		e.logger.Info("subscription plan changed",
			"subscription_id", subID.String(),
			"from_plan", res.from.ID,
			"to_plan", res.to.ID,
			"version", res.sub.Version,
		)
		e.plugins.EmitPlanChanged(ctx, res.sub, res.from, res.to, proration)
	}

	return res.sub, nil
}

// billPlanChange appends the proration invoice for the plan change that
// produced sub's current version, if that is what the last swap did.
func (e *Engine) billPlanChange(ctx context.Context, sub *subscription.Subscription) (*invoice.Invoice, error) {
	if sub.Metadata[MetaPlanChangedAtVer] != strconv.FormatInt(sub.Version, 10) {
		return nil, nil
	}
	at, err := time.Parse(time.RFC3339Nano, sub.Metadata[MetaPlanChangedAt])
	if err != nil {
		return nil, nil
	}

	to, err := e.catalog.Get(sub.PlanID)
	if err != nil {
		return nil, err
	}
	from := e.planOrZero(sub.Metadata[MetaPreviousPlan], to)

	amount := e.prorator.Prorate(e.price(from, sub.BillingCycle), e.price(to, sub.BillingCycle), sub, at)
	if amount.IsZero() {
		return nil, nil
	}

	inv := &invoice.Invoice{
		Entity:         types.NewEntity(at),
		ID:             id.NewInvoiceID(),
		SubscriptionID: sub.ID,
		TenantID:       sub.TenantID,
		Kind:           invoice.KindProration,
		Status:         invoice.StatusOpen,
		Amount:         amount,
		Description:    fmt.Sprintf("Proration %s → %s", from.DisplayName, to.DisplayName),
		PeriodStart:    at,
		PeriodEnd:      sub.CurrentPeriodEnd,
		IssuedAt:       at,
		ExternalRef:    fmt.Sprintf("proration:%s:v%d", sub.ID, sub.Version),
	}
	return e.appendInvoice(ctx, inv)
}

// CancelSubscription cancels a live subscription. Canceling an already
// canceled subscription returns it unchanged.
func (e *Engine) CancelSubscription(ctx context.Context, subID id.SubscriptionID) (*subscription.Subscription, error) {
	sub, _, err := e.setStatus(ctx, "cancel subscription", subID, subscription.StatusCanceled, nil)
	return sub, err
}

// ──────────────────────────────────────────────────
// Invoices
// ──────────────────────────────────────────────────

// ListInvoices returns a subscription's invoices ordered by issue time.
func (e *Engine) ListInvoices(ctx context.Context, subID id.SubscriptionID) ([]*invoice.Invoice, error) {
	return e.store.ListInvoices(ctx, subID)
}

// ListTenantInvoices returns all of a tenant's invoices ordered by issue time.
func (e *Engine) ListTenantInvoices(ctx context.Context, tenantID string) ([]*invoice.Invoice, error) {
	return e.store.ListTenantInvoices(ctx, tenantID)
}

// MarkInvoicePaid settles an open invoice as paid.
func (e *Engine) MarkInvoicePaid(ctx context.Context, invID id.InvoiceID) (*invoice.Invoice, error) {
	inv, err := e.store.MarkInvoicePaid(ctx, invID)
	if err != nil {
		return nil, err
	}
	e.plugins.EmitInvoiceSettled(ctx, inv)
	return inv, nil
}

// MarkInvoiceFailed settles an open invoice as failed.
func (e *Engine) MarkInvoiceFailed(ctx context.Context, invID id.InvoiceID) (*invoice.Invoice, error) {
	inv, err := e.store.MarkInvoiceFailed(ctx, invID)
	if err != nil {
		return nil, err
	}
	e.plugins.EmitInvoiceSettled(ctx, inv)
	return inv, nil
}

// appendInvoice stores inv and fires the hook only when it is new.
func (e *Engine) appendInvoice(ctx context.Context, inv *invoice.Invoice) (*invoice.Invoice, error) {
	stored, err := e.store.AppendInvoice(ctx, inv)
	if err != nil {
		return nil, err
	}
	if stored.ID.String() == inv.ID.String() {
		e.logger.Info("invoice appended",
			"invoice_id", stored.ID.String(),
			"subscription_id", stored.SubscriptionID.String(),
			"kind", stored.Kind,
			"amount", stored.Amount.Amount,
			"currency", stored.Amount.Currency,
		)
		e.plugins.EmitInvoiceAppended(ctx, stored)
	}
	return stored, nil
}

// ──────────────────────────────────────────────────
// Status changes
// ──────────────────────────────────────────────────

// setStatus moves a subscription to `to` through the CAS loop. extra, if
// set, runs inside the same swap. changed is false when the subscription
// was already in `to` and nothing was written.
func (e *Engine) setStatus(ctx context.Context, op string, subID id.SubscriptionID, to subscription.Status, extra subscription.Mutation) (*subscription.Subscription, bool, error) {
	type result struct {
		sub     *subscription.Subscription
		from    subscription.Status
		changed bool
	}

	res, err := retryCAS(ctx, e, op, func(ctx context.Context) (result, error) {
		cur, err := e.store.GetSubscription(ctx, subID)
		if err != nil {
			return result{}, err
		}
		if cur.Status == to {
			return result{sub: cur}, nil
		}
		if !subscription.CanTransition(cur.Status, to) {
			return result{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, to)
		}

		now := e.now().UTC().Truncate(time.Microsecond)
		next, err := e.store.CompareAndSwap(ctx, subID, cur.Version, func(s *subscription.Subscription) error {
			applyStatus(s, to, now)
			if extra != nil {
				return extra(s)
			}
			return nil
		})
		if err != nil {
			return result{}, err
		}
		return result{sub: next, from: cur.Status, changed: true}, nil
	})
	if err != nil {
		return nil, false, err
	}

	if res.changed {
		e.logger.Info("subscription status changed",
			"subscription_id", subID.String(),
			"op", op,
			"from", res.from,
			"to", to,
			"version", res.sub.Version,
		)
		e.plugins.EmitStatusChanged(ctx, res.sub, res.from)
	}
	return res.sub, res.changed, nil
}

// applyStatus sets status and the timestamps that go with it.
func applyStatus(s *subscription.Subscription, to subscription.Status, now time.Time) {
	s.Status = to
	switch to {
	case subscription.StatusCanceled:
		s.CanceledAt = &now
		s.EndedAt = &now
	case subscription.StatusExpired:
		s.EndedAt = &now
	}
	s.Touch(now)
}

// ──────────────────────────────────────────────────
// Expiry
// ──────────────────────────────────────────────────

// ExpireDue expires active subscriptions whose period ended more than
// the configured grace ago. It returns how many it expired.
func (e *Engine) ExpireDue(ctx context.Context) (int, error) {
	cutoff := e.now().Add(-e.expiry.Grace)
	due, err := e.store.ListDueForExpiry(ctx, cutoff, e.expiry.BatchSize)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, sub := range due {
		if p, err := e.catalog.Get(sub.PlanID); err == nil && p.IsFree(sub.BillingCycle) {
			if err := e.renewFree(ctx, sub.ID); err != nil && !IsInvalidTransition(err) {
				return expired, err
			}
			continue
		}
		_, changed, err := e.setStatus(ctx, "expire subscription", sub.ID, subscription.StatusExpired,
			func(s *subscription.Subscription) error {
				if !s.CurrentPeriodEnd.Before(cutoff) {
					return fmt.Errorf("%w: period renewed", ErrInvalidTransition)
				}
				return nil
			})
		switch {
		case err == nil:
			if changed {
				expired++
			}
		case IsInvalidTransition(err):
			// Paid, canceled or renewed since the listing.
		default:
			return expired, err
		}
	}
	return expired, nil
}

// renewFree rolls a free subscription into its next period. Nobody pays
// for it, so nothing else would.
func (e *Engine) renewFree(ctx context.Context, subID id.SubscriptionID) error {
	_, err := retryCAS(ctx, e, "renew free subscription", func(ctx context.Context) (*subscription.Subscription, error) {
		cur, err := e.store.GetSubscription(ctx, subID)
		if err != nil {
			return nil, err
		}
		if cur.Status != subscription.StatusActive {
			return nil, fmt.Errorf("%w: %s subscription", ErrInvalidTransition, cur.Status)
		}
		now := e.now().UTC().Truncate(time.Microsecond)
		return e.store.CompareAndSwap(ctx, subID, cur.Version, func(s *subscription.Subscription) error {
			renew(s, now)
			s.Touch(now)
			return nil
		})
	})
	return err
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

// planOrZero returns the named plan, or a zero-priced stand-in when the
// catalog no longer carries it.
func (e *Engine) planOrZero(planID string, like plan.Plan) plan.Plan {
	p, err := e.catalog.Get(planID)
	if err == nil {
		return p
	}
	e.logger.Warn("plan missing from catalog, prorating from zero", "plan_id", planID)
	return plan.Plan{
		ID:           planID,
		DisplayName:  planID,
		Price:        types.Zero(like.Price.Currency),
		BillingCycle: like.BillingCycle,
	}
}

// price returns p's price on cycle, or zero when p is not sold on it.
func (e *Engine) price(p plan.Plan, cycle plan.BillingCycle) types.Money {
	if m, ok := p.PriceFor(cycle); ok {
		return m
	}
	return types.Zero(p.Price.Currency)
}

func sameCurrency(a, b types.Money) bool {
	return a.Currency == b.Currency
}
