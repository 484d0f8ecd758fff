package recur_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/xraph/recur"
	"github.com/xraph/recur/id"
	"github.com/xraph/recur/invoice"
	"github.com/xraph/recur/plan"
	"github.com/xraph/recur/store"
	"github.com/xraph/recur/store/memory"
	"github.com/xraph/recur/subscription"
	"github.com/xraph/recur/types"
	"github.com/xraph/recur/webhook"
)

var epoch = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newEngine(t *testing.T, opts ...recur.Option) (*recur.Engine, *clock) {
	t.Helper()
	clk := &clock{now: epoch}
	opts = append([]recur.Option{recur.WithClock(clk.Now)}, opts...)
	e := recur.New(memory.New(), plan.DefaultCatalog(), opts...)
	return e, clk
}

// activate creates a paid subscription and confirms its first payment.
func activate(t *testing.T, e *recur.Engine, tenantID, planID string) *subscription.Subscription {
	t.Helper()
	ctx := context.Background()

	sub, err := e.CreateSubscription(ctx, tenantID, planID, "")
	if err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	outcome, err := e.HandleWebhook(ctx, webhook.Event{
		ID:             "evt_activate_" + sub.ID.String(),
		Type:           webhook.PaymentSucceeded,
		SubscriptionID: sub.ID.String(),
	})
	if err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}
	if outcome != webhook.OutcomeApplied {
		t.Fatalf("activation outcome = %s, want applied", outcome)
	}
	sub, err = e.GetSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatalf("GetSubscription: %v", err)
	}
	return sub
}

func TestCreateSubscription(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	sub, err := e.CreateSubscription(ctx, "acme", "pro", "")
	if err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	if sub.Status != subscription.StatusPending {
		t.Errorf("Status = %s, want pending", sub.Status)
	}
	if sub.Version != 0 {
		t.Errorf("Version = %d, want 0", sub.Version)
	}
	if sub.BillingCycle != plan.Monthly {
		t.Errorf("BillingCycle = %s, want monthly", sub.BillingCycle)
	}
	if !sub.CurrentPeriodEnd.Equal(epoch.AddDate(0, 1, 0)) {
		t.Errorf("CurrentPeriodEnd = %v", sub.CurrentPeriodEnd)
	}

	subs, err := e.ListSubscriptions(ctx, "acme")
	if err != nil {
		t.Fatalf("ListSubscriptions: %v", err)
	}
	if len(subs) != 1 || subs[0].ID.String() != sub.ID.String() {
		t.Fatalf("ListSubscriptions = %v", subs)
	}
	if subs[0].Version != 0 || subs[0].Status != subscription.StatusPending {
		t.Errorf("listed subscription = %s v%d", subs[0].Status, subs[0].Version)
	}
}

func TestCreateFreeSubscriptionActivates(t *testing.T) {
	e, _ := newEngine(t)

	sub, err := e.CreateSubscription(context.Background(), "acme", "free", "")
	if err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	if sub.Status != subscription.StatusActive {
		t.Errorf("Status = %s, want active", sub.Status)
	}
	if sub.Version != 1 {
		t.Errorf("Version = %d, want 1", sub.Version)
	}
}

func TestCreateSubscriptionErrors(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		tenant string
		plan   string
		cycle  plan.BillingCycle
		want   error
	}{
		{"unknown plan", "acme", "platinum", "", recur.ErrPlanNotFound},
		{"missing tenant", "", "pro", "", recur.ErrInvalidInput},
		{"unsupported cycle", "acme", "free", plan.Yearly, recur.ErrInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.CreateSubscription(ctx, tt.tenant, tt.plan, tt.cycle)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}

	if _, err := e.CreateSubscription(ctx, "acme", "pro", ""); err != nil {
		t.Fatalf("first CreateSubscription: %v", err)
	}
	if _, err := e.CreateSubscription(ctx, "acme", "basic", ""); !errors.Is(err, recur.ErrSubscriptionExists) {
		t.Errorf("second live subscription err = %v, want ErrSubscriptionExists", err)
	}
}

func TestCreateYearlySubscription(t *testing.T) {
	e, _ := newEngine(t)

	sub, err := e.CreateSubscription(context.Background(), "acme", "pro", plan.Yearly)
	if err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	if !sub.CurrentPeriodEnd.Equal(epoch.AddDate(1, 0, 0)) {
		t.Errorf("CurrentPeriodEnd = %v, want one year out", sub.CurrentPeriodEnd)
	}
}

func TestPaymentSucceededBillsPlanPrice(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	sub := activate(t, e, "acme", "pro")
	if sub.Status != subscription.StatusActive {
		t.Fatalf("Status = %s, want active", sub.Status)
	}

	invs, err := e.ListInvoices(ctx, sub.ID)
	if err != nil {
		t.Fatalf("ListInvoices: %v", err)
	}
	if len(invs) != 1 {
		t.Fatalf("len(invoices) = %d, want 1", len(invs))
	}
	inv := invs[0]
	if inv.Status != invoice.StatusPaid {
		t.Errorf("Status = %s, want paid", inv.Status)
	}
	if inv.Kind != invoice.KindCharge {
		t.Errorf("Kind = %s, want charge", inv.Kind)
	}
	if !inv.Amount.Equal(types.USD(2900)) {
		t.Errorf("Amount = %v, want $29.00", inv.Amount)
	}
}

func TestWebhookReplay(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	sub, err := e.CreateSubscription(ctx, "acme", "pro", "")
	if err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	ev := webhook.Event{
		ID:              "evt_1",
		Type:            webhook.PaymentSucceeded,
		SubscriptionRef: "sub_stripe_1",
		SubscriptionID:  sub.ID.String(),
		InvoiceRef:      "in_1",
	}

	first, err := e.HandleWebhook(ctx, ev)
	if err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	after, _ := e.GetSubscription(ctx, sub.ID)

	for i := range 3 {
		again, err := e.HandleWebhook(ctx, ev)
		if err != nil {
			t.Fatalf("redelivery %d: %v", i, err)
		}
		if again != first {
			t.Errorf("redelivery %d outcome = %s, want %s", i, again, first)
		}
	}

	final, _ := e.GetSubscription(ctx, sub.ID)
	if final.Version != after.Version {
		t.Errorf("Version moved on replay: %d -> %d", after.Version, final.Version)
	}
	if final.ExternalRef != "sub_stripe_1" {
		t.Errorf("ExternalRef = %q, want bound processor ref", final.ExternalRef)
	}
	invs, _ := e.ListInvoices(ctx, sub.ID)
	if len(invs) != 1 {
		t.Errorf("len(invoices) = %d, want 1", len(invs))
	}
}

func TestWebhookReplayAcrossEngines(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	a := recur.New(s, plan.DefaultCatalog())
	b := recur.New(s, plan.DefaultCatalog())

	sub, err := a.CreateSubscription(ctx, "acme", "pro", "")
	if err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	ev := webhook.Event{ID: "evt_shared", Type: webhook.PaymentSucceeded, SubscriptionID: sub.ID.String()}

	if _, err := a.HandleWebhook(ctx, ev); err != nil {
		t.Fatalf("engine a: %v", err)
	}
	// A canceled subscription would turn a second application into a
	// no_op; the logged outcome must win.
	if _, err := a.CancelSubscription(ctx, sub.ID); err != nil {
		t.Fatalf("CancelSubscription: %v", err)
	}
	outcome, err := b.HandleWebhook(ctx, ev)
	if err != nil {
		t.Fatalf("engine b: %v", err)
	}
	if outcome != webhook.OutcomeApplied {
		t.Errorf("outcome = %s, want the logged applied", outcome)
	}
}

func TestWebhookIgnored(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	tests := []webhook.Event{
		{ID: "evt_unknown_type", Type: "charge.refunded", SubscriptionID: id.NewSubscriptionID().String()},
		{ID: "evt_unknown_sub", Type: webhook.PaymentSucceeded, SubscriptionRef: "sub_nobody"},
		{ID: "evt_bad_id", Type: webhook.PaymentSucceeded, SubscriptionID: "not-an-id"},
	}
	for _, ev := range tests {
		outcome, err := e.HandleWebhook(ctx, ev)
		if err != nil {
			t.Fatalf("%s: %v", ev.ID, err)
		}
		if outcome != webhook.OutcomeIgnored {
			t.Errorf("%s outcome = %s, want ignored", ev.ID, outcome)
		}
	}

	if _, err := e.HandleWebhook(ctx, webhook.Event{Type: webhook.PaymentSucceeded}); !errors.Is(err, recur.ErrInvalidInput) {
		t.Errorf("missing id err = %v, want ErrInvalidInput", err)
	}
}

func TestWebhookAliasTypes(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	sub, _ := e.CreateSubscription(ctx, "acme", "basic", "")
	outcome, err := e.HandleWebhook(ctx, webhook.Event{
		ID:             "evt_alias",
		Type:           "invoice.paid",
		SubscriptionID: sub.ID.String(),
	})
	if err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}
	if outcome != webhook.OutcomeApplied {
		t.Errorf("outcome = %s, want applied", outcome)
	}
	got, _ := e.GetSubscription(ctx, sub.ID)
	if got.Status != subscription.StatusActive {
		t.Errorf("Status = %s, want active", got.Status)
	}
}

func TestWebhookReorderTerminalAbsorbs(t *testing.T) {
	kinds := []webhook.EventType{
		webhook.PaymentFailed,
		webhook.PaymentSucceeded,
		webhook.SubscriptionCanceled,
	}
	orders := [][]int{
		{0, 1, 2}, {0, 2, 1}, {1, 0, 2},
		{1, 2, 0}, {2, 0, 1}, {2, 1, 0},
	}

	for _, order := range orders {
		t.Run(fmt.Sprint(order), func(t *testing.T) {
			e, _ := newEngine(t)
			ctx := context.Background()
			sub := activate(t, e, "acme", "pro")

			for _, i := range order {
				_, err := e.HandleWebhook(ctx, webhook.Event{
					ID:             fmt.Sprintf("evt_%d", i),
					Type:           kinds[i],
					SubscriptionID: sub.ID.String(),
					InvoiceRef:     fmt.Sprintf("in_%d", i),
				})
				if err != nil {
					t.Fatalf("event %d: %v", i, err)
				}
			}

			got, _ := e.GetSubscription(ctx, sub.ID)
			if got.Status != subscription.StatusCanceled {
				t.Errorf("Status = %s, want canceled", got.Status)
			}
			if got.CanceledAt == nil || got.EndedAt == nil {
				t.Error("CanceledAt and EndedAt should be set")
			}
		})
	}
}

func TestWebhookAfterTerminalIsNoOp(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()
	sub := activate(t, e, "acme", "pro")

	if _, err := e.CancelSubscription(ctx, sub.ID); err != nil {
		t.Fatalf("CancelSubscription: %v", err)
	}
	before, _ := e.GetSubscription(ctx, sub.ID)

	outcome, err := e.HandleWebhook(ctx, webhook.Event{
		ID:             "evt_late",
		Type:           webhook.PaymentSucceeded,
		SubscriptionID: sub.ID.String(),
		InvoiceRef:     "in_late",
	})
	if err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}
	if outcome != webhook.OutcomeNoOp {
		t.Errorf("outcome = %s, want no_op", outcome)
	}
	after, _ := e.GetSubscription(ctx, sub.ID)
	if after.Version != before.Version || after.Status != subscription.StatusCanceled {
		t.Errorf("terminal subscription changed: %s v%d", after.Status, after.Version)
	}
	invs, _ := e.ListInvoices(ctx, sub.ID)
	if len(invs) != 1 {
		t.Errorf("len(invoices) = %d, want only the activation charge", len(invs))
	}
}

func TestPaymentFailedThenRecovered(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()
	sub := activate(t, e, "acme", "pro")

	outcome, err := e.HandleWebhook(ctx, webhook.Event{
		ID: "evt_fail", Type: webhook.PaymentFailed, SubscriptionID: sub.ID.String(), InvoiceRef: "in_2",
	})
	if err != nil || outcome != webhook.OutcomeApplied {
		t.Fatalf("payment_failed = %s, %v", outcome, err)
	}
	got, _ := e.GetSubscription(ctx, sub.ID)
	if got.Status != subscription.StatusPastDue {
		t.Fatalf("Status = %s, want past_due", got.Status)
	}

	outcome, err = e.HandleWebhook(ctx, webhook.Event{
		ID: "evt_retry", Type: webhook.PaymentSucceeded, SubscriptionID: sub.ID.String(), InvoiceRef: "in_2",
	})
	if err != nil || outcome != webhook.OutcomeApplied {
		t.Fatalf("payment_succeeded = %s, %v", outcome, err)
	}
	got, _ = e.GetSubscription(ctx, sub.ID)
	if got.Status != subscription.StatusActive {
		t.Errorf("Status = %s, want active", got.Status)
	}

	invs, _ := e.ListInvoices(ctx, sub.ID)
	var paid, failed int
	for _, inv := range invs {
		switch inv.Status {
		case invoice.StatusPaid:
			paid++
		case invoice.StatusFailed:
			failed++
		}
	}
	if paid != 2 || failed != 1 {
		t.Errorf("paid = %d, failed = %d, want 2 and 1", paid, failed)
	}
}

func TestSubscriptionUpdatedStatus(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()
	sub := activate(t, e, "acme", "pro")

	tests := []struct {
		status string
		want   subscription.Status
	}{
		{"past_due", subscription.StatusPastDue},
		{"active", subscription.StatusActive},
		{"incomplete", subscription.StatusActive},
		{"canceled", subscription.StatusCanceled},
	}
	for i, tt := range tests {
		_, err := e.HandleWebhook(ctx, webhook.Event{
			ID:             fmt.Sprintf("evt_upd_%d", i),
			Type:           webhook.SubscriptionUpdated,
			SubscriptionID: sub.ID.String(),
			Status:         tt.status,
		})
		if err != nil {
			t.Fatalf("%s: %v", tt.status, err)
		}
		got, _ := e.GetSubscription(ctx, sub.ID)
		if got.Status != tt.want {
			t.Errorf("after %s Status = %s, want %s", tt.status, got.Status, tt.want)
		}
	}
}

func TestPaymentRenewsElapsedPeriod(t *testing.T) {
	e, clk := newEngine(t)
	ctx := context.Background()
	sub := activate(t, e, "acme", "pro")

	clk.Advance(31 * 24 * time.Hour)
	if _, err := e.HandleWebhook(ctx, webhook.Event{
		ID: "evt_renew", Type: webhook.PaymentSucceeded, SubscriptionID: sub.ID.String(), InvoiceRef: "in_renew",
	}); err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}

	got, _ := e.GetSubscription(ctx, sub.ID)
	if !got.CurrentPeriodStart.Equal(sub.CurrentPeriodEnd) {
		t.Errorf("CurrentPeriodStart = %v, want %v", got.CurrentPeriodStart, sub.CurrentPeriodEnd)
	}
	if got.Version != sub.Version+1 {
		t.Errorf("Version = %d, want %d", got.Version, sub.Version+1)
	}
}

func TestUpdateSubscriptionRoundTrip(t *testing.T) {
	e, clk := newEngine(t)
	ctx := context.Background()
	sub := activate(t, e, "acme", "pro")

	clk.Advance(10 * 24 * time.Hour)

	up, err := e.UpdateSubscription(ctx, sub.ID, "enterprise")
	if err != nil {
		t.Fatalf("upgrade: %v", err)
	}
	down, err := e.UpdateSubscription(ctx, sub.ID, "pro")
	if err != nil {
		t.Fatalf("downgrade: %v", err)
	}

	if up.PlanID != "enterprise" || down.PlanID != "pro" {
		t.Errorf("plans = %s, %s", up.PlanID, down.PlanID)
	}
	if down.Version != sub.Version+2 {
		t.Errorf("Version = %d, want %d", down.Version, sub.Version+2)
	}

	invs, _ := e.ListInvoices(ctx, sub.ID)
	var prorations []*invoice.Invoice
	for _, inv := range invs {
		if inv.Kind == invoice.KindProration {
			prorations = append(prorations, inv)
		}
	}
	if len(prorations) != 2 {
		t.Fatalf("len(prorations) = %d, want 2", len(prorations))
	}
	if !prorations[0].Amount.IsPositive() {
		t.Errorf("upgrade proration = %v, want a charge", prorations[0].Amount)
	}
	if prorations[0].Amount.Add(prorations[1].Amount).Amount != 0 {
		t.Errorf("prorations %v and %v are not inverses", prorations[0].Amount, prorations[1].Amount)
	}
}

func TestUpdateSubscriptionSamePlanIsNoOp(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()
	sub := activate(t, e, "acme", "pro")

	got, err := e.UpdateSubscription(ctx, sub.ID, "pro")
	if err != nil {
		t.Fatalf("UpdateSubscription: %v", err)
	}
	if got.Version != sub.Version {
		t.Errorf("Version = %d, want %d", got.Version, sub.Version)
	}
}

func TestUpdateSubscriptionErrors(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	pending, _ := e.CreateSubscription(ctx, "pending-co", "pro", "")
	if _, err := e.UpdateSubscription(ctx, pending.ID, "basic"); !errors.Is(err, recur.ErrInvalidTransition) {
		t.Errorf("pending err = %v, want ErrInvalidTransition", err)
	}

	sub := activate(t, e, "acme", "pro")
	if _, err := e.UpdateSubscription(ctx, sub.ID, "platinum"); !errors.Is(err, recur.ErrPlanNotFound) {
		t.Errorf("unknown plan err = %v, want ErrPlanNotFound", err)
	}
	if _, err := e.UpdateSubscription(ctx, id.NewSubscriptionID(), "basic"); !recur.IsNotFound(err) {
		t.Errorf("unknown subscription err = %v, want not found", err)
	}
	if _, err := e.UpdateSubscriptionAt(ctx, sub.ID, "basic", sub.Version-1); !errors.Is(err, recur.ErrConflict) {
		t.Errorf("stale version err = %v, want ErrConflict", err)
	}
	if _, err := e.UpdateSubscriptionAt(ctx, sub.ID, "basic", sub.Version); err != nil {
		t.Errorf("current version: %v", err)
	}

	if _, err := e.CancelSubscription(ctx, sub.ID); err != nil {
		t.Fatalf("CancelSubscription: %v", err)
	}
	if _, err := e.UpdateSubscription(ctx, sub.ID, "pro"); !errors.Is(err, recur.ErrInvalidTransition) {
		t.Errorf("canceled err = %v, want ErrInvalidTransition", err)
	}
}

func TestConcurrentUpdates(t *testing.T) {
	e, _ := newEngine(t, recur.WithRetryPolicy(recur.RetryPolicy{
		MaxAttempts:    200,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}))
	ctx := context.Background()

	sub, err := e.CreateSubscription(ctx, "acme", "free", "")
	if err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}

	targets := []string{"basic", "pro", "business", "enterprise"}
	var wg sync.WaitGroup
	errs := make([]error, len(targets))
	for i, planID := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = e.UpdateSubscription(ctx, sub.ID, planID)
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("update to %s: %v", targets[i], err)
		}
	}

	final, _ := e.GetSubscription(ctx, sub.ID)
	if final.Version != sub.Version+int64(len(targets)) {
		t.Errorf("Version = %d, want %d", final.Version, sub.Version+int64(len(targets)))
	}
	found := false
	for _, planID := range targets {
		found = found || final.PlanID == planID
	}
	if !found {
		t.Errorf("PlanID = %s, want one of %v", final.PlanID, targets)
	}

	subs, _ := e.ListSubscriptions(ctx, "acme")
	if len(subs) != 1 || subs[0].PlanID != final.PlanID {
		t.Errorf("list disagrees with get: %v", subs)
	}
}

func TestConcurrentUpdatesExhaustRetries(t *testing.T) {
	e, _ := newEngine(t, recur.WithRetryPolicy(recur.RetryPolicy{
		MaxAttempts:    1,
		InitialBackoff: time.Millisecond,
	}))
	ctx := context.Background()
	sub, _ := e.CreateSubscription(ctx, "acme", "free", "")

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			planID := []string{"basic", "pro"}[i%2]
			if _, err := e.UpdateSubscription(ctx, sub.ID, planID); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if !errors.Is(err, recur.ErrConflict) {
			t.Errorf("err = %v, want ErrConflict", err)
		}
	}
}

func TestCancelSubscriptionTwice(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()
	sub := activate(t, e, "acme", "pro")

	first, err := e.CancelSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatalf("first cancel: %v", err)
	}
	second, err := e.CancelSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if second.Version-sub.Version > 1 {
		t.Errorf("Version moved by %d, want at most 1", second.Version-sub.Version)
	}
	if second.Version != first.Version {
		t.Errorf("second cancel wrote: v%d -> v%d", first.Version, second.Version)
	}

	// The tenant slot is free again.
	if _, err := e.CreateSubscription(ctx, "acme", "basic", ""); err != nil {
		t.Errorf("CreateSubscription after cancel: %v", err)
	}
}

func TestCancelPending(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()
	sub, _ := e.CreateSubscription(ctx, "acme", "pro", "")

	got, err := e.CancelSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatalf("CancelSubscription: %v", err)
	}
	if got.Status != subscription.StatusCanceled {
		t.Errorf("Status = %s, want canceled", got.Status)
	}
}

func TestGetSubscriptionForTenant(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()
	sub, _ := e.CreateSubscription(ctx, "acme", "pro", "")

	if _, err := e.GetSubscriptionForTenant(ctx, "acme", sub.ID); err != nil {
		t.Errorf("owner: %v", err)
	}
	if _, err := e.GetSubscriptionForTenant(ctx, "globex", sub.ID); !errors.Is(err, recur.ErrSubscriptionNotFound) {
		t.Errorf("other tenant err = %v, want ErrSubscriptionNotFound", err)
	}
}

func TestExpireDue(t *testing.T) {
	e, clk := newEngine(t, recur.WithExpiry(recur.ExpiryConfig{Grace: 24 * time.Hour}))
	ctx := context.Background()

	paid := activate(t, e, "acme", "pro")
	free, _ := e.CreateSubscription(ctx, "globex", "free", "")

	clk.Advance(31*24*time.Hour + time.Hour)
	n, err := e.ExpireDue(ctx)
	if err != nil {
		t.Fatalf("ExpireDue (inside grace): %v", err)
	}
	if n != 0 {
		t.Errorf("expired %d inside grace, want 0", n)
	}

	clk.Advance(48 * time.Hour)
	n, err = e.ExpireDue(ctx)
	if err != nil {
		t.Fatalf("ExpireDue: %v", err)
	}
	if n != 1 {
		t.Errorf("expired %d, want 1", n)
	}

	got, _ := e.GetSubscription(ctx, paid.ID)
	if got.Status != subscription.StatusExpired || got.EndedAt == nil {
		t.Errorf("paid subscription = %s, want expired with EndedAt", got.Status)
	}
	gotFree, _ := e.GetSubscription(ctx, free.ID)
	if gotFree.Status != subscription.StatusActive {
		t.Errorf("free subscription = %s, want active", gotFree.Status)
	}
	if !gotFree.CurrentPeriodEnd.After(clk.Now()) {
		t.Errorf("free subscription period not renewed: ends %v", gotFree.CurrentPeriodEnd)
	}
}

// slowStore blocks every read until the caller gives up.
type slowStore struct {
	store.Store
}

func (s slowStore) GetSubscription(ctx context.Context, _ id.SubscriptionID) (*subscription.Subscription, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// brokenStore fails every write with a backend error.
type brokenStore struct {
	store.Store
}

func (brokenStore) CreateSubscription(context.Context, *subscription.Subscription) error {
	return errors.New("connection reset by peer")
}

func TestPersistenceUnavailable(t *testing.T) {
	ctx := context.Background()

	slow := recur.New(slowStore{memory.New()}, plan.DefaultCatalog(),
		recur.WithPersistenceTimeout(20*time.Millisecond))
	start := time.Now()
	_, err := slow.GetSubscription(ctx, id.NewSubscriptionID())
	if !errors.Is(err, recur.ErrUnavailable) {
		t.Errorf("slow store err = %v, want ErrUnavailable", err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("slow store call took %v", time.Since(start))
	}

	broken := recur.New(brokenStore{memory.New()}, plan.DefaultCatalog())
	if _, err := broken.CreateSubscription(ctx, "acme", "pro", ""); !errors.Is(err, recur.ErrUnavailable) {
		t.Errorf("broken store err = %v, want ErrUnavailable", err)
	}
}

func TestWebhookNotLoggedWhenUnavailable(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	good := recur.New(s, plan.DefaultCatalog())
	sub, _ := good.CreateSubscription(ctx, "acme", "pro", "")

	slow := recur.New(slowStore{s}, plan.DefaultCatalog(),
		recur.WithPersistenceTimeout(10*time.Millisecond))
	ev := webhook.Event{ID: "evt_retry_me", Type: webhook.PaymentSucceeded, SubscriptionID: sub.ID.String()}
	if _, err := slow.HandleWebhook(ctx, ev); !errors.Is(err, recur.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if _, err := s.GetProcessedEvent(ctx, ev.ID); !recur.IsNotFound(err) {
		t.Errorf("event logged after failure: %v", err)
	}

	outcome, err := good.HandleWebhook(ctx, ev)
	if err != nil || outcome != webhook.OutcomeApplied {
		t.Errorf("redelivery = %s, %v, want applied", outcome, err)
	}
}

// eventLogDownStore fails processed-event lookups with a backend error.
type eventLogDownStore struct {
	store.Store
}

func (eventLogDownStore) GetProcessedEvent(context.Context, string) (*webhook.ProcessedEvent, error) {
	return nil, errors.New("i/o timeout")
}

func TestWebhookEventLogLookupFailure(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	good := recur.New(s, plan.DefaultCatalog())
	sub, err := good.CreateSubscription(ctx, "acme", "pro", "")
	if err != nil {
		t.Fatal(err)
	}

	degraded := recur.New(eventLogDownStore{s}, plan.DefaultCatalog())
	ev := webhook.Event{ID: "evt_lookup", Type: webhook.PaymentSucceeded, SubscriptionID: sub.ID.String()}
	if _, err := degraded.HandleWebhook(ctx, ev); !errors.Is(err, recur.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}

	got, err := good.GetSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != subscription.StatusPending || got.Version != sub.Version {
		t.Errorf("event applied despite failed lookup: status %s version %d", got.Status, got.Version)
	}
	invoices, err := good.ListInvoices(ctx, sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(invoices) != 0 {
		t.Errorf("invoices = %d, want 0", len(invoices))
	}
}

type recorder struct {
	mu       sync.Mutex
	created  int
	changes  []subscription.Status
	plans    []string
	appended int
	webhooks []bool
}

func (r *recorder) Name() string { return "recorder" }

func (r *recorder) OnSubscriptionCreated(context.Context, *subscription.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created++
	return nil
}

func (r *recorder) OnSubscriptionStatusChanged(_ context.Context, sub *subscription.Subscription, _ subscription.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, sub.Status)
	return nil
}

func (r *recorder) OnPlanChanged(_ context.Context, _ *subscription.Subscription, _, to plan.Plan, _ *invoice.Invoice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plans = append(r.plans, to.ID)
	return nil
}

func (r *recorder) OnInvoiceAppended(context.Context, *invoice.Invoice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appended++
	return nil
}

func (r *recorder) OnWebhookProcessed(_ context.Context, _ webhook.Event, _ webhook.Outcome, replay bool, _ time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.webhooks = append(r.webhooks, replay)
	return nil
}

func TestPluginHooks(t *testing.T) {
	rec := &recorder{}
	e, clk := newEngine(t, recur.WithPlugin(rec))
	ctx := context.Background()

	sub := activate(t, e, "acme", "pro")
	clk.Advance(time.Hour)
	if _, err := e.UpdateSubscription(ctx, sub.ID, "business"); err != nil {
		t.Fatalf("UpdateSubscription: %v", err)
	}
	if _, err := e.HandleWebhook(ctx, webhook.Event{
		ID: "evt_activate_" + sub.ID.String(), Type: webhook.PaymentSucceeded, SubscriptionID: sub.ID.String(),
	}); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if _, err := e.CancelSubscription(ctx, sub.ID); err != nil {
		t.Fatalf("CancelSubscription: %v", err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.created != 1 {
		t.Errorf("created = %d, want 1", rec.created)
	}
	want := []subscription.Status{subscription.StatusActive, subscription.StatusCanceled}
	if fmt.Sprint(rec.changes) != fmt.Sprint(want) {
		t.Errorf("status changes = %v, want %v", rec.changes, want)
	}
	if len(rec.plans) != 1 || rec.plans[0] != "business" {
		t.Errorf("plan changes = %v", rec.plans)
	}
	if rec.appended != 2 {
		t.Errorf("appended = %d, want charge and proration", rec.appended)
	}
	if fmt.Sprint(rec.webhooks) != "[false true]" {
		t.Errorf("webhook replays = %v, want [false true]", rec.webhooks)
	}
}

func TestStartStop(t *testing.T) {
	e, _ := newEngine(t, recur.WithExpiry(recur.ExpiryConfig{Schedule: "@every 1h"}))
	ctx := context.Background()

	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := e.Start(ctx); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if err := e.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
	if err := e.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := e.Ping(ctx); !errors.Is(err, recur.ErrUnavailable) {
		t.Errorf("Ping after Stop = %v, want ErrUnavailable", err)
	}
}

func TestStartBadSchedule(t *testing.T) {
	e, _ := newEngine(t, recur.WithExpiry(recur.ExpiryConfig{Schedule: "every now and then"}))
	if err := e.Start(context.Background()); err == nil {
		t.Error("Start accepted an invalid cron schedule")
	}
}
