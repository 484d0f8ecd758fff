// Package storetest is a conformance suite every store backend runs from
// its own tests.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xraph/recur"
	"github.com/xraph/recur/id"
	"github.com/xraph/recur/invoice"
	"github.com/xraph/recur/plan"
	"github.com/xraph/recur/store"
	"github.com/xraph/recur/subscription"
	"github.com/xraph/recur/types"
	"github.com/xraph/recur/webhook"
)

// Factory returns an empty, migrated store.
type Factory func(t *testing.T) store.Store

// Run executes the suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"CreateAndGet", testCreateAndGet},
		{"OneLivePerTenant", testOneLivePerTenant},
		{"ListInsertionOrder", testListInsertionOrder},
		{"CompareAndSwap", testCompareAndSwap},
		{"CompareAndSwapMutationError", testCompareAndSwapMutationError},
		{"CompareAndSwapConcurrent", testCompareAndSwapConcurrent},
		{"ExternalRef", testExternalRef},
		{"DueForExpiry", testDueForExpiry},
		{"InvoiceAppendIdempotent", testInvoiceAppendIdempotent},
		{"InvoiceSettle", testInvoiceSettle},
		{"InvoiceOrder", testInvoiceOrder},
		{"ProcessedEvents", testProcessedEvents},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

var epoch = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

// NewSubscription builds a pending monthly subscription for tenantID.
func NewSubscription(tenantID, planID string) *subscription.Subscription {
	return &subscription.Subscription{
		Entity:             types.NewEntity(epoch),
		ID:                 id.NewSubscriptionID(),
		TenantID:           tenantID,
		PlanID:             planID,
		BillingCycle:       plan.Monthly,
		Status:             subscription.StatusPending,
		CurrentPeriodStart: epoch,
		CurrentPeriodEnd:   plan.Monthly.PeriodEnd(epoch),
	}
}

func setStatus(st subscription.Status) subscription.Mutation {
	return func(s *subscription.Subscription) error {
		s.Status = st
		return nil
	}
}

func testCreateAndGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	sub := NewSubscription("t1", "pro")
	sub.Metadata = map[string]string{"source": "test"}
	if err := s.CreateSubscription(ctx, sub); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}

	got, err := s.GetSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatalf("GetSubscription: %v", err)
	}
	if got.ID.String() != sub.ID.String() || got.PlanID != "pro" || got.Status != subscription.StatusPending || got.Version != 0 {
		t.Errorf("GetSubscription: got %+v", got)
	}
	if !got.CurrentPeriodEnd.Equal(sub.CurrentPeriodEnd) {
		t.Errorf("period end: got %v, want %v", got.CurrentPeriodEnd, sub.CurrentPeriodEnd)
	}
	if got.Metadata["source"] != "test" {
		t.Errorf("metadata: got %v", got.Metadata)
	}

	if _, err := s.GetSubscription(ctx, id.NewSubscriptionID()); !errors.Is(err, recur.ErrSubscriptionNotFound) {
		t.Errorf("missing: got %v, want ErrSubscriptionNotFound", err)
	}
}

func testOneLivePerTenant(t *testing.T, s store.Store) {
	ctx := context.Background()
	first := NewSubscription("t1", "pro")
	if err := s.CreateSubscription(ctx, first); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}

	if err := s.CreateSubscription(ctx, NewSubscription("t1", "basic")); !errors.Is(err, recur.ErrSubscriptionExists) {
		t.Fatalf("second live: got %v, want ErrSubscriptionExists", err)
	}
	if err := s.CreateSubscription(ctx, NewSubscription("t2", "basic")); err != nil {
		t.Fatalf("other tenant: %v", err)
	}

	if _, err := s.CompareAndSwap(ctx, first.ID, 0, setStatus(subscription.StatusCanceled)); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := s.CreateSubscription(ctx, NewSubscription("t1", "basic")); err != nil {
		t.Fatalf("after cancel: %v", err)
	}
}

func testListInsertionOrder(t *testing.T, s store.Store) {
	ctx := context.Background()
	var want []string
	for range 3 {
		sub := NewSubscription("t1", "pro")
		if err := s.CreateSubscription(ctx, sub); err != nil {
			t.Fatalf("CreateSubscription: %v", err)
		}
		if _, err := s.CompareAndSwap(ctx, sub.ID, 0, setStatus(subscription.StatusCanceled)); err != nil {
			t.Fatalf("cancel: %v", err)
		}
		want = append(want, sub.ID.String())
	}
	if err := s.CreateSubscription(ctx, NewSubscription("t2", "pro")); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}

	got, err := s.ListSubscriptions(ctx, "t1")
	if err != nil {
		t.Fatalf("ListSubscriptions: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("ListSubscriptions: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].ID.String() != want[i] {
			t.Errorf("ListSubscriptions[%d]: got %s, want %s", i, got[i].ID, want[i])
		}
	}

	empty, err := s.ListSubscriptions(ctx, "nobody")
	if err != nil || len(empty) != 0 {
		t.Errorf("unknown tenant: got %v %v", empty, err)
	}
}

func testCompareAndSwap(t *testing.T, s store.Store) {
	ctx := context.Background()
	sub := NewSubscription("t1", "pro")
	if err := s.CreateSubscription(ctx, sub); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}

	next, err := s.CompareAndSwap(ctx, sub.ID, 0, func(x *subscription.Subscription) error {
		x.Status = subscription.StatusActive
		x.PlanID = "enterprise"
		x.TenantID = "hijack"
		x.Version = 99
		return nil
	})
	if err != nil {
		t.Fatalf("CompareAndSwap: %v", err)
	}
	if next.Version != 1 || next.PlanID != "enterprise" || next.TenantID != "t1" {
		t.Errorf("CompareAndSwap result: %+v", next)
	}

	if _, err := s.CompareAndSwap(ctx, sub.ID, 0, setStatus(subscription.StatusPastDue)); !errors.Is(err, recur.ErrVersionConflict) {
		t.Fatalf("stale version: got %v, want ErrVersionConflict", err)
	}

	got, _ := s.GetSubscription(ctx, sub.ID)
	if got.Version != 1 || got.Status != subscription.StatusActive {
		t.Errorf("stale swap had side effects: %+v", got)
	}

	if _, err := s.CompareAndSwap(ctx, id.NewSubscriptionID(), 0, setStatus(subscription.StatusActive)); !errors.Is(err, recur.ErrSubscriptionNotFound) {
		t.Errorf("missing: got %v, want ErrSubscriptionNotFound", err)
	}
}

func testCompareAndSwapMutationError(t *testing.T, s store.Store) {
	ctx := context.Background()
	sub := NewSubscription("t1", "pro")
	if err := s.CreateSubscription(ctx, sub); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}

	boom := errors.New("boom")
	if _, err := s.CompareAndSwap(ctx, sub.ID, 0, func(x *subscription.Subscription) error {
		x.PlanID = "changed"
		return boom
	}); !errors.Is(err, boom) {
		t.Fatalf("got %v, want boom", err)
	}

	got, _ := s.GetSubscription(ctx, sub.ID)
	if got.Version != 0 || got.PlanID != "pro" {
		t.Errorf("aborted swap was persisted: %+v", got)
	}
}

func testCompareAndSwapConcurrent(t *testing.T, s store.Store) {
	ctx := context.Background()
	sub := NewSubscription("t1", "pro")
	if err := s.CreateSubscription(ctx, sub); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}

	const workers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.CompareAndSwap(ctx, sub.ID, 0, setStatus(subscription.StatusActive))
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else if !errors.Is(err, recur.ErrVersionConflict) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("winners: got %d, want 1", wins)
	}
	got, err := s.GetSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatalf("GetSubscription: %v", err)
	}
	if got.Version != 1 {
		t.Errorf("version: got %d, want 1", got.Version)
	}
}

func testExternalRef(t *testing.T, s store.Store) {
	ctx := context.Background()
	sub := NewSubscription("t1", "pro")
	if err := s.CreateSubscription(ctx, sub); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}

	if _, err := s.GetSubscriptionByExternalRef(ctx, "ext_1"); !errors.Is(err, recur.ErrSubscriptionNotFound) {
		t.Fatalf("unbound: got %v", err)
	}

	if _, err := s.CompareAndSwap(ctx, sub.ID, 0, func(x *subscription.Subscription) error {
		x.ExternalRef = "ext_1"
		return nil
	}); err != nil {
		t.Fatalf("bind: %v", err)
	}

	got, err := s.GetSubscriptionByExternalRef(ctx, "ext_1")
	if err != nil {
		t.Fatalf("GetSubscriptionByExternalRef: %v", err)
	}
	if got.ID.String() != sub.ID.String() {
		t.Errorf("resolved %s, want %s", got.ID, sub.ID)
	}
}

func testDueForExpiry(t *testing.T, s store.Store) {
	ctx := context.Background()

	due := NewSubscription("t1", "pro")
	notDue := NewSubscription("t2", "pro")
	notDue.CurrentPeriodEnd = epoch.AddDate(1, 0, 0)
	pending := NewSubscription("t3", "pro")

	for _, sub := range []*subscription.Subscription{due, notDue, pending} {
		if err := s.CreateSubscription(ctx, sub); err != nil {
			t.Fatalf("CreateSubscription: %v", err)
		}
	}
	for _, sub := range []*subscription.Subscription{due, notDue} {
		if _, err := s.CompareAndSwap(ctx, sub.ID, 0, setStatus(subscription.StatusActive)); err != nil {
			t.Fatalf("activate: %v", err)
		}
	}

	got, err := s.ListDueForExpiry(ctx, epoch.AddDate(0, 2, 0), 10)
	if err != nil {
		t.Fatalf("ListDueForExpiry: %v", err)
	}
	if len(got) != 1 || got[0].ID.String() != due.ID.String() {
		t.Errorf("ListDueForExpiry: got %d results", len(got))
	}
}

// NewInvoice builds an invoice for sub issued at issuedAt.
func NewInvoice(sub *subscription.Subscription, amount int64, issuedAt time.Time, ref string) *invoice.Invoice {
	return &invoice.Invoice{
		Entity:         types.NewEntity(issuedAt),
		ID:             id.NewInvoiceID(),
		SubscriptionID: sub.ID,
		TenantID:       sub.TenantID,
		Kind:           invoice.KindCharge,
		Status:         invoice.StatusOpen,
		Amount:         types.USD(amount),
		PeriodStart:    sub.CurrentPeriodStart,
		PeriodEnd:      sub.CurrentPeriodEnd,
		IssuedAt:       issuedAt.UTC().Truncate(time.Microsecond),
		ExternalRef:    ref,
	}
}

func testInvoiceAppendIdempotent(t *testing.T, s store.Store) {
	ctx := context.Background()
	sub := NewSubscription("t1", "pro")

	first, err := s.AppendInvoice(ctx, NewInvoice(sub, 2900, epoch, "in_1"))
	if err != nil {
		t.Fatalf("AppendInvoice: %v", err)
	}
	if first.Status != invoice.StatusOpen {
		t.Errorf("status: got %s, want open", first.Status)
	}

	second, err := s.AppendInvoice(ctx, NewInvoice(sub, 9999, epoch, "in_1"))
	if err != nil {
		t.Fatalf("AppendInvoice duplicate: %v", err)
	}
	if second.ID.String() != first.ID.String() || second.Amount.Amount != 2900 {
		t.Errorf("duplicate ref produced a new invoice: %+v", second)
	}

	if _, err := s.AppendInvoice(ctx, NewInvoice(sub, 100, epoch, "")); err != nil {
		t.Fatalf("AppendInvoice no ref: %v", err)
	}
	if _, err := s.AppendInvoice(ctx, NewInvoice(sub, 100, epoch, "")); err != nil {
		t.Fatalf("AppendInvoice no ref: %v", err)
	}

	all, err := s.ListInvoices(ctx, sub.ID)
	if err != nil {
		t.Fatalf("ListInvoices: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("ListInvoices: got %d, want 3", len(all))
	}
}

func testInvoiceSettle(t *testing.T, s store.Store) {
	ctx := context.Background()
	sub := NewSubscription("t1", "pro")
	inv, err := s.AppendInvoice(ctx, NewInvoice(sub, 2900, epoch, ""))
	if err != nil {
		t.Fatalf("AppendInvoice: %v", err)
	}

	paid, err := s.MarkInvoicePaid(ctx, inv.ID)
	if err != nil {
		t.Fatalf("MarkInvoicePaid: %v", err)
	}
	if paid.Status != invoice.StatusPaid {
		t.Errorf("status: got %s", paid.Status)
	}

	if _, err := s.MarkInvoiceFailed(ctx, inv.ID); !errors.Is(err, recur.ErrInvalidTransition) {
		t.Errorf("paid -> failed: got %v, want ErrInvalidTransition", err)
	}
	if _, err := s.MarkInvoicePaid(ctx, inv.ID); !errors.Is(err, recur.ErrInvalidTransition) {
		t.Errorf("paid -> paid: got %v, want ErrInvalidTransition", err)
	}
	if _, err := s.MarkInvoicePaid(ctx, id.NewInvoiceID()); !errors.Is(err, recur.ErrInvoiceNotFound) {
		t.Errorf("missing: got %v, want ErrInvoiceNotFound", err)
	}

	got, err := s.GetInvoice(ctx, inv.ID)
	if err != nil || got.Status != invoice.StatusPaid {
		t.Errorf("GetInvoice: %+v %v", got, err)
	}
}

func testInvoiceOrder(t *testing.T, s store.Store) {
	ctx := context.Background()
	sub := NewSubscription("t1", "pro")

	late, _ := s.AppendInvoice(ctx, NewInvoice(sub, 1, epoch.Add(2*time.Hour), ""))
	early, _ := s.AppendInvoice(ctx, NewInvoice(sub, 2, epoch, ""))
	mid, _ := s.AppendInvoice(ctx, NewInvoice(sub, 3, epoch.Add(time.Hour), ""))
	other := NewSubscription("t2", "pro")
	_, _ = s.AppendInvoice(ctx, NewInvoice(other, 4, epoch, ""))

	got, err := s.ListInvoices(ctx, sub.ID)
	if err != nil {
		t.Fatalf("ListInvoices: %v", err)
	}
	want := []string{early.ID.String(), mid.ID.String(), late.ID.String()}
	if len(got) != len(want) {
		t.Fatalf("ListInvoices: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].ID.String() != want[i] {
			t.Errorf("ListInvoices[%d]: got %s, want %s", i, got[i].ID, want[i])
		}
	}

	tenant, err := s.ListTenantInvoices(ctx, "t1")
	if err != nil || len(tenant) != 3 {
		t.Errorf("ListTenantInvoices: got %d %v", len(tenant), err)
	}
}

func testProcessedEvents(t *testing.T, s store.Store) {
	ctx := context.Background()

	if _, err := s.GetProcessedEvent(ctx, "evt_1"); !errors.Is(err, recur.ErrEventNotFound) {
		t.Fatalf("unlogged: got %v, want ErrEventNotFound", err)
	}

	first, err := s.RecordProcessedEvent(ctx, &webhook.ProcessedEvent{
		ExternalEventID: "evt_1",
		EventType:       webhook.PaymentSucceeded,
		Outcome:         webhook.OutcomeApplied,
		ReceivedAt:      epoch,
	})
	if err != nil {
		t.Fatalf("RecordProcessedEvent: %v", err)
	}
	if first.Outcome != webhook.OutcomeApplied {
		t.Errorf("outcome: got %s", first.Outcome)
	}

	second, err := s.RecordProcessedEvent(ctx, &webhook.ProcessedEvent{
		ExternalEventID: "evt_1",
		EventType:       webhook.PaymentSucceeded,
		Outcome:         webhook.OutcomeNoOp,
		ReceivedAt:      epoch.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("RecordProcessedEvent replay: %v", err)
	}
	if second.Outcome != webhook.OutcomeApplied {
		t.Errorf("replay overwrote outcome: got %s", second.Outcome)
	}

	got, err := s.GetProcessedEvent(ctx, "evt_1")
	if err != nil || got.Outcome != webhook.OutcomeApplied {
		t.Errorf("GetProcessedEvent: %+v %v", got, err)
	}
}
