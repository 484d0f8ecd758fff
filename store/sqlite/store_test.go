package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/sqlitedriver"

	"github.com/xraph/recur"
	"github.com/xraph/recur/plan"
	"github.com/xraph/recur/store"
	"github.com/xraph/recur/store/sqlite"
	"github.com/xraph/recur/store/storetest"
	"github.com/xraph/recur/webhook"
)

func newStore(t *testing.T) store.Store {
	t.Helper()
	ctx := context.Background()

	sdb := sqlitedriver.New()
	if err := sdb.Open(ctx, filepath.Join(t.TempDir(), "recur.db")); err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db, err := grove.Open(sdb)
	if err != nil {
		t.Fatalf("grove.Open: %v", err)
	}

	s := sqlite.New(db)
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, newStore)
}

func TestMigrateTwice(t *testing.T) {
	s := newStore(t)
	if err := s.Migrate(context.Background()); err != nil {
		t.Errorf("second Migrate: %v", err)
	}
}

func TestTimesRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	sub := storetest.NewSubscription("t1", "pro")
	if err := s.CreateSubscription(ctx, sub); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	got, err := s.GetSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatalf("GetSubscription: %v", err)
	}
	if !got.CurrentPeriodStart.Equal(sub.CurrentPeriodStart) || !got.CurrentPeriodEnd.Equal(sub.CurrentPeriodEnd) {
		t.Errorf("period = %v..%v, want %v..%v",
			got.CurrentPeriodStart, got.CurrentPeriodEnd, sub.CurrentPeriodStart, sub.CurrentPeriodEnd)
	}
	if got.CanceledAt != nil {
		t.Errorf("CanceledAt = %v, want nil", got.CanceledAt)
	}
}

func TestEngineOverSQLite(t *testing.T) {
	ctx := context.Background()
	e := recur.New(newStore(t), plan.DefaultCatalog())

	sub, err := e.CreateSubscription(ctx, "acme", "pro", "")
	if err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	ev := webhook.Event{
		ID: "evt_1", Type: webhook.PaymentSucceeded, SubscriptionID: sub.ID.String(),
		OccurredAt: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
	}
	for range 2 {
		if _, err := e.HandleWebhook(ctx, ev); err != nil {
			t.Fatalf("HandleWebhook: %v", err)
		}
	}

	invoices, err := e.ListInvoices(ctx, sub.ID)
	if err != nil {
		t.Fatalf("ListInvoices: %v", err)
	}
	if len(invoices) != 1 || invoices[0].Amount.Amount != 2900 {
		t.Errorf("invoices = %+v, want one 2900 charge", invoices)
	}
}
