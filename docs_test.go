package recur_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/xraph/recur"
	"github.com/xraph/recur/plan"
	"github.com/xraph/recur/store/memory"
	"github.com/xraph/recur/subscription"
	"github.com/xraph/recur/types"
	"github.com/xraph/recur/webhook"
)

// TestDocumentationExamples verifies that the package documentation examples work.
func TestDocumentationExamples(t *testing.T) {
	t.Run("QuickStartExample", func(t *testing.T) {
		e := recur.New(memory.New(), plan.DefaultCatalog(),
			recur.WithLogger(slog.Default()),
			recur.WithExpiry(recur.ExpiryConfig{Schedule: "@every 1h", Grace: 72 * time.Hour}),
		)

		ctx := context.Background()
		if err := e.Start(ctx); err != nil {
			t.Fatal(err)
		}
		defer e.Stop() //nolint:errcheck // test cleanup

		sub, err := e.CreateSubscription(ctx, "tenant_123", "pro", plan.Monthly)
		if err != nil {
			t.Fatal(err)
		}
		if sub.Status != subscription.StatusPending {
			t.Fatalf("status = %s, want pending", sub.Status)
		}

		outcome, err := e.HandleWebhook(ctx, webhook.Event{
			ID:             "evt_1",
			Type:           webhook.PaymentSucceeded,
			SubscriptionID: sub.ID.String(),
		})
		if err != nil {
			t.Fatal(err)
		}
		if outcome != webhook.OutcomeApplied {
			t.Fatalf("outcome = %s, want applied", outcome)
		}

		replayed, err := e.HandleWebhook(ctx, webhook.Event{
			ID:             "evt_1",
			Type:           webhook.PaymentSucceeded,
			SubscriptionID: sub.ID.String(),
		})
		if err != nil || replayed != outcome {
			t.Fatalf("replay = %s, %v", replayed, err)
		}

		canceled, err := e.CancelSubscription(ctx, sub.ID)
		if err != nil {
			t.Fatal(err)
		}
		if !canceled.Status.IsTerminal() {
			t.Fatalf("status = %s, want terminal", canceled.Status)
		}

		if _, err := e.CreateSubscription(ctx, "tenant_123", "basic", ""); err != nil {
			t.Fatalf("resubscribe after cancel: %v", err)
		}
	})

	t.Run("MoneyExamples", func(t *testing.T) {
		m := types.USD(2900)
		if got := m.String(); got != "$29.00" {
			t.Errorf("String = %q", got)
		}
		if got := m.FormatMajor(); got != "29.00" {
			t.Errorf("FormatMajor = %q", got)
		}
		if got := types.USD(5).Scale(1, 2); got.Amount != 3 {
			t.Errorf("Scale rounds half away from zero: got %d", got.Amount)
		}
		if got := types.USD(-5).Scale(1, 2); got.Amount != -3 {
			t.Errorf("Scale is symmetric: got %d", got.Amount)
		}
	})
}
