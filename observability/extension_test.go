package observability_test

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/xraph/recur"
	"github.com/xraph/recur/observability"
	"github.com/xraph/recur/plan"
	"github.com/xraph/recur/store/memory"
	"github.com/xraph/recur/webhook"
)

func TestMetricsExtensionRecordsLifecycle(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetricsExtension(observability.NewPrometheusFactory(registry))

	e := recur.New(memory.New(), plan.DefaultCatalog(), recur.WithPlugin(metrics))
	ctx := context.Background()

	sub, err := e.CreateSubscription(ctx, "acme", "basic", "")
	if err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	paid := webhook.Event{ID: "evt_1", Type: webhook.PaymentSucceeded, SubscriptionID: sub.ID.String()}
	for range 2 {
		if _, err := e.HandleWebhook(ctx, paid); err != nil {
			t.Fatalf("HandleWebhook: %v", err)
		}
	}
	if _, err := e.UpdateSubscription(ctx, sub.ID, "pro"); err != nil {
		t.Fatalf("UpdateSubscription: %v", err)
	}
	if _, err := e.CancelSubscription(ctx, sub.ID); err != nil {
		t.Fatalf("CancelSubscription: %v", err)
	}

	tests := []struct {
		name string
		got  observability.Counter
		want float64
	}{
		{"created", metrics.SubscriptionCreated, 1},
		{"activated", metrics.SubscriptionActivated, 1},
		{"upgraded", metrics.SubscriptionUpgraded, 1},
		{"downgraded", metrics.SubscriptionDowngraded, 0},
		{"canceled", metrics.SubscriptionCanceled, 1},
		{"charged", metrics.InvoiceCharged, 1},
		{"proration", metrics.InvoiceProration, 1},
		{"paid", metrics.InvoicePaid, 1},
		{"webhook applied", metrics.WebhookApplied, 1},
		{"webhook replayed", metrics.WebhookReplayed, 1},
	}
	for _, tt := range tests {
		c, ok := tt.got.(prometheus.Counter)
		if !ok {
			t.Fatalf("%s: counter is %T, want prometheus.Counter", tt.name, tt.got)
		}
		if v := testutil.ToFloat64(c); v != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, v, tt.want)
		}
	}
}

func TestPrometheusFactoryNames(t *testing.T) {
	registry := prometheus.NewRegistry()
	factory := observability.NewPrometheusFactory(registry)

	factory.Counter("recur.subscription.created").Inc()
	factory.Histogram("recur.webhook.latency_ms").Observe(3)

	n, err := testutil.GatherAndCount(registry, "recur_subscription_created_total", "recur_webhook_latency_ms")
	if err != nil {
		t.Fatalf("GatherAndCount: %v", err)
	}
	if n != 2 {
		t.Errorf("series = %d, want 2", n)
	}
}

func TestPrometheusFactorySharesRegistry(t *testing.T) {
	registry := prometheus.NewRegistry()
	a := observability.NewPrometheusFactory(registry).Counter("recur.invoice.paid")
	b := observability.NewPrometheusFactory(registry).Counter("recur.invoice.paid")

	a.Inc()
	b.Inc()

	if v := testutil.ToFloat64(a.(prometheus.Counter)); v != 2 {
		t.Errorf("shared counter = %v, want 2", v)
	}
}
