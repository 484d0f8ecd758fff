package publish_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/xraph/recur"
	"github.com/xraph/recur/plan"
	"github.com/xraph/recur/publish"
	"github.com/xraph/recur/store/memory"
	"github.com/xraph/recur/webhook"
)

type published struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakeChannel struct {
	mu   sync.Mutex
	sent []published
	err  error
}

func (c *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, published{exchange: exchange, key: key, msg: msg})
	return nil
}

func (c *fakeChannel) keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.sent))
	for i, p := range c.sent {
		out[i] = p.key
	}
	return out
}

func TestPublisherRoutesLifecycle(t *testing.T) {
	ch := &fakeChannel{}
	pub := publish.New(ch, publish.WithExchange("billing"))
	e := recur.New(memory.New(), plan.DefaultCatalog(), recur.WithPlugin(pub))
	ctx := context.Background()

	sub, err := e.CreateSubscription(ctx, "acme", "basic", "")
	if err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	if _, err := e.HandleWebhook(ctx, webhook.Event{
		ID: "evt_1", Type: webhook.PaymentSucceeded, SubscriptionID: sub.ID.String(),
	}); err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}
	if _, err := e.UpdateSubscription(ctx, sub.ID, "business"); err != nil {
		t.Fatalf("UpdateSubscription: %v", err)
	}

	want := []string{
		publish.KeySubscriptionCreated,
		"subscription.status.active",
		publish.KeyInvoiceAppended,
		"invoice.paid",
		publish.KeyInvoiceAppended,
		publish.KeyPlanChanged,
	}
	got := ch.keys()
	if len(got) != len(want) {
		t.Fatalf("keys = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("key[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	last := ch.sent[len(ch.sent)-1]
	if last.exchange != "billing" {
		t.Errorf("exchange = %s", last.exchange)
	}
	if last.msg.ContentType != "application/json" || last.msg.DeliveryMode != amqp.Persistent {
		t.Errorf("publishing headers = %+v", last.msg)
	}

	var msg struct {
		ID             string `json:"id"`
		Type           string `json:"type"`
		TenantID       string `json:"tenant_id"`
		SubscriptionID string `json:"subscription_id"`
		Data           struct {
			FromPlan string `json:"from_plan"`
			ToPlan   string `json:"to_plan"`
		} `json:"data"`
	}
	if err := json.Unmarshal(last.msg.Body, &msg); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if msg.ID != last.msg.MessageId || msg.TenantID != "acme" || msg.SubscriptionID != sub.ID.String() {
		t.Errorf("envelope = %+v", msg)
	}
	if msg.Data.FromPlan != "basic" || msg.Data.ToPlan != "business" {
		t.Errorf("plan change = %+v", msg.Data)
	}
}

func TestPublishFailureDoesNotFailEngine(t *testing.T) {
	ch := &fakeChannel{err: errors.New("channel closed")}
	e := recur.New(memory.New(), plan.DefaultCatalog(), recur.WithPlugin(publish.New(ch)))

	if _, err := e.CreateSubscription(context.Background(), "acme", "free", ""); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
}

func TestShutdownWithoutDial(t *testing.T) {
	pub := publish.New(&fakeChannel{})
	if err := pub.OnShutdown(context.Background()); err != nil {
		t.Errorf("OnShutdown: %v", err)
	}
}
