// Package publish is a plugin that publishes subscription lifecycle
// events as JSON to an AMQP topic exchange.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/xraph/recur/id"
	"github.com/xraph/recur/invoice"
	"github.com/xraph/recur/plan"
	"github.com/xraph/recur/plugin"
	"github.com/xraph/recur/subscription"
)

// DefaultExchange is the topic exchange lifecycle events go to.
const DefaultExchange = "recur.lifecycle"

// Routing keys.
const (
	KeySubscriptionCreated = "subscription.created"
	KeyStatusPrefix        = "subscription.status."
	KeyPlanChanged         = "subscription.plan_changed"
	KeyInvoiceAppended     = "invoice.appended"
	KeyInvoicePrefix       = "invoice."
)

// Compile-time interface checks.
var (
	_ plugin.Plugin                      = (*Publisher)(nil)
	_ plugin.OnSubscriptionCreated       = (*Publisher)(nil)
	_ plugin.OnSubscriptionStatusChanged = (*Publisher)(nil)
	_ plugin.OnPlanChanged               = (*Publisher)(nil)
	_ plugin.OnInvoiceAppended           = (*Publisher)(nil)
	_ plugin.OnInvoiceSettled            = (*Publisher)(nil)
	_ plugin.OnShutdown                  = (*Publisher)(nil)
)

// Channel is the part of *amqp.Channel the publisher uses.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Message is the JSON body of every published event.
type Message struct {
	ID             id.EventID `json:"id"`
	Type           string     `json:"type"`
	TenantID       string     `json:"tenant_id"`
	SubscriptionID string     `json:"subscription_id"`
	OccurredAt     time.Time  `json:"occurred_at"`
	Data           any        `json:"data"`
}

// PlanChange is the Data of a plan_changed message.
type PlanChange struct {
	Subscription *subscription.Subscription `json:"subscription"`
	FromPlan     string                     `json:"from_plan"`
	ToPlan       string                     `json:"to_plan"`
	Proration    *invoice.Invoice           `json:"proration,omitempty"`
}

// StatusChange is the Data of a subscription.status.* message.
type StatusChange struct {
	Subscription *subscription.Subscription `json:"subscription"`
	From         subscription.Status        `json:"from"`
}

// Publisher publishes lifecycle events. Register it as a Recur plugin.
type Publisher struct {
	channel  Channel
	exchange string
	logger   *slog.Logger
	now      func() time.Time
	closer   func() error

	mu sync.Mutex
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithExchange overrides DefaultExchange.
func WithExchange(name string) Option {
	return func(p *Publisher) { p.exchange = name }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) { p.logger = logger }
}

// WithClock sets the time source for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Publisher) { p.now = now }
}

// New creates a Publisher over an open channel. The caller owns the
// channel and its connection.
func New(ch Channel, opts ...Option) *Publisher {
	p := &Publisher{
		channel:  ch,
		exchange: DefaultExchange,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Dial connects to url, declares the topic exchange and returns a
// Publisher that closes the connection on engine shutdown.
func Dial(url string, opts ...Option) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("publish: connect: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close() // Best-effort cleanup
		return nil, fmt.Errorf("publish: open channel: %w", err)
	}

	p := New(ch, opts...)

	err = ch.ExchangeDeclare(
		p.exchange, // name
		"topic",    // type
		true,       // durable
		false,      // auto-deleted
		false,      // internal
		false,      // no-wait
		nil,        // arguments
	)
	if err != nil {
		_ = ch.Close()   // Best-effort cleanup
		_ = conn.Close() // Best-effort cleanup
		return nil, fmt.Errorf("publish: declare exchange: %w", err)
	}

	p.closer = func() error {
		if err := ch.Close(); err != nil {
			p.logger.Warn("error closing channel", "error", err)
		}
		return conn.Close()
	}

	p.logger.Info("lifecycle publisher connected", "exchange", p.exchange)
	return p, nil
}

// Name implements plugin.Plugin.
func (p *Publisher) Name() string { return "amqp-publisher" }

// OnSubscriptionCreated implements plugin.OnSubscriptionCreated.
func (p *Publisher) OnSubscriptionCreated(ctx context.Context, sub *subscription.Subscription) error {
	return p.publish(ctx, KeySubscriptionCreated, sub.TenantID, sub.ID.String(), sub)
}

// OnSubscriptionStatusChanged implements plugin.OnSubscriptionStatusChanged.
func (p *Publisher) OnSubscriptionStatusChanged(ctx context.Context, sub *subscription.Subscription, from subscription.Status) error {
	return p.publish(ctx, KeyStatusPrefix+string(sub.Status), sub.TenantID, sub.ID.String(),
		StatusChange{Subscription: sub, From: from})
}

// OnPlanChanged implements plugin.OnPlanChanged.
func (p *Publisher) OnPlanChanged(ctx context.Context, sub *subscription.Subscription, from, to plan.Plan, proration *invoice.Invoice) error {
	return p.publish(ctx, KeyPlanChanged, sub.TenantID, sub.ID.String(), PlanChange{
		Subscription: sub,
		FromPlan:     from.ID,
		ToPlan:       to.ID,
		Proration:    proration,
	})
}

// OnInvoiceAppended implements plugin.OnInvoiceAppended.
func (p *Publisher) OnInvoiceAppended(ctx context.Context, inv *invoice.Invoice) error {
	return p.publish(ctx, KeyInvoiceAppended, inv.TenantID, inv.SubscriptionID.String(), inv)
}

// OnInvoiceSettled implements plugin.OnInvoiceSettled.
func (p *Publisher) OnInvoiceSettled(ctx context.Context, inv *invoice.Invoice) error {
	return p.publish(ctx, KeyInvoicePrefix+string(inv.Status), inv.TenantID, inv.SubscriptionID.String(), inv)
}

// OnShutdown implements plugin.OnShutdown.
func (p *Publisher) OnShutdown(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closer == nil {
		return nil
	}
	err := p.closer()
	p.closer = nil
	return err
}

func (p *Publisher) publish(ctx context.Context, routingKey, tenantID, subID string, data any) error {
	now := p.now().UTC()
	msg := Message{
		ID:             id.NewEventID(),
		Type:           routingKey,
		TenantID:       tenantID,
		SubscriptionID: subID,
		OccurredAt:     now,
		Data:           data,
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("publish: encode %s: %w", routingKey, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.channel.PublishWithContext(ctx,
		p.exchange, // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    msg.ID.String(),
			Timestamp:    now,
			Type:         routingKey,
			Body:         body,
		},
	)
	if err != nil {
		p.logger.Error("failed to publish lifecycle event",
			"routing_key", routingKey,
			"subscription_id", subID,
			"error", err,
		)
		return fmt.Errorf("publish: %s: %w", routingKey, err)
	}

	p.logger.Debug("lifecycle event published",
		"routing_key", routingKey,
		"size", len(body),
	)
	return nil
}
