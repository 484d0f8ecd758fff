package recur

import (
	"context"
	"time"

	"github.com/xraph/recur/id"
	"github.com/xraph/recur/invoice"
	"github.com/xraph/recur/store"
	"github.com/xraph/recur/subscription"
	"github.com/xraph/recur/webhook"
)

// boundedStore applies the persistence timeout to every call and maps
// backend failures onto ErrUnavailable.
type boundedStore struct {
	store.Store
	timeout time.Duration
}

func (b *boundedStore) ctx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, b.timeout)
}

func (b *boundedStore) CreateSubscription(ctx context.Context, s *subscription.Subscription) error {
	ctx, cancel := b.ctx(ctx)
	defer cancel()
	return classify("create subscription", b.Store.CreateSubscription(ctx, s))
}

func (b *boundedStore) GetSubscription(ctx context.Context, subID id.SubscriptionID) (*subscription.Subscription, error) {
	ctx, cancel := b.ctx(ctx)
	defer cancel()
	s, err := b.Store.GetSubscription(ctx, subID)
	return s, classify("get subscription", err)
}

func (b *boundedStore) GetSubscriptionByExternalRef(ctx context.Context, ref string) (*subscription.Subscription, error) {
	ctx, cancel := b.ctx(ctx)
	defer cancel()
	s, err := b.Store.GetSubscriptionByExternalRef(ctx, ref)
	return s, classify("get subscription by ref", err)
}

func (b *boundedStore) ListSubscriptions(ctx context.Context, tenantID string) ([]*subscription.Subscription, error) {
	ctx, cancel := b.ctx(ctx)
	defer cancel()
	subs, err := b.Store.ListSubscriptions(ctx, tenantID)
	return subs, classify("list subscriptions", err)
}

func (b *boundedStore) CompareAndSwap(ctx context.Context, subID id.SubscriptionID, expected int64, fn subscription.Mutation) (*subscription.Subscription, error) {
	ctx, cancel := b.ctx(ctx)
	defer cancel()
	s, err := b.Store.CompareAndSwap(ctx, subID, expected, fn)
	return s, classify("compare and swap", err)
}

func (b *boundedStore) ListDueForExpiry(ctx context.Context, before time.Time, limit int) ([]*subscription.Subscription, error) {
	ctx, cancel := b.ctx(ctx)
	defer cancel()
	subs, err := b.Store.ListDueForExpiry(ctx, before, limit)
	return subs, classify("list due for expiry", err)
}

func (b *boundedStore) AppendInvoice(ctx context.Context, inv *invoice.Invoice) (*invoice.Invoice, error) {
	ctx, cancel := b.ctx(ctx)
	defer cancel()
	out, err := b.Store.AppendInvoice(ctx, inv)
	return out, classify("append invoice", err)
}

func (b *boundedStore) GetInvoice(ctx context.Context, invID id.InvoiceID) (*invoice.Invoice, error) {
	ctx, cancel := b.ctx(ctx)
	defer cancel()
	out, err := b.Store.GetInvoice(ctx, invID)
	return out, classify("get invoice", err)
}

func (b *boundedStore) MarkInvoicePaid(ctx context.Context, invID id.InvoiceID) (*invoice.Invoice, error) {
	ctx, cancel := b.ctx(ctx)
	defer cancel()
	out, err := b.Store.MarkInvoicePaid(ctx, invID)
	return out, classify("mark invoice paid", err)
}

func (b *boundedStore) MarkInvoiceFailed(ctx context.Context, invID id.InvoiceID) (*invoice.Invoice, error) {
	ctx, cancel := b.ctx(ctx)
	defer cancel()
	out, err := b.Store.MarkInvoiceFailed(ctx, invID)
	return out, classify("mark invoice failed", err)
}

func (b *boundedStore) ListInvoices(ctx context.Context, subID id.SubscriptionID) ([]*invoice.Invoice, error) {
	ctx, cancel := b.ctx(ctx)
	defer cancel()
	out, err := b.Store.ListInvoices(ctx, subID)
	return out, classify("list invoices", err)
}

func (b *boundedStore) ListTenantInvoices(ctx context.Context, tenantID string) ([]*invoice.Invoice, error) {
	ctx, cancel := b.ctx(ctx)
	defer cancel()
	out, err := b.Store.ListTenantInvoices(ctx, tenantID)
	return out, classify("list tenant invoices", err)
}

func (b *boundedStore) GetProcessedEvent(ctx context.Context, externalEventID string) (*webhook.ProcessedEvent, error) {
	ctx, cancel := b.ctx(ctx)
	defer cancel()
	out, err := b.Store.GetProcessedEvent(ctx, externalEventID)
	return out, classify("get processed event", err)
}

func (b *boundedStore) RecordProcessedEvent(ctx context.Context, e *webhook.ProcessedEvent) (*webhook.ProcessedEvent, error) {
	ctx, cancel := b.ctx(ctx)
	defer cancel()
	out, err := b.Store.RecordProcessedEvent(ctx, e)
	return out, classify("record processed event", err)
}

func (b *boundedStore) Ping(ctx context.Context) error {
	ctx, cancel := b.ctx(ctx)
	defer cancel()
	return classify("ping", b.Store.Ping(ctx))
}
