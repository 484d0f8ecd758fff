package invoice

import (
	"context"

	"github.com/xraph/recur/id"
)

// Store is the invoice ledger. Entries are never deleted or rewritten.
type Store interface {
	// AppendInvoice stores inv with status open. When inv.ExternalRef
	// is already recorded the existing invoice is returned instead.
	AppendInvoice(ctx context.Context, inv *Invoice) (*Invoice, error)

	GetInvoice(ctx context.Context, invID id.InvoiceID) (*Invoice, error)

	// MarkInvoicePaid and MarkInvoiceFailed only succeed on open invoices.
	MarkInvoicePaid(ctx context.Context, invID id.InvoiceID) (*Invoice, error)
	MarkInvoiceFailed(ctx context.Context, invID id.InvoiceID) (*Invoice, error)

	// ListInvoices returns a subscription's invoices ordered by IssuedAt.
	ListInvoices(ctx context.Context, subID id.SubscriptionID) ([]*Invoice, error)

	// ListTenantInvoices returns every invoice of a tenant ordered by IssuedAt.
	ListTenantInvoices(ctx context.Context, tenantID string) ([]*Invoice, error)
}
