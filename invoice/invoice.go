// Package invoice defines the append-only invoice ledger entries.
package invoice

import (
	"time"

	"github.com/xraph/recur/id"
	"github.com/xraph/recur/types"
)

// Status is the payment state of an invoice.
type Status string

const (
	StatusOpen   Status = "open"
	StatusPaid   Status = "paid"
	StatusFailed Status = "failed"
)

// Kind distinguishes period charges from plan-change adjustments.
type Kind string

const (
	KindCharge    Kind = "charge"
	KindProration Kind = "proration"
)

// Invoice is a billing record. Everything except Status is fixed at
// append time, and Status only moves from open to paid or failed.
type Invoice struct {
	types.Entity
	ID             id.InvoiceID      `json:"id"`
	SubscriptionID id.SubscriptionID `json:"subscription_id"`
	TenantID       string            `json:"tenant_id"`
	Kind           Kind              `json:"kind"`
	Status         Status            `json:"status"`
	Amount         types.Money       `json:"amount"`
	Description    string            `json:"description,omitempty"`
	PeriodStart    time.Time         `json:"period_start"`
	PeriodEnd      time.Time         `json:"period_end"`
	IssuedAt       time.Time         `json:"issued_at"`

	// ExternalRef is the processor invoice id or event id that produced
	// the invoice. Appending a second invoice with the same non-empty
	// ExternalRef returns the first one.
	ExternalRef string `json:"external_ref,omitempty"`
}

// CanTransition reports whether an invoice may move from s to to.
func (s Status) CanTransition(to Status) bool {
	return s == StatusOpen && (to == StatusPaid || to == StatusFailed)
}
