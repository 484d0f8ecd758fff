// Package webhook models payment-processor notifications and the
// processed-event log used to deduplicate them.
package webhook

import (
	"context"
	"time"

	"github.com/xraph/recur/types"
)

// EventType is the processor-agnostic kind of a notification.
type EventType string

const (
	PaymentSucceeded     EventType = "payment_succeeded"
	PaymentFailed        EventType = "payment_failed"
	SubscriptionCanceled EventType = "subscription_canceled"
	SubscriptionExpired  EventType = "subscription_expired"
	SubscriptionUpdated  EventType = "subscription_updated"
)

var aliases = map[string]EventType{
	"invoice.paid":                  PaymentSucceeded,
	"invoice.payment_succeeded":     PaymentSucceeded,
	"invoice.payment_failed":        PaymentFailed,
	"customer.subscription.deleted": SubscriptionCanceled,
	"customer.subscription.updated": SubscriptionUpdated,
	"customer.subscription.created": SubscriptionUpdated,
}

// Normalize maps a raw processor event type onto an EventType. Unknown
// types are returned unchanged and fail Known.
func Normalize(raw string) EventType {
	if t, ok := aliases[raw]; ok {
		return t
	}
	return EventType(raw)
}

// Known reports whether t drives a state change.
func (t EventType) Known() bool {
	switch t {
	case PaymentSucceeded, PaymentFailed, SubscriptionCanceled, SubscriptionExpired, SubscriptionUpdated:
		return true
	default:
		return false
	}
}

// Event is a decoded processor notification.
type Event struct {
	// ID is the processor's event id and the deduplication key.
	ID   string    `json:"id" validate:"required"`
	Type EventType `json:"type" validate:"required"`

	// SubscriptionRef is the processor's id for the subscription.
	SubscriptionRef string `json:"subscription_ref,omitempty"`

	// SubscriptionID is our subscription id when the processor echoes
	// it back in metadata. It binds SubscriptionRef on first sight.
	SubscriptionID string `json:"subscription_id,omitempty"`

	// InvoiceRef is the processor invoice id carried by payment events.
	InvoiceRef string `json:"invoice_ref,omitempty"`

	// Amount, when set, is what the processor charged.
	Amount *types.Money `json:"amount,omitempty"`

	// Status is the processor-side subscription status carried by
	// subscription_updated events.
	Status string `json:"status,omitempty"`

	OccurredAt time.Time `json:"occurred_at,omitzero"`
}

// Outcome is what the reconciler did with an event.
type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	OutcomeNoOp    Outcome = "no_op"
	OutcomeIgnored Outcome = "ignored"
)

// ProcessedEvent is one row of the processed-event log.
type ProcessedEvent struct {
	ExternalEventID string    `json:"external_event_id"`
	EventType       EventType `json:"event_type"`
	SubscriptionID  string    `json:"subscription_id,omitempty"`
	Outcome         Outcome   `json:"outcome"`
	ReceivedAt      time.Time `json:"received_at"`
}

// Store persists the processed-event log.
type Store interface {
	GetProcessedEvent(ctx context.Context, externalEventID string) (*ProcessedEvent, error)

	// RecordProcessedEvent inserts e unless its id is already logged, and
	// returns whichever entry is stored after the call.
	RecordProcessedEvent(ctx context.Context, e *ProcessedEvent) (*ProcessedEvent, error)
}
