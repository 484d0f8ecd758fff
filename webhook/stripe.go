package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"

	"github.com/xraph/recur/types"
)

// ErrSignature is returned when a payload fails signature verification.
var ErrSignature = errors.New("recur: webhook signature verification failed")

// MetadataSubscriptionKey is the processor metadata key that carries our
// subscription id.
const MetadataSubscriptionKey = "subscription_id"

// stripeObject is the subset of Stripe invoice and subscription objects
// the reconciler needs.
type stripeObject struct {
	ID           string            `json:"id"`
	Object       string            `json:"object"`
	Subscription json.RawMessage   `json:"subscription"`
	Status       string            `json:"status"`
	AmountPaid   *int64            `json:"amount_paid"`
	AmountDue    *int64            `json:"amount_due"`
	Currency     string            `json:"currency"`
	Metadata     map[string]string `json:"metadata"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription json.RawMessage   `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

// VerifyStripe checks the Stripe-Signature header against secret and
// decodes the payload.
func VerifyStripe(payload []byte, header, secret string) (Event, error) {
	ev, err := stripewebhook.ConstructEventWithOptions(payload, header, secret,
		stripewebhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return Event{}, fmt.Errorf("%w: %w", ErrSignature, err)
	}
	return fromStripe(ev)
}

// ParseStripe decodes an unsigned Stripe-style envelope
// {"id","type","created","data":{"object":{...}}}.
func ParseStripe(payload []byte) (Event, error) {
	var ev stripe.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Event{}, fmt.Errorf("webhook: decode envelope: %w", err)
	}
	return fromStripe(ev)
}

func fromStripe(ev stripe.Event) (Event, error) {
	if ev.ID == "" || ev.Type == "" {
		return Event{}, errors.New("webhook: envelope missing id or type")
	}

	out := Event{
		ID:   ev.ID,
		Type: Normalize(string(ev.Type)),
	}
	if ev.Created > 0 {
		out.OccurredAt = time.Unix(ev.Created, 0).UTC()
	}
	if ev.Data == nil || len(ev.Data.Raw) == 0 {
		return out, nil
	}

	var obj stripeObject
	if err := json.Unmarshal(ev.Data.Raw, &obj); err != nil {
		return Event{}, fmt.Errorf("webhook: decode %s object: %w", ev.Type, err)
	}

	meta := obj.Metadata
	switch obj.Object {
	case "subscription":
		out.SubscriptionRef = obj.ID
		out.Status = obj.Status
	default:
		out.InvoiceRef = obj.ID
		out.SubscriptionRef = expandableID(obj.Subscription)
		if obj.Parent != nil && obj.Parent.SubscriptionDetails != nil {
			if out.SubscriptionRef == "" {
				out.SubscriptionRef = expandableID(obj.Parent.SubscriptionDetails.Subscription)
			}
			if len(meta) == 0 {
				meta = obj.Parent.SubscriptionDetails.Metadata
			}
		}
		amount := obj.AmountPaid
		if out.Type == PaymentFailed || amount == nil {
			amount = obj.AmountDue
		}
		if amount != nil {
			out.Amount = &types.Money{Amount: *amount, Currency: strings.ToLower(obj.Currency)}
		}
	}
	out.SubscriptionID = meta[MetadataSubscriptionKey]

	return out, nil
}

// expandableID reads a Stripe expandable field that is either an id
// string or an object with an id.
func expandableID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ID
	}
	return ""
}
