package sqlite

import (
	"encoding/json"
	"time"

	"github.com/xraph/grove"

	"github.com/xraph/recur/id"
	"github.com/xraph/recur/invoice"
	"github.com/xraph/recur/plan"
	"github.com/xraph/recur/subscription"
	"github.com/xraph/recur/types"
	"github.com/xraph/recur/webhook"
)

// ==================== Subscription models ====================

type subscriptionModel struct {
	grove.BaseModel `grove:"table:recur_subscriptions"`

	ID                 string     `grove:"id,pk"`
	TenantID           string     `grove:"tenant_id"`
	PlanID             string     `grove:"plan_id"`
	BillingCycle       string     `grove:"billing_cycle"`
	Status             string     `grove:"status"`
	Version            int64      `grove:"version"`
	CurrentPeriodStart time.Time  `grove:"current_period_start"`
	CurrentPeriodEnd   time.Time  `grove:"current_period_end"`
	ExternalRef        string     `grove:"external_ref"`
	CanceledAt         *time.Time `grove:"canceled_at"`
	EndedAt            *time.Time `grove:"ended_at"`
	Metadata           string     `grove:"metadata"`
	CreatedAt          time.Time  `grove:"created_at"`
	UpdatedAt          time.Time  `grove:"updated_at"`
}

func toSubscriptionModel(sub *subscription.Subscription) *subscriptionModel {
	return &subscriptionModel{
		ID:                 sub.ID.String(),
		TenantID:           sub.TenantID,
		PlanID:             sub.PlanID,
		BillingCycle:       string(sub.BillingCycle),
		Status:             string(sub.Status),
		Version:            sub.Version,
		CurrentPeriodStart: sub.CurrentPeriodStart,
		CurrentPeriodEnd:   sub.CurrentPeriodEnd,
		ExternalRef:        sub.ExternalRef,
		CanceledAt:         sub.CanceledAt,
		EndedAt:            sub.EndedAt,
		Metadata:           metadataJSON(sub.Metadata),
		CreatedAt:          sub.CreatedAt,
		UpdatedAt:          sub.UpdatedAt,
	}
}

func fromSubscriptionModel(m *subscriptionModel) (*subscription.Subscription, error) {
	subID, err := id.ParseSubscriptionID(m.ID)
	if err != nil {
		return nil, err
	}

	var meta map[string]string
	if m.Metadata != "" {
		_ = json.Unmarshal([]byte(m.Metadata), &meta) //nolint:errcheck // best-effort
	}

	return &subscription.Subscription{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt.UTC(),
			UpdatedAt: m.UpdatedAt.UTC(),
		},
		ID:                 subID,
		TenantID:           m.TenantID,
		PlanID:             m.PlanID,
		BillingCycle:       plan.BillingCycle(m.BillingCycle),
		Status:             subscription.Status(m.Status),
		Version:            m.Version,
		CurrentPeriodStart: m.CurrentPeriodStart.UTC(),
		CurrentPeriodEnd:   m.CurrentPeriodEnd.UTC(),
		ExternalRef:        m.ExternalRef,
		CanceledAt:         utcPtr(m.CanceledAt),
		EndedAt:            utcPtr(m.EndedAt),
		Metadata:           meta,
	}, nil
}

// ==================== Invoice models ====================

type invoiceModel struct {
	grove.BaseModel `grove:"table:recur_invoices"`

	ID             string    `grove:"id,pk"`
	SubscriptionID string    `grove:"subscription_id"`
	TenantID       string    `grove:"tenant_id"`
	Kind           string    `grove:"kind"`
	Status         string    `grove:"status"`
	AmountCents    int64     `grove:"amount_cents"`
	Currency       string    `grove:"currency"`
	Description    string    `grove:"description"`
	PeriodStart    time.Time `grove:"period_start"`
	PeriodEnd      time.Time `grove:"period_end"`
	IssuedAt       time.Time `grove:"issued_at"`
	ExternalRef    string    `grove:"external_ref"`
	CreatedAt      time.Time `grove:"created_at"`
	UpdatedAt      time.Time `grove:"updated_at"`
}

func toInvoiceModel(inv *invoice.Invoice) *invoiceModel {
	return &invoiceModel{
		ID:             inv.ID.String(),
		SubscriptionID: inv.SubscriptionID.String(),
		TenantID:       inv.TenantID,
		Kind:           string(inv.Kind),
		Status:         string(inv.Status),
		AmountCents:    inv.Amount.Amount,
		Currency:       inv.Amount.Currency,
		Description:    inv.Description,
		PeriodStart:    inv.PeriodStart,
		PeriodEnd:      inv.PeriodEnd,
		IssuedAt:       inv.IssuedAt,
		ExternalRef:    inv.ExternalRef,
		CreatedAt:      inv.CreatedAt,
		UpdatedAt:      inv.UpdatedAt,
	}
}

func fromInvoiceModel(m *invoiceModel) (*invoice.Invoice, error) {
	invID, err := id.ParseInvoiceID(m.ID)
	if err != nil {
		return nil, err
	}
	subID, err := id.ParseSubscriptionID(m.SubscriptionID)
	if err != nil {
		return nil, err
	}

	return &invoice.Invoice{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt.UTC(),
			UpdatedAt: m.UpdatedAt.UTC(),
		},
		ID:             invID,
		SubscriptionID: subID,
		TenantID:       m.TenantID,
		Kind:           invoice.Kind(m.Kind),
		Status:         invoice.Status(m.Status),
		Amount:         types.Money{Amount: m.AmountCents, Currency: m.Currency},
		Description:    m.Description,
		PeriodStart:    m.PeriodStart.UTC(),
		PeriodEnd:      m.PeriodEnd.UTC(),
		IssuedAt:       m.IssuedAt.UTC(),
		ExternalRef:    m.ExternalRef,
	}, nil
}

// ==================== Processed event models ====================

type processedEventModel struct {
	grove.BaseModel `grove:"table:recur_processed_events"`

	ExternalEventID string    `grove:"external_event_id,pk"`
	EventType       string    `grove:"event_type"`
	SubscriptionID  string    `grove:"subscription_id"`
	Outcome         string    `grove:"outcome"`
	ReceivedAt      time.Time `grove:"received_at"`
}

func toProcessedEventModel(e *webhook.ProcessedEvent) *processedEventModel {
	return &processedEventModel{
		ExternalEventID: e.ExternalEventID,
		EventType:       string(e.EventType),
		SubscriptionID:  e.SubscriptionID,
		Outcome:         string(e.Outcome),
		ReceivedAt:      e.ReceivedAt,
	}
}

func fromProcessedEventModel(m *processedEventModel) *webhook.ProcessedEvent {
	return &webhook.ProcessedEvent{
		ExternalEventID: m.ExternalEventID,
		EventType:       webhook.EventType(m.EventType),
		SubscriptionID:  m.SubscriptionID,
		Outcome:         webhook.Outcome(m.Outcome),
		ReceivedAt:      m.ReceivedAt.UTC(),
	}
}

// ==================== Helpers ====================

func metadataJSON(meta map[string]string) string {
	if len(meta) == 0 {
		return "{}"
	}
	b, _ := json.Marshal(meta) //nolint:errcheck // map[string]string always marshals
	return string(b)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
