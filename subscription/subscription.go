// Package subscription defines the subscription entity, its lifecycle
// state machine and the storage contract every backend satisfies.
package subscription

import (
	"maps"
	"time"

	"github.com/xraph/recur/id"
	"github.com/xraph/recur/plan"
	"github.com/xraph/recur/types"
)

// Status is the lifecycle state of a subscription.
type Status string

const (
	StatusPending  Status = "pending"
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
	StatusExpired  Status = "expired"
)

// IsTerminal reports whether no transition leaves s.
func (s Status) IsTerminal() bool {
	return s == StatusCanceled || s == StatusExpired
}

// IsLive reports whether a subscription in state s occupies its
// tenant's single subscription slot.
func (s Status) IsLive() bool {
	return s == StatusPending || s == StatusActive || s == StatusPastDue
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s.IsLive() || s.IsTerminal()
}

// LiveStatuses lists the statuses for which IsLive is true.
var LiveStatuses = []Status{StatusPending, StatusActive, StatusPastDue}

var transitions = map[Status][]Status{
	StatusPending: {StatusActive, StatusCanceled},
	StatusActive:  {StatusPastDue, StatusCanceled, StatusExpired},
	StatusPastDue: {StatusActive, StatusCanceled},
}

// CanTransition reports whether the state machine permits from -> to.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Subscription binds a tenant to a plan.
type Subscription struct {
	types.Entity
	ID                 id.SubscriptionID `json:"id"`
	TenantID           string            `json:"tenant_id"`
	PlanID             string            `json:"plan_id"`
	BillingCycle       plan.BillingCycle `json:"billing_cycle"`
	Status             Status            `json:"status"`
	Version            int64             `json:"version"`
	CurrentPeriodStart time.Time         `json:"current_period_start"`
	CurrentPeriodEnd   time.Time         `json:"current_period_end"`
	ExternalRef        string            `json:"external_ref,omitempty"`
	CanceledAt         *time.Time        `json:"canceled_at,omitempty"`
	EndedAt            *time.Time        `json:"ended_at,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy of s.
func (s *Subscription) Clone() *Subscription {
	c := *s
	if s.CanceledAt != nil {
		t := *s.CanceledAt
		c.CanceledAt = &t
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	if s.Metadata != nil {
		c.Metadata = maps.Clone(s.Metadata)
	}
	return &c
}

// RemainingFraction returns the unelapsed share of the current period
// at now as num/den in seconds, clamped to [0, 1].
func (s *Subscription) RemainingFraction(now time.Time) (num, den int64) {
	total := s.CurrentPeriodEnd.Sub(s.CurrentPeriodStart)
	if total <= 0 {
		return 0, 1
	}
	remaining := s.CurrentPeriodEnd.Sub(now)
	switch {
	case remaining <= 0:
		return 0, 1
	case remaining > total:
		remaining = total
	}
	return int64(remaining / time.Second), max(int64(total/time.Second), 1)
}
