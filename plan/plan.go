// Package plan defines the immutable plan catalog a deployment sells from.
package plan

import (
	"time"

	"github.com/xraph/recur/types"
)

// BillingCycle is the recurrence of a plan's charge.
type BillingCycle string

const (
	Monthly BillingCycle = "monthly"
	Yearly  BillingCycle = "yearly"
)

// Valid reports whether c is a known billing cycle.
func (c BillingCycle) Valid() bool {
	return c == Monthly || c == Yearly
}

// PeriodEnd returns the end of a billing period starting at start.
func (c BillingCycle) PeriodEnd(start time.Time) time.Time {
	if c == Yearly {
		return start.AddDate(1, 0, 0)
	}
	return start.AddDate(0, 1, 0)
}

// Plan is a purchasable offering. Plans never change after the catalog
// is built.
type Plan struct {
	ID           string       `json:"id" yaml:"id"`
	DisplayName  string       `json:"display_name" yaml:"display_name"`
	Description  string       `json:"description,omitempty" yaml:"description"`
	Price        types.Money  `json:"price" yaml:"price"`
	BillingCycle BillingCycle `json:"billing_cycle" yaml:"billing_cycle"`

	// CyclePrices offers the plan on additional cycles, e.g. a yearly
	// price next to a monthly default.
	CyclePrices map[BillingCycle]types.Money `json:"cycle_prices,omitempty" yaml:"cycle_prices"`

	// TrialDays is informational. It is forwarded to the processor, which
	// runs the trial; the engine does not read it.
	TrialDays int      `json:"trial_days,omitempty" yaml:"trial_days"`
	Features  []string `json:"features,omitempty" yaml:"features"`
}

// PriceFor returns the price charged per period on the given cycle.
func (p Plan) PriceFor(cycle BillingCycle) (types.Money, bool) {
	if cycle == "" || cycle == p.BillingCycle {
		return p.Price, true
	}
	m, ok := p.CyclePrices[cycle]
	return m, ok
}

// Supports reports whether the plan can be bought on cycle.
func (p Plan) Supports(cycle BillingCycle) bool {
	_, ok := p.PriceFor(cycle)
	return ok
}

// IsFree reports whether the plan costs nothing on cycle.
func (p Plan) IsFree(cycle BillingCycle) bool {
	m, ok := p.PriceFor(cycle)
	return ok && m.IsZero()
}
