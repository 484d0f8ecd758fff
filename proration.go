package recur

import (
	"time"

	"github.com/xraph/recur/subscription"
	"github.com/xraph/recur/types"
)

// Prorator prices a mid-period plan change. The result is the signed
// adjustment billed on top of the next charge.
type Prorator interface {
	Prorate(from, to types.Money, sub *subscription.Subscription, at time.Time) types.Money
}

// ProratorFunc adapts a function to Prorator.
type ProratorFunc func(from, to types.Money, sub *subscription.Subscription, at time.Time) types.Money

// Prorate calls f.
func (f ProratorFunc) Prorate(from, to types.Money, sub *subscription.Subscription, at time.Time) types.Money {
	return f(from, to, sub, at)
}

// LinearProrator charges (to - from) scaled by the unelapsed share of the
// current period. Rounding is half away from zero, so a change and its
// reversal at the same instant produce exact additive inverses.
type LinearProrator struct{}

// Prorate implements Prorator.
func (LinearProrator) Prorate(from, to types.Money, sub *subscription.Subscription, at time.Time) types.Money {
	num, den := sub.RemainingFraction(at)
	return to.Subtract(from).Scale(num, den)
}

// NoProration bills nothing for plan changes.
var NoProration = ProratorFunc(func(_, to types.Money, _ *subscription.Subscription, _ time.Time) types.Money {
	return types.Zero(to.Currency)
})
