package subscription

import (
	"context"
	"time"

	"github.com/xraph/recur/id"
)

// Mutation edits a private copy of a subscription inside
// Store.CompareAndSwap. Returning an error aborts the swap.
type Mutation func(s *Subscription) error

// Store persists subscriptions. CompareAndSwap is the only way to change
// a stored subscription.
type Store interface {
	// CreateSubscription inserts s. It fails with a conflict when the
	// tenant already holds a live subscription.
	CreateSubscription(ctx context.Context, s *Subscription) error

	GetSubscription(ctx context.Context, subID id.SubscriptionID) (*Subscription, error)
	GetSubscriptionByExternalRef(ctx context.Context, ref string) (*Subscription, error)

	// ListSubscriptions returns a tenant's subscriptions in insertion order.
	ListSubscriptions(ctx context.Context, tenantID string) ([]*Subscription, error)

	// CompareAndSwap applies fn to a copy of the subscription when its
	// stored version equals expected, then persists the copy with
	// version expected+1. A version mismatch yields a version conflict
	// and leaves the row untouched.
	CompareAndSwap(ctx context.Context, subID id.SubscriptionID, expected int64, fn Mutation) (*Subscription, error)

	// ListDueForExpiry returns up to limit active subscriptions whose
	// current period ended before the given instant.
	ListDueForExpiry(ctx context.Context, before time.Time, limit int) ([]*Subscription, error)
}
