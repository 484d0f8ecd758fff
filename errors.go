package recur

import (
	"context"
	"errors"
	"fmt"

	"github.com/xraph/recur/plan"
	"github.com/xraph/recur/webhook"
)

// Sentinel errors returned by the engine and its stores.
var (
	// General errors
	ErrNotFound     = errors.New("recur: not found")
	ErrConflict     = errors.New("recur: conflict")
	ErrInvalidInput = errors.New("recur: invalid input")

	// ErrInvalidTransition is returned when the subscription or invoice
	// state machine forbids a change.
	ErrInvalidTransition = errors.New("recur: invalid state transition")

	// ErrVersionConflict means a CompareAndSwap lost a race. The engine
	// retries it and reports ErrConflict once the budget is spent.
	ErrVersionConflict = errors.New("recur: version conflict")

	// ErrUnavailable means persistence could not be reached in time.
	ErrUnavailable = errors.New("recur: persistence unavailable")

	// Plan errors
	ErrPlanNotFound = plan.ErrNotFound

	// Subscription errors
	ErrSubscriptionNotFound = errors.New("recur: subscription not found")
	ErrSubscriptionExists   = errors.New("recur: tenant already has a live subscription")

	// Invoice errors
	ErrInvoiceNotFound = errors.New("recur: invoice not found")

	// Webhook errors
	ErrEventNotFound = errors.New("recur: processed event not found")
	ErrSignature     = webhook.ErrSignature

	// Store errors
	ErrStoreClosed = errors.New("recur: store is closed")
)

// IsNotFound returns true if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrPlanNotFound) ||
		errors.Is(err, ErrSubscriptionNotFound) ||
		errors.Is(err, ErrInvoiceNotFound) ||
		errors.Is(err, ErrEventNotFound)
}

// IsConflict returns true if the error reports contention or a
// uniqueness violation the caller may resolve by re-reading.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrSubscriptionExists)
}

// IsInvalidTransition returns true if a state machine rejected the change.
func IsInvalidTransition(err error) bool {
	return errors.Is(err, ErrInvalidTransition)
}

// IsRetryable returns true if the error is temporary and the operation can be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable) ||
		errors.Is(err, ErrVersionConflict) ||
		errors.Is(err, ErrConflict)
}

// isDomain reports whether err belongs to the engine's own taxonomy.
func isDomain(err error) bool {
	return IsNotFound(err) ||
		IsConflict(err) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrVersionConflict) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrUnavailable)
}

// classify maps backend failures that are not part of the taxonomy onto
// ErrUnavailable.
func classify(op string, err error) error {
	if err == nil || isDomain(err) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}
