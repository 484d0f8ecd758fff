// Package resilient wraps a store.Store in a circuit breaker so that a
// failing backend is shed quickly instead of tying up every request for
// the full persistence timeout.
package resilient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/xraph/recur"
	"github.com/xraph/recur/id"
	"github.com/xraph/recur/invoice"
	"github.com/xraph/recur/store"
	"github.com/xraph/recur/subscription"
	"github.com/xraph/recur/webhook"
)

// compile-time interface check
var _ store.Store = (*Store)(nil)

// Config tunes the breaker.
type Config struct {
	// FailureThreshold is how many consecutive backend failures open the
	// breaker.
	FailureThreshold uint32 `json:"failure_threshold" mapstructure:"failure_threshold" yaml:"failure_threshold"`

	// OpenTimeout is how long the breaker stays open before letting
	// probe requests through.
	OpenTimeout time.Duration `json:"open_timeout" mapstructure:"open_timeout" yaml:"open_timeout"`

	// HalfOpenRequests is how many probes run while half-open.
	HalfOpenRequests uint32 `json:"half_open_requests" mapstructure:"half_open_requests" yaml:"half_open_requests"`

	// Interval clears the failure counts while closed. Zero never clears.
	Interval time.Duration `json:"interval" mapstructure:"interval" yaml:"interval"`
}

// DefaultConfig returns a breaker that opens after 5 consecutive
// failures and probes again after 10s.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		OpenTimeout:      10 * time.Second,
		HalfOpenRequests: 1,
	}
}

// Store guards every call to the wrapped store with a circuit breaker.
type Store struct {
	next store.Store
	cb   *gobreaker.CircuitBreaker[any]
}

// New wraps next. Zero fields in cfg take their defaults.
func New(next store.Store, cfg Config, logger *slog.Logger) *Store {
	d := DefaultConfig()
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = d.FailureThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = d.OpenTimeout
	}
	if cfg.HalfOpenRequests == 0 {
		cfg.HalfOpenRequests = d.HalfOpenRequests
	}
	if logger == nil {
		logger = slog.Default()
	}

	settings := gobreaker.Settings{
		Name:        "recur-store",
		MaxRequests: cfg.HalfOpenRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("store circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: healthy,
	}

	return &Store{
		next: next,
		cb:   gobreaker.NewCircuitBreaker[any](settings),
	}
}

// State reports the breaker state.
func (s *Store) State() gobreaker.State { return s.cb.State() }

// healthy reports whether err says nothing about backend health. Domain
// answers such as "not found" or a lost race come from a working store.
func healthy(err error) bool {
	return err == nil ||
		recur.IsNotFound(err) ||
		recur.IsConflict(err) ||
		recur.IsInvalidTransition(err) ||
		errors.Is(err, recur.ErrVersionConflict) ||
		errors.Is(err, recur.ErrInvalidInput) ||
		errors.Is(err, context.Canceled)
}

func run[T any](s *Store, fn func() (T, error)) (T, error) {
	res, err := s.cb.Execute(func() (any, error) {
		return fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		var zero T
		return zero, fmt.Errorf("%w: %w", recur.ErrUnavailable, err)
	}
	v, _ := res.(T) //nolint:errcheck // res is always a T or nil
	return v, err
}

func exec(s *Store, fn func() error) error {
	_, err := run(s, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// ==================== Subscription Store ====================

func (s *Store) CreateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	return exec(s, func() error { return s.next.CreateSubscription(ctx, sub) })
}

func (s *Store) GetSubscription(ctx context.Context, subID id.SubscriptionID) (*subscription.Subscription, error) {
	return run(s, func() (*subscription.Subscription, error) { return s.next.GetSubscription(ctx, subID) })
}

func (s *Store) GetSubscriptionByExternalRef(ctx context.Context, ref string) (*subscription.Subscription, error) {
	return run(s, func() (*subscription.Subscription, error) { return s.next.GetSubscriptionByExternalRef(ctx, ref) })
}

func (s *Store) ListSubscriptions(ctx context.Context, tenantID string) ([]*subscription.Subscription, error) {
	return run(s, func() ([]*subscription.Subscription, error) { return s.next.ListSubscriptions(ctx, tenantID) })
}

func (s *Store) CompareAndSwap(ctx context.Context, subID id.SubscriptionID, expected int64, fn subscription.Mutation) (*subscription.Subscription, error) {
	return run(s, func() (*subscription.Subscription, error) { return s.next.CompareAndSwap(ctx, subID, expected, fn) })
}

func (s *Store) ListDueForExpiry(ctx context.Context, before time.Time, limit int) ([]*subscription.Subscription, error) {
	return run(s, func() ([]*subscription.Subscription, error) { return s.next.ListDueForExpiry(ctx, before, limit) })
}

// ==================== Invoice Store ====================

func (s *Store) AppendInvoice(ctx context.Context, inv *invoice.Invoice) (*invoice.Invoice, error) {
	return run(s, func() (*invoice.Invoice, error) { return s.next.AppendInvoice(ctx, inv) })
}

func (s *Store) GetInvoice(ctx context.Context, invID id.InvoiceID) (*invoice.Invoice, error) {
	return run(s, func() (*invoice.Invoice, error) { return s.next.GetInvoice(ctx, invID) })
}

func (s *Store) MarkInvoicePaid(ctx context.Context, invID id.InvoiceID) (*invoice.Invoice, error) {
	return run(s, func() (*invoice.Invoice, error) { return s.next.MarkInvoicePaid(ctx, invID) })
}

func (s *Store) MarkInvoiceFailed(ctx context.Context, invID id.InvoiceID) (*invoice.Invoice, error) {
	return run(s, func() (*invoice.Invoice, error) { return s.next.MarkInvoiceFailed(ctx, invID) })
}

func (s *Store) ListInvoices(ctx context.Context, subID id.SubscriptionID) ([]*invoice.Invoice, error) {
	return run(s, func() ([]*invoice.Invoice, error) { return s.next.ListInvoices(ctx, subID) })
}

func (s *Store) ListTenantInvoices(ctx context.Context, tenantID string) ([]*invoice.Invoice, error) {
	return run(s, func() ([]*invoice.Invoice, error) { return s.next.ListTenantInvoices(ctx, tenantID) })
}

// ==================== Processed Event Store ====================

func (s *Store) GetProcessedEvent(ctx context.Context, externalEventID string) (*webhook.ProcessedEvent, error) {
	return run(s, func() (*webhook.ProcessedEvent, error) { return s.next.GetProcessedEvent(ctx, externalEventID) })
}

func (s *Store) RecordProcessedEvent(ctx context.Context, e *webhook.ProcessedEvent) (*webhook.ProcessedEvent, error) {
	return run(s, func() (*webhook.ProcessedEvent, error) { return s.next.RecordProcessedEvent(ctx, e) })
}

// ==================== Core ====================

// Migrate bypasses the breaker so startup always reaches the backend.
func (s *Store) Migrate(ctx context.Context) error { return s.next.Migrate(ctx) }

func (s *Store) Ping(ctx context.Context) error {
	return exec(s, func() error { return s.next.Ping(ctx) })
}

func (s *Store) Close() error { return s.next.Close() }
