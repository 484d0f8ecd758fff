package resilient_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/xraph/recur"
	"github.com/xraph/recur/id"
	"github.com/xraph/recur/store"
	"github.com/xraph/recur/store/memory"
	"github.com/xraph/recur/store/resilient"
	"github.com/xraph/recur/store/storetest"
	"github.com/xraph/recur/subscription"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(*testing.T) store.Store {
		return resilient.New(memory.New(), resilient.DefaultConfig(), nil)
	})
}

// flaky fails every read with a backend error while down is set.
type flaky struct {
	store.Store
	down bool
}

func (f *flaky) GetSubscription(ctx context.Context, subID id.SubscriptionID) (*subscription.Subscription, error) {
	if f.down {
		return nil, errors.New("dial tcp: connection refused")
	}
	return f.Store.GetSubscription(ctx, subID)
}

func TestBreakerOpensOnBackendFailures(t *testing.T) {
	ctx := context.Background()
	backend := &flaky{Store: memory.New(), down: true}
	s := resilient.New(backend, resilient.Config{
		FailureThreshold: 3,
		OpenTimeout:      50 * time.Millisecond,
	}, nil)

	for range 3 {
		if _, err := s.GetSubscription(ctx, id.NewSubscriptionID()); errors.Is(err, recur.ErrUnavailable) {
			t.Fatalf("breaker opened early: %v", err)
		}
	}
	if s.State() != gobreaker.StateOpen {
		t.Fatalf("State = %s, want open", s.State())
	}

	_, err := s.GetSubscription(ctx, id.NewSubscriptionID())
	if !errors.Is(err, recur.ErrUnavailable) || !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("open breaker err = %v, want ErrUnavailable wrapping ErrOpenState", err)
	}

	backend.down = false
	time.Sleep(60 * time.Millisecond)
	if _, err := s.GetSubscription(ctx, id.NewSubscriptionID()); !errors.Is(err, recur.ErrSubscriptionNotFound) {
		t.Errorf("probe err = %v, want ErrSubscriptionNotFound", err)
	}
	if s.State() != gobreaker.StateClosed {
		t.Errorf("State = %s, want closed after a healthy probe", s.State())
	}
}

func TestDomainErrorsDoNotTrip(t *testing.T) {
	ctx := context.Background()
	s := resilient.New(memory.New(), resilient.Config{FailureThreshold: 2}, nil)

	for range 10 {
		if _, err := s.GetSubscription(ctx, id.NewSubscriptionID()); !errors.Is(err, recur.ErrSubscriptionNotFound) {
			t.Fatalf("err = %v, want ErrSubscriptionNotFound", err)
		}
	}
	if s.State() != gobreaker.StateClosed {
		t.Errorf("State = %s, want closed", s.State())
	}
}
