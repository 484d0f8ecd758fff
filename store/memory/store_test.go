package memory_test

import (
	"context"
	"errors"
	"testing"

	"github.com/xraph/recur"
	"github.com/xraph/recur/store"
	"github.com/xraph/recur/store/memory"
	"github.com/xraph/recur/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(*testing.T) store.Store { return memory.New() })
}

func TestReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	sub := storetest.NewSubscription("t1", "pro")
	if err := s.CreateSubscription(ctx, sub); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}

	sub.PlanID = "mutated"
	got, _ := s.GetSubscription(ctx, sub.ID)
	got.Status = "canceled"

	again, _ := s.GetSubscription(ctx, sub.ID)
	if again.PlanID != "pro" || again.Status != "pending" {
		t.Errorf("store shares state with callers: %+v", again)
	}
}

func TestClosed(t *testing.T) {
	s := memory.New()
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Ping(context.Background()); !errors.Is(err, recur.ErrStoreClosed) {
		t.Errorf("Ping after Close: got %v", err)
	}
	if err := s.CreateSubscription(context.Background(), storetest.NewSubscription("t1", "pro")); !errors.Is(err, recur.ErrStoreClosed) {
		t.Errorf("Create after Close: got %v", err)
	}
}
