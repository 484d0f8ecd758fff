package plugin_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/recur/plugin"
	"github.com/xraph/recur/subscription"
)

type countingPlugin struct {
	name    string
	created atomic.Int32
	changed atomic.Int32
	err     error
}

func (p *countingPlugin) Name() string { return p.name }

func (p *countingPlugin) OnSubscriptionCreated(context.Context, *subscription.Subscription) error {
	p.created.Add(1)
	return p.err
}

func (p *countingPlugin) OnSubscriptionStatusChanged(context.Context, *subscription.Subscription, subscription.Status) error {
	p.changed.Add(1)
	return nil
}

type slowPlugin struct{}

func (slowPlugin) Name() string { return "slow" }

func (slowPlugin) OnShutdown(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestRegisterDispatch(t *testing.T) {
	r := plugin.NewRegistry()
	p := &countingPlugin{name: "counter"}
	if err := r.Register(p); err != nil {
		t.Fatalf("Register: %v", err)
	}

	sub := &subscription.Subscription{TenantID: "t1"}
	r.EmitSubscriptionCreated(context.Background(), sub)
	r.EmitSubscriptionCreated(context.Background(), sub)
	r.EmitStatusChanged(context.Background(), sub, subscription.StatusPending)

	if got := p.created.Load(); got != 2 {
		t.Errorf("created: got %d, want 2", got)
	}
	if got := p.changed.Load(); got != 1 {
		t.Errorf("changed: got %d, want 1", got)
	}
	if r.Count() != 1 || r.Get("counter") != p {
		t.Error("registry lookup failed")
	}
}

func TestRegisterDuplicate(t *testing.T) {
	r := plugin.NewRegistry()
	if err := r.Register(&countingPlugin{name: "x"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(&countingPlugin{name: "x"}); err == nil {
		t.Error("expected duplicate registration error")
	}
}

func TestHookErrorIsSwallowed(t *testing.T) {
	r := plugin.NewRegistry()
	p := &countingPlugin{name: "failing", err: errors.New("boom")}
	_ = r.Register(p)

	r.EmitSubscriptionCreated(context.Background(), &subscription.Subscription{})
	if p.created.Load() != 1 {
		t.Error("hook not called")
	}
}

func TestHookTimeout(t *testing.T) {
	r := plugin.NewRegistry().WithTimeout(20 * time.Millisecond)
	_ = r.Register(slowPlugin{})

	start := time.Now()
	r.EmitShutdown(context.Background())
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("EmitShutdown blocked for %v", elapsed)
	}
}
