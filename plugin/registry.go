package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/recur/invoice"
	"github.com/xraph/recur/plan"
	"github.com/xraph/recur/subscription"
	"github.com/xraph/recur/webhook"
)

// DefaultHookTimeout bounds a single hook call.
const DefaultHookTimeout = 5 * time.Second

// Registry holds registered plugins and dispatches hooks to them.
// Interface discovery happens once in Register.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	logger  *slog.Logger
	timeout time.Duration

	onInit                []OnInit
	onShutdown            []OnShutdown
	onSubscriptionCreated []OnSubscriptionCreated
	onStatusChanged       []OnSubscriptionStatusChanged
	onPlanChanged         []OnPlanChanged
	onInvoiceAppended     []OnInvoiceAppended
	onInvoiceSettled      []OnInvoiceSettled
	onWebhookProcessed    []OnWebhookProcessed
	onVersionConflict     []OnVersionConflict
}

// NewRegistry creates a new plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		logger:  slog.Default(),
		timeout: DefaultHookTimeout,
	}
}

// WithLogger sets the logger for the registry.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// WithTimeout sets the per-hook timeout.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// Register adds a plugin to the registry and caches its interfaces.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.plugins {
		if existing.Name() == p.Name() {
			return fmt.Errorf("plugin: duplicate registration: %s", p.Name())
		}
	}

	r.plugins = append(r.plugins, p)

	var hooks []string
	if v, ok := p.(OnInit); ok {
		r.onInit = append(r.onInit, v)
		hooks = append(hooks, "OnInit")
	}
	if v, ok := p.(OnShutdown); ok {
		r.onShutdown = append(r.onShutdown, v)
		hooks = append(hooks, "OnShutdown")
	}
	if v, ok := p.(OnSubscriptionCreated); ok {
		r.onSubscriptionCreated = append(r.onSubscriptionCreated, v)
		hooks = append(hooks, "OnSubscriptionCreated")
	}
	if v, ok := p.(OnSubscriptionStatusChanged); ok {
		r.onStatusChanged = append(r.onStatusChanged, v)
		hooks = append(hooks, "OnSubscriptionStatusChanged")
	}
	if v, ok := p.(OnPlanChanged); ok {
		r.onPlanChanged = append(r.onPlanChanged, v)
		hooks = append(hooks, "OnPlanChanged")
	}
	if v, ok := p.(OnInvoiceAppended); ok {
		r.onInvoiceAppended = append(r.onInvoiceAppended, v)
		hooks = append(hooks, "OnInvoiceAppended")
	}
	if v, ok := p.(OnInvoiceSettled); ok {
		r.onInvoiceSettled = append(r.onInvoiceSettled, v)
		hooks = append(hooks, "OnInvoiceSettled")
	}
	if v, ok := p.(OnWebhookProcessed); ok {
		r.onWebhookProcessed = append(r.onWebhookProcessed, v)
		hooks = append(hooks, "OnWebhookProcessed")
	}
	if v, ok := p.(OnVersionConflict); ok {
		r.onVersionConflict = append(r.onVersionConflict, v)
		hooks = append(hooks, "OnVersionConflict")
	}

	r.logger.Info("plugin registered",
		"name", p.Name(),
		"hooks", hooks,
	)

	return nil
}

// Get returns a plugin by name.
func (r *Registry) Get(name string) Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.plugins {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// List returns all registered plugins.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Plugin, len(r.plugins))
	copy(result, r.plugins)
	return result
}

// Count returns the number of registered plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// ──────────────────────────────────────────────────
// Event emission methods
// ──────────────────────────────────────────────────

// EmitInit calls OnInit for all plugins that implement it.
func (r *Registry) EmitInit(ctx context.Context, engine any) {
	r.mu.RLock()
	plugins := r.onInit
	r.mu.RUnlock()

	for _, p := range plugins {
		r.call(ctx, p.Name(), "OnInit", func(ctx context.Context) error {
			return p.OnInit(ctx, engine)
		})
	}
}

// EmitShutdown calls OnShutdown for all plugins that implement it.
func (r *Registry) EmitShutdown(ctx context.Context) {
	r.mu.RLock()
	plugins := r.onShutdown
	r.mu.RUnlock()

	for _, p := range plugins {
		r.call(ctx, p.Name(), "OnShutdown", p.OnShutdown)
	}
}

// EmitSubscriptionCreated calls OnSubscriptionCreated for all plugins that implement it.
func (r *Registry) EmitSubscriptionCreated(ctx context.Context, sub *subscription.Subscription) {
	r.mu.RLock()
	plugins := r.onSubscriptionCreated
	r.mu.RUnlock()

	for _, p := range plugins {
		r.call(ctx, p.Name(), "OnSubscriptionCreated", func(ctx context.Context) error {
			return p.OnSubscriptionCreated(ctx, sub)
		})
	}
}

// EmitStatusChanged calls OnSubscriptionStatusChanged for all plugins that implement it.
func (r *Registry) EmitStatusChanged(ctx context.Context, sub *subscription.Subscription, from subscription.Status) {
	r.mu.RLock()
	plugins := r.onStatusChanged
	r.mu.RUnlock()

	for _, p := range plugins {
		r.call(ctx, p.Name(), "OnSubscriptionStatusChanged", func(ctx context.Context) error {
			return p.OnSubscriptionStatusChanged(ctx, sub, from)
		})
	}
}

// EmitPlanChanged calls OnPlanChanged for all plugins that implement it.
func (r *Registry) EmitPlanChanged(ctx context.Context, sub *subscription.Subscription, from, to plan.Plan, proration *invoice.Invoice) {
	r.mu.RLock()
	plugins := r.onPlanChanged
	r.mu.RUnlock()

	for _, p := range plugins {
		r.call(ctx, p.Name(), "OnPlanChanged", func(ctx context.Context) error {
			return p.OnPlanChanged(ctx, sub, from, to, proration)
		})
	}
}

// EmitInvoiceAppended calls OnInvoiceAppended for all plugins that implement it.
func (r *Registry) EmitInvoiceAppended(ctx context.Context, inv *invoice.Invoice) {
	r.mu.RLock()
	plugins := r.onInvoiceAppended
	r.mu.RUnlock()

	for _, p := range plugins {
		r.call(ctx, p.Name(), "OnInvoiceAppended", func(ctx context.Context) error {
			return p.OnInvoiceAppended(ctx, inv)
		})
	}
}

// EmitInvoiceSettled calls OnInvoiceSettled for all plugins that implement it.
func (r *Registry) EmitInvoiceSettled(ctx context.Context, inv *invoice.Invoice) {
	r.mu.RLock()
	plugins := r.onInvoiceSettled
	r.mu.RUnlock()

	for _, p := range plugins {
		r.call(ctx, p.Name(), "OnInvoiceSettled", func(ctx context.Context) error {
			return p.OnInvoiceSettled(ctx, inv)
		})
	}
}

// EmitWebhookProcessed calls OnWebhookProcessed for all plugins that implement it.
func (r *Registry) EmitWebhookProcessed(ctx context.Context, ev webhook.Event, outcome webhook.Outcome, replay bool, elapsed time.Duration) {
	r.mu.RLock()
	plugins := r.onWebhookProcessed
	r.mu.RUnlock()

	for _, p := range plugins {
		r.call(ctx, p.Name(), "OnWebhookProcessed", func(ctx context.Context) error {
			return p.OnWebhookProcessed(ctx, ev, outcome, replay, elapsed)
		})
	}
}

// EmitVersionConflict calls OnVersionConflict for all plugins that implement it.
func (r *Registry) EmitVersionConflict(ctx context.Context, op string, attempt int) {
	r.mu.RLock()
	plugins := r.onVersionConflict
	r.mu.RUnlock()

	for _, p := range plugins {
		r.call(ctx, p.Name(), "OnVersionConflict", func(ctx context.Context) error {
			return p.OnVersionConflict(ctx, op, attempt)
		})
	}
}

// call runs one hook under the registry timeout and logs its failure.
// Hooks never fail the operation that fired them.
func (r *Registry) call(ctx context.Context, pluginName, hook string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(ctx)
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = fmt.Errorf("plugin timeout: %s", pluginName)
	}

	if err != nil {
		r.logger.Warn("plugin hook failed",
			"plugin", pluginName,
			"hook", hook,
			"error", err,
		)
	}
}
