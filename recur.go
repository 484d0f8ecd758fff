package recur

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/xraph/recur/plan"
	"github.com/xraph/recur/plugin"
	"github.com/xraph/recur/store"
)

// Defaults applied by New.
const (
	DefaultPersistenceTimeout = 5 * time.Second
	DefaultReplayCacheSize    = 4096
	DefaultExpiryBatchSize    = 100
)

// Engine is the subscription service. It owns no subscription state of
// its own: every mutation goes through the store's CompareAndSwap, so any
// number of engines may share one store.
type Engine struct {
	store   store.Store
	catalog *plan.Catalog
	plugins *plugin.Registry
	logger  *slog.Logger

	retry              RetryPolicy
	persistenceTimeout time.Duration
	prorator           Prorator
	now                func() time.Time

	replayCacheSize int
	reconciler      *Reconciler

	expiry ExpiryConfig
	cron   *cron.Cron

	mu      sync.Mutex
	started bool
}

// ExpiryConfig controls the period-end sweeper.
type ExpiryConfig struct {
	// Schedule is a cron expression ("@every 5m", "0 * * * *"). Empty
	// disables the sweeper; ExpireDue can still be called directly.
	Schedule string

	// Grace is how long after CurrentPeriodEnd an unpaid active
	// subscription stays active.
	Grace time.Duration

	// BatchSize caps subscriptions expired per run.
	BatchSize int
}

// New creates an Engine over s selling from catalog.
func New(s store.Store, catalog *plan.Catalog, opts ...Option) *Engine {
	e := &Engine{
		catalog:            catalog,
		plugins:            plugin.NewRegistry(),
		logger:             slog.Default(),
		retry:              DefaultRetryPolicy(),
		persistenceTimeout: DefaultPersistenceTimeout,
		prorator:           LinearProrator{},
		now:                time.Now,
		replayCacheSize:    DefaultReplayCacheSize,
		expiry:             ExpiryConfig{BatchSize: DefaultExpiryBatchSize},
	}

	for _, opt := range opts {
		opt(e)
	}

	e.store = &boundedStore{Store: s, timeout: e.persistenceTimeout}
	e.reconciler = newReconciler(e)

	return e
}

// Option configures an Engine instance.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
		e.plugins.WithLogger(logger)
	}
}

// WithPlugin registers a plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Engine) {
		_ = e.plugins.Register(p) //nolint:errcheck // best-effort plugin registration during init
	}
}

// WithRetryPolicy sets the compare-and-swap retry budget.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(e *Engine) {
		e.retry = p.normalize()
	}
}

// WithPersistenceTimeout bounds every store call. Calls that exceed it
// fail with ErrUnavailable.
func WithPersistenceTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.persistenceTimeout = d
		}
	}
}

// WithProrator replaces the proration formula.
func WithProrator(p Prorator) Option {
	return func(e *Engine) {
		if p != nil {
			e.prorator = p
		}
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithReplayCacheSize sets how many webhook outcomes are kept in memory
// in front of the processed-event log.
func WithReplayCacheSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.replayCacheSize = n
		}
	}
}

// WithExpiry configures the period-end sweeper.
func WithExpiry(cfg ExpiryConfig) Option {
	return func(e *Engine) {
		if cfg.BatchSize <= 0 {
			cfg.BatchSize = DefaultExpiryBatchSize
		}
		e.expiry = cfg
	}
}

// Catalog returns the plan catalog.
func (e *Engine) Catalog() *plan.Catalog { return e.catalog }

// Reconciler returns the webhook reconciler bound to this engine.
func (e *Engine) Reconciler() *Reconciler { return e.reconciler }

// Plugins returns the plugin registry.
func (e *Engine) Plugins() *plugin.Registry { return e.plugins }

// Start migrates the store, initializes plugins and starts the expiry
// sweeper when one is scheduled.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return nil
	}

	if err := e.store.Migrate(ctx); err != nil {
		return err
	}

	e.plugins.EmitInit(ctx, e)

	if e.expiry.Schedule != "" {
		c := cron.New()
		if _, err := c.AddFunc(e.expiry.Schedule, e.runExpiry); err != nil {
			return fmt.Errorf("recur: expiry schedule %q: %w", e.expiry.Schedule, err)
		}
		c.Start()
		e.cron = c
	}

	e.started = true
	e.logger.Info("recur engine started",
		"plans", e.catalog.Len(),
		"retry_attempts", e.retry.MaxAttempts,
		"persistence_timeout", e.persistenceTimeout,
		"expiry_schedule", e.expiry.Schedule,
	)

	return nil
}

// Stop waits for a running sweep, notifies plugins and closes the store.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cron != nil {
		<-e.cron.Stop().Done()
		e.cron = nil
	}

	e.plugins.EmitShutdown(context.Background())
	e.started = false

	return e.store.Close()
}

// Ping checks store connectivity.
func (e *Engine) Ping(ctx context.Context) error {
	return e.store.Ping(ctx)
}

func (e *Engine) runExpiry() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*e.persistenceTimeout)
	defer cancel()

	n, err := e.ExpireDue(ctx)
	if err != nil {
		e.logger.Error("expiry sweep failed", "error", err, "expired", n)
		return
	}
	if n > 0 {
		e.logger.Info("expiry sweep finished", "expired", n)
	}
}
