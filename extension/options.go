package extension

import (
	"time"

	"github.com/xraph/recur"
	"github.com/xraph/recur/plan"
	"github.com/xraph/recur/plugin"
	"github.com/xraph/recur/store"
)

// Option configures the Recur Forge extension.
type Option func(*Extension)

// WithStore sets the store for the engine. Use it to wire the postgres,
// sqlite, mongo or redis backends.
func WithStore(s store.Store) Option {
	return func(e *Extension) {
		e.store = s
	}
}

// WithCatalog sets the plan catalog, overriding CatalogFile.
func WithCatalog(c *plan.Catalog) Option {
	return func(e *Extension) {
		e.catalog = c
	}
}

// WithEngineOption passes a recur.Option through to the underlying engine.
func WithEngineOption(opt recur.Option) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, opt)
	}
}

// WithPlugin registers a recur plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, recur.WithPlugin(p))
	}
}

// WithConfig sets the Forge extension configuration.
func WithConfig(cfg Config) Option {
	return func(e *Extension) { e.config = cfg }
}

// WithDisableRoutes prevents the HTTP API from being built.
func WithDisableRoutes() Option {
	return func(e *Extension) { e.config.DisableRoutes = true }
}

// WithDisableMigrate prevents auto-migration on start.
func WithDisableMigrate() Option {
	return func(e *Extension) { e.config.DisableMigrate = true }
}

// WithBasePath sets the URL prefix for recur routes.
func WithBasePath(path string) Option {
	return func(e *Extension) { e.config.BasePath = path }
}

// WithRequireConfig requires config to be present in YAML files.
// If true and no config is found, Register returns an error.
func WithRequireConfig(require bool) Option {
	return func(e *Extension) { e.config.RequireConfig = require }
}

// WithExpirySchedule sets the cron expression of the expiry sweeper.
func WithExpirySchedule(schedule string) Option {
	return func(e *Extension) { e.config.ExpirySchedule = schedule }
}

// WithExpiryGrace sets the grace period past period end.
func WithExpiryGrace(d time.Duration) Option {
	return func(e *Extension) { e.config.ExpiryGrace = d }
}

// WithPersistenceTimeout bounds every store call.
func WithPersistenceTimeout(d time.Duration) Option {
	return func(e *Extension) { e.config.PersistenceTimeout = d }
}

// WithWebhookSecret enables Stripe signature verification.
func WithWebhookSecret(secret string) Option {
	return func(e *Extension) { e.config.WebhookSecret = secret }
}
