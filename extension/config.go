package extension

import (
	"time"

	"github.com/xraph/recur"
)

// Config holds the Recur extension configuration.
// Fields can be set programmatically via Option functions or loaded from
// YAML configuration files (under "extensions.recur" or "recur" keys).
type Config struct {
	// DisableRoutes prevents the HTTP API from being built and provided.
	DisableRoutes bool `json:"disable_routes" mapstructure:"disable_routes" yaml:"disable_routes"`

	// DisableMigrate prevents auto-migration on start.
	DisableMigrate bool `json:"disable_migrate" mapstructure:"disable_migrate" yaml:"disable_migrate"`

	// BasePath is the URL prefix for recur routes (default: "/recur").
	BasePath string `json:"base_path" mapstructure:"base_path" yaml:"base_path"`

	// CatalogFile is a YAML or JSON plan catalog. Empty uses the
	// built-in catalog.
	CatalogFile string `json:"catalog_file" mapstructure:"catalog_file" yaml:"catalog_file"`

	// Retry bounds compare-and-swap retries.
	Retry recur.RetryPolicy `json:"retry" mapstructure:"retry" yaml:"retry"`

	// PersistenceTimeout bounds every store call (default: 5s).
	PersistenceTimeout time.Duration `json:"persistence_timeout" mapstructure:"persistence_timeout" yaml:"persistence_timeout"`

	// ReplayCacheSize is how many webhook outcomes are cached in memory
	// (default: 4096).
	ReplayCacheSize int `json:"replay_cache_size" mapstructure:"replay_cache_size" yaml:"replay_cache_size"`

	// DisableExpiry turns the period-end sweeper off.
	DisableExpiry bool `json:"disable_expiry" mapstructure:"disable_expiry" yaml:"disable_expiry"`

	// ExpirySchedule is the cron expression for the period-end sweeper
	// (default: "@every 5m").
	ExpirySchedule string `json:"expiry_schedule" mapstructure:"expiry_schedule" yaml:"expiry_schedule"`

	// ExpiryGrace is how long past period end an unpaid subscription
	// stays active (default: 72h).
	ExpiryGrace time.Duration `json:"expiry_grace" mapstructure:"expiry_grace" yaml:"expiry_grace"`

	// WebhookSecret enables Stripe signature verification on the webhook
	// route.
	WebhookSecret string `json:"webhook_secret" mapstructure:"webhook_secret" yaml:"webhook_secret"`

	// RequireConfig requires config to be present in YAML files.
	// If true and no config is found, Register returns an error.
	RequireConfig bool `json:"-" yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BasePath:           "/recur",
		Retry:              recur.DefaultRetryPolicy(),
		PersistenceTimeout: recur.DefaultPersistenceTimeout,
		ReplayCacheSize:    recur.DefaultReplayCacheSize,
		ExpirySchedule:     "@every 5m",
		ExpiryGrace:        72 * time.Hour,
	}
}
