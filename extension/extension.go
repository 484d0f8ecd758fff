// Package extension provides the Forge extension adapter for Recur.
//
// It implements the forge.Extension interface to integrate Recur
// into a Forge application with automatic dependency discovery,
// DI registration, and lifecycle management.
//
// Configuration can be provided programmatically via Option functions
// or via YAML configuration files under "extensions.recur" or "recur" keys.
package extension

import (
	"context"
	"errors"
	"fmt"

	"github.com/xraph/forge"
	"github.com/xraph/vessel"

	"github.com/xraph/recur"
	"github.com/xraph/recur/api"
	"github.com/xraph/recur/plan"
	"github.com/xraph/recur/store"
	"github.com/xraph/recur/store/memory"
)

// ExtensionName is the name registered with Forge.
const ExtensionName = "recur"

// ExtensionDescription is the human-readable description.
const ExtensionDescription = "Subscription lifecycle and payment reconciliation engine"

// ExtensionVersion is the semantic version.
const ExtensionVersion = "0.1.0"

// Ensure Extension implements forge.Extension at compile time.
var _ forge.Extension = (*Extension)(nil)

// Extension adapts Recur as a Forge extension.
type Extension struct {
	*forge.BaseExtension

	config     Config
	engine     *recur.Engine
	server     *api.Server
	store      store.Store
	catalog    *plan.Catalog
	engineOpts []recur.Option
}

// New creates a new Recur Forge extension with the given options.
func New(opts ...Option) *Extension {
	e := &Extension{
		BaseExtension: forge.NewBaseExtension(ExtensionName, ExtensionVersion, ExtensionDescription),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Engine returns the underlying Recur engine.
// This is nil until Register is called.
func (e *Extension) Engine() *recur.Engine { return e.engine }

// Handler returns the HTTP API, or nil when routes are disabled.
func (e *Extension) Handler() *api.Server { return e.server }

// Register implements [forge.Extension]. It loads configuration,
// initializes the engine, and registers it in the DI container.
func (e *Extension) Register(fapp forge.App) error {
	if err := e.BaseExtension.Register(fapp); err != nil {
		return err
	}

	if err := e.loadConfiguration(); err != nil {
		return err
	}

	if err := e.build(); err != nil {
		return err
	}

	if err := vessel.Provide(fapp.Container(), func() (*recur.Engine, error) {
		return e.engine, nil
	}); err != nil {
		return err
	}

	if e.server == nil {
		return nil
	}
	return vessel.Provide(fapp.Container(), func() (*api.Server, error) {
		return e.server, nil
	})
}

// build constructs the engine and, unless disabled, its HTTP API from
// the resolved config.
func (e *Extension) build() error {
	// Use memory store if no store was provided programmatically.
	if e.store == nil {
		e.store = memory.New()
	}

	if e.catalog == nil {
		e.catalog = plan.DefaultCatalog()
		if e.config.CatalogFile != "" {
			c, err := plan.LoadCatalogFile(e.config.CatalogFile)
			if err != nil {
				return fmt.Errorf("recur: load catalog: %w", err)
			}
			e.catalog = c
		}
	}

	e.engine = recur.New(e.store, e.catalog, e.buildEngineOpts()...)

	if !e.config.DisableRoutes {
		opts := []api.Option{api.WithBasePath(e.config.BasePath)}
		if e.config.WebhookSecret != "" {
			opts = append(opts, api.WithWebhookSecret(e.config.WebhookSecret))
		}
		e.server = api.NewServer(e.engine, opts...)
	}
	return nil
}

// Start implements [forge.Extension].
func (e *Extension) Start(ctx context.Context) error {
	if e.engine == nil {
		return errors.New("recur: extension not initialized")
	}

	if !e.config.DisableMigrate {
		if err := e.engine.Start(ctx); err != nil {
			return err
		}
	}

	e.MarkStarted()
	return nil
}

// Stop implements [forge.Extension].
func (e *Extension) Stop(_ context.Context) error {
	if e.engine != nil {
		if err := e.engine.Stop(); err != nil {
			e.MarkStopped()
			return err
		}
	}
	e.MarkStopped()
	return nil
}

// Health implements [forge.Extension].
func (e *Extension) Health(ctx context.Context) error {
	if e.engine == nil {
		return errors.New("recur: engine not initialized")
	}
	return e.engine.Ping(ctx)
}

// buildEngineOpts constructs recur.Option values from the resolved config.
func (e *Extension) buildEngineOpts() []recur.Option {
	opts := make([]recur.Option, 0, len(e.engineOpts)+4)

	opts = append(opts,
		recur.WithRetryPolicy(e.config.Retry),
		recur.WithPersistenceTimeout(e.config.PersistenceTimeout),
		recur.WithReplayCacheSize(e.config.ReplayCacheSize),
	)

	if !e.config.DisableExpiry {
		opts = append(opts, recur.WithExpiry(recur.ExpiryConfig{
			Schedule: e.config.ExpirySchedule,
			Grace:    e.config.ExpiryGrace,
		}))
	}

	// Append any pass-through engine options.
	opts = append(opts, e.engineOpts...)

	return opts
}

// --- Config Loading (mirrors grove/shield extension pattern) ---

// loadConfiguration loads config from YAML files or programmatic sources.
func (e *Extension) loadConfiguration() error {
	programmaticConfig := e.config

	// Try loading from config file.
	fileConfig, configLoaded := e.tryLoadFromConfigFile()

	if !configLoaded {
		if programmaticConfig.RequireConfig {
			return errors.New("recur: configuration is required but not found in config files; " +
				"ensure 'extensions.recur' or 'recur' key exists in your config")
		}

		// Use programmatic config merged with defaults.
		e.config = mergeWithDefaults(programmaticConfig)
	} else {
		// Config loaded from YAML -- merge with programmatic options.
		e.config = mergeConfigurations(fileConfig, programmaticConfig)
	}

	e.Logger().Debug("recur: configuration loaded",
		forge.F("disable_routes", e.config.DisableRoutes),
		forge.F("disable_migrate", e.config.DisableMigrate),
		forge.F("base_path", e.config.BasePath),
		forge.F("catalog_file", e.config.CatalogFile),
		forge.F("persistence_timeout", e.config.PersistenceTimeout),
		forge.F("expiry_schedule", e.config.ExpirySchedule),
	)

	return nil
}

// tryLoadFromConfigFile attempts to load config from YAML files.
func (e *Extension) tryLoadFromConfigFile() (Config, bool) {
	cm := e.App().Config()
	var cfg Config

	// Try "extensions.recur" first (namespaced pattern).
	if cm.IsSet("extensions.recur") {
		if err := cm.Bind("extensions.recur", &cfg); err == nil {
			e.Logger().Debug("recur: loaded config from file",
				forge.F("key", "extensions.recur"),
			)
			return cfg, true
		}
		e.Logger().Warn("recur: failed to bind extensions.recur config",
			forge.F("error", "bind failed"),
		)
	}

	// Try legacy "recur" key.
	if cm.IsSet("recur") {
		if err := cm.Bind("recur", &cfg); err == nil {
			e.Logger().Debug("recur: loaded config from file",
				forge.F("key", "recur"),
			)
			return cfg, true
		}
		e.Logger().Warn("recur: failed to bind recur config",
			forge.F("error", "bind failed"),
		)
	}

	return Config{}, false
}

// mergeWithDefaults fills zero-valued fields with defaults.
func mergeWithDefaults(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.BasePath == "" {
		cfg.BasePath = defaults.BasePath
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = defaults.Retry
	}
	if cfg.PersistenceTimeout == 0 {
		cfg.PersistenceTimeout = defaults.PersistenceTimeout
	}
	if cfg.ReplayCacheSize == 0 {
		cfg.ReplayCacheSize = defaults.ReplayCacheSize
	}
	if cfg.ExpirySchedule == "" {
		cfg.ExpirySchedule = defaults.ExpirySchedule
	}
	if cfg.ExpiryGrace == 0 {
		cfg.ExpiryGrace = defaults.ExpiryGrace
	}
	return cfg
}

// mergeConfigurations merges YAML config with programmatic options.
// YAML config takes precedence for most fields; programmatic values fill gaps.
func mergeConfigurations(yamlConfig, programmaticConfig Config) Config {
	// Programmatic bool flags override when true.
	if programmaticConfig.DisableRoutes {
		yamlConfig.DisableRoutes = true
	}
	if programmaticConfig.DisableMigrate {
		yamlConfig.DisableMigrate = true
	}
	if programmaticConfig.DisableExpiry {
		yamlConfig.DisableExpiry = true
	}

	// String fields: YAML takes precedence.
	if yamlConfig.BasePath == "" {
		yamlConfig.BasePath = programmaticConfig.BasePath
	}
	if yamlConfig.CatalogFile == "" {
		yamlConfig.CatalogFile = programmaticConfig.CatalogFile
	}
	if yamlConfig.ExpirySchedule == "" {
		yamlConfig.ExpirySchedule = programmaticConfig.ExpirySchedule
	}
	if yamlConfig.WebhookSecret == "" {
		yamlConfig.WebhookSecret = programmaticConfig.WebhookSecret
	}

	// Duration/int fields: YAML takes precedence, programmatic fills gaps.
	if yamlConfig.Retry.MaxAttempts == 0 {
		yamlConfig.Retry = programmaticConfig.Retry
	}
	if yamlConfig.PersistenceTimeout == 0 {
		yamlConfig.PersistenceTimeout = programmaticConfig.PersistenceTimeout
	}
	if yamlConfig.ReplayCacheSize == 0 {
		yamlConfig.ReplayCacheSize = programmaticConfig.ReplayCacheSize
	}
	if yamlConfig.ExpiryGrace == 0 {
		yamlConfig.ExpiryGrace = programmaticConfig.ExpiryGrace
	}

	// Fill remaining zeros with defaults.
	return mergeWithDefaults(yamlConfig)
}
