package cli

import (
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/recur"
	"github.com/xraph/recur/internal/config"
	"github.com/xraph/recur/plan"
	"github.com/xraph/recur/store"
	"github.com/xraph/recur/store/memory"
	redisstore "github.com/xraph/recur/store/redis"
	"github.com/xraph/recur/store/resilient"
)

// openStore builds the configured backend, behind a circuit breaker
// when one is enabled.
func openStore(cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	var s store.Store
	switch cfg.StoreDriver {
	case config.StoreRedis:
		opts, err := goredis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		s = redisstore.New(goredis.NewClient(opts), redisstore.WithPrefix(cfg.RedisPrefix))
	default:
		s = memory.New()
	}

	if !cfg.BreakerEnabled {
		return s, nil
	}
	bc := resilient.DefaultConfig()
	if cfg.BreakerFailureThreshold > 0 {
		bc.FailureThreshold = uint32(cfg.BreakerFailureThreshold)
	}
	bc.OpenTimeout = cfg.BreakerOpenTimeout
	return resilient.New(s, bc, logger), nil
}

// loadCatalog returns the configured catalog or the built-in one.
func loadCatalog(cfg *config.Config) (*plan.Catalog, error) {
	if cfg.CatalogFile == "" {
		return plan.DefaultCatalog(), nil
	}
	c, err := plan.LoadCatalogFile(cfg.CatalogFile)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	return c, nil
}

// engineOptions maps daemon config onto engine options.
func engineOptions(cfg *config.Config, logger *slog.Logger) []recur.Option {
	retry := recur.DefaultRetryPolicy()
	retry.MaxAttempts = cfg.RetryMaxAttempts

	return []recur.Option{
		recur.WithLogger(logger),
		recur.WithRetryPolicy(retry),
		recur.WithPersistenceTimeout(cfg.PersistenceTimeout),
		recur.WithReplayCacheSize(cfg.ReplayCacheSize),
		recur.WithExpiry(recur.ExpiryConfig{
			Schedule: cfg.ExpirySchedule,
			Grace:    cfg.ExpiryGrace,
		}),
	}
}
