package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/recur"
	"github.com/xraph/recur/internal/config"
	"github.com/xraph/recur/plan"
	"github.com/xraph/recur/store/resilient"
)

func TestWritePlansYAMLReloads(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writePlans(&buf, plan.DefaultCatalog(), "yaml"))

	reloaded, err := plan.LoadCatalog(&buf)
	require.NoError(t, err)
	assert.Equal(t, plan.DefaultCatalog().Len(), reloaded.Len())

	pro, err := reloaded.Get("pro")
	require.NoError(t, err)
	assert.Equal(t, int64(2900), pro.Price.Amount)
}

func TestWritePlansJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writePlans(&buf, plan.DefaultCatalog(), "json"))

	var plans []map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &plans))
	assert.Len(t, plans, plan.DefaultCatalog().Len())
}

func TestWritePlansUnknownFormat(t *testing.T) {
	assert.Error(t, writePlans(&bytes.Buffer{}, plan.DefaultCatalog(), "toml"))
}

func TestOpenStoreRedisBehindBreaker(t *testing.T) {
	mr := miniredis.RunT(t)
	c := &config.Config{
		StoreDriver:             config.StoreRedis,
		RedisURL:                "redis://" + mr.Addr(),
		RedisPrefix:             "test:",
		BreakerEnabled:          true,
		BreakerFailureThreshold: 3,
		BreakerOpenTimeout:      time.Second,
	}

	s, err := openStore(c, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	assert.IsType(t, &resilient.Store{}, s)

	ctx := context.Background()
	require.NoError(t, s.Migrate(ctx))

	e := recur.New(s, plan.DefaultCatalog())
	sub, err := e.CreateSubscription(ctx, "acme", "free", "")
	require.NoError(t, err)

	got, err := e.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, sub.Version, got.Version)
}

func TestOpenStoreBadRedisURL(t *testing.T) {
	_, err := openStore(&config.Config{StoreDriver: config.StoreRedis, RedisURL: "://nope"}, testLogger())
	assert.Error(t, err)
}

func TestEngineOptionsApply(t *testing.T) {
	c := &config.Config{
		RetryMaxAttempts:   2,
		PersistenceTimeout: time.Second,
		ReplayCacheSize:    16,
		ExpiryGrace:        time.Hour,
	}
	s, err := openStore(&config.Config{StoreDriver: config.StoreMemory}, testLogger())
	require.NoError(t, err)

	e := recur.New(s, plan.DefaultCatalog(), engineOptions(c, testLogger())...)
	require.NoError(t, e.Start(context.Background()))
	assert.NoError(t, e.Stop())
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
