package redis_test

import (
	"context"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/recur/store"
	recurredis "github.com/xraph/recur/store/redis"
	"github.com/xraph/recur/store/storetest"
)

func newTestStore(t *testing.T, opts ...recurredis.Option) (*recurredis.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return recurredis.New(client, opts...), mr
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, _ := newTestStore(t)
		return s
	})
}

func TestKeyPrefix(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t, recurredis.WithPrefix("billing:"))

	sub := storetest.NewSubscription("acme", "pro")
	if err := s.CreateSubscription(ctx, sub); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}

	keys := mr.Keys()
	if len(keys) == 0 {
		t.Fatal("no keys written")
	}
	for _, k := range keys {
		if !strings.HasPrefix(k, "billing:") {
			t.Errorf("key %q is missing the prefix", k)
		}
	}
}
