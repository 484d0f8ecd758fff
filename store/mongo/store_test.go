package mongo_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	tcmongo "github.com/testcontainers/testcontainers-go/modules/mongodb"
	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/mongodriver"

	"github.com/xraph/recur/store"
	"github.com/xraph/recur/store/mongo"
	"github.com/xraph/recur/store/storetest"
)

// startMongo runs a throwaway MongoDB container and returns its URI.
// The test is skipped when no container runtime is available.
func startMongo(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()

	container, err := tcmongo.Run(ctx, "mongo:7")
	if err != nil {
		t.Skipf("MongoDB container unavailable: %v", err)
	}
	t.Cleanup(func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(cleanupCtx); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	uri, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("ConnectionString: %v", err)
	}
	return uri
}

var dbSeq atomic.Int64

// openStore connects to a fresh database so every test starts empty.
func openStore(t *testing.T, uri string) *mongo.Store {
	t.Helper()
	ctx := context.Background()

	mdb := mongodriver.New()
	name := fmt.Sprintf("recur_test_%d", dbSeq.Add(1))
	if err := mdb.Open(ctx, uri, mongodriver.WithDatabase(name)); err != nil {
		t.Fatalf("open mongo: %v", err)
	}
	db, err := grove.Open(mdb)
	if err != nil {
		t.Fatalf("grove.Open: %v", err)
	}
	s := mongo.New(db)
	t.Cleanup(func() {
		_ = mdb.Database().Drop(context.Background())
		_ = s.Close()
	})

	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func TestConformance(t *testing.T) {
	uri := startMongo(t)

	storetest.Run(t, func(t *testing.T) store.Store { return openStore(t, uri) })
}
