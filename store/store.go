// Package store defines the composite persistence contract the engine
// runs on. Backends live in the sub-packages.
package store

import (
	"context"

	"github.com/xraph/recur/invoice"
	"github.com/xraph/recur/subscription"
	"github.com/xraph/recur/webhook"
)

// Store is the unified storage interface for subscriptions, the
// invoice ledger and the processed-event log.
type Store interface {
	subscription.Store
	invoice.Store
	webhook.Store

	// Core methods
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
