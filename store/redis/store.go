// Package redis implements store.Store on Redis. Subscriptions and
// invoices are JSON documents; every write that must be atomic runs in
// a WATCH/MULTI transaction over the keys it reads.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/recur"
	"github.com/xraph/recur/id"
	"github.com/xraph/recur/invoice"
	recurstore "github.com/xraph/recur/store"
	"github.com/xraph/recur/subscription"
	"github.com/xraph/recur/webhook"
)

// DefaultPrefix namespaces every key the store writes.
const DefaultPrefix = "recur:"

// txAttempts bounds optimistic retries of index-maintaining writes that
// are not themselves compare-and-swap.
const txAttempts = 5

// compile-time interface check
var _ recurstore.Store = (*Store)(nil)

// Store implements store.Store using Redis.
type Store struct {
	rdb    goredis.UniversalClient
	prefix string
}

// Option configures a Store.
type Option func(*Store)

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// New creates a Redis store over client.
func New(client goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{rdb: client, prefix: DefaultPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Client returns the underlying Redis client.
func (s *Store) Client() goredis.UniversalClient { return s.rdb }

// Migrate is a no-op: Redis needs no schema.
func (s *Store) Migrate(context.Context) error { return nil }

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close closes the client.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// ==================== Keys ====================

func (s *Store) subKey(subID string) string { return s.prefix + "sub:" + subID }
func (s *Store) tenantSubsKey(t string) string { return s.prefix + "tenant:" + t + ":subs" }
func (s *Store) liveKey(t string) string { return s.prefix + "tenant:" + t + ":live" }
func (s *Store) subRefKey(ref string) string { return s.prefix + "subref:" + ref }
func (s *Store) dueKey() string { return s.prefix + "due" }
func (s *Store) invKey(invID string) string { return s.prefix + "inv:" + invID }
func (s *Store) invRefKey(ref string) string { return s.prefix + "invref:" + ref }
func (s *Store) subInvsKey(subID string) string { return s.prefix + "sub:" + subID + ":invs" }
func (s *Store) tenantInvsKey(t string) string { return s.prefix + "tenant:" + t + ":invs" }
func (s *Store) eventKey(eventID string) string { return s.prefix + "evt:" + eventID }

// ==================== Subscription Store ====================

func (s *Store) CreateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	key := s.subKey(sub.ID.String())
	live := s.liveKey(sub.TenantID)
	watch := []string{key, live}
	if sub.ExternalRef != "" {
		watch = append(watch, s.subRefKey(sub.ExternalRef))
	}

	return s.retryTx(ctx, func(tx *goredis.Tx) error {
		if err := s.checkFree(ctx, tx, key, fmt.Errorf("%w: id %s", recur.ErrConflict, sub.ID)); err != nil {
			return err
		}
		if sub.Status.IsLive() {
			if err := s.checkFree(ctx, tx, live, recur.ErrSubscriptionExists); err != nil {
				return err
			}
		}
		if sub.ExternalRef != "" {
			ref := s.subRefKey(sub.ExternalRef)
			if err := s.checkFree(ctx, tx, ref, fmt.Errorf("%w: external ref %s", recur.ErrConflict, sub.ExternalRef)); err != nil {
				return err
			}
		}

		data, err := json.Marshal(sub)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.RPush(ctx, s.tenantSubsKey(sub.TenantID), sub.ID.String())
			s.index(ctx, pipe, nil, sub)
			return nil
		})
		return err
	}, watch...)
}

// checkFree returns taken if key already exists.
func (s *Store) checkFree(ctx context.Context, tx *goredis.Tx, key string, taken error) error {
	n, err := tx.Exists(ctx, key).Result()
	if err != nil {
		return err
	}
	if n > 0 {
		return taken
	}
	return nil
}

func (s *Store) GetSubscription(ctx context.Context, subID id.SubscriptionID) (*subscription.Subscription, error) {
	return s.getSubscription(ctx, s.rdb, subID.String())
}

func (s *Store) getSubscription(ctx context.Context, c goredis.Cmdable, subID string) (*subscription.Subscription, error) {
	data, err := c.Get(ctx, s.subKey(subID)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, recur.ErrSubscriptionNotFound
		}
		return nil, err
	}
	var sub subscription.Subscription
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, fmt.Errorf("recur/redis: decode subscription %s: %w", subID, err)
	}
	return &sub, nil
}

func (s *Store) GetSubscriptionByExternalRef(ctx context.Context, ref string) (*subscription.Subscription, error) {
	if ref == "" {
		return nil, recur.ErrSubscriptionNotFound
	}
	subID, err := s.rdb.Get(ctx, s.subRefKey(ref)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, recur.ErrSubscriptionNotFound
		}
		return nil, err
	}
	return s.getSubscription(ctx, s.rdb, subID)
}

func (s *Store) ListSubscriptions(ctx context.Context, tenantID string) ([]*subscription.Subscription, error) {
	ids, err := s.rdb.LRange(ctx, s.tenantSubsKey(tenantID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	return s.getSubscriptions(ctx, ids)
}

func (s *Store) getSubscriptions(ctx context.Context, ids []string) ([]*subscription.Subscription, error) {
	result := make([]*subscription.Subscription, 0, len(ids))
	for _, subID := range ids {
		sub, err := s.getSubscription(ctx, s.rdb, subID)
		if err != nil {
			return nil, err
		}
		result = append(result, sub)
	}
	return result, nil
}

func (s *Store) CompareAndSwap(ctx context.Context, subID id.SubscriptionID, expected int64, fn subscription.Mutation) (*subscription.Subscription, error) {
	key := s.subKey(subID.String())
	var next *subscription.Subscription

	err := s.rdb.Watch(ctx, func(tx *goredis.Tx) error {
		cur, err := s.getSubscription(ctx, tx, subID.String())
		if err != nil {
			return err
		}
		if cur.Version != expected {
			return recur.ErrVersionConflict
		}

		next = cur.Clone()
		if err := fn(next); err != nil {
			return err
		}
		next.ID = cur.ID
		next.TenantID = cur.TenantID
		next.CreatedAt = cur.CreatedAt
		next.Version = expected + 1

		if err := s.checkIndexes(ctx, tx, cur, next); err != nil {
			return err
		}

		data, err := json.Marshal(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			s.index(ctx, pipe, cur, next)
			return nil
		})
		return err
	}, key)

	if errors.Is(err, goredis.TxFailedErr) {
		return nil, recur.ErrVersionConflict
	}
	if err != nil {
		return nil, err
	}
	return next, nil
}

// checkIndexes watches and verifies the unique slots next would claim.
func (s *Store) checkIndexes(ctx context.Context, tx *goredis.Tx, cur, next *subscription.Subscription) error {
	if next.Status.IsLive() && !cur.Status.IsLive() {
		live := s.liveKey(next.TenantID)
		if err := tx.Watch(ctx, live).Err(); err != nil {
			return err
		}
		if err := s.checkFree(ctx, tx, live, recur.ErrSubscriptionExists); err != nil {
			return err
		}
	}
	if next.ExternalRef != "" && next.ExternalRef != cur.ExternalRef {
		ref := s.subRefKey(next.ExternalRef)
		if err := tx.Watch(ctx, ref).Err(); err != nil {
			return err
		}
		if err := s.checkFree(ctx, tx, ref, fmt.Errorf("%w: external ref %s", recur.ErrConflict, next.ExternalRef)); err != nil {
			return err
		}
	}
	return nil
}

// index moves the secondary indexes from prev to next. prev is nil on insert.
func (s *Store) index(ctx context.Context, pipe goredis.Pipeliner, prev, next *subscription.Subscription) {
	subID := next.ID.String()
	if prev != nil {
		if prev.Status.IsLive() && !next.Status.IsLive() {
			pipe.Del(ctx, s.liveKey(prev.TenantID))
		}
		if prev.ExternalRef != "" && prev.ExternalRef != next.ExternalRef {
			pipe.Del(ctx, s.subRefKey(prev.ExternalRef))
		}
	}
	if next.Status.IsLive() {
		pipe.Set(ctx, s.liveKey(next.TenantID), subID, 0)
	}
	if next.ExternalRef != "" {
		pipe.Set(ctx, s.subRefKey(next.ExternalRef), subID, 0)
	}
	if next.Status == subscription.StatusActive {
		pipe.ZAdd(ctx, s.dueKey(), goredis.Z{Score: score(next.CurrentPeriodEnd), Member: subID})
	} else {
		pipe.ZRem(ctx, s.dueKey(), subID)
	}
}

func (s *Store) ListDueForExpiry(ctx context.Context, before time.Time, limit int) ([]*subscription.Subscription, error) {
	by := &goredis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatFloat(score(before), 'f', -1, 64),
	}
	if limit > 0 {
		by.Count = int64(limit)
	}
	ids, err := s.rdb.ZRangeByScore(ctx, s.dueKey(), by).Result()
	if err != nil {
		return nil, err
	}

	subs, err := s.getSubscriptions(ctx, ids)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(subs, func(sub *subscription.Subscription) bool {
		return sub.Status != subscription.StatusActive || !sub.CurrentPeriodEnd.Before(before)
	}), nil
}

// ==================== Invoice Store ====================

func (s *Store) AppendInvoice(ctx context.Context, inv *invoice.Invoice) (*invoice.Invoice, error) {
	stored := *inv
	stored.Status = invoice.StatusOpen
	key := s.invKey(inv.ID.String())
	watch := []string{key}
	if inv.ExternalRef != "" {
		watch = append(watch, s.invRefKey(inv.ExternalRef))
	}

	var existing *invoice.Invoice
	err := s.retryTx(ctx, func(tx *goredis.Tx) error {
		if inv.ExternalRef != "" {
			invID, err := tx.Get(ctx, s.invRefKey(inv.ExternalRef)).Result()
			switch {
			case err == nil:
				existing, err = s.getInvoice(ctx, tx, invID)
				return err
			case !errors.Is(err, goredis.Nil):
				return err
			}
		}
		if err := s.checkFree(ctx, tx, key, fmt.Errorf("%w: id %s", recur.ErrConflict, inv.ID)); err != nil {
			return err
		}

		data, err := json.Marshal(&stored)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.RPush(ctx, s.subInvsKey(inv.SubscriptionID.String()), inv.ID.String())
			pipe.RPush(ctx, s.tenantInvsKey(inv.TenantID), inv.ID.String())
			if inv.ExternalRef != "" {
				pipe.Set(ctx, s.invRefKey(inv.ExternalRef), inv.ID.String(), 0)
			}
			return nil
		})
		return err
	}, watch...)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	return &stored, nil
}

func (s *Store) GetInvoice(ctx context.Context, invID id.InvoiceID) (*invoice.Invoice, error) {
	return s.getInvoice(ctx, s.rdb, invID.String())
}

func (s *Store) getInvoice(ctx context.Context, c goredis.Cmdable, invID string) (*invoice.Invoice, error) {
	data, err := c.Get(ctx, s.invKey(invID)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, recur.ErrInvoiceNotFound
		}
		return nil, err
	}
	var inv invoice.Invoice
	if err := json.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("recur/redis: decode invoice %s: %w", invID, err)
	}
	return &inv, nil
}

func (s *Store) MarkInvoicePaid(ctx context.Context, invID id.InvoiceID) (*invoice.Invoice, error) {
	return s.settle(ctx, invID, invoice.StatusPaid)
}

func (s *Store) MarkInvoiceFailed(ctx context.Context, invID id.InvoiceID) (*invoice.Invoice, error) {
	return s.settle(ctx, invID, invoice.StatusFailed)
}

func (s *Store) settle(ctx context.Context, invID id.InvoiceID, to invoice.Status) (*invoice.Invoice, error) {
	key := s.invKey(invID.String())
	var settled *invoice.Invoice

	err := s.retryTx(ctx, func(tx *goredis.Tx) error {
		inv, err := s.getInvoice(ctx, tx, invID.String())
		if err != nil {
			return err
		}
		if !inv.Status.CanTransition(to) {
			return fmt.Errorf("%w: invoice %s is %s", recur.ErrInvalidTransition, invID, inv.Status)
		}
		inv.Status = to
		inv.Touch(time.Now().UTC())

		data, err := json.Marshal(inv)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		settled = inv
		return err
	}, key)
	if err != nil {
		return nil, err
	}
	return settled, nil
}

func (s *Store) ListInvoices(ctx context.Context, subID id.SubscriptionID) ([]*invoice.Invoice, error) {
	return s.listInvoices(ctx, s.subInvsKey(subID.String()))
}

func (s *Store) ListTenantInvoices(ctx context.Context, tenantID string) ([]*invoice.Invoice, error) {
	return s.listInvoices(ctx, s.tenantInvsKey(tenantID))
}

func (s *Store) listInvoices(ctx context.Context, listKey string) ([]*invoice.Invoice, error) {
	ids, err := s.rdb.LRange(ctx, listKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}

	result := make([]*invoice.Invoice, 0, len(ids))
	for _, invID := range ids {
		inv, err := s.getInvoice(ctx, s.rdb, invID)
		if err != nil {
			return nil, err
		}
		result = append(result, inv)
	}
	slices.SortStableFunc(result, func(a, b *invoice.Invoice) int {
		return a.IssuedAt.Compare(b.IssuedAt)
	})
	return result, nil
}

// ==================== Processed Event Store ====================

func (s *Store) GetProcessedEvent(ctx context.Context, externalEventID string) (*webhook.ProcessedEvent, error) {
	data, err := s.rdb.Get(ctx, s.eventKey(externalEventID)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, recur.ErrEventNotFound
		}
		return nil, err
	}
	var e webhook.ProcessedEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("recur/redis: decode event %s: %w", externalEventID, err)
	}
	return &e, nil
}

func (s *Store) RecordProcessedEvent(ctx context.Context, e *webhook.ProcessedEvent) (*webhook.ProcessedEvent, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	if err := s.rdb.SetNX(ctx, s.eventKey(e.ExternalEventID), data, 0).Err(); err != nil {
		return nil, err
	}
	return s.GetProcessedEvent(ctx, e.ExternalEventID)
}

// ==================== Helpers ====================

// retryTx runs fn under WATCH keys, retrying when a watched key changed
// before EXEC. Persistent contention surfaces as ErrConflict.
func (s *Store) retryTx(ctx context.Context, fn func(tx *goredis.Tx) error, keys ...string) error {
	for range txAttempts {
		err := s.rdb.Watch(ctx, fn, keys...)
		if !errors.Is(err, goredis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("%w: redis transaction contended", recur.ErrConflict)
}

// score orders the due set by period end in microseconds.
func score(t time.Time) float64 {
	return float64(t.UnixMicro())
}
