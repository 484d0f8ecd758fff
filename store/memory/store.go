// Package memory is an in-process Store. Every operation holds a single
// mutex, so it is linearizable and suited to tests and single-node use.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/xraph/recur"
	"github.com/xraph/recur/id"
	"github.com/xraph/recur/invoice"
	recurstore "github.com/xraph/recur/store"
	"github.com/xraph/recur/subscription"
	"github.com/xraph/recur/webhook"
)

var _ recurstore.Store = (*Store)(nil)

type Store struct {
	mu     sync.RWMutex
	closed bool

	// Subscription storage
	subs       map[string]*subscription.Subscription
	subOrder   []string
	liveByTen  map[string]string
	subByExtID map[string]string

	// Invoice storage
	invoices map[string]*invoice.Invoice
	invOrder []string
	invByRef map[string]string

	// Processed-event log
	events map[string]*webhook.ProcessedEvent
}

func New() *Store {
	return &Store{
		subs:       make(map[string]*subscription.Subscription),
		liveByTen:  make(map[string]string),
		subByExtID: make(map[string]string),
		invoices:   make(map[string]*invoice.Invoice),
		invByRef:   make(map[string]string),
		events:     make(map[string]*webhook.ProcessedEvent),
	}
}

// ──────────────────────────────────────────────────
// Subscription Store
// ──────────────────────────────────────────────────

func (s *Store) CreateSubscription(_ context.Context, sub *subscription.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return recur.ErrStoreClosed
	}
	key := sub.ID.String()
	if _, exists := s.subs[key]; exists {
		return fmt.Errorf("%w: id %s", recur.ErrConflict, key)
	}
	if sub.Status.IsLive() {
		if _, taken := s.liveByTen[sub.TenantID]; taken {
			return recur.ErrSubscriptionExists
		}
	}
	if sub.ExternalRef != "" {
		if _, taken := s.subByExtID[sub.ExternalRef]; taken {
			return fmt.Errorf("%w: external ref %s", recur.ErrConflict, sub.ExternalRef)
		}
	}

	stored := sub.Clone()
	s.subs[key] = stored
	s.subOrder = append(s.subOrder, key)
	s.index(nil, stored)
	return nil
}

func (s *Store) GetSubscription(_ context.Context, subID id.SubscriptionID) (*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if sub, ok := s.subs[subID.String()]; ok {
		return sub.Clone(), nil
	}
	return nil, recur.ErrSubscriptionNotFound
}

func (s *Store) GetSubscriptionByExternalRef(_ context.Context, ref string) (*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if key, ok := s.subByExtID[ref]; ok && ref != "" {
		return s.subs[key].Clone(), nil
	}
	return nil, recur.ErrSubscriptionNotFound
}

func (s *Store) ListSubscriptions(_ context.Context, tenantID string) ([]*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*subscription.Subscription, 0)
	for _, key := range s.subOrder {
		if sub := s.subs[key]; sub.TenantID == tenantID {
			result = append(result, sub.Clone())
		}
	}
	return result, nil
}

func (s *Store) CompareAndSwap(_ context.Context, subID id.SubscriptionID, expected int64, fn subscription.Mutation) (*subscription.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, recur.ErrStoreClosed
	}
	cur, ok := s.subs[subID.String()]
	if !ok {
		return nil, recur.ErrSubscriptionNotFound
	}
	if cur.Version != expected {
		return nil, recur.ErrVersionConflict
	}

	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID = cur.ID
	next.TenantID = cur.TenantID
	next.CreatedAt = cur.CreatedAt
	next.Version = expected + 1

	if next.Status.IsLive() && !cur.Status.IsLive() {
		if _, taken := s.liveByTen[next.TenantID]; taken {
			return nil, recur.ErrSubscriptionExists
		}
	}
	if next.ExternalRef != cur.ExternalRef && next.ExternalRef != "" {
		if _, taken := s.subByExtID[next.ExternalRef]; taken {
			return nil, fmt.Errorf("%w: external ref %s", recur.ErrConflict, next.ExternalRef)
		}
	}

	s.subs[subID.String()] = next
	s.index(cur, next)
	return next.Clone(), nil
}

func (s *Store) ListDueForExpiry(_ context.Context, before time.Time, limit int) ([]*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*subscription.Subscription, 0)
	for _, key := range s.subOrder {
		sub := s.subs[key]
		if sub.Status != subscription.StatusActive || !sub.CurrentPeriodEnd.Before(before) {
			continue
		}
		result = append(result, sub.Clone())
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// index moves the secondary indexes from prev to next. prev is nil on insert.
func (s *Store) index(prev, next *subscription.Subscription) {
	key := next.ID.String()
	if prev != nil {
		if prev.Status.IsLive() && s.liveByTen[prev.TenantID] == key {
			delete(s.liveByTen, prev.TenantID)
		}
		if prev.ExternalRef != "" && prev.ExternalRef != next.ExternalRef {
			delete(s.subByExtID, prev.ExternalRef)
		}
	}
	if next.Status.IsLive() {
		s.liveByTen[next.TenantID] = key
	}
	if next.ExternalRef != "" {
		s.subByExtID[next.ExternalRef] = key
	}
}

// ──────────────────────────────────────────────────
// Invoice Store
// ──────────────────────────────────────────────────

func (s *Store) AppendInvoice(_ context.Context, inv *invoice.Invoice) (*invoice.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, recur.ErrStoreClosed
	}
	if inv.ExternalRef != "" {
		if key, ok := s.invByRef[inv.ExternalRef]; ok {
			existing := *s.invoices[key]
			return &existing, nil
		}
	}
	key := inv.ID.String()
	if _, exists := s.invoices[key]; exists {
		return nil, fmt.Errorf("%w: id %s", recur.ErrConflict, key)
	}

	stored := *inv
	stored.Status = invoice.StatusOpen
	s.invoices[key] = &stored
	s.invOrder = append(s.invOrder, key)
	if inv.ExternalRef != "" {
		s.invByRef[inv.ExternalRef] = key
	}

	out := stored
	return &out, nil
}

func (s *Store) GetInvoice(_ context.Context, invID id.InvoiceID) (*invoice.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if inv, ok := s.invoices[invID.String()]; ok {
		out := *inv
		return &out, nil
	}
	return nil, recur.ErrInvoiceNotFound
}

func (s *Store) MarkInvoicePaid(_ context.Context, invID id.InvoiceID) (*invoice.Invoice, error) {
	return s.settle(invID, invoice.StatusPaid)
}

func (s *Store) MarkInvoiceFailed(_ context.Context, invID id.InvoiceID) (*invoice.Invoice, error) {
	return s.settle(invID, invoice.StatusFailed)
}

func (s *Store) settle(invID id.InvoiceID, to invoice.Status) (*invoice.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, recur.ErrStoreClosed
	}
	inv, ok := s.invoices[invID.String()]
	if !ok {
		return nil, recur.ErrInvoiceNotFound
	}
	if !inv.Status.CanTransition(to) {
		return nil, fmt.Errorf("%w: invoice %s is %s", recur.ErrInvalidTransition, invID, inv.Status)
	}

	inv.Status = to
	inv.Touch(time.Now())
	out := *inv
	return &out, nil
}

func (s *Store) ListInvoices(_ context.Context, subID id.SubscriptionID) ([]*invoice.Invoice, error) {
	return s.listInvoices(func(inv *invoice.Invoice) bool {
		return inv.SubscriptionID == subID
	}), nil
}

func (s *Store) ListTenantInvoices(_ context.Context, tenantID string) ([]*invoice.Invoice, error) {
	return s.listInvoices(func(inv *invoice.Invoice) bool {
		return inv.TenantID == tenantID
	}), nil
}

func (s *Store) listInvoices(match func(*invoice.Invoice) bool) []*invoice.Invoice {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*invoice.Invoice, 0)
	for _, key := range s.invOrder {
		if inv := s.invoices[key]; match(inv) {
			out := *inv
			result = append(result, &out)
		}
	}
	slices.SortStableFunc(result, func(a, b *invoice.Invoice) int {
		return a.IssuedAt.Compare(b.IssuedAt)
	})
	return result
}

// ──────────────────────────────────────────────────
// Processed-event log
// ──────────────────────────────────────────────────

func (s *Store) GetProcessedEvent(_ context.Context, externalEventID string) (*webhook.ProcessedEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if e, ok := s.events[externalEventID]; ok {
		out := *e
		return &out, nil
	}
	return nil, recur.ErrEventNotFound
}

func (s *Store) RecordProcessedEvent(_ context.Context, e *webhook.ProcessedEvent) (*webhook.ProcessedEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, recur.ErrStoreClosed
	}
	if existing, ok := s.events[e.ExternalEventID]; ok {
		out := *existing
		return &out, nil
	}

	stored := *e
	s.events[e.ExternalEventID] = &stored
	out := stored
	return &out, nil
}

// ──────────────────────────────────────────────────
// Core methods
// ──────────────────────────────────────────────────

func (s *Store) Migrate(context.Context) error { return nil }

func (s *Store) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return recur.ErrStoreClosed
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}
