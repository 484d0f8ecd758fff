package mongo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/mongodriver"

	"github.com/xraph/recur"
	"github.com/xraph/recur/id"
	"github.com/xraph/recur/invoice"
	recurstore "github.com/xraph/recur/store"
	"github.com/xraph/recur/subscription"
	"github.com/xraph/recur/webhook"
)

// Collection name constants.
const (
	colSubscriptions = "recur_subscriptions"
	colInvoices      = "recur_invoices"
	colEvents        = "recur_processed_events"
)

// Index names the store maps back onto domain errors.
const (
	idxLiveTenant = "live_tenant"
)

// compile-time interface check
var _ recurstore.Store = (*Store)(nil)

// Store implements store.Store using MongoDB via Grove ORM.
type Store struct {
	db  *grove.DB
	mdb *mongodriver.MongoDB
	seq atomic.Int64
}

// New creates a new MongoDB store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db:  db,
		mdb: mongodriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates indexes for all recur collections.
func (s *Store) Migrate(ctx context.Context) error {
	indexes := migrationIndexes()

	for col, models := range indexes {
		if len(models) == 0 {
			continue
		}
		_, err := s.mdb.Collection(col).Indexes().CreateMany(ctx, models)
		if err != nil {
			return fmt.Errorf("recur/mongo: migrate %s indexes: %w", col, err)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Subscription Store ====================

func (s *Store) CreateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	m := toSubscriptionModel(sub)
	m.Seq = s.nextSeq()
	if _, err := s.mdb.NewInsert(m).Exec(ctx); err != nil {
		return duplicateError(err)
	}
	return nil
}

func (s *Store) GetSubscription(ctx context.Context, subID id.SubscriptionID) (*subscription.Subscription, error) {
	var m subscriptionModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": subID.String()}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, recur.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("recur/mongo: get subscription: %w", err)
	}
	return fromSubscriptionModel(&m)
}

func (s *Store) GetSubscriptionByExternalRef(ctx context.Context, ref string) (*subscription.Subscription, error) {
	if ref == "" {
		return nil, recur.ErrSubscriptionNotFound
	}
	var m subscriptionModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"external_ref": ref}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, recur.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("recur/mongo: get subscription by ref: %w", err)
	}
	return fromSubscriptionModel(&m)
}

func (s *Store) ListSubscriptions(ctx context.Context, tenantID string) ([]*subscription.Subscription, error) {
	var models []subscriptionModel
	err := s.mdb.NewFind(&models).
		Filter(bson.M{"tenant_id": tenantID}).
		Sort(bson.D{{Key: "seq", Value: 1}}).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("recur/mongo: list subscriptions: %w", err)
	}
	return fromSubscriptionModels(models)
}

func (s *Store) CompareAndSwap(ctx context.Context, subID id.SubscriptionID, expected int64, fn subscription.Mutation) (*subscription.Subscription, error) {
	cur, err := s.GetSubscription(ctx, subID)
	if err != nil {
		return nil, err
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

	m := toSubscriptionModel(next)
	res, err := s.mdb.NewUpdate((*subscriptionModel)(nil)).
		Filter(bson.M{"_id": m.ID, "version": expected}).
		SetUpdate(bson.M{"$set": bson.M{
			"plan_id":              m.PlanID,
			"billing_cycle":        m.BillingCycle,
			"status":               m.Status,
			"version":              m.Version,
			"current_period_start": m.CurrentPeriodStart,
			"current_period_end":   m.CurrentPeriodEnd,
			"external_ref":         m.ExternalRef,
			"canceled_at":          m.CanceledAt,
			"ended_at":             m.EndedAt,
			"metadata":             m.Metadata,
			"updated_at":           m.UpdatedAt,
		}}).
		Exec(ctx)
	if err != nil {
		return nil, duplicateError(err)
	}
	if res.MatchedCount() == 0 {
		return nil, recur.ErrVersionConflict
	}
	return next, nil
}

func (s *Store) ListDueForExpiry(ctx context.Context, before time.Time, limit int) ([]*subscription.Subscription, error) {
	var models []subscriptionModel
	q := s.mdb.NewFind(&models).
		Filter(bson.M{
			"status":             string(subscription.StatusActive),
			"current_period_end": bson.M{"$lt": before},
		}).
		Sort(bson.D{{Key: "current_period_end", Value: 1}})
	if limit > 0 {
		q = q.Limit(int64(limit))
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("recur/mongo: list due for expiry: %w", err)
	}
	return fromSubscriptionModels(models)
}

// ==================== Invoice Store ====================

func (s *Store) AppendInvoice(ctx context.Context, inv *invoice.Invoice) (*invoice.Invoice, error) {
	m := toInvoiceModel(inv)
	m.Status = string(invoice.StatusOpen)
	m.Seq = s.nextSeq()

	_, err := s.mdb.NewInsert(m).Exec(ctx)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) && inv.ExternalRef != "" {
			return s.getInvoiceByRef(ctx, inv.ExternalRef)
		}
		return nil, duplicateError(err)
	}
	return fromInvoiceModel(m)
}

func (s *Store) getInvoiceByRef(ctx context.Context, ref string) (*invoice.Invoice, error) {
	var m invoiceModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"external_ref": ref}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, recur.ErrInvoiceNotFound
		}
		return nil, fmt.Errorf("recur/mongo: get invoice by ref: %w", err)
	}
	return fromInvoiceModel(&m)
}

func (s *Store) GetInvoice(ctx context.Context, invID id.InvoiceID) (*invoice.Invoice, error) {
	var m invoiceModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": invID.String()}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, recur.ErrInvoiceNotFound
		}
		return nil, fmt.Errorf("recur/mongo: get invoice: %w", err)
	}
	return fromInvoiceModel(&m)
}

func (s *Store) MarkInvoicePaid(ctx context.Context, invID id.InvoiceID) (*invoice.Invoice, error) {
	return s.settle(ctx, invID, invoice.StatusPaid)
}

func (s *Store) MarkInvoiceFailed(ctx context.Context, invID id.InvoiceID) (*invoice.Invoice, error) {
	return s.settle(ctx, invID, invoice.StatusFailed)
}

func (s *Store) settle(ctx context.Context, invID id.InvoiceID, to invoice.Status) (*invoice.Invoice, error) {
	res, err := s.mdb.NewUpdate((*invoiceModel)(nil)).
		Filter(bson.M{"_id": invID.String(), "status": string(invoice.StatusOpen)}).
		Set("status", string(to)).
		Set("updated_at", now()).
		Exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("recur/mongo: settle invoice: %w", err)
	}

	inv, err := s.GetInvoice(ctx, invID)
	if err != nil {
		return nil, err
	}
	if res.MatchedCount() == 0 {
		return nil, fmt.Errorf("%w: invoice %s is %s", recur.ErrInvalidTransition, invID, inv.Status)
	}
	return inv, nil
}

func (s *Store) ListInvoices(ctx context.Context, subID id.SubscriptionID) ([]*invoice.Invoice, error) {
	return s.listInvoices(ctx, bson.M{"subscription_id": subID.String()})
}

func (s *Store) ListTenantInvoices(ctx context.Context, tenantID string) ([]*invoice.Invoice, error) {
	return s.listInvoices(ctx, bson.M{"tenant_id": tenantID})
}

func (s *Store) listInvoices(ctx context.Context, filter bson.M) ([]*invoice.Invoice, error) {
	var models []invoiceModel
	err := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "issued_at", Value: 1}, {Key: "seq", Value: 1}}).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("recur/mongo: list invoices: %w", err)
	}

	result := make([]*invoice.Invoice, len(models))
	for i := range models {
		inv, err := fromInvoiceModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = inv
	}
	return result, nil
}

// ==================== Processed Event Store ====================

func (s *Store) GetProcessedEvent(ctx context.Context, externalEventID string) (*webhook.ProcessedEvent, error) {
	var m processedEventModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": externalEventID}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, recur.ErrEventNotFound
		}
		return nil, fmt.Errorf("recur/mongo: get processed event: %w", err)
	}
	return fromProcessedEventModel(&m), nil
}

func (s *Store) RecordProcessedEvent(ctx context.Context, e *webhook.ProcessedEvent) (*webhook.ProcessedEvent, error) {
	_, err := s.mdb.NewInsert(toProcessedEventModel(e)).Exec(ctx)
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return nil, fmt.Errorf("recur/mongo: record processed event: %w", err)
	}
	return s.GetProcessedEvent(ctx, e.ExternalEventID)
}

// ==================== Helpers ====================

// nextSeq returns a per-process increasing insertion sequence.
func (s *Store) nextSeq() int64 {
	for {
		last := s.seq.Load()
		next := max(time.Now().UnixNano(), last+1)
		if s.seq.CompareAndSwap(last, next) {
			return next
		}
	}
}

func fromSubscriptionModels(models []subscriptionModel) ([]*subscription.Subscription, error) {
	result := make([]*subscription.Subscription, len(models))
	for i := range models {
		sub, err := fromSubscriptionModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = sub
	}
	return result, nil
}

// now returns the current UTC time.
func now() time.Time {
	return time.Now().UTC()
}

// isNoDocuments checks if an error wraps mongo.ErrNoDocuments.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

// duplicateError maps duplicate-key errors onto domain errors.
func duplicateError(err error) error {
	if !mongo.IsDuplicateKeyError(err) {
		return err
	}
	if strings.Contains(err.Error(), idxLiveTenant) {
		return recur.ErrSubscriptionExists
	}
	return fmt.Errorf("%w: %w", recur.ErrConflict, err)
}

// migrationIndexes returns the index definitions for all recur collections.
func migrationIndexes() map[string][]mongo.IndexModel {
	live := bson.A{
		string(subscription.StatusPending),
		string(subscription.StatusActive),
		string(subscription.StatusPastDue),
	}
	return map[string][]mongo.IndexModel{
		colSubscriptions: {
			{Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "seq", Value: 1}}},
			{
				Keys: bson.D{{Key: "tenant_id", Value: 1}},
				Options: options.Index().
					SetName(idxLiveTenant).
					SetUnique(true).
					SetPartialFilterExpression(bson.M{"status": bson.M{"$in": live}}),
			},
			{
				Keys: bson.D{{Key: "external_ref", Value: 1}},
				Options: options.Index().
					SetUnique(true).
					SetPartialFilterExpression(bson.M{"external_ref": bson.M{"$gt": ""}}),
			},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "current_period_end", Value: 1}}},
		},
		colInvoices: {
			{Keys: bson.D{{Key: "subscription_id", Value: 1}, {Key: "issued_at", Value: 1}, {Key: "seq", Value: 1}}},
			{Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "issued_at", Value: 1}, {Key: "seq", Value: 1}}},
			{
				Keys: bson.D{{Key: "external_ref", Value: 1}},
				Options: options.Index().
					SetUnique(true).
					SetPartialFilterExpression(bson.M{"external_ref": bson.M{"$gt": ""}}),
			},
		},
		colEvents: {
			{Keys: bson.D{{Key: "received_at", Value: 1}}},
		},
	}
}
