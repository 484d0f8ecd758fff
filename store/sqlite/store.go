package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/sqlitedriver"
	"github.com/xraph/grove/migrate"

	"github.com/xraph/recur"
	"github.com/xraph/recur/id"
	"github.com/xraph/recur/invoice"
	recurstore "github.com/xraph/recur/store"
	"github.com/xraph/recur/subscription"
	"github.com/xraph/recur/webhook"
)

// compile-time interface check
var _ recurstore.Store = (*Store)(nil)

// Store implements store.Store using SQLite via Grove ORM.
type Store struct {
	db  *grove.DB
	sdb *sqlitedriver.SqliteDB
}

// New creates a new SQLite store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db:  db,
		sdb: sqlitedriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the required tables and indexes using the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.sdb)
	if err != nil {
		return fmt.Errorf("recur/sqlite: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("recur/sqlite: migration failed: %w", err)
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
	if _, err := s.sdb.NewInsert(m).Exec(ctx); err != nil {
		return uniqueError(err)
	}
	return nil
}

func (s *Store) GetSubscription(ctx context.Context, subID id.SubscriptionID) (*subscription.Subscription, error) {
	m := new(subscriptionModel)
	err := s.sdb.NewSelect(m).
		Where("id = ?", subID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, recur.ErrSubscriptionNotFound
		}
		return nil, err
	}
	return fromSubscriptionModel(m)
}

func (s *Store) GetSubscriptionByExternalRef(ctx context.Context, ref string) (*subscription.Subscription, error) {
	if ref == "" {
		return nil, recur.ErrSubscriptionNotFound
	}
	m := new(subscriptionModel)
	err := s.sdb.NewSelect(m).
		Where("external_ref = ?", ref).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, recur.ErrSubscriptionNotFound
		}
		return nil, err
	}
	return fromSubscriptionModel(m)
}

func (s *Store) ListSubscriptions(ctx context.Context, tenantID string) ([]*subscription.Subscription, error) {
	var models []subscriptionModel
	err := s.sdb.NewSelect(&models).
		Where("tenant_id = ?", tenantID).
		OrderExpr("rowid ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return fromSubscriptionModels(models)
}

// CompareAndSwap applies fn to the row read at version expected and
// writes it back only if no other writer got there first. The version
// predicate on the UPDATE is what makes the swap atomic.
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
	res, err := s.sdb.NewUpdate((*subscriptionModel)(nil)).
		Set("plan_id = ?", m.PlanID).
		Set("billing_cycle = ?", m.BillingCycle).
		Set("status = ?", m.Status).
		Set("version = ?", m.Version).
		Set("current_period_start = ?", m.CurrentPeriodStart).
		Set("current_period_end = ?", m.CurrentPeriodEnd).
		Set("external_ref = ?", m.ExternalRef).
		Set("canceled_at = ?", m.CanceledAt).
		Set("ended_at = ?", m.EndedAt).
		Set("metadata = ?", m.Metadata).
		Set("updated_at = ?", m.UpdatedAt).
		Where("id = ?", m.ID).
		Where("version = ?", expected).
		Exec(ctx)
	if err != nil {
		return nil, uniqueError(err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, recur.ErrVersionConflict
	}
	return next, nil
}

func (s *Store) ListDueForExpiry(ctx context.Context, before time.Time, limit int) ([]*subscription.Subscription, error) {
	var models []subscriptionModel
	q := s.sdb.NewSelect(&models).
		Where("status = ?", string(subscription.StatusActive)).
		Where("current_period_end < ?", before).
		OrderExpr("current_period_end ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return fromSubscriptionModels(models)
}

// ==================== Invoice Store ====================

func (s *Store) AppendInvoice(ctx context.Context, inv *invoice.Invoice) (*invoice.Invoice, error) {
	m := toInvoiceModel(inv)
	m.Status = string(invoice.StatusOpen)

	res, err := s.sdb.NewInsert(m).
		OnConflict("(external_ref) WHERE external_ref != '' DO NOTHING").
		Exec(ctx)
	if err != nil {
		return nil, uniqueError(err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return s.getInvoiceByRef(ctx, inv.ExternalRef)
	}
	return fromInvoiceModel(m)
}

func (s *Store) getInvoiceByRef(ctx context.Context, ref string) (*invoice.Invoice, error) {
	m := new(invoiceModel)
	err := s.sdb.NewSelect(m).
		Where("external_ref = ?", ref).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, recur.ErrInvoiceNotFound
		}
		return nil, err
	}
	return fromInvoiceModel(m)
}

func (s *Store) GetInvoice(ctx context.Context, invID id.InvoiceID) (*invoice.Invoice, error) {
	m := new(invoiceModel)
	err := s.sdb.NewSelect(m).
		Where("id = ?", invID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, recur.ErrInvoiceNotFound
		}
		return nil, err
	}
	return fromInvoiceModel(m)
}

func (s *Store) MarkInvoicePaid(ctx context.Context, invID id.InvoiceID) (*invoice.Invoice, error) {
	return s.settle(ctx, invID, invoice.StatusPaid)
}

func (s *Store) MarkInvoiceFailed(ctx context.Context, invID id.InvoiceID) (*invoice.Invoice, error) {
	return s.settle(ctx, invID, invoice.StatusFailed)
}

func (s *Store) settle(ctx context.Context, invID id.InvoiceID, to invoice.Status) (*invoice.Invoice, error) {
	res, err := s.sdb.NewUpdate((*invoiceModel)(nil)).
		Set("status = ?", string(to)).
		Set("updated_at = ?", now()).
		Where("id = ?", invID.String()).
		Where("status = ?", string(invoice.StatusOpen)).
		Exec(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}

	inv, err := s.GetInvoice(ctx, invID)
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, fmt.Errorf("%w: invoice %s is %s", recur.ErrInvalidTransition, invID, inv.Status)
	}
	return inv, nil
}

func (s *Store) ListInvoices(ctx context.Context, subID id.SubscriptionID) ([]*invoice.Invoice, error) {
	var models []invoiceModel
	err := s.sdb.NewSelect(&models).
		Where("subscription_id = ?", subID.String()).
		OrderExpr("issued_at ASC, rowid ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return fromInvoiceModels(models)
}

func (s *Store) ListTenantInvoices(ctx context.Context, tenantID string) ([]*invoice.Invoice, error) {
	var models []invoiceModel
	err := s.sdb.NewSelect(&models).
		Where("tenant_id = ?", tenantID).
		OrderExpr("issued_at ASC, rowid ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return fromInvoiceModels(models)
}

// ==================== Processed Event Store ====================

func (s *Store) GetProcessedEvent(ctx context.Context, externalEventID string) (*webhook.ProcessedEvent, error) {
	m := new(processedEventModel)
	err := s.sdb.NewSelect(m).
		Where("external_event_id = ?", externalEventID).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, recur.ErrEventNotFound
		}
		return nil, err
	}
	return fromProcessedEventModel(m), nil
}

func (s *Store) RecordProcessedEvent(ctx context.Context, e *webhook.ProcessedEvent) (*webhook.ProcessedEvent, error) {
	_, err := s.sdb.NewInsert(toProcessedEventModel(e)).
		OnConflict("(external_event_id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return nil, err
	}
	return s.GetProcessedEvent(ctx, e.ExternalEventID)
}

// ==================== Helpers ====================

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

func fromInvoiceModels(models []invoiceModel) ([]*invoice.Invoice, error) {
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

// now returns the current UTC time.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// isNoRows checks for the standard sql.ErrNoRows sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// uniqueError maps unique-index violations onto domain errors.
func uniqueError(err error) error {
	msg := err.Error()
	if !strings.Contains(msg, "UNIQUE constraint failed") {
		return err
	}
	if strings.Contains(msg, "recur_subscriptions.tenant_id") {
		return recur.ErrSubscriptionExists
	}
	return fmt.Errorf("%w: %s", recur.ErrConflict, msg)
}
