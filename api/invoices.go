package api

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"
	"time"

	mw "github.com/xraph/recur/api/middleware"
	"github.com/xraph/recur/api/response"
	"github.com/xraph/recur/invoice"
)

// Export formats accepted by GET /invoices/export.
const (
	FormatCSV  = "csv"
	FormatJSON = "json"
)

var exportHeader = []string{
	"invoice_id", "subscription_id", "kind", "status",
	"amount", "currency", "amount_display", "description",
	"period_start", "period_end", "issued_at", "external_ref",
}

func (s *Server) listSubscriptionInvoices(w http.ResponseWriter, r *http.Request) {
	sub, ok := s.ownedSubscription(w, r)
	if !ok {
		return
	}

	invs, err := s.engine.ListInvoices(r.Context(), sub.ID)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, nonNil(invs))
}

func (s *Server) listInvoices(w http.ResponseWriter, r *http.Request) {
	invs, err := s.engine.ListTenantInvoices(r.Context(), mw.TenantFrom(r.Context()))
	if err != nil {
		response.Error(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, nonNil(invs))
}

func (s *Server) exportInvoices(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = FormatCSV
	}
	if format != FormatCSV && format != FormatJSON {
		response.WriteError(w, http.StatusBadRequest, fmt.Sprintf("unsupported export format: %s", format))
		return
	}

	tenantID := mw.TenantFrom(r.Context())
	invs, err := s.engine.ListTenantInvoices(r.Context(), tenantID)
	if err != nil {
		response.Error(w, err)
		return
	}

	filename := fmt.Sprintf("invoices-%s-%s.%s", tenantID, time.Now().UTC().Format("20060102"), format)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))

	if format == FormatJSON {
		response.WriteJSON(w, http.StatusOK, nonNil(invs))
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.WriteHeader(http.StatusOK)
	if err := writeCSV(w, invs); err != nil {
		s.logger.Warn("invoice export interrupted", "tenant_id", tenantID, "error", err)
	}
}

func writeCSV(w http.ResponseWriter, invs []*invoice.Invoice) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		return err
	}
	for _, inv := range invs {
		record := []string{
			inv.ID.String(),
			inv.SubscriptionID.String(),
			string(inv.Kind),
			string(inv.Status),
			strconv.FormatInt(inv.Amount.Amount, 10),
			inv.Amount.Currency,
			inv.Amount.String(),
			inv.Description,
			inv.PeriodStart.Format(time.RFC3339),
			inv.PeriodEnd.Format(time.RFC3339),
			inv.IssuedAt.Format(time.RFC3339),
			inv.ExternalRef,
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func nonNil(invs []*invoice.Invoice) []*invoice.Invoice {
	if invs == nil {
		return []*invoice.Invoice{}
	}
	return invs
}
