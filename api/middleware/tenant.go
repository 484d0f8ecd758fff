package middleware

import (
	"context"
	"net/http"

	"github.com/xraph/recur/api/response"
)

type contextKey string

// TenantKey is the context key holding the caller's tenant id.
const TenantKey contextKey = "tenant_id"

// TenantHeader carries the tenant id on tenant-scoped routes.
const TenantHeader = "X-Tenant-ID"

// Tenant rejects requests without a tenant header and stores the tenant
// id in the request context.
func Tenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := r.Header.Get(TenantHeader)
		if tenantID == "" {
			response.WriteError(w, http.StatusBadRequest, "missing "+TenantHeader+" header")
			return
		}
		ctx := context.WithValue(r.Context(), TenantKey, tenantID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// TenantFrom returns the tenant id stored by Tenant.
func TenantFrom(ctx context.Context) string {
	tenantID, _ := ctx.Value(TenantKey).(string)
	return tenantID
}
