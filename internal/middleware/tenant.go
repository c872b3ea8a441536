package middleware

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/rpattn/assetimport/internal/auth"
)

const (
	TenantHeader = "X-Tenant-ID"
	UserHeader   = "X-User-ID"
)

// TenantMiddleware reads the tenant and user set by the authenticating proxy
// and stores them on the request context. Requests without a valid tenant are rejected.
func TenantMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID, err := uuid.Parse(strings.TrimSpace(r.Header.Get(TenantHeader)))
		if err != nil || tenantID == uuid.Nil {
			http.Error(w, "missing or invalid "+TenantHeader+" header", http.StatusUnauthorized)
			return
		}
		ctx := auth.ContextWithTenantID(r.Context(), tenantID)
		if raw := strings.TrimSpace(r.Header.Get(UserHeader)); raw != "" {
			userID, err := uuid.Parse(raw)
			if err != nil {
				http.Error(w, "invalid "+UserHeader+" header", http.StatusUnauthorized)
				return
			}
			ctx = auth.ContextWithUserID(ctx, userID)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
