package auth

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
)

type contextKey string

var (
	// ErrMissingTenant is returned when the request carries no tenant scope.
	ErrMissingTenant = errors.New("tenant scope is required")
	// ErrMissingUser is returned when the request carries no acting user.
	ErrMissingUser = errors.New("user scope is required")
)

const (
	tenantIDKey contextKey = "tenantID"
	userIDKey   contextKey = "userID"
)

// ContextWithTenantID returns a new context that carries the authenticated tenant scope.
func ContextWithTenantID(ctx context.Context, id uuid.UUID) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, tenantIDKey, id)
}

// ContextWithUserID returns a new context that carries the acting user.
func ContextWithUserID(ctx context.Context, id uuid.UUID) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, userIDKey, id)
}

// TenantIDFromContext retrieves the authenticated tenant scope from the context, if any.
func TenantIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	return idFromContext(ctx, tenantIDKey)
}

// UserIDFromContext retrieves the acting user from the context, if any.
func UserIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	return idFromContext(ctx, userIDKey)
}

func idFromContext(ctx context.Context, key contextKey) (uuid.UUID, bool) {
	if ctx == nil {
		return uuid.Nil, false
	}
	id, ok := ctx.Value(key).(uuid.UUID)
	if !ok || id == uuid.Nil {
		return uuid.Nil, false
	}
	return id, true
}

// RequireScope returns the tenant and user of the request or an error when either is missing.
func RequireScope(ctx context.Context) (tenantID, userID uuid.UUID, err error) {
	tenantID, ok := TenantIDFromContext(ctx)
	if !ok {
		return uuid.Nil, uuid.Nil, ErrMissingTenant
	}
	userID, ok = UserIDFromContext(ctx)
	if !ok {
		return uuid.Nil, uuid.Nil, ErrMissingUser
	}
	return tenantID, userID, nil
}
