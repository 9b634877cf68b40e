// Package contextkeys provides centralized context key definitions
//
// IMPORTANT: All context keys used across the application must be defined here.
// This prevents typos, documents dependencies, and makes key usage discoverable.
//
// USAGE PATTERN:
//
//	import "github.com/platinummonkey/tenancy/pkg/contextkeys"
//	ctx = contextkeys.WithRequestID(ctx, id)
//	id := contextkeys.GetRequestID(ctx)
//
// Typed accessors for tenants and principals live next to their types
// (tenancy.FromContext, rbac.PrincipalFromContext) and use the keys below.
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// TenantKey contains *tenancy.Tenant
	// Set by: middleware.Tenant (pkg/middleware/tenant.go)
	// Required by: scoped repositories, permission resolution, admin API
	// Type: *tenancy.Tenant
	TenantKey Key = "tenant"

	// MatchKindKey contains how the tenant was matched
	// Set by: middleware.Tenant, alongside TenantKey
	// Used by: canonicalization checks, request logging
	// Type: tenancy.MatchKind
	MatchKindKey Key = "tenant_match_kind"

	// PrincipalKey contains *rbac.Principal
	// Set by: middleware.Principal (pkg/middleware/principal.go)
	// Required by: rbac.RequirePermission
	// Type: *rbac.Principal
	PrincipalKey Key = "principal"

	// RequestIDKey contains request ID string (UUID)
	// Set by: httputil.RequestIDMiddleware
	// Used by: Logger, error responses
	// Type: string
	RequestIDKey Key = "request_id"

	// UserIDKey contains user ID
	// Set by: rbac.WithPrincipal, alongside PrincipalKey
	// Used by: observability.FromContext
	// Type: int64
	UserIDKey Key = "user_id"
)

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithUserID adds user ID to the context
func WithUserID(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// GetUserID retrieves user ID from context
func GetUserID(ctx context.Context) int64 {
	if userID, ok := ctx.Value(UserIDKey).(int64); ok {
		return userID
	}
	return 0
}
