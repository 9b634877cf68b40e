package tenancy

import (
	"context"

	"github.com/platinummonkey/tenancy/pkg/contextkeys"
)

// WithTenant binds the resolved tenant and match kind to ctx.
// A binding is write-once: if ctx already carries a tenant, ctx is returned
// unchanged.
func WithTenant(ctx context.Context, t *Tenant, kind MatchKind) context.Context {
	if _, ok := FromContext(ctx); ok {
		return ctx
	}
	ctx = context.WithValue(ctx, contextkeys.TenantKey, t)
	return context.WithValue(ctx, contextkeys.MatchKindKey, kind)
}

// FromContext returns the tenant bound to ctx
func FromContext(ctx context.Context) (*Tenant, bool) {
	t, ok := ctx.Value(contextkeys.TenantKey).(*Tenant)
	return t, ok && t != nil
}

// MatchKindFromContext returns how the bound tenant was matched
func MatchKindFromContext(ctx context.Context) (MatchKind, bool) {
	k, ok := ctx.Value(contextkeys.MatchKindKey).(MatchKind)
	return k, ok
}

// CurrentTenantID returns the id of the bound tenant, or 0
func CurrentTenantID(ctx context.Context) int64 {
	if t, ok := FromContext(ctx); ok {
		return t.ID
	}
	return 0
}
