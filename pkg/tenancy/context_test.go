package tenancy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithTenant_WriteOnce(t *testing.T) {
	first := &Tenant{ID: 1, Domain: "a.com"}
	second := &Tenant{ID: 2, Domain: "b.com"}

	ctx := WithTenant(context.Background(), first, MatchAlias)
	ctx = WithTenant(ctx, second, MatchHostname)

	got, ok := FromContext(ctx)
	assert.True(t, ok)
	assert.Same(t, first, got)

	kind, ok := MatchKindFromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, MatchAlias, kind)
	assert.Equal(t, int64(1), CurrentTenantID(ctx))
}

func TestFromContext_Unbound(t *testing.T) {
	_, ok := FromContext(context.Background())
	assert.False(t, ok)
	assert.Zero(t, CurrentTenantID(context.Background()))
}
