package tenancy

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHooks_FireAroundCreate(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	var events []string
	svc.Hooks().OnPreCreate(func(_ context.Context, tenant *Tenant) error {
		assert.Zero(t, tenant.ID, "pre-create runs before persistence")
		events = append(events, "pre:"+tenant.Domain)
		return nil
	})
	svc.Hooks().OnPostCreate(func(_ context.Context, tenant *Tenant) error {
		assert.NotZero(t, tenant.ID)
		events = append(events, "post:"+tenant.Domain)
		return nil
	})

	_, err := svc.CreateTenant(ctx, CreateTenantRequest{Domain: "a.com", Name: "A"})
	require.NoError(t, err)
	assert.Equal(t, []string{"pre:a.com", "post:a.com"}, events)
}

func TestHooks_FailuresDoNotRollBack(t *testing.T) {
	ctx := context.Background()
	svc, repo, _ := newTestService(t)

	svc.Hooks().OnPostCreate(func(context.Context, *Tenant) error {
		return errors.New("observer failed")
	})
	svc.Hooks().OnPostCreate(func(context.Context, *Tenant) error {
		panic("observer exploded")
	})
	called := false
	svc.Hooks().OnPostCreate(func(context.Context, *Tenant) error {
		called = true
		return nil
	})

	tenant, err := svc.CreateTenant(ctx, CreateTenantRequest{Domain: "a.com", Name: "A"})
	require.NoError(t, err)
	assert.True(t, called, "later hooks still run")

	_, err = repo.GetTenant(ctx, tenant.ID)
	assert.NoError(t, err)
}

func TestHooks_NotFiredOnValidationFailure(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	fired := 0
	svc.Hooks().OnPreCreate(func(context.Context, *Tenant) error { fired++; return nil })

	_, err := svc.CreateTenant(ctx, CreateTenantRequest{Domain: "nodot", Name: "X"})
	require.Error(t, err)
	assert.Zero(t, fired)
}

func TestHooks_ReceiveCopies(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	svc.Hooks().OnPostCreate(func(_ context.Context, tenant *Tenant) error {
		tenant.Name = "mutated"
		return nil
	})

	tenant, err := svc.CreateTenant(ctx, CreateTenantRequest{Domain: "a.com", Name: "A"})
	require.NoError(t, err)
	assert.Equal(t, "A", tenant.Name)
}
