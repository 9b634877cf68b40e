//go:build integration

package tenancy

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/platinummonkey/tenancy/pkg/storage/storagetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresRepository_Integration(t *testing.T) {
	ctx := context.Background()
	db := storagetest.SetupPostgres(t)
	require.NoError(t, RunMigrations(ctx, db, quietLogger()))
	require.NoError(t, RunMigrations(ctx, db, quietLogger()), "migrations are idempotent")

	repo := NewPostgresRepository(db)
	cache := NewCache(CacheOptions{})
	svc := NewService(repo, cache, quietLogger())
	resolver := NewResolver(repo, cache, quietLogger())

	root, err := svc.CreateRootTenant(ctx, "root.example.com", "Root")
	require.NoError(t, err)

	t.Run("single root under concurrency", func(t *testing.T) {
		var wg sync.WaitGroup
		errs := make([]error, 5)
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = repo.CreateTenant(ctx, &Tenant{
					Domain:     fmt.Sprintf("root%d.example.com", i),
					Name:       "Race",
					IsRootSite: true,
				})
			}(i)
		}
		wg.Wait()
		for _, err := range errs {
			assert.True(t, IsInvariantViolation(err))
		}

		current, err := svc.RootTenant(ctx)
		require.NoError(t, err)
		assert.Equal(t, root.ID, current.ID)
	})

	shop, err := svc.CreateTenant(ctx, CreateTenantRequest{Domain: "shop.example.com", Name: "Shop"})
	require.NoError(t, err)
	_, err = svc.AddAlias(ctx, shop.ID, "www.shop.example.com")
	require.NoError(t, err)

	t.Run("unified namespace", func(t *testing.T) {
		_, err := svc.CreateTenant(ctx, CreateTenantRequest{Domain: "WWW.shop.example.com", Name: "Clash"})
		assert.True(t, IsValidation(err))
		_, err = svc.AddAlias(ctx, root.ID, "shop.example.com")
		assert.True(t, IsValidation(err))
	})

	t.Run("resolution", func(t *testing.T) {
		kind, got, err := resolver.Resolve(ctx, "SHOP.example.com:443")
		require.NoError(t, err)
		assert.Equal(t, MatchHostname, kind)
		assert.Equal(t, shop.ID, got.ID)

		kind, got, err = resolver.Resolve(ctx, "www.shop.example.com")
		require.NoError(t, err)
		assert.Equal(t, MatchAlias, kind)
		assert.Equal(t, shop.ID, got.ID)

		_, _, err = resolver.Resolve(ctx, "c.example.com")
		assert.ErrorIs(t, err, ErrTenantNotFound)
	})

	t.Run("delete cascades and evicts", func(t *testing.T) {
		require.NoError(t, svc.DeleteTenant(ctx, shop.ID))

		_, _, err := resolver.Resolve(ctx, "shop.example.com")
		assert.ErrorIs(t, err, ErrTenantNotFound)
		_, _, err = resolver.Resolve(ctx, "www.shop.example.com")
		assert.ErrorIs(t, err, ErrTenantNotFound)

		var aliases int
		require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM site_aliases`).Scan(&aliases))
		assert.Zero(t, aliases)
	})
}
