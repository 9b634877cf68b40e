package tenancy

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/platinummonkey/tenancy/pkg/observability"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisInvalidator_PropagatesEvictions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client := newTestRedis(t)

	tenant := &Tenant{ID: 1, Domain: "a.com"}
	local := NewCache(CacheOptions{})
	remote := NewCache(CacheOptions{})
	remote.Put("a.com", MatchHostname, tenant)
	remote.Put("b.com", MatchAlias, tenant)
	remote.Put("x.com", MatchHostname, &Tenant{ID: 2, Domain: "x.com"})

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	publisher := NewRedisInvalidator(client, local, "", nil, quietLogger())
	listener := NewRedisInvalidator(client, remote, "", metrics, quietLogger())
	require.NoError(t, listener.Listen(ctx))

	require.NoError(t, publisher.Publish(ctx, Eviction{TenantID: 1, Domains: []string{"a.com"}}))

	assert.Eventually(t, func() bool { return remote.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	_, ok := remote.GetByID(1)
	assert.False(t, ok)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.InvalidationsTotal.WithLabelValues("receive", "success")))

	require.NoError(t, publisher.Publish(ctx, Eviction{All: true}))
	assert.Eventually(t, func() bool { return remote.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestRedisInvalidator_IgnoresOwnMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client := newTestRedis(t)

	cache := NewCache(CacheOptions{})
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	inv := NewRedisInvalidator(client, cache, "tenancy:test", metrics, quietLogger())
	require.NoError(t, inv.Listen(ctx))

	require.NoError(t, inv.Publish(ctx, Eviction{All: true}))
	cache.Put("a.com", MatchHostname, &Tenant{ID: 1, Domain: "a.com"})

	// a second message from a peer proves the first one was delivered and skipped
	peer := NewRedisInvalidator(client, NewCache(CacheOptions{}), "tenancy:test", nil, quietLogger())
	require.NoError(t, peer.Publish(ctx, Eviction{TenantID: 99}))

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.InvalidationsTotal.WithLabelValues("receive", "success")) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, cache.Len())
}

func TestRedisInvalidator_MalformedPayload(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	cache := NewCache(CacheOptions{})
	cache.Put("a.com", MatchHostname, &Tenant{ID: 1, Domain: "a.com"})
	inv := NewRedisInvalidator(nil, cache, "", metrics, quietLogger())

	inv.apply("{not json")

	assert.Equal(t, 1, cache.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.InvalidationsTotal.WithLabelValues("receive", "error")))
}

func TestService_WithRedisInvalidator(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client := newTestRedis(t)

	repo := NewMemoryRepository()
	writerCache := NewCache(CacheOptions{})
	readerCache := NewCache(CacheOptions{})

	svc := NewService(repo, writerCache, quietLogger())
	svc.SetInvalidator(NewRedisInvalidator(client, writerCache, "", nil, quietLogger()))
	require.NoError(t, NewRedisInvalidator(client, readerCache, "", nil, quietLogger()).Listen(ctx))

	reader := NewResolver(repo, readerCache, quietLogger())

	tenant, err := svc.CreateTenant(ctx, CreateTenantRequest{Domain: "a.com", Name: "A"})
	require.NoError(t, err)
	_, _, err = reader.Resolve(ctx, "a.com")
	require.NoError(t, err)
	require.Equal(t, 1, readerCache.Len())

	require.NoError(t, svc.DeleteTenant(ctx, tenant.ID))

	assert.Eventually(t, func() bool { return readerCache.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	_, _, err = reader.Resolve(ctx, "a.com")
	assert.ErrorIs(t, err, ErrTenantNotFound)
}
