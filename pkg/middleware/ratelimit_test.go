package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/platinummonkey/tenancy/pkg/tenancy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLimiter_Allow(t *testing.T) {
	config := &RateLimitConfig{RequestsPerWindow: 10, WindowDuration: time.Second, BurstSize: 2}
	limiter := NewMemoryLimiter(config)
	now := time.Unix(1700000000, 0)
	limiter.now = func() time.Time { return now }
	ctx := context.Background()

	allowed := 0
	for i := 0; i < 20; i++ {
		ok, err := limiter.Allow(ctx, "tenant:1")
		require.NoError(t, err)
		if ok {
			allowed++
		}
	}
	assert.Equal(t, 12, allowed)

	// other keys have their own bucket
	ok, _ := limiter.Allow(ctx, "tenant:2")
	assert.True(t, ok)

	now = now.Add(500 * time.Millisecond)
	remaining, err := limiter.Remaining(ctx, "tenant:1")
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)

	ok, _ = limiter.Allow(ctx, "tenant:1")
	assert.True(t, ok)
	remaining, _ = limiter.Remaining(ctx, "tenant:1")
	assert.Equal(t, 4, remaining)
}

func TestMemoryLimiter_RefillCapped(t *testing.T) {
	limiter := NewMemoryLimiter(&RateLimitConfig{RequestsPerWindow: 5, WindowDuration: time.Second, BurstSize: 1})
	now := time.Unix(1700000000, 0)
	limiter.now = func() time.Time { return now }
	ctx := context.Background()

	_, _ = limiter.Allow(ctx, "k")
	now = now.Add(time.Hour)
	_, _ = limiter.Allow(ctx, "k")

	remaining, _ := limiter.Remaining(ctx, "k")
	assert.Equal(t, 5, remaining)
}

func TestMemoryLimiter_Cleanup(t *testing.T) {
	limiter := NewMemoryLimiter(&RateLimitConfig{RequestsPerWindow: 10, WindowDuration: time.Second})
	now := time.Unix(1700000000, 0)
	limiter.now = func() time.Time { return now }

	for _, key := range []string{"a", "b", "c"} {
		_, _ = limiter.Allow(context.Background(), key)
	}
	assert.Len(t, limiter.buckets, 3)

	now = now.Add(3 * time.Second)
	limiter.Cleanup()
	assert.Empty(t, limiter.buckets)
}

func TestMemoryLimiter_Concurrent(t *testing.T) {
	limiter := NewMemoryLimiter(&RateLimitConfig{RequestsPerWindow: 100, WindowDuration: time.Hour, BurstSize: 0})
	var allowed int32
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := limiter.Allow(context.Background(), "tenant:1"); ok {
				atomic.AddInt32(&allowed, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(100), allowed)
}

func TestNewMemoryLimiter_NilConfig(t *testing.T) {
	limiter := NewMemoryLimiter(nil)
	assert.Equal(t, DefaultRateLimitConfig(), limiter.Config())
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisLimiter(t *testing.T) {
	mr, client := newTestRedis(t)
	limiter := NewRedisLimiter(client, &RateLimitConfig{RequestsPerWindow: 3, WindowDuration: time.Minute, BurstSize: 1}, "")
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		ok, err := limiter.Allow(ctx, "tenant:1")
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i+1)
	}
	ok, err := limiter.Allow(ctx, "tenant:1")
	require.NoError(t, err)
	assert.False(t, ok)

	remaining, err := limiter.Remaining(ctx, "tenant:1")
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)

	remaining, err = limiter.Remaining(ctx, "tenant:2")
	require.NoError(t, err)
	assert.Equal(t, 4, remaining)

	assert.True(t, mr.Exists("tenancy:ratelimit:tenant:1"))
	ttl, err := limiter.TTL(ctx, "tenant:1")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, ttl)

	mr.FastForward(time.Minute + time.Second)
	ok, err = limiter.Allow(ctx, "tenant:1")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, limiter.Reset(ctx, "tenant:1"))
	assert.False(t, mr.Exists("tenancy:ratelimit:tenant:1"))
	assert.NoError(t, limiter.HealthCheck(ctx))
}

func TestRedisLimiter_Unavailable(t *testing.T) {
	mr, client := newTestRedis(t)
	limiter := NewRedisLimiter(client, nil, "rl")
	mr.Close()

	_, err := limiter.Allow(context.Background(), "tenant:1")
	assert.Error(t, err)
}

func withTenantID(r *http.Request, id int64) *http.Request {
	return r.WithContext(tenancy.WithTenant(r.Context(), &tenancy.Tenant{ID: id}, tenancy.MatchHostname))
}

func TestTenantRateLimit(t *testing.T) {
	limiter := NewMemoryLimiter(&RateLimitConfig{RequestsPerWindow: 2, WindowDuration: time.Minute})
	calls := 0
	h := TenantRateLimit(limiter, RateLimitOptions{Logger: quietLogger()})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))

	serve := func(r *http.Request) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		return rec
	}

	for i := 0; i < 2; i++ {
		rec := serve(withTenantID(httptest.NewRequest(http.MethodGet, "/", nil), 1))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
		assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))
	}

	rec := serve(withTenantID(httptest.NewRequest(http.MethodGet, "/", nil), 1))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":"rate limit exceeded","retry_after":60}`, rec.Body.String())
	assert.Equal(t, 2, calls)

	// a different tenant is unaffected
	rec = serve(withTenantID(httptest.NewRequest(http.MethodGet, "/", nil), 2))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Remaining"))
}

func TestTenantRateLimit_LimiterDown(t *testing.T) {
	mr, client := newTestRedis(t)
	limiter := NewRedisLimiter(client, nil, "")
	mr.Close()

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	rec := httptest.NewRecorder()
	TenantRateLimit(limiter, RateLimitOptions{FailOpen: true, Logger: quietLogger()})(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	TenantRateLimit(limiter, RateLimitOptions{Logger: quietLogger()})(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRateLimitKey(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.10:5555"
	assert.Equal(t, "ip:192.0.2.10", rateLimitKey(r))

	r.Header.Set("X-Real-IP", "198.51.100.2")
	assert.Equal(t, "ip:198.51.100.2", rateLimitKey(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	assert.Equal(t, "ip:203.0.113.5", rateLimitKey(r))

	assert.Equal(t, "tenant:9", rateLimitKey(withTenantID(r, 9)))
}
