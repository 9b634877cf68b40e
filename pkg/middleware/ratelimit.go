package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/platinummonkey/tenancy/pkg/tenancy"
	"github.com/sirupsen/logrus"
)

// RateLimitConfig defines rate limiting configuration
type RateLimitConfig struct {
	// RequestsPerWindow is the max requests allowed in the time window
	RequestsPerWindow int
	// WindowDuration is the time window for rate limiting
	WindowDuration time.Duration
	// BurstSize allows temporary bursts above the rate
	BurstSize int
}

// DefaultRateLimitConfig returns the per-tenant default of 6000 requests a
// minute with a burst of 200
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerWindow: 6000,
		WindowDuration:    time.Minute,
		BurstSize:         200,
	}
}

// Limiter decides whether a request identified by key may proceed
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Remaining(ctx context.Context, key string) (int, error)
	Config() *RateLimitConfig
}

// MemoryLimiter is a per-process token bucket limiter
type MemoryLimiter struct {
	config  *RateLimitConfig
	buckets map[string]*bucket
	mu      sync.RWMutex
	now     func() time.Time
}

type bucket struct {
	tokens     int
	lastUpdate time.Time
	mu         sync.Mutex
}

// NewMemoryLimiter creates a token bucket limiter; nil config uses defaults
func NewMemoryLimiter(config *RateLimitConfig) *MemoryLimiter {
	if config == nil {
		config = DefaultRateLimitConfig()
	}
	return &MemoryLimiter{
		config:  config,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Config returns the limiter's configuration
func (rl *MemoryLimiter) Config() *RateLimitConfig {
	return rl.config
}

func (rl *MemoryLimiter) capacity() int {
	return rl.config.RequestsPerWindow + rl.config.BurstSize
}

// Allow takes a token from key's bucket. It never returns an error.
func (rl *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	rl.mu.Lock()
	b, exists := rl.buckets[key]
	if !exists {
		b = &bucket{tokens: rl.capacity(), lastUpdate: rl.now()}
		rl.buckets[key] = b
	}
	rl.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	now := rl.now()
	refill := int(now.Sub(b.lastUpdate).Seconds() * float64(rl.config.RequestsPerWindow) / rl.config.WindowDuration.Seconds())
	if refill > 0 {
		b.tokens += refill
		if b.tokens > rl.capacity() {
			b.tokens = rl.capacity()
		}
		b.lastUpdate = now
	}

	if b.tokens > 0 {
		b.tokens--
		return true, nil
	}
	return false, nil
}

// Remaining returns the number of tokens left for key
func (rl *MemoryLimiter) Remaining(_ context.Context, key string) (int, error) {
	rl.mu.RLock()
	b, exists := rl.buckets[key]
	rl.mu.RUnlock()
	if !exists {
		return rl.capacity(), nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens, nil
}

// Cleanup removes buckets idle for more than two windows
func (rl *MemoryLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for key, b := range rl.buckets {
		b.mu.Lock()
		if now.Sub(b.lastUpdate) > rl.config.WindowDuration*2 {
			delete(rl.buckets, key)
		}
		b.mu.Unlock()
	}
}

// StartCleanup runs Cleanup every window until ctx is done
func (rl *MemoryLimiter) StartCleanup(ctx context.Context) {
	ticker := time.NewTicker(rl.config.WindowDuration)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rl.Cleanup()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// RateLimitOptions configures TenantRateLimit
type RateLimitOptions struct {
	// FailOpen admits requests when the limiter errors. Otherwise they get 503.
	FailOpen bool
	Logger   *logrus.Logger
}

// TenantRateLimit limits requests per resolved tenant. Requests that reach it
// without a bound tenant are limited per client IP. It runs after Tenant.
func TenantRateLimit(limiter Limiter, opts RateLimitOptions) func(http.Handler) http.Handler {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			key := rateLimitKey(r)
			cfg := limiter.Config()

			allowed, err := limiter.Allow(ctx, key)
			if err != nil {
				opts.Logger.WithError(err).WithField("key", key).Warn("rate limiter unavailable")
				if opts.FailOpen {
					next.ServeHTTP(w, r)
					return
				}
				http.Error(w, "Service temporarily unavailable", http.StatusServiceUnavailable)
				return
			}

			if !allowed {
				rateLimitExceeded(w, cfg)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(cfg.RequestsPerWindow))
			if remaining, err := limiter.Remaining(ctx, key); err == nil {
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			}
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(cfg.WindowDuration).Unix(), 10))

			next.ServeHTTP(w, r)
		})
	}
}

func rateLimitKey(r *http.Request) string {
	if id := tenancy.CurrentTenantID(r.Context()); id != 0 {
		return fmt.Sprintf("tenant:%d", id)
	}
	return "ip:" + clientIP(r)
}

func rateLimitExceeded(w http.ResponseWriter, cfg *RateLimitConfig) {
	retryAfter := fmt.Sprintf("%.0f", cfg.WindowDuration.Seconds())
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", retryAfter)
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(cfg.RequestsPerWindow))
	w.Header().Set("X-RateLimit-Remaining", "0")
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(cfg.WindowDuration).Unix(), 10))
	w.WriteHeader(http.StatusTooManyRequests)
	w.Write([]byte(`{"error":"rate limit exceeded","retry_after":` + retryAfter + `}`))
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
