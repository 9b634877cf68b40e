package middleware

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisLimiter is a fixed-window limiter shared by every process using the
// same Redis
type RedisLimiter struct {
	redis  *redis.Client
	config *RateLimitConfig
	prefix string
}

// NewRedisLimiter creates a Redis-backed limiter. Keys are stored under
// prefix, "tenancy:ratelimit" when empty.
func NewRedisLimiter(client *redis.Client, config *RateLimitConfig, prefix string) *RedisLimiter {
	if config == nil {
		config = DefaultRateLimitConfig()
	}
	if prefix == "" {
		prefix = "tenancy:ratelimit"
	}
	return &RedisLimiter{redis: client, config: config, prefix: prefix}
}

// Config returns the limiter's configuration
func (rl *RedisLimiter) Config() *RateLimitConfig {
	return rl.config
}

func (rl *RedisLimiter) key(key string) string {
	return fmt.Sprintf("%s:%s", rl.prefix, key)
}

func (rl *RedisLimiter) limit() int {
	return rl.config.RequestsPerWindow + rl.config.BurstSize
}

// Allow counts a request against key's current window
func (rl *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	redisKey := rl.key(key)

	count, err := rl.redis.Incr(ctx, redisKey).Result()
	if err != nil {
		return false, fmt.Errorf("failed to count request: %w", err)
	}
	// the first request of a window starts its clock
	if count == 1 {
		if err := rl.redis.Expire(ctx, redisKey, rl.config.WindowDuration).Err(); err != nil {
			return false, fmt.Errorf("failed to start window: %w", err)
		}
	}
	return count <= int64(rl.limit()), nil
}

// Remaining returns the number of requests left in key's window
func (rl *RedisLimiter) Remaining(ctx context.Context, key string) (int, error) {
	count, err := rl.redis.Get(ctx, rl.key(key)).Int()
	if errors.Is(err, redis.Nil) {
		return rl.limit(), nil
	}
	if err != nil {
		return 0, err
	}
	if remaining := rl.limit() - count; remaining > 0 {
		return remaining, nil
	}
	return 0, nil
}

// TTL returns the time until key's window resets
func (rl *RedisLimiter) TTL(ctx context.Context, key string) (time.Duration, error) {
	return rl.redis.TTL(ctx, rl.key(key)).Result()
}

// Reset clears key's window
func (rl *RedisLimiter) Reset(ctx context.Context, key string) error {
	return rl.redis.Del(ctx, rl.key(key)).Err()
}

// HealthCheck verifies Redis connectivity
func (rl *RedisLimiter) HealthCheck(ctx context.Context) error {
	return rl.redis.Ping(ctx).Err()
}
