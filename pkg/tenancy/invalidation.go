package tenancy

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/platinummonkey/tenancy/pkg/observability"
	"github.com/sirupsen/logrus"
)

// DefaultInvalidationChannel is the pub/sub channel evictions travel on
const DefaultInvalidationChannel = "tenancy:cache:evict"

// invalidationMessage is the wire form of an Eviction
type invalidationMessage struct {
	Origin string `json:"origin"`
	Eviction
}

// RedisInvalidator broadcasts cache evictions to every process sharing the
// Redis channel and applies evictions published by the others.
type RedisInvalidator struct {
	client  *redis.Client
	cache   *Cache
	channel string
	origin  string
	metrics *observability.Metrics
	log     *logrus.Logger
}

// NewRedisInvalidator creates an invalidator applying remote evictions to
// cache. An empty channel selects DefaultInvalidationChannel.
func NewRedisInvalidator(client *redis.Client, cache *Cache, channel string, metrics *observability.Metrics, log *logrus.Logger) *RedisInvalidator {
	if log == nil {
		log = logrus.New()
	}
	if channel == "" {
		channel = DefaultInvalidationChannel
	}
	return &RedisInvalidator{
		client:  client,
		cache:   cache,
		channel: channel,
		origin:  uuid.NewString(),
		metrics: metrics,
		log:     log,
	}
}

// Publish sends ev to the other processes
func (i *RedisInvalidator) Publish(ctx context.Context, ev Eviction) error {
	data, err := json.Marshal(invalidationMessage{Origin: i.origin, Eviction: ev})
	if err != nil {
		return fmt.Errorf("failed to marshal eviction: %w", err)
	}
	err = i.client.Publish(ctx, i.channel, data).Err()
	i.metrics.RecordInvalidation("publish", err)
	if err != nil {
		return fmt.Errorf("failed to publish eviction: %w", err)
	}
	return nil
}

// Listen subscribes to the channel and applies remote evictions in a
// background goroutine until ctx is cancelled. The subscription is confirmed
// before Listen returns. Messages this process published are skipped.
func (i *RedisInvalidator) Listen(ctx context.Context) error {
	sub := i.client.Subscribe(ctx, i.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", i.channel, err)
	}

	go func() {
		defer observability.RecoverPanic(i.log, "cache invalidation listener")
		defer sub.Close()

		messages := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				i.apply(msg.Payload)
			}
		}
	}()

	return nil
}

func (i *RedisInvalidator) apply(payload string) {
	var msg invalidationMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		i.metrics.RecordInvalidation("receive", err)
		i.log.WithError(err).Warn("discarding malformed eviction message")
		return
	}
	if msg.Origin == i.origin {
		return
	}

	if msg.All {
		i.cache.Clear()
	} else {
		i.cache.EvictKeys(msg.TenantID, msg.Domains...)
		i.cache.ForgetMisses()
	}
	i.metrics.RecordInvalidation("receive", nil)
	i.log.WithFields(logrus.Fields{
		"tenant_id": msg.TenantID,
		"domains":   msg.Domains,
		"all":       msg.All,
	}).Debug("applied remote cache eviction")
}
