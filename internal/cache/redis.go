// Package cache holds the short-lived status snapshot shared by API
// replicas. Every event write and every automatic transition drops the
// snapshot, so the TTL only bounds staleness from writers that bypass
// this service.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const defaultPrefix = "lifecycle"

type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	log    zerolog.Logger
}

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{
		client: client,
		prefix: defaultPrefix,
		ttl:    ttl,
		log:    log.Logger.With().Str("component", "cache").Logger(),
	}
}

// WithPrefix namespaces keys, for several deployments sharing one Redis.
func (c *RedisCache) WithPrefix(prefix string) *RedisCache {
	c.prefix = prefix
	return c
}

// Get returns the cached value for name. A miss and a Redis failure both
// report ok=false; failures are logged.
func (c *RedisCache) Get(ctx context.Context, name string) ([]byte, bool) {
	val, err := c.client.Get(ctx, c.key(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		c.log.Warn().Err(err).Str("key", c.key(name)).Msg("get failed")
		return nil, false
	}
	return val, true
}

// Set stores val under name with the cache TTL.
func (c *RedisCache) Set(ctx context.Context, name string, val []byte) {
	if err := c.client.Set(ctx, c.key(name), val, c.ttl).Err(); err != nil {
		c.log.Warn().Err(err).Str("key", c.key(name)).Msg("set failed")
	}
}

// Invalidate drops the status snapshot.
func (c *RedisCache) Invalidate(ctx context.Context) {
	if err := c.client.Del(ctx, c.key(SnapshotKey)).Err(); err != nil {
		c.log.Warn().Err(err).Msg("invalidate failed")
	}
}

// Ping checks connectivity, for startup and health checks.
func (c *RedisCache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// SnapshotKey names the dashboard status snapshot.
const SnapshotKey = "status:snapshot"

func (c *RedisCache) key(name string) string {
	return c.prefix + ":" + name
}
