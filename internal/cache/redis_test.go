package cache

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// unreachable returns a cache whose Redis refuses connections.
func unreachable(t *testing.T) *RedisCache {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisCache(client, 30*time.Second)
}

func TestRedisCache_Key(t *testing.T) {
	c := NewRedisCache(nil, time.Second)
	if got := c.key(SnapshotKey); got != "lifecycle:status:snapshot" {
		t.Errorf("key = %q", got)
	}
	c.WithPrefix("staging")
	if got := c.key(SnapshotKey); got != "staging:status:snapshot" {
		t.Errorf("key with prefix = %q", got)
	}
}

func TestRedisCache_UnavailableIsAMiss(t *testing.T) {
	c := unreachable(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, ok := c.Get(ctx, SnapshotKey); ok {
		t.Error("Get against unreachable Redis reported a hit")
	}
	// Must not panic or block.
	c.Set(ctx, SnapshotKey, []byte(`{}`))
	c.Invalidate(ctx)

	if err := c.Ping(ctx); err == nil {
		t.Error("Ping against unreachable Redis should fail")
	}
}
