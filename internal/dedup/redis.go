package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache keeps markers in Redis so they survive restarts and are shared
// between replicas. The payload carries its own expiry; the Redis TTL only
// garbage-collects keys.
type RedisCache struct {
	rdb    *redis.Client
	prefix string
}

// NewRedis connects to redisURL and verifies the connection.
func NewRedis(ctx context.Context, redisURL, password, prefix string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if password != "" {
		opts.Password = password
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisCache{rdb: rdb, prefix: prefix}, nil
}

// Close shuts down the Redis connection.
func (c *RedisCache) Close() error {
	return c.rdb.Close()
}

// Ping checks connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Get returns the live value for key.
func (c *RedisCache) Get(ctx context.Context, key string, now time.Time) (string, bool, error) {
	raw, err := c.rdb.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %s: %w", key, err)
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return "", false, fmt.Errorf("decode marker %s: %w", key, err)
	}
	if !entry.Live(now) {
		return "", false, nil
	}
	return entry.Value, true, nil
}

// Set stores value until now+ttl. A non-positive ttl removes the key.
func (c *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration, now time.Time) error {
	if ttl <= 0 {
		if err := c.rdb.Del(ctx, c.prefix+key).Err(); err != nil {
			return fmt.Errorf("redis del %s: %w", key, err)
		}
		return nil
	}

	payload, err := json.Marshal(Entry{Value: value, ExpiresAt: now.Add(ttl)})
	if err != nil {
		return fmt.Errorf("encode marker %s: %w", key, err)
	}
	if err := c.rdb.Set(ctx, c.prefix+key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

var _ Cache = (*RedisCache)(nil)
