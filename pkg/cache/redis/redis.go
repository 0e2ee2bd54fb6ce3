// Package redis is a shared second-tier response cache so gateway replicas
// can reuse each other's backend calls.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pario-ai/modelgate/pkg/config"
	"github.com/pario-ai/modelgate/pkg/models"
)

// Cache stores entries as JSON values with a Redis expiry.
type Cache struct {
	client *redis.Client
	prefix string
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg config.RedisConfig) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		PoolSize:     100,
		MinIdleConns: 10,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Addr, err)
	}
	return NewWithClient(client, cfg.KeyPrefix), nil
}

// NewWithClient wraps an existing client without pinging it.
func NewWithClient(client *redis.Client, prefix string) *Cache {
	return &Cache{client: client, prefix: prefix}
}

func (c *Cache) key(fingerprint string) string {
	return c.prefix + fingerprint
}

// Get returns the entry for fingerprint; a missing key is a miss, not an error.
func (c *Cache) Get(ctx context.Context, fingerprint string) (models.CacheEntry, bool, error) {
	val, err := c.client.Get(ctx, c.key(fingerprint)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.CacheEntry{}, false, nil
	}
	if err != nil {
		return models.CacheEntry{}, false, fmt.Errorf("redis get: %w", err)
	}

	var entry models.CacheEntry
	if err := json.Unmarshal(val, &entry); err != nil {
		return models.CacheEntry{}, false, fmt.Errorf("decode cache entry: %w", err)
	}
	return entry, true, nil
}

// Put stores entry with a Redis expiry of ttl.
func (c *Cache) Put(ctx context.Context, entry models.CacheEntry, ttl time.Duration) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	if err := c.client.Set(ctx, c.key(entry.Fingerprint), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// scan visits every key under the prefix.
func (c *Cache) scan(ctx context.Context, fn func(keys []string) error) error {
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, c.prefix+"*", 500).Result()
		if err != nil {
			return fmt.Errorf("redis scan: %w", err)
		}
		if len(keys) > 0 {
			if err := fn(keys); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// Stats counts entries under the prefix. Expired keys are already gone.
func (c *Cache) Stats(ctx context.Context) (models.CacheStats, error) {
	var stats models.CacheStats
	err := c.scan(ctx, func(keys []string) error {
		stats.Entries += int64(len(keys))
		return nil
	})
	return stats, err
}

// Clear deletes every entry under the prefix and returns how many were removed.
func (c *Cache) Clear(ctx context.Context) (int64, error) {
	var removed int64
	err := c.scan(ctx, func(keys []string) error {
		n, err := c.client.Del(ctx, keys...).Result()
		if err != nil {
			return fmt.Errorf("redis del: %w", err)
		}
		removed += n
		return nil
	})
	return removed, err
}

// Health pings the server.
func (c *Cache) Health(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close releases the client's connections.
func (c *Cache) Close() error {
	return c.client.Close()
}
