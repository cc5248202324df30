// Package cache provides a tenant-scoped key/value store with TTL, backed by
// Redis with msgpack-encoded values. Physical keys are namespaced
// "tenant:{id}:{key}" so one tenant's invalidation cannot affect another.
//
// The cache is advisory: on backing-store outage Get reports a miss and Set
// is a no-op. Callers must always be able to proceed without it.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// DefaultTTL applies when callers pass ttl <= 0.
const DefaultTTL = 5 * time.Minute

// Cache is a tenant-partitioned TTL cache.
type Cache struct {
	rdb *redis.Client
	log zerolog.Logger
}

// New creates a cache on the given Redis client.
func New(rdb *redis.Client, log zerolog.Logger) *Cache {
	return &Cache{
		rdb: rdb,
		log: log.With().Str("component", "cache").Logger(),
	}
}

func physicalKey(tenantID, key string) string {
	return "tenant:" + tenantID + ":" + key
}

// Get unmarshals the cached value into dest. Returns false on miss, expired
// entry, or backing-store outage.
func (c *Cache) Get(ctx context.Context, tenantID, key string, dest interface{}) bool {
	data, err := c.rdb.Get(ctx, physicalKey(tenantID, key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn().Err(err).Str("tenant", tenantID).Str("key", key).Msg("Cache read failed, treating as miss")
		}
		return false
	}

	if err := msgpack.Unmarshal(data, dest); err != nil {
		c.log.Warn().Err(err).Str("tenant", tenantID).Str("key", key).Msg("Failed to decode cached value, treating as miss")
		return false
	}

	return true
}

// Set stores value under the tenant's namespace with the given TTL.
func (c *Cache) Set(ctx context.Context, tenantID, key string, value interface{}, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	data, err := msgpack.Marshal(value)
	if err != nil {
		return err
	}

	if err := c.rdb.Set(ctx, physicalKey(tenantID, key), data, ttl).Err(); err != nil {
		// Advisory cache: log and continue.
		c.log.Warn().Err(err).Str("tenant", tenantID).Str("key", key).Msg("Cache write failed")
	}

	return nil
}

// Delete removes one entry.
func (c *Cache) Delete(ctx context.Context, tenantID, key string) error {
	return c.rdb.Del(ctx, physicalKey(tenantID, key)).Err()
}

// InvalidatePattern deletes every entry of the tenant whose logical key
// matches the glob pattern (e.g. "sync:*").
func (c *Cache) InvalidatePattern(ctx context.Context, tenantID, pattern string) error {
	return c.deleteByPattern(ctx, physicalKey(tenantID, pattern))
}

// FlushTenant removes all entries of a tenant. Called on tenant deletion.
func (c *Cache) FlushTenant(ctx context.Context, tenantID string) error {
	return c.deleteByPattern(ctx, physicalKey(tenantID, "*"))
}

func (c *Cache) deleteByPattern(ctx context.Context, pattern string) error {
	iter := c.rdb.Scan(ctx, 0, pattern, 100).Iterator()

	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) >= 500 {
			if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
				return err
			}
			keys = keys[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}

	if len(keys) > 0 {
		return c.rdb.Del(ctx, keys...).Err()
	}
	return nil
}
