// Package ratelimit implements a sliding-window request limiter backed by
// Redis. Keys partition the window space (tenant, endpoint, global); each
// request is recorded with its timestamp so the window is measured exactly.
//
// Policy on backing-store outage: fail-open. Availability dominates strict
// limiting at this layer; upstream APIs enforce their own quotas.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Default limits. Endpoint-specific limits live with the clients that own them.
const (
	DefaultTenantLimit = 100  // requests per minute per tenant
	DefaultGlobalLimit = 1000 // requests per minute service-wide
)

// Result describes one admission decision.
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Limiter is a sliding-window counter keyed by string.
type Limiter struct {
	rdb *redis.Client
	log zerolog.Logger
}

// New creates a limiter on the given Redis client.
func New(rdb *redis.Client, log zerolog.Logger) *Limiter {
	return &Limiter{
		rdb: rdb,
		log: log.With().Str("component", "ratelimit").Logger(),
	}
}

// Check admits a request iff fewer than limit requests were recorded within
// the trailing window. The request is recorded only when admitted.
func (l *Limiter) Check(ctx context.Context, key string, limit int, window time.Duration) (Result, error) {
	now := time.Now()
	redisKey := "ratelimit:" + key
	windowStart := now.Add(-window)

	pipe := l.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", fmt.Sprintf("%d", windowStart.UnixNano()))
	countCmd := pipe.ZCard(ctx, redisKey)
	oldestCmd := pipe.ZRangeWithScores(ctx, redisKey, 0, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		// Fail-open: a limiter outage must not take the pipeline down.
		l.log.Warn().Err(err).Str("key", key).Msg("Rate limiter backing store unavailable, failing open")
		return Result{Allowed: true, Remaining: limit, ResetAt: now}, nil
	}

	count := int(countCmd.Val())
	resetAt := now.Add(window)
	if entries := oldestCmd.Val(); len(entries) > 0 {
		resetAt = time.Unix(0, int64(entries[0].Score)).Add(window)
	}

	if count >= limit {
		return Result{Allowed: false, Remaining: 0, ResetAt: resetAt}, nil
	}

	// Record the admitted request. Member must be unique: multiple requests
	// can share a nanosecond timestamp under load.
	record := l.rdb.TxPipeline()
	record.ZAdd(ctx, redisKey, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: uuid.NewString(),
	})
	record.Expire(ctx, redisKey, window+time.Second)
	if _, err := record.Exec(ctx); err != nil {
		l.log.Warn().Err(err).Str("key", key).Msg("Failed to record rate limiter entry, failing open")
	}

	return Result{Allowed: true, Remaining: limit - count - 1, ResetAt: resetAt}, nil
}

// Wait blocks until the key admits a request or the context is cancelled.
func (l *Limiter) Wait(ctx context.Context, key string, limit int, window time.Duration) error {
	for {
		res, err := l.Check(ctx, key, limit, window)
		if err != nil {
			return err
		}
		if res.Allowed {
			return nil
		}

		delay := time.Until(res.ResetAt)
		if delay < 100*time.Millisecond {
			delay = 100 * time.Millisecond
		}

		l.log.Debug().
			Str("key", key).
			Dur("delay", delay).
			Msg("Rate limit reached, waiting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}
