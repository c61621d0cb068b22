package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter bounds how many events a key may emit per window. The
// dispatcher keys it by job type, so a flood of one type cannot starve
// the others' worker topics.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Limit() int
}

type slidingWindowLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
}

// NewRateLimiter returns a sliding-window limiter backed by a Redis
// sorted set per key. Counts are shared across dispatcher replicas.
func NewRateLimiter(client *redis.Client, limit int, window time.Duration) RateLimiter {
	return &slidingWindowLimiter{client: client, limit: limit, window: window}
}

func (r *slidingWindowLimiter) Limit() int { return r.limit }

// Allow records the event and reports whether it fits in the window. The
// sorted set holds one member per event, scored by nanosecond timestamp;
// one transactional pipeline evicts, records, and counts.
func (r *slidingWindowLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := time.Now().UnixNano()
	cutoff := strconv.FormatInt(now-r.window.Nanoseconds(), 10)
	member := strconv.FormatInt(now, 10)
	zkey := "throttle:" + key

	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, zkey, "0", cutoff)
	pipe.ZAdd(ctx, zkey, redis.Z{Score: float64(now), Member: member})
	countCmd := pipe.ZCard(ctx, zkey)
	// Expire after two idle windows so abandoned keys clean themselves up.
	pipe.Expire(ctx, zkey, r.window*2)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limiter pipeline for %q: %w", key, err)
	}
	return countCmd.Val() <= int64(r.limit), nil
}
