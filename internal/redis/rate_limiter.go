package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RateLimiter allows or denies generation submissions per client key.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Limit() int
	Window() time.Duration
}

type slidingWindowLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
}

// NewRateLimiter returns a Redis-backed sliding-window rate limiter.
// limit is the maximum number of submissions allowed per window for a key.
func NewRateLimiter(client *redis.Client, limit int, window time.Duration) RateLimiter {
	return &slidingWindowLimiter{client: client, limit: limit, window: window}
}

func (r *slidingWindowLimiter) Limit() int            { return r.limit }
func (r *slidingWindowLimiter) Window() time.Duration { return r.window }

// Allow records one submission for key and reports whether it fits the window.
// Rejected submissions are removed again so a client hammering the API is
// not locked out beyond the window.
func (r *slidingWindowLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := time.Now().UnixNano()
	windowStart := now - r.window.Nanoseconds()
	rkey := "ratelimit:submit:" + key
	member := strconv.FormatInt(now, 10) + ":" + uuid.NewString()[:8]

	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, rkey, "0", strconv.FormatInt(windowStart, 10))
	pipe.ZAdd(ctx, rkey, redis.Z{Score: float64(now), Member: member})
	countCmd := pipe.ZCard(ctx, rkey)
	pipe.Expire(ctx, rkey, r.window*2)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limiter pipeline for %q: %w", key, err)
	}

	if countCmd.Val() <= int64(r.limit) {
		return true, nil
	}
	if err := r.client.ZRem(ctx, rkey, member).Err(); err != nil {
		return false, fmt.Errorf("rate limiter undo for %q: %w", key, err)
	}
	return false, nil
}
