package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RateLimiter throttles API submissions per caller using a sliding window in Redis.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
	Limit() int
}

// Decision is the verdict for one request.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

type slidingWindowLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	now    func() time.Time
}

// NewRateLimiter returns a Redis-backed sliding-window rate limiter allowing
// limit events per window for each key.
func NewRateLimiter(client *redis.Client, limit int, window time.Duration) RateLimiter {
	return &slidingWindowLimiter{client: client, limit: limit, window: window, now: time.Now}
}

func (r *slidingWindowLimiter) Limit() int { return r.limit }

// Allow records the event and reports whether it fits in the window. Rejected
// events are removed again so they do not extend the caller's penalty.
func (r *slidingWindowLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	now := r.now()
	windowStart := now.Add(-r.window).UnixMilli()
	rkey := "stageflow:ratelimit:" + key
	member := strconv.FormatInt(now.UnixNano(), 10) + "-" + uuid.NewString()[:8]

	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, rkey, "-inf", strconv.FormatInt(windowStart, 10))
	pipe.ZAdd(ctx, rkey, redis.Z{Score: float64(now.UnixMilli()), Member: member})
	countCmd := pipe.ZCard(ctx, rkey)
	oldestCmd := pipe.ZRangeWithScores(ctx, rkey, 0, 0)
	pipe.PExpire(ctx, rkey, r.window*2)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("rate limiter pipeline for %q: %w", key, err)
	}

	count := int(countCmd.Val())
	if count <= r.limit {
		return Decision{Allowed: true, Remaining: r.limit - count}, nil
	}

	if err := r.client.ZRem(ctx, rkey, member).Err(); err != nil {
		return Decision{}, fmt.Errorf("rate limiter undo for %q: %w", key, err)
	}
	d := Decision{RetryAfter: r.window}
	if oldest := oldestCmd.Val(); len(oldest) > 0 {
		expires := time.UnixMilli(int64(oldest[0].Score)).Add(r.window)
		if wait := expires.Sub(now); wait > 0 {
			d.RetryAfter = wait
		}
	}
	return d, nil
}
