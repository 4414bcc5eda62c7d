// Package redis provides a Redis-backed fixed-window rate limiter, shared
// across every instance serving logins.
package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "campusauth:rl:"

// RateLimiter counts requests per key in Redis. All instances share the
// counters, so the configured limit holds for the whole deployment.
type RateLimiter struct {
	client *redis.Client
}

// New creates a Redis rate limiter.
func New(client *redis.Client) *RateLimiter {
	return &RateLimiter{client: client}
}

// Allow records one request against key and reports whether it fits inside
// the current window. The expiry is set when the counter is created, not
// refreshed per hit, so a steady stream of requests cannot stretch the
// window.
func (l *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, int, error) {
	k := keyPrefix + key

	count, err := l.client.Incr(ctx, k).Result()
	if err != nil {
		return false, 0, err
	}
	if count == 1 {
		if err := l.client.Expire(ctx, k, window).Err(); err != nil {
			return false, 0, err
		}
	}

	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return int(count) <= limit, remaining, nil
}
