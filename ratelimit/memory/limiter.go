// Package memory provides an in-process fixed-window rate limiter. It is
// the default when no Redis client is configured; with more than one
// instance behind a load balancer the effective limit multiplies, so use
// the redis limiter there.
package memory

import (
	"context"
	"sync"
	"time"
)

type window struct {
	count int
	reset time.Time
}

// RateLimiter counts requests per key in fixed windows.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]window
}

// New creates an in-memory rate limiter and starts its janitor goroutine.
func New() *RateLimiter {
	l := &RateLimiter{windows: make(map[string]window)}
	go l.janitor()
	return l
}

// Allow records one request against key and reports whether it fits inside
// the current window, along with how many requests remain.
func (l *RateLimiter) Allow(_ context.Context, key string, limit int, windowSize time.Duration) (bool, int, error) {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || now.After(w.reset) {
		l.windows[key] = window{count: 1, reset: now.Add(windowSize)}
		return true, limit - 1, nil
	}

	w.count++
	l.windows[key] = w

	remaining := limit - w.count
	if remaining < 0 {
		remaining = 0
	}
	return w.count <= limit, remaining, nil
}

// janitor drops windows whose reset time has passed so abandoned keys do
// not accumulate.
func (l *RateLimiter) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		now := time.Now()
		l.mu.Lock()
		for key, w := range l.windows {
			if now.After(w.reset) {
				delete(l.windows, key)
			}
		}
		l.mu.Unlock()
	}
}
