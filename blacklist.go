package campusauth

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenBlacklist records revoked access-token JTIs until they expire.
// Logout adds the current access token here so it stops working before
// its natural expiry.
type TokenBlacklist interface {
	Blacklist(ctx context.Context, jti string, ttl time.Duration) error
	IsBlacklisted(ctx context.Context, jti string) (bool, error)
}

// RedisBlacklist stores revoked JTIs in redis with a TTL matching the
// token's remaining lifetime.
type RedisBlacklist struct {
	client *redis.Client
	prefix string
}

// NewRedisBlacklist creates a redis-backed token blacklist.
func NewRedisBlacklist(client *redis.Client) *RedisBlacklist {
	return &RedisBlacklist{client: client, prefix: "campusauth:revoked:"}
}

func (b *RedisBlacklist) Blacklist(ctx context.Context, jti string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	return b.client.Set(ctx, b.prefix+jti, "1", ttl).Err()
}

func (b *RedisBlacklist) IsBlacklisted(ctx context.Context, jti string) (bool, error) {
	n, err := b.client.Exists(ctx, b.prefix+jti).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MemoryBlacklist is an in-process blacklist for single-instance
// deployments and tests.
type MemoryBlacklist struct {
	mu      sync.RWMutex
	entries map[string]time.Time
}

// NewMemoryBlacklist creates an in-memory token blacklist.
func NewMemoryBlacklist() *MemoryBlacklist {
	b := &MemoryBlacklist{entries: make(map[string]time.Time)}
	go b.cleanup()
	return b
}

func (b *MemoryBlacklist) Blacklist(_ context.Context, jti string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	b.mu.Lock()
	b.entries[jti] = time.Now().Add(ttl)
	b.mu.Unlock()
	return nil
}

func (b *MemoryBlacklist) IsBlacklisted(_ context.Context, jti string) (bool, error) {
	b.mu.RLock()
	exp, ok := b.entries[jti]
	b.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if time.Now().After(exp) {
		b.mu.Lock()
		delete(b.entries, jti)
		b.mu.Unlock()
		return false, nil
	}
	return true, nil
}

func (b *MemoryBlacklist) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		now := time.Now()
		b.mu.Lock()
		for jti, exp := range b.entries {
			if now.After(exp) {
				delete(b.entries, jti)
			}
		}
		b.mu.Unlock()
	}
}
