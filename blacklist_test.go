package campusauth

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryBlacklist(t *testing.T) {
	b := NewMemoryBlacklist()
	ctx := context.Background()

	if err := b.Blacklist(ctx, "jti-1", time.Minute); err != nil {
		t.Fatal(err)
	}
	if ok, _ := b.IsBlacklisted(ctx, "jti-1"); !ok {
		t.Error("jti-1 not blacklisted")
	}
	if ok, _ := b.IsBlacklisted(ctx, "jti-2"); ok {
		t.Error("jti-2 reported blacklisted")
	}

	// Expired tokens need no entry; a zero TTL is a no-op.
	if err := b.Blacklist(ctx, "jti-3", 0); err != nil {
		t.Fatal(err)
	}
	if ok, _ := b.IsBlacklisted(ctx, "jti-3"); ok {
		t.Error("zero-ttl jti reported blacklisted")
	}

	if err := b.Blacklist(ctx, "jti-4", time.Millisecond); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	if ok, _ := b.IsBlacklisted(ctx, "jti-4"); ok {
		t.Error("expired jti still blacklisted")
	}
}

func TestRedisBlacklist(t *testing.T) {
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		server.Close()
	})

	b := NewRedisBlacklist(client)
	ctx := context.Background()

	if err := b.Blacklist(ctx, "jti-1", time.Minute); err != nil {
		t.Fatal(err)
	}
	ok, err := b.IsBlacklisted(ctx, "jti-1")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("jti-1 not blacklisted")
	}

	if ttl := server.TTL("campusauth:revoked:jti-1"); ttl <= 0 || ttl > time.Minute {
		t.Errorf("ttl = %v, want within (0, 1m]", ttl)
	}

	server.FastForward(2 * time.Minute)
	if ok, _ := b.IsBlacklisted(ctx, "jti-1"); ok {
		t.Error("jti still blacklisted after expiry")
	}
}
