package redis

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	red "github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*red.Client, *miniredis.Miniredis) {
	t.Helper()

	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	client := red.NewClient(&red.Options{Addr: server.Addr()})

	t.Cleanup(func() {
		_ = client.Close()
		server.Close()
	})

	return client, server
}

func TestAllowWithinLimit(t *testing.T) {
	client, _ := newTestRedis(t)
	limiter := New(client)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, remaining, err := limiter.Allow(ctx, "login:10.0.0.1", 3, time.Minute)
		if err != nil {
			t.Fatalf("Allow returned error: %v", err)
		}
		if !ok {
			t.Fatalf("attempt %d denied, want allowed", i+1)
		}
		if want := 3 - (i + 1); remaining != want {
			t.Errorf("attempt %d remaining = %d, want %d", i+1, remaining, want)
		}
	}

	ok, remaining, err := limiter.Allow(ctx, "login:10.0.0.1", 3, time.Minute)
	if err != nil {
		t.Fatalf("Allow returned error: %v", err)
	}
	if ok {
		t.Error("fourth attempt allowed, want denied")
	}
	if remaining != 0 {
		t.Errorf("remaining = %d, want 0", remaining)
	}
}

func TestAllowKeysAreIndependent(t *testing.T) {
	client, _ := newTestRedis(t)
	limiter := New(client)
	ctx := context.Background()

	if ok, _, _ := limiter.Allow(ctx, "login:10.0.0.1", 1, time.Minute); !ok {
		t.Fatal("first key first attempt denied")
	}
	if ok, _, _ := limiter.Allow(ctx, "login:10.0.0.1", 1, time.Minute); ok {
		t.Fatal("first key second attempt allowed")
	}
	if ok, _, _ := limiter.Allow(ctx, "login:10.0.0.2", 1, time.Minute); !ok {
		t.Fatal("second key blocked by first key's counter")
	}
}

func TestAllowWindowExpiry(t *testing.T) {
	client, server := newTestRedis(t)
	limiter := New(client)
	ctx := context.Background()

	if ok, _, _ := limiter.Allow(ctx, "reset:k", 1, time.Minute); !ok {
		t.Fatal("first attempt denied")
	}
	if ok, _, _ := limiter.Allow(ctx, "reset:k", 1, time.Minute); ok {
		t.Fatal("second attempt allowed")
	}

	server.FastForward(time.Minute + time.Second)

	if ok, _, _ := limiter.Allow(ctx, "reset:k", 1, time.Minute); !ok {
		t.Fatal("attempt after window denied")
	}
}
