package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T, limit int) (*FixedWindowLimiter, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	limiter, err := NewFixedWindowLimiter(client, "test:ratelimit", limit, time.Minute)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	return limiter, srv
}

func TestFixedWindowLimiterBlocksOverQuota(t *testing.T) {
	limiter, _ := newTestLimiter(t, 2)
	ctx := context.Background()

	for i, wantRemaining := range []int{1, 0} {
		d, err := limiter.Allow(ctx, "user-1")
		if err != nil || !d.Allowed {
			t.Fatalf("request %d should pass: %+v err=%v", i+1, d, err)
		}
		if d.Remaining != wantRemaining {
			t.Fatalf("request %d remaining = %d, want %d", i+1, d.Remaining, wantRemaining)
		}
	}
	d, err := limiter.Allow(ctx, "user-1")
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if d.Allowed {
		t.Fatalf("third request should be blocked")
	}
	if d.RetryAfter(time.Now()) <= 0 {
		t.Fatalf("expected positive retry-after")
	}

	other, err := limiter.Allow(ctx, "user-2")
	if err != nil || !other.Allowed {
		t.Fatalf("separate key should have its own quota")
	}
}

func TestFixedWindowLimiterResetsOnNextWindow(t *testing.T) {
	limiter, _ := newTestLimiter(t, 1)
	base := time.Date(2026, 1, 1, 10, 0, 5, 0, time.UTC)
	limiter.now = func() time.Time { return base }
	ctx := context.Background()

	if d, _ := limiter.Allow(ctx, "k"); !d.Allowed {
		t.Fatalf("first request should pass")
	}
	if d, _ := limiter.Allow(ctx, "k"); d.Allowed {
		t.Fatalf("second request in same window should be blocked")
	}
	limiter.now = func() time.Time { return base.Add(time.Minute) }
	if d, _ := limiter.Allow(ctx, "k"); !d.Allowed {
		t.Fatalf("request in next window should pass")
	}
}

func TestFixedWindowLimiterFailsClosed(t *testing.T) {
	limiter, srv := newTestLimiter(t, 1)
	srv.Close()
	d, err := limiter.Allow(context.Background(), "user-1")
	if err == nil || d.Allowed {
		t.Fatalf("limiter should fail closed on redis errors, got %+v err=%v", d, err)
	}
}

func TestNewFixedWindowLimiterValidates(t *testing.T) {
	if _, err := NewFixedWindowLimiter(nil, "", 1, time.Second); err == nil {
		t.Fatalf("expected error for nil client")
	}
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()
	if _, err := NewFixedWindowLimiter(client, "", 0, time.Second); err == nil {
		t.Fatalf("expected error for zero limit")
	}
}
