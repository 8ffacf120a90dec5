package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testLimiter(t *testing.T, capacity int) *SourceLimiter {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewSourceLimiter(client, capacity, 1, time.Minute)
}

func TestSourceLimiterCapacity(t *testing.T) {
	ctx := context.Background()
	limiter := testLimiter(t, 2)

	allowed, _, err := limiter.Allow(ctx, "198.51.100.7")
	if err != nil || !allowed {
		t.Fatalf("expected first token allowed got allowed=%v err=%v", allowed, err)
	}
	allowed, _, _ = limiter.Allow(ctx, "198.51.100.7")
	if !allowed {
		t.Fatalf("expected second token allowed")
	}
	allowed, _, _ = limiter.Allow(ctx, "198.51.100.7")
	if allowed {
		t.Fatalf("expected third token to be rejected")
	}

	// Note: Cannot test refill with miniredis.FastForward() because the Lua script
	// receives time from Go's time.Now(), not Redis's internal clock.
}

// One flooding source must not consume another source's budget.
func TestSourceLimiterIsolatesSources(t *testing.T) {
	ctx := context.Background()
	limiter := testLimiter(t, 1)

	if allowed, _, err := limiter.Allow(ctx, "198.51.100.7"); err != nil || !allowed {
		t.Fatalf("expected first source allowed got allowed=%v err=%v", allowed, err)
	}
	if allowed, _, _ := limiter.Allow(ctx, "198.51.100.7"); allowed {
		t.Fatalf("expected exhausted source to be rejected")
	}
	if allowed, _, err := limiter.Allow(ctx, "203.0.113.9"); err != nil || !allowed {
		t.Fatalf("other sources must keep their own bucket, got allowed=%v err=%v", allowed, err)
	}
}
