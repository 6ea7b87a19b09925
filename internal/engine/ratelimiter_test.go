package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupTestRL(t *testing.T) *RateLimiter {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewRateLimiter(client, time.Second, logger)
}

func TestRateLimiter_AllowsWithinLimit(t *testing.T) {
	rl := setupTestRL(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if !rl.Allow(ctx, "sub-1", 10) {
			t.Errorf("request %d should be allowed (limit 10)", i+1)
		}
	}
}

func TestRateLimiter_BlocksOverLimit(t *testing.T) {
	rl := setupTestRL(t)
	ctx := context.Background()

	limit := 3
	for i := 0; i < limit; i++ {
		if !rl.Allow(ctx, "sub-1", limit) {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	if rl.Allow(ctx, "sub-1", limit) {
		t.Error("request over the limit should be deferred")
	}
}

func TestRateLimiter_ZeroLimit_AllowsAll(t *testing.T) {
	rl := setupTestRL(t)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		if !rl.Allow(ctx, "sub-1", 0) {
			t.Fatal("zero limit means no rate limiting")
		}
	}
}

func TestRateLimiter_ConfigurableWindowSlides(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	rl := NewRateLimiter(client, 100*time.Millisecond, logger)
	ctx := context.Background()

	if !rl.Allow(ctx, "sub-1", 1) {
		t.Fatal("first request should be allowed")
	}
	if rl.Allow(ctx, "sub-1", 1) {
		t.Fatal("second request inside the window should be deferred")
	}

	time.Sleep(150 * time.Millisecond)

	if !rl.Allow(ctx, "sub-1", 1) {
		t.Error("request after the window slid should be allowed")
	}
}

func TestRateLimiter_IsolationBetweenSubscriptions(t *testing.T) {
	rl := setupTestRL(t)
	ctx := context.Background()

	limit := 2
	for i := 0; i < limit; i++ {
		rl.Allow(ctx, "sub-1", limit)
	}
	if rl.Allow(ctx, "sub-1", limit) {
		t.Error("sub-1 should be rate limited")
	}

	if !rl.Allow(ctx, "sub-2", limit) {
		t.Error("sub-2 has its own window and should be allowed")
	}

	for i := 0; i < 10; i++ {
		sub := fmt.Sprintf("sub-%d", i+10)
		if !rl.Allow(ctx, sub, 1) {
			t.Errorf("first request for %s should be allowed", sub)
		}
	}
}
