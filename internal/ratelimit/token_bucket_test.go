package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestTokenBucketCapacity(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := NewTokenBucket(client, 2, 1, time.Minute)

	key := CustomerKey(5)
	allowed, _, err := bucket.Allow(ctx, key)
	if err != nil || !allowed {
		t.Fatalf("expected first token allowed got allowed=%v err=%v", allowed, err)
	}
	allowed, _, _ = bucket.Allow(ctx, key)
	if !allowed {
		t.Fatalf("expected second token allowed")
	}
	allowed, _, _ = bucket.Allow(ctx, key)
	if allowed {
		t.Fatalf("expected third token to be rejected")
	}

	// Note: Cannot test refill with miniredis.FastForward() because the Lua script
	// receives time from Go's time.Now(), not Redis's internal clock.
}

func TestCustomerKeyIsolation(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := NewTokenBucket(client, 1, 1, time.Minute)

	if allowed, _, _ := bucket.Allow(ctx, CustomerKey(1)); !allowed {
		t.Fatalf("customer 1 should have a token")
	}
	if allowed, _, _ := bucket.Allow(ctx, CustomerKey(1)); allowed {
		t.Fatalf("customer 1 bucket should be empty")
	}
	if allowed, _, _ := bucket.Allow(ctx, CustomerKey(2)); !allowed {
		t.Fatalf("customer 2 bucket must not be drained by customer 1")
	}
}
