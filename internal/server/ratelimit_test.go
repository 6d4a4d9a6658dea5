package server

import (
	"context"
	"testing"
	"time"
)

func TestTokenBucketBurstThenRefill(t *testing.T) {
	bucket := newTokenBucket(100, 2)

	if !bucket.Allow() || !bucket.Allow() {
		t.Fatal("burst capacity should admit two requests")
	}
	if bucket.Allow() {
		t.Fatal("bucket should be empty after the burst")
	}

	time.Sleep(30 * time.Millisecond)
	if !bucket.Allow() {
		t.Fatal("bucket should refill at the configured rate")
	}
}

func TestTokenBucketNeverExceedsCapacity(t *testing.T) {
	bucket := newTokenBucket(1, 1)
	bucket.lastCheck = time.Now().Add(-time.Hour)

	if !bucket.Allow() {
		t.Fatal("expected one token available")
	}
	if bucket.Allow() {
		t.Fatal("capacity of one must not accumulate extra tokens")
	}
}

func TestAllowAttachDisabledWhenNoLimit(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{})
	for i := 0; i < 10; i++ {
		allowed, _, err := rl.AllowAttach(context.Background(), "10.0.0.1")
		if err != nil || !allowed {
			t.Fatalf("unlimited limiter denied attach %d: allowed=%v err=%v", i, allowed, err)
		}
	}
}

func TestAllowAttachPerIPWindow(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{AttachLimit: 2, AttachWindow: time.Hour})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, _, err := rl.AllowAttach(ctx, "10.0.0.1")
		if err != nil || !allowed {
			t.Fatalf("attach %d denied: allowed=%v err=%v", i, allowed, err)
		}
	}

	allowed, retryAfter, err := rl.AllowAttach(ctx, "10.0.0.1")
	if err != nil {
		t.Fatalf("AllowAttach: %v", err)
	}
	if allowed {
		t.Fatal("third attach within the window should be denied")
	}
	if retryAfter <= 0 {
		t.Fatalf("denied attach should carry a retry hint, got %s", retryAfter)
	}

	allowed, _, err = rl.AllowAttach(ctx, "10.0.0.2")
	if err != nil || !allowed {
		t.Fatalf("separate ip should have its own window: allowed=%v err=%v", allowed, err)
	}
}

func TestAllowAttachEmptyKeyFallsBack(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{AttachLimit: 1, AttachWindow: time.Hour})
	ctx := context.Background()

	allowed, _, err := rl.AllowAttach(ctx, "")
	if err != nil || !allowed {
		t.Fatalf("first anonymous attach denied: allowed=%v err=%v", allowed, err)
	}
	allowed, _, _ = rl.AllowAttach(ctx, "")
	if allowed {
		t.Fatal("anonymous clients share a single bucket")
	}
}

func TestAttachBucketCleanup(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{AttachLimit: 1, AttachWindow: time.Millisecond})

	rl.attachMu.Lock()
	rl.attachBuckets["stale"] = &ipLimiter{
		bucket:   newTokenBucket(1, 1),
		lastSeen: time.Now().Add(-time.Minute),
	}
	rl.attachMu.Unlock()

	if _, _, err := rl.AllowAttach(context.Background(), "10.0.0.5"); err != nil {
		t.Fatalf("AllowAttach: %v", err)
	}

	rl.attachMu.Lock()
	_, exists := rl.attachBuckets["stale"]
	rl.attachMu.Unlock()
	if exists {
		t.Fatal("stale bucket should have been evicted")
	}
}
