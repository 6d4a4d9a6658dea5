package server

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type RateLimitConfig struct {
	GlobalRPS     float64
	GlobalBurst   int
	AttachLimit   int
	AttachWindow  time.Duration
	RedisAddr     string
	RedisPassword string
	RedisTimeout  time.Duration
}

// rateLimiter combines a global token bucket with a per-IP window on stream
// attaches. The attach window lives in Redis when configured so limits hold
// across replicas, falling back to local buckets otherwise.
type rateLimiter struct {
	global        *tokenBucket
	attachLimit   int
	attachWindow  time.Duration
	attachMu      sync.Mutex
	attachBuckets map[string]*ipLimiter
	store         tokenStore
}

type ipLimiter struct {
	bucket   *tokenBucket
	lastSeen time.Time
}

type tokenStore interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error)
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	rl := &rateLimiter{
		attachLimit:   cfg.AttachLimit,
		attachWindow:  cfg.AttachWindow,
		attachBuckets: make(map[string]*ipLimiter),
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = int(cfg.GlobalRPS)
			if burst < 1 {
				burst = 1
			}
		}
		rl.global = newTokenBucket(cfg.GlobalRPS, burst)
	}
	if rl.attachWindow <= 0 {
		rl.attachWindow = time.Minute
	}
	if cfg.RedisAddr != "" && rl.attachLimit > 0 {
		timeout := cfg.RedisTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		rl.store = newRedisStore(cfg.RedisAddr, cfg.RedisPassword, timeout)
	}
	return rl
}

func (r *rateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.Allow()
}

// AllowAttach gates stream attaches per client IP.
func (r *rateLimiter) AllowAttach(ctx context.Context, key string) (bool, time.Duration, error) {
	if r == nil || r.attachLimit <= 0 {
		return true, 0, nil
	}
	if r.store != nil {
		return r.store.Allow(ctx, fmt.Sprintf("relaytv:attach:%s", key), r.attachLimit, r.attachWindow)
	}
	if key == "" {
		key = "unknown"
	}
	r.attachMu.Lock()
	bucket, exists := r.attachBuckets[key]
	if !exists {
		rate := float64(r.attachLimit) / r.attachWindow.Seconds()
		if rate <= 0 {
			rate = 1 / r.attachWindow.Seconds()
		}
		bucket = &ipLimiter{bucket: newTokenBucket(rate, r.attachLimit)}
		r.attachBuckets[key] = bucket
	}
	bucket.lastSeen = time.Now()
	r.cleanupLocked()
	r.attachMu.Unlock()

	if bucket.bucket.Allow() {
		return true, 0, nil
	}
	return false, time.Second, nil
}

func (r *rateLimiter) cleanupLocked() {
	if len(r.attachBuckets) == 0 {
		return
	}
	cutoff := time.Now().Add(-2 * r.attachWindow)
	for key, bucket := range r.attachBuckets {
		if bucket.lastSeen.Before(cutoff) {
			delete(r.attachBuckets, key)
		}
	}
}

type tokenBucket struct {
	mu        sync.Mutex
	rate      float64
	capacity  float64
	tokens    float64
	lastCheck time.Time
}

func newTokenBucket(rate float64, burst int) *tokenBucket {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = 1
	}
	now := time.Now()
	return &tokenBucket{
		rate:      rate,
		capacity:  float64(burst),
		tokens:    float64(burst),
		lastCheck: now,
	}
}

func (tb *tokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(tb.lastCheck).Seconds()
	tb.lastCheck = now
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	if tb.tokens < 1 {
		return false
	}
	tb.tokens -= 1
	return true
}
