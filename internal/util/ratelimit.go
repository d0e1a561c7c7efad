package util

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a token bucket refilled at a fixed rate up to a burst size.
// A nil *RateLimiter never blocks.
type RateLimiter struct {
	mu       sync.Mutex
	rate     float64 // tokens per second
	burst    float64
	tokens   float64
	lastTime time.Time
	now      func() time.Time
}

// NewRateLimiter creates a RateLimiter allowing perMinute operations per
// minute with bursts of up to burst operations. A non-positive perMinute
// returns nil (unlimited).
func NewRateLimiter(perMinute, burst int) *RateLimiter {
	if perMinute <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		rate:     float64(perMinute) / 60.0,
		burst:    float64(burst),
		tokens:   float64(burst),
		lastTime: time.Now(),
		now:      time.Now,
	}
}

// Allow takes a token if one is available without blocking.
func (rl *RateLimiter) Allow() bool {
	if rl == nil {
		return true
	}
	ok, _ := rl.take()
	return ok
}

// Wait blocks until a token is available or the context is cancelled.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	if rl == nil {
		return ctx.Err()
	}
	for {
		ok, wait := rl.take()
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// take refills the bucket and consumes a token, or reports how long until
// the next token.
func (rl *RateLimiter) take() (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.tokens += now.Sub(rl.lastTime).Seconds() * rl.rate
	if rl.tokens > rl.burst {
		rl.tokens = rl.burst
	}
	rl.lastTime = now

	if rl.tokens >= 1 {
		rl.tokens--
		return true, 0
	}
	missing := (1 - rl.tokens) / rl.rate
	return false, time.Duration(missing * float64(time.Second))
}
