package util

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestRetry(t *testing.T) {
	attempts := 0
	targetAttempts := 3

	err := Retry(context.Background(), 5, 0, func() error {
		attempts++
		if attempts < targetAttempts {
			return errors.New("transient error")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Retry returned unexpected error: %v", err)
	}
	if attempts != targetAttempts {
		t.Errorf("Retry called fn %d times, want %d", attempts, targetAttempts)
	}
}

func TestRetryAllFail(t *testing.T) {
	attempts := 0
	maxAttempts := 3

	err := Retry(context.Background(), maxAttempts, 0, func() error {
		attempts++
		return errors.New("persistent error")
	})

	if err == nil {
		t.Fatal("Retry should return error when all attempts fail")
	}
	if attempts != maxAttempts {
		t.Errorf("Retry called fn %d times, want %d", attempts, maxAttempts)
	}
}

func TestRetryPermanentStopsImmediately(t *testing.T) {
	attempts := 0
	cause := errors.New("unknown symbol")

	_, err := RetryValue(context.Background(), 5, 0, func() (float64, error) {
		attempts++
		return 0, Permanent(cause)
	})

	if !errors.Is(err, cause) || !errors.Is(err, ErrPermanent) {
		t.Fatalf("RetryValue error = %v, want wrapped permanent cause", err)
	}
	if attempts != 1 {
		t.Errorf("RetryValue called fn %d times, want 1", attempts)
	}
}

func TestRetryHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, 3, time.Hour, func() error { return errors.New("boom") })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Retry error = %v, want context.Canceled", err)
	}
}

func TestRateLimiterBurst(t *testing.T) {
	rl := NewRateLimiter(60, 2)
	if rl == nil {
		t.Fatal("NewRateLimiter returned nil")
	}
	now := time.Date(2024, 7, 5, 10, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	rl.lastTime = now

	if !rl.Allow() || !rl.Allow() {
		t.Fatal("burst of 2 should be available immediately")
	}
	if rl.Allow() {
		t.Fatal("third call should be throttled")
	}

	now = now.Add(time.Second)
	if !rl.Allow() {
		t.Fatal("one token should refill after a second at 60/min")
	}
}

func TestRateLimiterWaitCancelled(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	rl.Allow()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := rl.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait error = %v, want deadline exceeded", err)
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	rl := NewRateLimiter(0, 0)
	if rl != nil {
		t.Fatal("non-positive rate should disable limiting")
	}
	if !rl.Allow() {
		t.Fatal("nil limiter must always allow")
	}
	if err := rl.Wait(context.Background()); err != nil {
		t.Fatalf("nil limiter Wait: %v", err)
	}
}

func TestNewLoggerFormats(t *testing.T) {
	var buf bytes.Buffer
	NewLoggerTo(&buf, "debug", "json").Debug("hello", "k", "v")
	if !strings.Contains(buf.String(), `"msg":"hello"`) {
		t.Errorf("json output = %q", buf.String())
	}

	buf.Reset()
	NewLoggerTo(&buf, "warn", "text").Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("info should be filtered at warn level, got %q", buf.String())
	}

	if ParseLevel("bogus") != slog.LevelInfo {
		t.Error("unknown level should default to info")
	}
}
