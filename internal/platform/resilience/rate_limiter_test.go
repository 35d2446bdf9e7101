package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRateLimiter_BurstThenRefill(t *testing.T) {
	clock := newTestClock()
	rl := NewRateLimiter(2, 3)
	rl.now = clock.Now
	rl.lastRefill = clock.Now()

	for i := 0; i < 3; i++ {
		if !rl.Allow() {
			t.Fatalf("request %d should fit in burst", i)
		}
	}
	if rl.Allow() {
		t.Fatal("bucket should be empty")
	}

	clock.Advance(500 * time.Millisecond)
	if !rl.Allow() {
		t.Fatal("expected one token after 500ms at 2/s")
	}
	if rl.Allow() {
		t.Fatal("expected bucket empty again")
	}

	clock.Advance(time.Hour)
	if got := rl.Available(); got != 3 {
		t.Fatalf("expected refill capped at burst 3, got %d", got)
	}
}

func TestRateLimiter_FromRPM(t *testing.T) {
	rl := NewRateLimiterFromRPM(120, 1)
	if rl.rate != 2 {
		t.Fatalf("expected 2 tokens/s, got %v", rl.rate)
	}
}

func TestRateLimiter_WaitHonoursContext(t *testing.T) {
	rl := NewRateLimiter(0.001, 1)
	if !rl.Allow() {
		t.Fatal("first request should pass")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := rl.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
