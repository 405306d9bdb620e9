package ratelimit

import (
	"errors"
	"testing"
	"time"
)

func TestAllow_Unlimited(t *testing.T) {
	l := NewLimiter(Config{})
	for i := 0; i < 1000; i++ {
		if err := l.Allow("any"); err != nil {
			t.Fatalf("unlimited limiter rejected request %d: %v", i, err)
		}
	}
}

func TestAllow_BurstThenLimit(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 3})

	for i := 0; i < 3; i++ {
		if err := l.Allow("key"); err != nil {
			t.Fatalf("burst request %d rejected: %v", i, err)
		}
	}
	if err := l.Allow("key"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited after burst", err)
	}
}

func TestAllow_KeysIndependent(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})

	if err := l.Allow("a"); err != nil {
		t.Fatalf("key a rejected: %v", err)
	}
	if err := l.Allow("a"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("key a second request = %v, want ErrRateLimited", err)
	}
	if err := l.Allow("b"); err != nil {
		t.Fatalf("key b must have its own bucket: %v", err)
	}
}

func TestAllow_Refill(t *testing.T) {
	// 6000 requests per minute = 100 tokens per second.
	l := NewLimiter(Config{RequestsPerMinute: 6000, BurstSize: 1})

	if err := l.Allow("key"); err != nil {
		t.Fatalf("first request rejected: %v", err)
	}
	if err := l.Allow("key"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited with empty bucket", err)
	}

	time.Sleep(50 * time.Millisecond) // enough for several tokens at this rate

	if err := l.Allow("key"); err != nil {
		t.Fatalf("request after refill rejected: %v", err)
	}
}

func TestPrune_DropsIdleBuckets(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})

	if err := l.Allow("stale"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Age the bucket past the prune horizon.
	l.mu.Lock()
	l.buckets["stale"].lastFill = time.Now().Add(-pruneAfter - time.Minute)
	l.mu.Unlock()

	if err := l.Allow("other"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	l.mu.Lock()
	_, ok := l.buckets["stale"]
	l.mu.Unlock()
	if ok {
		t.Error("idle bucket was not pruned")
	}
}

func TestNewLimiter_BurstDefaults(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 30})
	if l.burst != 30 {
		t.Errorf("burst = %v, want requests_per_minute default", l.burst)
	}
}
