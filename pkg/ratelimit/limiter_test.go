package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestInMemoryLimiter(t *testing.T) {
	ctx := context.Background()
	limiter := NewInMemory(50 * time.Millisecond)
	key := "merge_anonymous:client-hash-1"

	first, err := limiter.Allow(ctx, key, 2)
	if err != nil || !first.Allowed || first.Count != 1 || first.Remaining != 1 {
		t.Fatalf("unexpected first decision: %+v err=%v", first, err)
	}
	second, err := limiter.Allow(ctx, key, 2)
	if err != nil || !second.Allowed || second.Count != 2 || second.Remaining != 0 {
		t.Fatalf("unexpected second decision: %+v err=%v", second, err)
	}
	third, err := limiter.Allow(ctx, key, 2)
	if err != nil || third.Allowed || third.Count != 3 || third.Remaining != 0 {
		t.Fatalf("unexpected third decision: %+v err=%v", third, err)
	}
	time.Sleep(70 * time.Millisecond)
	reset, err := limiter.Allow(ctx, key, 2)
	if err != nil || !reset.Allowed || reset.Count != 1 {
		t.Fatalf("expected counter reset after window, got %+v err=%v", reset, err)
	}
}

func TestInMemoryLimiterLimitFloor(t *testing.T) {
	limiter := NewInMemory(time.Minute)
	decision, err := limiter.Allow(context.Background(), "k", 0)
	if err != nil || !decision.Allowed || decision.Limit != 1 {
		t.Fatalf("expected fallback limit=1 and allowed decision, got %+v err=%v", decision, err)
	}
}

func TestInMemoryLimiterConcurrentAdmission(t *testing.T) {
	limiter := NewInMemory(time.Minute)
	const attempts = 50
	const limit = 10

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := limiter.Allow(context.Background(), "shared", limit)
			if err != nil {
				t.Errorf("allow: %v", err)
				return
			}
			if d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if allowed != limit {
		t.Fatalf("expected exactly %d admissions under contention, got %d", limit, allowed)
	}
}

func TestInMemoryLimiterIsolatesKeys(t *testing.T) {
	ctx := context.Background()
	limiter := NewInMemory(time.Minute)
	if _, err := limiter.Allow(ctx, "client-a", 1); err != nil {
		t.Fatalf("allow: %v", err)
	}
	d, err := limiter.Allow(ctx, "client-b", 1)
	if err != nil || !d.Allowed {
		t.Fatalf("distinct keys must not share a bucket: %+v err=%v", d, err)
	}
}
