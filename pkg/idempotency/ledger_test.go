package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/levipshemish/jewgo-app-sub008/pkg/store"
)

type mergeSummary struct {
	CorrelationID string `json:"correlation_id"`
	MovedTotal    int    `json:"moved_total"`
}

func TestKeyIsDirectional(t *testing.T) {
	ab := Key("merge_anonymous", "a", "b")
	ba := Key("merge_anonymous", "b", "a")
	if ab == ba {
		t.Fatal("ledger key must distinguish source from target")
	}
	if ab != Key("merge_anonymous", "a", "b") {
		t.Fatal("ledger key must be deterministic")
	}
}

func TestCheckStoreRoundTrip(t *testing.T) {
	ledger := NewLedger(store.NewMemoryCache(), time.Hour)
	ctx := context.Background()
	key := Key("merge_anonymous", "anon-1", "user-1")

	var cached mergeSummary
	if ledger.Check(ctx, key, &cached) {
		t.Fatal("expected miss before store")
	}
	want := mergeSummary{CorrelationID: "corr-1", MovedTotal: 3}
	if err := ledger.Store(ctx, key, want); err != nil {
		t.Fatalf("store: %v", err)
	}
	if !ledger.Check(ctx, key, &cached) {
		t.Fatal("expected hit after store")
	}
	if cached != want {
		t.Fatalf("unexpected replayed result: %+v", cached)
	}
}

func TestEntryExpires(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ledger := NewLedger(store.NewCache(context.Background(), client), 50*time.Millisecond)
	ctx := context.Background()
	key := Key("merge_anonymous", "anon-1", "user-1")

	if err := ledger.Store(ctx, key, mergeSummary{CorrelationID: "corr-1"}); err != nil {
		t.Fatalf("store: %v", err)
	}
	var cached mergeSummary
	if !ledger.Check(ctx, key, &cached) {
		t.Fatal("expected hit within TTL")
	}
	mr.FastForward(time.Second)
	if ledger.Check(ctx, key, &cached) {
		t.Fatal("expected miss after TTL expiry")
	}
}

func TestCacheOutageDegradesToMiss(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ledger := NewLedger(store.NewCache(context.Background(), client), time.Hour)
	mr.Close()

	var cached mergeSummary
	if ledger.Check(context.Background(), "idem:any", &cached) {
		t.Fatal("cache outage must degrade to miss, not block or hit")
	}
	if err := ledger.Store(context.Background(), "idem:any", cached); err == nil {
		t.Fatal("expected store error to be reported for logging")
	}
}

func TestNilLedgerIsInert(t *testing.T) {
	var ledger *Ledger
	var cached mergeSummary
	if ledger.Check(context.Background(), "k", &cached) {
		t.Fatal("nil ledger must miss")
	}
	if err := ledger.Store(context.Background(), "k", cached); err != nil {
		t.Fatalf("nil ledger store: %v", err)
	}
}
