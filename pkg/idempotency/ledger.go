// Package idempotency records the outcome of a completed logical operation
// keyed by its role-tagged identity pair, so retries within the TTL replay
// the original result instead of repeating side effects. The ledger is
// advisory: a cache outage degrades to "not yet run", because correctness
// against duplicate runs comes from the orchestrator's own convergence, not
// from this cache.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/levipshemish/jewgo-app-sub008/pkg/store"
)

const DefaultTTL = time.Hour

type Ledger struct {
	Cache store.Cache
	TTL   time.Duration
}

func NewLedger(cache store.Cache, ttl time.Duration) *Ledger {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Ledger{Cache: cache, TTL: ttl}
}

// Key derives the ledger key. Source and target are role-tagged, not
// canonically reordered: direction matters because the source loses on
// conflict, so (a→b) and (b→a) are distinct operations.
func Key(operation, sourceUID, targetUID string) string {
	sum := sha256.Sum256([]byte(operation + "|src=" + sourceUID + "|dst=" + targetUID))
	return "idem:" + operation + ":" + hex.EncodeToString(sum[:])
}

// Check looks up a previously stored result. Any cache failure is logged and
// reported as a miss.
func (l *Ledger) Check(ctx context.Context, key string, out any) bool {
	if l == nil || l.Cache == nil {
		return false
	}
	raw, err := l.Cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Printf("idempotency: check degraded to miss: %v", err)
		}
		return false
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		log.Printf("idempotency: stale ledger entry discarded: %v", err)
		return false
	}
	return true
}

// Store persists the result for the configured TTL. Failures are returned so
// the caller can log them, but the operation itself has already succeeded by
// the time Store runs, so callers never fail the request on a store error.
func (l *Ledger) Store(ctx context.Context, key string, result any) error {
	if l == nil || l.Cache == nil {
		return nil
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("idempotency: marshal result: %w", err)
	}
	// First writer wins: a concurrent retry that lost the race keeps the
	// original result instead of overwriting it.
	if _, err := l.Cache.SetNX(ctx, key, string(raw), l.TTL); err != nil {
		return fmt.Errorf("idempotency: store: %w", err)
	}
	return nil
}
