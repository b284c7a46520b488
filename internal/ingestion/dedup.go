package ingestion

import (
	"context"
	"time"

	"github.com/ransomeye/coreplane/infrastructure/cache"
)

// dedupCache wraps the teacher's generic TTL cache to deduplicate envelopes
// by integrity_hash: a producer that retries a benign send (timeout,
// dropped ack) after a transient failure will resubmit bytes whose hash is
// already cached, and that resubmission is treated as a duplicate delivery
// rather than a new event, instead of being correlated twice.
type dedupCache struct {
	ttl   time.Duration
	cache *cache.TTLCache
}

func newDedupCache(ttl time.Duration) *dedupCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &dedupCache{ttl: ttl, cache: cache.NewTTLCache(ttl)}
}

// SeenBefore reports whether integrityHash has already been admitted within
// the dedup window, marking it seen if not.
func (d *dedupCache) SeenBefore(ctx context.Context, integrityHash string) bool {
	if _, ok := d.cache.Get(ctx, integrityHash); ok {
		return true
	}
	d.cache.Set(ctx, integrityHash, time.Now())
	return false
}
