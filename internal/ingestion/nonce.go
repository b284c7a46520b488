package ingestion

import (
	"sync"
	"time"

	"github.com/ransomeye/coreplane/internal/coreerr"
)

// nonceTracker is a per-producer sliding-window nonce tracker, generalizing
// infrastructure/security.ReplayProtection's single shared window into one
// window per producer_id so a burst from one producer cannot evict another
// producer's recently seen nonces.
type nonceTracker struct {
	window time.Duration

	mu   sync.Mutex
	seen map[string]map[string]time.Time
}

func newNonceTracker(window time.Duration) *nonceTracker {
	if window <= 0 {
		window = 15 * time.Minute
	}
	return &nonceTracker{
		window: window,
		seen:   make(map[string]map[string]time.Time),
	}
}

// ValidateAndMark rejects an empty nonce or one already seen for producerID
// within the tracking window, then marks it seen at now.
func (t *nonceTracker) ValidateAndMark(producerID, nonce string, now time.Time) error {
	if nonce == "" {
		return coreerr.Contract("ingestion.nonce", "envelope carries an empty nonce")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	bucket, ok := t.seen[producerID]
	if !ok {
		bucket = make(map[string]time.Time)
		t.seen[producerID] = bucket
	}

	if seenAt, exists := bucket[nonce]; exists && now.Sub(seenAt) < t.window {
		return coreerr.Replay("ingestion.nonce", nonce)
	}

	t.cleanupLocked(bucket, now)
	bucket[nonce] = now
	return nil
}

func (t *nonceTracker) cleanupLocked(bucket map[string]time.Time, now time.Time) {
	for nonce, seenAt := range bucket {
		if now.Sub(seenAt) >= t.window {
			delete(bucket, nonce)
		}
	}
}
