package ingestion

import (
	"sync"

	"github.com/ransomeye/coreplane/internal/coreerr"
)

// sequenceTracker enforces that each producer's sequence_number is strictly
// increasing, generalizing the teacher's per-request replay window
// (infrastructure/security.ReplayProtection) into a per-producer monotonic
// counter: unlike a nonce, a sequence number is not remembered in a sliding
// window, it is compared only against the single highest value seen so far,
// so tracking cost stays O(1) per producer regardless of traffic volume.
type sequenceTracker struct {
	mu   sync.Mutex
	last map[string]uint64
}

func newSequenceTracker() *sequenceTracker {
	return &sequenceTracker{last: make(map[string]uint64)}
}

// Validate rejects a sequence number that is not strictly greater than the
// last one accepted for producerID, then records it. The first sequence
// number ever seen from a producer is always accepted.
func (t *sequenceTracker) Validate(producerID string, seq uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	last, seen := t.last[producerID]
	if seen && seq <= last {
		return coreerr.Replay("ingestion.sequence", producerID)
	}
	t.last[producerID] = seq
	return nil
}

// Last returns the highest sequence number accepted for producerID, and
// whether one has been seen at all.
func (t *sequenceTracker) Last(producerID string) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.last[producerID]
	return v, ok
}
