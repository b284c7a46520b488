package correlator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEntityStoreEvictsOverCapacity(t *testing.T) {
	s := newEntityStore(2, 0)
	now := time.Now()

	s.getOrCreate("a", 8, 8, now)
	s.getOrCreate("b", 8, 8, now)
	s.getOrCreate("c", 8, 8, now)

	assert.Equal(t, 2, s.Count())
	assert.Nil(t, s.get("a"), "least-recently-used entity should have been evicted")
	assert.NotNil(t, s.get("b"))
	assert.NotNil(t, s.get("c"))
}

func TestEntityStoreEvictsExpiredByTTL(t *testing.T) {
	s := newEntityStore(0, 10*time.Millisecond)
	past := time.Now().Add(-time.Hour)

	state := s.getOrCreate("stale", 8, 8, past)
	state.LastSeen = past

	time.Sleep(20 * time.Millisecond)
	s.getOrCreate("fresh", 8, 8, time.Now())

	assert.Nil(t, s.get("stale"))
	assert.NotNil(t, s.get("fresh"))
}
