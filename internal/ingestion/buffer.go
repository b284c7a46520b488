package ingestion

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ransomeye/coreplane/internal/coreerr"
	"github.com/ransomeye/coreplane/internal/model"
)

// admittedEvent is one envelope that has passed every admission check and
// is waiting to be drained into the correlator.
type admittedEvent struct {
	envelope *model.EventEnvelope
	producer string
}

// producerQueue is one producer's bounded FIFO buffer. A full queue is a
// hard rejection, never a silent drop: the caller learns capacity was
// exhausted and can retry or alert.
type producerQueue struct {
	ch chan admittedEvent

	mu              sync.Mutex
	backpressured   bool
	backpressuredAt time.Time
}

func newProducerQueue(capacity int) *producerQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &producerQueue{ch: make(chan admittedEvent, capacity)}
}

// Add attempts to enqueue ev without blocking. It fails with a Capacity
// error if the queue is full.
func (q *producerQueue) Add(ev admittedEvent) error {
	select {
	case q.ch <- ev:
		return nil
	default:
		return coreerr.Capacity("ingestion.buffer", "producer queue "+ev.producer)
	}
}

// signalBackpressure marks this producer's queue as under backpressure as
// of now.
func (q *producerQueue) signalBackpressure(now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.backpressured = true
	q.backpressuredAt = now
}

// clearBackpressure explicitly lifts backpressure for this producer.
func (q *producerQueue) clearBackpressure() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.backpressured = false
}

// isBackpressured reports whether the producer is currently under
// backpressure, auto-clearing it if autoClear has elapsed since it was
// signaled.
func (q *producerQueue) isBackpressured(now time.Time, autoClear time.Duration) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.backpressured {
		return false
	}
	if autoClear > 0 && now.Sub(q.backpressuredAt) >= autoClear {
		q.backpressured = false
		return false
	}
	return true
}

// globalBackpressure is a boundary-wide flag the resource governor can set
// to halt admission of all non-critical traffic regardless of individual
// producer queue state.
type globalBackpressure struct {
	flag atomic.Bool
}

func (g *globalBackpressure) Set(on bool) { g.flag.Store(on) }
func (g *globalBackpressure) On() bool    { return g.flag.Load() }
