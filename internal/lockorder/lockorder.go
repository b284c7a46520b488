// Package lockorder enforces the fixed lock order required by spec.md §5:
// trust-store < audit < evidence < per-entity. It does not replace the
// mutexes each package already owns — it is a narrow structural guard a
// call chain threads through, recording which levels it currently holds and
// rejecting any attempt to acquire a level out of order or to hold two
// locks at the same level simultaneously. Deadlock freedom follows from
// every caller going through this rather than locking directly across
// package boundaries.
package lockorder

import (
	"sync"

	"github.com/ransomeye/coreplane/internal/coreerr"
)

// Level is a position in the fixed lock order. Lower values must be
// acquired before higher ones.
type Level int

const (
	TrustStore Level = iota
	Audit
	Evidence
	PerEntity
)

func (l Level) String() string {
	switch l {
	case TrustStore:
		return "trust-store"
	case Audit:
		return "audit"
	case Evidence:
		return "evidence"
	case PerEntity:
		return "per-entity"
	default:
		return "unknown"
	}
}

// Chain tracks the levels a single call chain currently holds, in
// acquisition order. A Chain is not safe for concurrent use by more than
// one goroutine at a time — each goroutine that participates in a locking
// sequence should carry its own Chain, typically created once per request
// or per top-level operation and threaded through the calls it makes.
type Chain struct {
	mu   sync.Mutex
	held []Level
}

// NewChain returns an empty Chain, holding no locks.
func NewChain() *Chain {
	return &Chain{}
}

// Acquire records that level is about to be locked. It fails if level is
// not strictly greater than the most recently acquired level still held —
// this is what makes out-of-order or same-level-twice acquisition a
// detected programming error instead of a latent deadlock.
func (c *Chain) Acquire(level Level) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.held) > 0 {
		last := c.held[len(c.held)-1]
		if level <= last {
			return coreerr.Invariant("lockorder.Acquire", "lock order violation: attempted to acquire "+level.String()+" while holding "+last.String())
		}
	}
	c.held = append(c.held, level)
	return nil
}

// Release records that level has been unlocked. It fails if level is not
// the most recently acquired still-held level — locks must be released in
// the reverse of their acquisition order.
func (c *Chain) Release(level Level) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.held) == 0 || c.held[len(c.held)-1] != level {
		return coreerr.Invariant("lockorder.Release", "release out of order: "+level.String()+" is not the most recently acquired lock")
	}
	c.held = c.held[:len(c.held)-1]
	return nil
}

// WithLock acquires level on the chain, locks mu, runs fn, then unlocks mu
// and releases level — in that order, even if fn panics. Use this instead
// of calling mu.Lock directly whenever the lock belongs to one of the
// ordered levels.
func (c *Chain) WithLock(level Level, mu sync.Locker, fn func() error) error {
	if err := c.Acquire(level); err != nil {
		return err
	}
	mu.Lock()
	defer func() {
		mu.Unlock()
		_ = c.Release(level)
	}()
	return fn()
}
