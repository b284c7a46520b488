package lockorder

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireInOrderSucceeds(t *testing.T) {
	c := NewChain()
	require.NoError(t, c.Acquire(TrustStore))
	require.NoError(t, c.Acquire(Audit))
	require.NoError(t, c.Acquire(Evidence))
	require.NoError(t, c.Acquire(PerEntity))
}

func TestAcquireOutOfOrderFails(t *testing.T) {
	c := NewChain()
	require.NoError(t, c.Acquire(Evidence))
	err := c.Acquire(Audit)
	assert.Error(t, err)
}

func TestAcquireSameLevelTwiceFails(t *testing.T) {
	c := NewChain()
	require.NoError(t, c.Acquire(Audit))
	err := c.Acquire(Audit)
	assert.Error(t, err)
}

func TestReleaseOutOfOrderFails(t *testing.T) {
	c := NewChain()
	require.NoError(t, c.Acquire(TrustStore))
	require.NoError(t, c.Acquire(Audit))

	err := c.Release(TrustStore)
	assert.Error(t, err)
}

func TestReleaseThenReacquireSucceeds(t *testing.T) {
	c := NewChain()
	require.NoError(t, c.Acquire(TrustStore))
	require.NoError(t, c.Acquire(Audit))
	require.NoError(t, c.Release(Audit))
	require.NoError(t, c.Release(TrustStore))

	require.NoError(t, c.Acquire(TrustStore))
	require.NoError(t, c.Acquire(Audit))
}

func TestWithLockAcquiresAndReleasesAroundFn(t *testing.T) {
	c := NewChain()
	var mu sync.Mutex
	ran := false

	err := c.WithLock(Audit, &mu, func() error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)

	// the chain should be empty again, so a fresh acquisition at any level succeeds
	require.NoError(t, c.Acquire(TrustStore))
}

func TestWithLockPropagatesOrderViolation(t *testing.T) {
	c := NewChain()
	var muEvidence, muAudit sync.Mutex

	err := c.WithLock(Evidence, &muEvidence, func() error {
		return c.WithLock(Audit, &muAudit, func() error {
			t.Fatal("fn should not run when lock order is violated")
			return nil
		})
	})
	assert.Error(t, err)
}
