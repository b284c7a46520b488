package coreerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindRetryableAndFatal(t *testing.T) {
	assert.True(t, KindExternal.Retryable())
	assert.True(t, KindCapacity.Retryable())
	assert.False(t, KindIntegrity.Retryable())

	assert.True(t, KindIntegrity.Fatal())
	assert.True(t, KindInvariant.Fatal())
	assert.False(t, KindExternal.Fatal())
	assert.False(t, KindReplay.Fatal())
}

func TestCoreErrorWrapAndUnwrap(t *testing.T) {
	cause := errors.New("signature mismatch")
	ce := Integrity("VerifyEnvelope", cause)

	assert.Equal(t, KindIntegrity, ce.Kind)
	assert.ErrorIs(t, ce, cause)
	assert.Contains(t, ce.Error(), "Integrity")
	assert.Contains(t, ce.Error(), "signature mismatch")
}

func TestCoreErrorWithDetail(t *testing.T) {
	ce := Capacity("Submit", "ingestion_queue").WithDetail("producer_id", "probe-01")

	assert.Equal(t, "ingestion_queue", ce.Details["resource"])
	assert.Equal(t, "probe-01", ce.Details["producer_id"])
}

func TestOfMatchesKindAcrossWrapping(t *testing.T) {
	err := Rollback("UndoStep", errors.New("agent unreachable"))
	wrapped := Wrap(KindExternal, "Dispatch", "delivery failed", err)

	assert.True(t, Of(wrapped, KindExternal))
	assert.False(t, Of(wrapped, KindRollback))

	got := Get(wrapped)
	assert.NotNil(t, got)
	assert.Equal(t, KindExternal, got.Kind)
}

func TestCoreErrorIsBySentinelKind(t *testing.T) {
	a := New(KindPolicy, "LoadPolicy", "signature invalid")
	b := New(KindPolicy, "EvaluatePolicy", "no matching rule")

	assert.True(t, errors.Is(a, b))

	c := New(KindContract, "ParseEnvelope", "missing field")
	assert.False(t, errors.Is(a, c))
}
