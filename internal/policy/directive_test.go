package policy

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ransomeye/coreplane/internal/model"
	"github.com/ransomeye/coreplane/internal/trust"
)

func TestDirectiveBuilderBuildsVerifiableSignature(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	builder := NewDirectiveBuilder(key, 5*time.Minute)

	p := &model.Policy{ID: "p1", Version: "1.0.0", Decision: model.ActionQuarantine, AllowedActions: []model.PolicyAction{model.ActionQuarantine}}
	det := &model.DetectionResult{EntityID: "host-1", Stage: model.StageEncryptionExecution, Confidence: 0.9}

	d, err := builder.Build(p, det, "audit-receipt-1", "evidence-1", ModeEnforce)
	require.NoError(t, err)
	assert.Equal(t, "host-1", d.TargetScope)
	assert.False(t, d.Expired(time.Now()))

	message := trust.CanonicalDirectiveBytes(d)
	assert.NoError(t, trust.VerifyRSAPSS(&key.PublicKey, message, d.Signature))
}

func TestDirectiveBuilderSimulateModePrefixesTargetScope(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	builder := NewDirectiveBuilder(key, 5*time.Minute)

	p := &model.Policy{ID: "p1", Version: "1.0.0", Decision: model.ActionBlock}
	det := &model.DetectionResult{EntityID: "host-2", Stage: model.StagePersistence}

	d, err := builder.Build(p, det, "audit-receipt-2", "", ModeSimulate)
	require.NoError(t, err)
	assert.Equal(t, "simulate:host-2", d.TargetScope)

	message := trust.CanonicalDirectiveBytes(d)
	assert.NoError(t, trust.VerifyRSAPSS(&key.PublicKey, message, d.Signature))
}

func TestSeverityForEscalatesWithStage(t *testing.T) {
	assert.Equal(t, "low", severityFor(model.StageInitialAccess))
	assert.Equal(t, "medium", severityFor(model.StagePersistence))
	assert.Equal(t, "high", severityFor(model.StageDefenseEvasion))
	assert.Equal(t, "critical", severityFor(model.StageEncryptionExecution))
}
