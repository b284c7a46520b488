package correlator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ransomeye/coreplane/internal/model"
)

func TestInferStageInitialAccess(t *testing.T) {
	engine := NewRuleEngine()
	signals := []model.Signal{
		{Type: "network_connection", Timestamp: time.Now(), EntityID: "host-1", Confidence: 0.8},
	}

	stage, confidence, ruleID, matched, ok := engine.InferStage(nil, signals)
	assert.True(t, ok)
	assert.Equal(t, model.StageInitialAccess, stage)
	assert.GreaterOrEqual(t, confidence, 0.6)
	assert.Equal(t, "initial_access_1", ruleID)
	assert.Equal(t, signals, matched)
}

func TestInferStageRequiresMinimumSignalSet(t *testing.T) {
	engine := NewRuleEngine()
	signals := []model.Signal{
		{Type: "file_modification", Timestamp: time.Now(), EntityID: "host-1", Confidence: 0.9},
	}

	// Only 1 file_modification signal, encryption_execution_1 requires 10 plus an encryption_activity signal.
	_, _, _, _, ok := engine.InferStage(nil, signals)
	assert.False(t, ok)
}

func TestInferStageEncryptionExecutionRequiresBothPatterns(t *testing.T) {
	engine := NewRuleEngine()
	now := time.Now()
	var signals []model.Signal
	for i := 0; i < 10; i++ {
		signals = append(signals, model.Signal{
			Type:       "file_modification",
			Timestamp:  now.Add(time.Duration(i) * 2 * time.Second),
			EntityID:   "host-1",
			Confidence: 0.85,
		})
	}
	signals = append(signals, model.Signal{
		Type:       "encryption_activity",
		Timestamp:  now.Add(25 * time.Second),
		EntityID:   "host-1",
		Confidence: 0.95,
	})

	stage := model.StageExecution
	result, confidence, ruleID, matched, ok := engine.InferStage(&stage, signals)
	assert.True(t, ok)
	assert.Equal(t, model.StageEncryptionExecution, result)
	assert.GreaterOrEqual(t, confidence, 0.8)
	assert.Equal(t, "encryption_execution_1", ruleID)
	assert.Len(t, matched, len(signals))
}

func TestInferStageRejectsMinIntervalViolation(t *testing.T) {
	engine := NewRuleEngine()
	now := time.Now()
	var signals []model.Signal
	// All 10 file_modification signals at the same instant violate min_interval_seconds=1.
	for i := 0; i < 10; i++ {
		signals = append(signals, model.Signal{
			Type:       "file_modification",
			Timestamp:  now,
			EntityID:   "host-1",
			Confidence: 0.85,
		})
	}
	signals = append(signals, model.Signal{Type: "encryption_activity", Timestamp: now, EntityID: "host-1", Confidence: 0.9})

	_, _, _, _, ok := engine.InferStage(nil, signals)
	assert.False(t, ok)
}

func TestInferStageRejectsWideTemporalWindow(t *testing.T) {
	engine := NewRuleEngine()
	now := time.Now()
	signals := []model.Signal{
		{Type: "network_connection", Timestamp: now, EntityID: "host-1", Confidence: 0.8},
		{Type: "network_connection", Timestamp: now.Add(10 * time.Minute), EntityID: "host-1", Confidence: 0.8},
	}
	// The window between earliest and latest signal timestamps exceeds the rule's 300s cap.
	_, _, _, _, ok := engine.InferStage(nil, signals)
	assert.False(t, ok)
}

// TestInferStageBreaksConfidenceTiesByRuleID matches initial_access_1 and
// execution_1 at the exact same confidence. initial_access_1 is registered
// first in DefaultRules, so a registration-order tie-break would pick it;
// lexicographic order must pick execution_1 instead since "execution_1" <
// "initial_access_1".
func TestInferStageBreaksConfidenceTiesByRuleID(t *testing.T) {
	engine := NewRuleEngine()
	now := time.Now()
	signals := []model.Signal{
		{Type: "process_creation", Timestamp: now, EntityID: "host-1", Confidence: 0.75},
		{Type: "network_connection", Timestamp: now, EntityID: "host-1", Confidence: 0.75},
	}

	_, _, ruleID, _, ok := engine.InferStage(nil, signals)
	assert.True(t, ok)
	assert.Equal(t, "execution_1", ruleID)
}
