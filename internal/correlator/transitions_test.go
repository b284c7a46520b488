package correlator

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ransomeye/coreplane/internal/model"
)

func TestTransitionTableAllowsForwardAndRejectsBackward(t *testing.T) {
	table := NewTransitionTable()
	execution := model.StageExecution
	persistence := model.StagePersistence

	assert.True(t, table.Allowed(nil, model.StageInitialAccess))
	assert.True(t, table.Allowed(&execution, persistence))
	assert.True(t, table.Allowed(&execution, model.StageImpact), "skipping intermediate stages is permitted")
	assert.False(t, table.Allowed(&persistence, execution), "backward transitions are always rejected")
}

func TestTransitionTableReentryAndForwardClassification(t *testing.T) {
	table := NewTransitionTable()
	execution := model.StageExecution

	assert.True(t, table.IsReentry(&execution, model.StageExecution))
	assert.False(t, table.IsReentry(&execution, model.StagePersistence))

	assert.True(t, table.IsForward(&execution, model.StagePersistence))
	assert.False(t, table.IsForward(&execution, model.StageExecution))
	assert.True(t, table.IsForward(nil, model.StageInitialAccess))
}
