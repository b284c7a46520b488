package rollback

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ransomeye/coreplane/infrastructure/state"
	"github.com/ransomeye/coreplane/internal/model"
)

type recordingDeliverer struct {
	mu      sync.Mutex
	calls   []string
	failOn  string
}

func (d *recordingDeliverer) DeliverReverse(_ context.Context, _ *Record, target string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, target)
	if d.failOn != "" && target == d.failOn {
		return errors.New("agent unreachable")
	}
	return nil
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	backend, err := state.NewFileBackend(t.TempDir())
	require.NoError(t, err)
	return NewEngine(backend)
}

func TestRollbackExecutesTargetsInReverseOrder(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	rec, err := e.CreateRecord(ctx, "dir-1", "host-1", model.ActionQuarantine, []string{"agent-a", "agent-b", "agent-c"})
	require.NoError(t, err)

	deliverer := &recordingDeliverer{}
	require.NoError(t, e.Rollback(ctx, rec, deliverer))

	assert.Equal(t, []string{"agent-c", "agent-b", "agent-a"}, deliverer.calls)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Len(t, rec.StepResults, 3)
}

func TestRollbackEntersSafeHaltOnStepFailure(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	rec, err := e.CreateRecord(ctx, "dir-2", "host-2", model.ActionIsolate, []string{"agent-a", "agent-b"})
	require.NoError(t, err)

	deliverer := &recordingDeliverer{failOn: "agent-b"}
	err = e.Rollback(ctx, rec, deliverer)
	assert.Error(t, err)
	assert.Equal(t, StatusSafeHalt, rec.Status)

	halted, err := e.IsSafeHalted(ctx)
	require.NoError(t, err)
	assert.True(t, halted)
}

func TestRollbackRefusesWhenAlreadySafeHalted(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	rec, err := e.CreateRecord(ctx, "dir-3", "host-3", model.ActionBlock, []string{"agent-a"})
	require.NoError(t, err)

	failing := &recordingDeliverer{failOn: "agent-a"}
	require.Error(t, e.Rollback(ctx, rec, failing))

	rec2, err := e.CreateRecord(ctx, "dir-4", "host-4", model.ActionBlock, []string{"agent-z"})
	require.NoError(t, err)

	never := &recordingDeliverer{}
	err = e.Rollback(ctx, rec2, never)
	assert.Error(t, err)
	assert.Empty(t, never.calls)
}

func TestClearSafeHaltAllowsFutureRollbacks(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	rec, err := e.CreateRecord(ctx, "dir-5", "host-5", model.ActionBlock, []string{"agent-a"})
	require.NoError(t, err)
	failing := &recordingDeliverer{failOn: "agent-a"}
	require.Error(t, e.Rollback(ctx, rec, failing))

	require.NoError(t, e.ClearSafeHalt(ctx))
	halted, err := e.IsSafeHalted(ctx)
	require.NoError(t, err)
	assert.False(t, halted)

	rec2, err := e.CreateRecord(ctx, "dir-6", "host-6", model.ActionBlock, []string{"agent-z"})
	require.NoError(t, err)
	ok := &recordingDeliverer{}
	require.NoError(t, e.Rollback(ctx, rec2, ok))
}

func TestResumeIncompleteSkipsCompletedAndSafeHalted(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	completed, err := e.CreateRecord(ctx, "dir-7", "host-7", model.ActionBlock, []string{"agent-a"})
	require.NoError(t, err)
	require.NoError(t, e.Rollback(ctx, completed, &recordingDeliverer{}))

	pending, err := e.CreateRecord(ctx, "dir-8", "host-8", model.ActionBlock, []string{"agent-b"})
	require.NoError(t, err)

	incomplete, err := e.ResumeIncomplete(ctx)
	require.NoError(t, err)
	require.Len(t, incomplete, 1)
	assert.Equal(t, pending.RollbackID, incomplete[0].RollbackID)
}
