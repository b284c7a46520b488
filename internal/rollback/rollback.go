// Package rollback undoes a partially or wholly failed enforcement action by
// replaying its resolved targets in reverse order, each as its own reverse
// delivery with its own acknowledgment. State is persisted when the rollback
// starts and after every step, and steps already recorded as completed are
// skipped when a record is rolled back again, so an interrupted rollback
// resumes where it left off,
// and a step failure trips a persisted safe-halt flag rather than attempting
// to roll back the rollback.
package rollback

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ransomeye/coreplane/infrastructure/state"
	"github.com/ransomeye/coreplane/internal/coreerr"
	"github.com/ransomeye/coreplane/internal/model"
)

// Status is the lifecycle state of a rollback record.
type Status string

const (
	StatusPending   Status = "Pending"
	StatusRunning   Status = "Running"
	StatusCompleted Status = "Completed"
	StatusFailed    Status = "Failed"
	StatusSafeHalt  Status = "SafeHalt"
)

// StepStatus is the outcome of one reverse delivery within a rollback.
type StepStatus string

const (
	StepPending   StepStatus = "Pending"
	StepRunning   StepStatus = "Running"
	StepCompleted StepStatus = "Completed"
	StepFailed    StepStatus = "Failed"
)

// StepResult records the outcome of reversing delivery to one target.
type StepResult struct {
	TargetAgentID string     `json:"target_agent_id"`
	Index         int        `json:"index"`
	Status        StepStatus `json:"status"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// Record is the restart-safe persisted state of a single rollback.
type Record struct {
	RollbackID  string         `json:"rollback_id"`
	DirectiveID string         `json:"directive_id"`
	EntityID    string         `json:"entity_id"`
	Action      model.PolicyAction `json:"action"`
	// Targets is the set of agents the original directive was delivered to,
	// in delivery order. Rollback walks this list in reverse.
	Targets     []string    `json:"targets"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	StepResults []StepResult `json:"step_results"`
	Status      Status      `json:"status"`
}

const recordKeyPrefix = "rollback_"
const safeHaltKey = "safe_halt"

func recordKey(rollbackID string) string { return recordKeyPrefix + rollbackID }

// ReverseDeliverer performs a single reverse delivery to one agent target.
// Supplied by the dispatcher, which owns agent transport, so this package
// never imports dispatcher and no import cycle is created.
type ReverseDeliverer interface {
	DeliverReverse(ctx context.Context, rec *Record, target string) error
}

// Engine executes and persists rollback records.
type Engine struct {
	backend *state.FileBackend
}

// NewEngine constructs a rollback Engine backed by a persistence directory.
func NewEngine(backend *state.FileBackend) *Engine {
	return &Engine{backend: backend}
}

// CreateRecord persists a new Pending rollback record for a directive before
// its live delivery is attempted, so a crash after side effects still leaves
// enough state to undo them.
func (e *Engine) CreateRecord(ctx context.Context, directiveID, entityID string, action model.PolicyAction, targets []string) (*Record, error) {
	rec := &Record{
		RollbackID:  uuid.NewString(),
		DirectiveID: directiveID,
		EntityID:    entityID,
		Action:      action,
		Targets:     append([]string(nil), targets...),
		StartedAt:   time.Now().UTC(),
		Status:      StatusPending,
	}
	if err := e.save(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (e *Engine) save(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return coreerr.Wrap(coreerr.KindInvariant, "rollback.save", "save failed", err)
	}
	if err := e.backend.Save(ctx, recordKey(rec.RollbackID), data); err != nil {
		return coreerr.Wrap(coreerr.KindExternal, "rollback.save", "save failed", err)
	}
	return nil
}

// Load reads a previously persisted rollback record.
func (e *Engine) Load(ctx context.Context, rollbackID string) (*Record, error) {
	data, err := e.backend.Load(ctx, recordKey(rollbackID))
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindExternal, "rollback.Load", "Load failed", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, coreerr.Wrap(coreerr.KindInvariant, "rollback.Load", "Load failed", err)
	}
	return &rec, nil
}

// Rollback executes rec's targets in reverse delivery order, persisting
// progress after every step. A step failure enters safe-halt: the engine
// refuses to attempt further rollback steps or (via IsSafeHalted) further
// dispatcher executions until an operator clears the flag, because automated
// rollback-of-rollback is unsound.
func (e *Engine) Rollback(ctx context.Context, rec *Record, deliverer ReverseDeliverer) error {
	if halted, err := e.IsSafeHalted(ctx); err != nil {
		return err
	} else if halted {
		return coreerr.Invariant("rollback.Rollback", "system is in safe-halt; operator must clear before further rollback")
	}

	rec.Status = StatusRunning
	if err := e.save(ctx, rec); err != nil {
		return err
	}

	done := make(map[int]bool, len(rec.StepResults))
	for _, s := range rec.StepResults {
		if s.Status == StepCompleted {
			done[s.Index] = true
		}
	}

	for i := len(rec.Targets) - 1; i >= 0; i-- {
		if done[i] {
			continue
		}
		target := rec.Targets[i]
		started := time.Now().UTC()
		step := StepResult{TargetAgentID: target, Index: i, Status: StepRunning, StartedAt: started}

		deliverErr := deliverer.DeliverReverse(ctx, rec, target)
		completed := time.Now().UTC()
		step.CompletedAt = &completed
		if deliverErr != nil {
			step.Status = StepFailed
			step.Error = deliverErr.Error()
			rec.StepResults = append(rec.StepResults, step)

			rec.Status = StatusFailed
			rec.CompletedAt = &completed
			if err := e.save(ctx, rec); err != nil {
				return err
			}
			if err := e.enterSafeHalt(ctx, rec, deliverErr); err != nil {
				return err
			}
			if err := e.save(ctx, rec); err != nil {
				return err
			}
			return coreerr.Rollback("rollback.Rollback", deliverErr)
		}

		step.Status = StepCompleted
		rec.StepResults = append(rec.StepResults, step)
		if err := e.save(ctx, rec); err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	rec.Status = StatusCompleted
	rec.CompletedAt = &now
	return e.save(ctx, rec)
}

// enterSafeHalt persists the system-wide safe-halt flag. This is the one
// place in the core requiring manual operator intervention by design.
func (e *Engine) enterSafeHalt(ctx context.Context, rec *Record, cause error) error {
	rec.Status = StatusSafeHalt
	payload := map[string]string{
		"rollback_id": rec.RollbackID,
		"directive_id": rec.DirectiveID,
		"cause":       cause.Error(),
		"entered_at":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return coreerr.Wrap(coreerr.KindInvariant, "rollback.enterSafeHalt", "enterSafeHalt failed", err)
	}
	if err := e.backend.Save(ctx, safeHaltKey, data); err != nil {
		return coreerr.Wrap(coreerr.KindExternal, "rollback.enterSafeHalt", "enterSafeHalt failed", err)
	}
	return nil
}

// IsSafeHalted reports whether the system is currently halted awaiting
// operator action.
func (e *Engine) IsSafeHalted(ctx context.Context) (bool, error) {
	_, err := e.backend.Load(ctx, safeHaltKey)
	if err == nil {
		return true, nil
	}
	if err == state.ErrNotFound {
		return false, nil
	}
	return false, coreerr.Wrap(coreerr.KindExternal, "rollback.IsSafeHalted", "IsSafeHalted failed", err)
}

// ClearSafeHalt clears the safe-halt flag. The only intentionally manual
// operation in the core: callers must attribute this to an operator action,
// never an automated one.
func (e *Engine) ClearSafeHalt(ctx context.Context) error {
	if err := e.backend.Delete(ctx, safeHaltKey); err != nil {
		return coreerr.Wrap(coreerr.KindExternal, "rollback.ClearSafeHalt", "ClearSafeHalt failed", err)
	}
	return nil
}

// ResumeIncomplete lists persisted rollback records that are neither
// Completed nor SafeHalt, so a restarting process can resume them.
func (e *Engine) ResumeIncomplete(ctx context.Context) ([]*Record, error) {
	keys, err := e.backend.List(ctx, recordKeyPrefix)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindExternal, "rollback.ResumeIncomplete", "ResumeIncomplete failed", err)
	}
	var pending []*Record
	for _, k := range keys {
		id := k[len(recordKeyPrefix):]
		rec, err := e.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec.Status != StatusCompleted && rec.Status != StatusSafeHalt {
			pending = append(pending, rec)
		}
	}
	return pending, nil
}
