package correlator

import (
	"time"

	"github.com/ransomeye/coreplane/internal/model"
)

// EntityState is the bounded, per-entity correlation state: a ring of
// recent signals, a ring of recent stage transitions, and the entity's
// current inferred stage and confidence.
type EntityState struct {
	EntityID        string
	CurrentStage    *model.KillChainStage
	CurrentConfidence float64
	LastSeen        time.Time

	signals     *ring[model.Signal]
	transitions *ring[model.StageTransition]
}

func newEntityState(entityID string, signalCap, transitionCap int, now time.Time) *EntityState {
	return &EntityState{
		EntityID:    entityID,
		LastSeen:    now,
		signals:     newRing[model.Signal](signalCap),
		transitions: newRing[model.StageTransition](transitionCap),
	}
}

// RecordSignal appends a signal to the entity's bounded signal history.
func (e *EntityState) RecordSignal(s model.Signal) {
	e.signals.push(s)
	if s.Timestamp.After(e.LastSeen) {
		e.LastSeen = s.Timestamp
	}
}

// Signals returns the entity's retained signal history, oldest first.
func (e *EntityState) Signals() []model.Signal {
	return e.signals.items()
}

// Transitions returns the entity's retained stage-transition history, oldest first.
func (e *EntityState) Transitions() []model.StageTransition {
	return e.transitions.items()
}

// applyTransition records a new stage/confidence and appends the transition
// to history. Callers must have already validated the transition against
// TransitionTable and the confidence-increase invariant.
func (e *EntityState) applyTransition(t model.StageTransition) {
	e.transitions.push(t)
	stage := t.ToStage
	e.CurrentStage = &stage
	e.CurrentConfidence = t.Confidence
}
