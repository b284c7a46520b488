package correlator

import "github.com/ransomeye/coreplane/internal/model"

// TransitionTable resolves the kill-chain stage-transition adjacency that
// the original inference engine left incompletely enumerated. The rule
// adopted here: any forward transition (including a skip over intermediate
// stages) is allowed provided the target rule matched at least one
// contributing signal; same-stage re-entry is allowed but requires the
// caller to observe strictly higher confidence than the entity's current
// confidence before accepting it; any backward transition is always
// rejected, because the kill-chain model treats stage regression as
// evidence of a bookkeeping error rather than an attacker retreating.
type TransitionTable struct{}

// NewTransitionTable constructs a TransitionTable.
func NewTransitionTable() *TransitionTable {
	return &TransitionTable{}
}

// Allowed reports whether a transition from current (nil meaning the entity
// has no prior stage) to target is structurally permitted. It does not by
// itself enforce the confidence-increase invariant for same-stage re-entry;
// callers must check that separately using the entity's current confidence.
func (t *TransitionTable) Allowed(current *model.KillChainStage, target model.KillChainStage) bool {
	if current == nil {
		return true
	}
	return target >= *current
}

// IsForward reports whether target is strictly ahead of current.
func (t *TransitionTable) IsForward(current *model.KillChainStage, target model.KillChainStage) bool {
	if current == nil {
		return true
	}
	return target > *current
}

// IsReentry reports whether target equals the entity's current stage.
func (t *TransitionTable) IsReentry(current *model.KillChainStage, target model.KillChainStage) bool {
	return current != nil && target == *current
}
