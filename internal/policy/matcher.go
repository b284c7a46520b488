package policy

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ransomeye/coreplane/internal/model"
)

// Mode selects whether a matched policy's directive is actually delivered
// (Enforce) or only recorded for audit (Simulate). Both modes run the
// identical matching and directive-construction logic; Simulate differs
// only in what the dispatcher does with the resulting directive.
type Mode string

const (
	ModeEnforce  Mode = "enforce"
	ModeSimulate Mode = "simulate"
)

// Context is the set of fields a policy's match_conditions may reference,
// derived from a DetectionResult.
type Context struct {
	EntityID   string
	Stage      model.KillChainStage
	Confidence float64
}

func fieldValue(ctx Context, field string) (string, bool) {
	switch field {
	case "entity_id":
		return ctx.EntityID, true
	case "stage":
		return ctx.Stage.String(), true
	case "confidence":
		return strconv.FormatFloat(ctx.Confidence, 'f', -1, 64), true
	default:
		return "", false
	}
}

// Matches reports whether every one of policy's match_conditions is
// satisfied by ctx. An unknown field or operator never matches — a policy
// that cannot be conclusively evaluated is treated as not applicable rather
// than applied ambiguously.
func Matches(p *model.Policy, ctx Context) bool {
	for _, cond := range p.MatchConditions {
		if !matchOne(cond, ctx) {
			return false
		}
	}
	return true
}

func matchOne(cond model.MatchCondition, ctx Context) bool {
	actual, ok := fieldValue(ctx, cond.Field)
	if !ok {
		return false
	}

	switch cond.Operator {
	case "eq":
		return actual == fmt.Sprintf("%v", cond.Value)
	case "ne":
		return actual != fmt.Sprintf("%v", cond.Value)
	case "contains":
		return strings.Contains(actual, fmt.Sprintf("%v", cond.Value))
	case "gte":
		a, aok := parseFloat(actual)
		b, bok := parseFloat(fmt.Sprintf("%v", cond.Value))
		return aok && bok && a >= b
	case "lte":
		a, aok := parseFloat(actual)
		b, bok := parseFloat(fmt.Sprintf("%v", cond.Value))
		return aok && bok && a <= b
	case "gt":
		a, aok := parseFloat(actual)
		b, bok := parseFloat(fmt.Sprintf("%v", cond.Value))
		return aok && bok && a > b
	default:
		return false
	}
}

func parseFloat(s string) (float64, bool) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// SelectPolicy evaluates policies in descending-priority order (the order
// AllPolicies returns) and returns the first one whose match_conditions are
// all satisfied. Deterministic for input from AllPolicies, which orders ties
// in priority by policy ID; the slice is not re-sorted here.
func SelectPolicy(policies []*model.Policy, ctx Context) *model.Policy {
	for _, p := range policies {
		if Matches(p, ctx) {
			return p
		}
	}
	return nil
}
