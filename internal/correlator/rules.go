// Package correlator performs per-entity kill-chain correlation: it folds
// incoming signals into bounded per-entity state and deterministically
// infers the entity's current kill-chain stage and confidence.
package correlator

import (
	"sort"

	"github.com/ransomeye/coreplane/internal/model"
)

// SignalPattern describes how many signals of a given type a rule requires.
type SignalPattern struct {
	SignalType string
	MinCount   int
	MaxCount   int // 0 means unbounded
}

// TemporalConstraint bounds the time window and minimum spacing of the
// signals a rule matched against.
type TemporalConstraint struct {
	MaxWindowSeconds   int64
	MinIntervalSeconds int64 // 0 means no minimum
}

// Rule is a deterministic kill-chain stage inference rule.
type Rule struct {
	ID                 string
	Version            string
	TargetStage        model.KillChainStage
	RequiredSignals    []SignalPattern
	MinConfidence      float64
	TemporalConstraint *TemporalConstraint
}

// DefaultRules returns the four seed kill-chain inference rules.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:              "initial_access_1",
			Version:         "1.0",
			TargetStage:     model.StageInitialAccess,
			RequiredSignals: []SignalPattern{{SignalType: "network_connection", MinCount: 1}},
			MinConfidence:   0.6,
			TemporalConstraint: &TemporalConstraint{
				MaxWindowSeconds: 300,
			},
		},
		{
			ID:              "execution_1",
			Version:         "1.0",
			TargetStage:     model.StageExecution,
			RequiredSignals: []SignalPattern{{SignalType: "process_creation", MinCount: 1}},
			MinConfidence:   0.7,
			TemporalConstraint: &TemporalConstraint{
				MaxWindowSeconds: 60,
			},
		},
		{
			ID:          "encryption_execution_1",
			Version:     "1.0",
			TargetStage: model.StageEncryptionExecution,
			RequiredSignals: []SignalPattern{
				{SignalType: "file_modification", MinCount: 10},
				{SignalType: "encryption_activity", MinCount: 1},
			},
			MinConfidence: 0.8,
			TemporalConstraint: &TemporalConstraint{
				MaxWindowSeconds:   60,
				MinIntervalSeconds: 1,
			},
		},
		{
			ID:              "impact_1",
			Version:         "1.0",
			TargetStage:     model.StageImpact,
			RequiredSignals: []SignalPattern{{SignalType: "ransom_note", MinCount: 1}},
			MinConfidence:   0.9,
			TemporalConstraint: &TemporalConstraint{
				MaxWindowSeconds: 300,
			},
		},
	}
}

// RuleEngine evaluates signals against a fixed rule set to infer the
// best-matching kill-chain stage and confidence for an entity.
type RuleEngine struct {
	rules      []Rule
	transition *TransitionTable
}

// NewRuleEngine constructs a RuleEngine with the default rule set.
func NewRuleEngine() *RuleEngine {
	return &RuleEngine{rules: DefaultRules(), transition: NewTransitionTable()}
}

// InferStage evaluates every rule against signals and returns the
// highest-confidence stage whose transition from currentStage is allowed,
// along with the subset of signals that matched that rule (for
// explainability in the emitted detection). Ties in confidence are broken
// by rule id, lexicographically ascending, so the outcome never depends on
// DefaultRules' registration order. Returns ok=false if no rule matches.
func (e *RuleEngine) InferStage(currentStage *model.KillChainStage, signals []model.Signal) (stage model.KillChainStage, confidence float64, ruleID string, matched []model.Signal, ok bool) {
	bestConfidence := -1.0
	var bestStage model.KillChainStage
	var bestRule string
	var bestMatched []model.Signal
	found := false

	for _, rule := range e.rules {
		if !e.transition.Allowed(currentStage, rule.TargetStage) {
			continue
		}
		conf, matching, ruleMatched := e.evaluateRule(rule, signals)
		if !ruleMatched || conf < rule.MinConfidence {
			continue
		}
		if !found || conf > bestConfidence || (conf == bestConfidence && rule.ID < bestRule) {
			bestConfidence = conf
			bestStage = rule.TargetStage
			bestRule = rule.ID
			bestMatched = matching
			found = true
		}
	}

	return bestStage, bestConfidence, bestRule, bestMatched, found
}

func (e *RuleEngine) evaluateRule(rule Rule, signals []model.Signal) (float64, []model.Signal, bool) {
	var patternMatching []model.Signal
	totalConfidence := 0.0
	signalCount := 0
	matchedPatterns := 0

	for _, pattern := range rule.RequiredSignals {
		var matching []model.Signal
		for _, s := range signals {
			if s.Type == pattern.SignalType {
				matching = append(matching, s)
			}
		}
		count := len(matching)
		if count < pattern.MinCount {
			return 0, nil, false
		}
		if pattern.MaxCount > 0 && count > pattern.MaxCount {
			return 0, nil, false
		}
		matchedPatterns++
		for _, s := range matching {
			totalConfidence += s.Confidence
			signalCount++
			patternMatching = append(patternMatching, s)
		}
	}

	if rule.TemporalConstraint != nil {
		if !checkTemporalConstraints(patternMatching, rule.TemporalConstraint) {
			return 0, nil, false
		}
	}

	if matchedPatterns != len(rule.RequiredSignals) || signalCount == 0 {
		return 0, nil, false
	}

	return totalConfidence / float64(signalCount), patternMatching, true
}

func checkTemporalConstraints(signals []model.Signal, c *TemporalConstraint) bool {
	if len(signals) == 0 {
		return false
	}

	minTS, maxTS := signals[0].Timestamp, signals[0].Timestamp
	for _, s := range signals[1:] {
		if s.Timestamp.Before(minTS) {
			minTS = s.Timestamp
		}
		if s.Timestamp.After(maxTS) {
			maxTS = s.Timestamp
		}
	}
	windowSeconds := int64(maxTS.Sub(minTS).Seconds())
	if windowSeconds > c.MaxWindowSeconds {
		return false
	}

	if c.MinIntervalSeconds > 0 {
		byType := make(map[string][]model.Signal)
		for _, s := range signals {
			byType[s.Type] = append(byType[s.Type], s)
		}
		for _, group := range byType {
			if len(group) < 2 {
				continue
			}
			sort.Slice(group, func(i, j int) bool { return group[i].Timestamp.Before(group[j].Timestamp) })
			for i := 1; i < len(group); i++ {
				interval := int64(group[i].Timestamp.Sub(group[i-1].Timestamp).Seconds())
				if interval < c.MinIntervalSeconds {
					return false
				}
			}
		}
	}

	return true
}
