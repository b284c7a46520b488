package correlator

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ransomeye/coreplane/internal/coreerr"
	"github.com/ransomeye/coreplane/internal/model"
)

// Config bounds the correlator's memory footprint and eviction behavior.
type Config struct {
	SignalRingCap     int
	TransitionRingCap int
	EntityTTL         time.Duration
	MaxEntities       int
	Shards            int
	EngineVersion     string
}

// DefaultConfig returns reasonable bounds for local testing; production
// deployments must set these explicitly from the required environment
// variables.
func DefaultConfig() Config {
	return Config{
		SignalRingCap:     64,
		TransitionRingCap: 32,
		EntityTTL:         24 * time.Hour,
		MaxEntities:       100000,
		Shards:            8,
		EngineVersion:     "correlator-1",
	}
}

// Engine performs per-entity kill-chain correlation, sharded by entity_id so
// that signals for the same entity are always processed in submission
// order while different entities correlate concurrently.
type Engine struct {
	cfg     Config
	rules   *RuleEngine
	store   *entityStore
	log     *logrus.Entry
	metrics metricsRecorder

	mu      sync.Mutex
	shards  []chan signalJob
	started bool
}

// metricsRecorder is the narrow surface the correlator needs from
// infrastructure/metrics, kept as an interface so the engine has no hard
// dependency on a concrete Prometheus registry in tests.
type metricsRecorder interface {
	RecordError(component, category, operation string)
}

type signalJob struct {
	signal model.Signal
	result chan<- jobResult
}

type jobResult struct {
	detection *model.DetectionResult
	err       error
}

// NewEngine constructs a correlation Engine. metrics may be nil.
func NewEngine(cfg Config, metrics metricsRecorder, log *logrus.Entry) *Engine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.Shards <= 0 {
		cfg.Shards = 1
	}
	return &Engine{
		cfg:     cfg,
		rules:   NewRuleEngine(),
		store:   newEntityStore(cfg.MaxEntities, cfg.EntityTTL),
		log:     log,
		metrics: metrics,
		shards:  make([]chan signalJob, cfg.Shards),
	}
}

// Start launches the per-shard worker goroutines. Start is idempotent.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.started = true
	for i := range e.shards {
		ch := make(chan signalJob, 256)
		e.shards[i] = ch
		go e.runShard(ctx, ch)
	}
}

func (e *Engine) runShard(ctx context.Context, ch chan signalJob) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-ch:
			det, err := e.process(job.signal)
			job.result <- jobResult{detection: det, err: err}
		}
	}
}

func (e *Engine) shardFor(entityID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(entityID))
	return int(h.Sum32() % uint32(len(e.shards)))
}

// Submit enqueues a signal for correlation and blocks until the owning
// shard has processed it, returning the resulting DetectionResult if the
// signal triggered a stage inference, or nil if it did not.
func (e *Engine) Submit(ctx context.Context, s model.Signal) (*model.DetectionResult, error) {
	e.mu.Lock()
	started := e.started
	e.mu.Unlock()
	if !started {
		return e.process(s)
	}

	shard := e.shards[e.shardFor(s.EntityID)]
	resultCh := make(chan jobResult, 1)
	select {
	case shard <- signalJob{signal: s, result: resultCh}:
	case <-ctx.Done():
		return nil, coreerr.External("correlator.Submit", ctx.Err())
	}

	select {
	case r := <-resultCh:
		return r.detection, r.err
	case <-ctx.Done():
		return nil, coreerr.External("correlator.Submit", ctx.Err())
	}
}

// process performs the actual signal ingestion and stage-inference pass for
// one entity. Must only ever run on one goroutine per entity at a time,
// guaranteed by shard assignment.
func (e *Engine) process(s model.Signal) (*model.DetectionResult, error) {
	if s.EntityID == "" {
		return nil, coreerr.Contract("correlator.process", "signal missing entity_id")
	}

	now := time.Now()
	state := e.store.getOrCreate(s.EntityID, e.cfg.SignalRingCap, e.cfg.TransitionRingCap, now)
	state.RecordSignal(s)

	stage, confidence, ruleID, matched, ok := e.rules.InferStage(state.CurrentStage, state.Signals())
	if !ok {
		return nil, nil
	}

	if err := e.enforceInvariants(state, stage, confidence); err != nil {
		return nil, err
	}

	transition := model.StageTransition{
		FromStage:  state.CurrentStage,
		ToStage:    stage,
		Confidence: confidence,
		RuleID:     ruleID,
		Timestamp:  now,
	}
	state.applyTransition(transition)

	return e.buildDetectionResult(state, transition, matched), nil
}

// enforceInvariants rejects any inference that would violate the
// correlator's three invariants: no stage skip without evidence (automatic,
// since InferStage only returns a stage whose rule matched the required
// signal set), no confidence increase without a new signal contributing
// (checked here for same-stage re-entry), and no detection below the
// minimum signal set (automatic, since an unmatched rule never returns ok).
func (e *Engine) enforceInvariants(state *EntityState, stage model.KillChainStage, confidence float64) error {
	if NewTransitionTable().IsReentry(state.CurrentStage, stage) {
		if confidence <= state.CurrentConfidence {
			return coreerr.Invariant("correlator.enforceInvariants", "same-stage re-entry did not increase confidence")
		}
	}
	if !NewTransitionTable().Allowed(state.CurrentStage, stage) {
		return coreerr.Invariant("correlator.enforceInvariants", "backward stage transition rejected")
	}
	return nil
}

// buildDetectionResult assembles the explainability artefact for a stage
// transition. matched is exactly the subset of the entity's retained
// signals that satisfied the winning rule's required patterns (as computed
// by RuleEngine.evaluateRule) — not the entity's full signal ring, which
// may also hold older signals the rule never looked at.
func (e *Engine) buildDetectionResult(state *EntityState, t model.StageTransition, matched []model.Signal) *model.DetectionResult {
	contributions := make([]model.SignalContribution, 0, len(matched))
	for _, s := range matched {
		contributions = append(contributions, model.SignalContribution{
			Signal:                  s,
			ContributionToDetection: s.Confidence,
		})
	}

	stageMultiplier := 1.0 + float64(t.ToStage)*0.02
	breakdown := model.ConfidenceBreakdown{
		FinalConfidence:     t.Confidence,
		BaseConfidence:      t.Confidence,
		StageMultiplier:     stageMultiplier,
		TemporalDecayFactor: 1.0,
	}

	return &model.DetectionResult{
		EntityID:   state.EntityID,
		Stage:      t.ToStage,
		Confidence: t.Confidence,
		Explainability: model.Explainability{
			SignalContributions: contributions,
			StageTransitions:    state.Transitions(),
			ConfidenceBreakdown: breakdown,
		},
		EngineVersion: e.cfg.EngineVersion,
		EmittedAt:     t.Timestamp,
	}
}

// EntityCount returns the number of entities currently tracked.
func (e *Engine) EntityCount() int {
	return e.store.Count()
}

// GetEntityState returns a read-only snapshot of an entity's correlation
// state, or nil if the entity is not tracked.
func (e *Engine) GetEntityState(entityID string) *EntityState {
	return e.store.get(entityID)
}

// Stats summarizes the engine's current tracked state.
type Stats struct {
	TrackedEntities int
	Shards          int
}

// GetStats returns a point-in-time snapshot of engine statistics.
func (e *Engine) GetStats() Stats {
	return Stats{TrackedEntities: e.store.Count(), Shards: e.cfg.Shards}
}
