// Package dispatcher implements the enforcement dispatcher: the component
// that turns a signed policy directive into delivery against real agents,
// gated by an eight-step precondition sequence, and that completes the
// gap the original Rust dispatcher left as a stub — an ack of Failed or
// PartiallyApplied now actually triggers rollback instead of only logging
// a warning.
package dispatcher

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ransomeye/coreplane/infrastructure/logging"
	"github.com/ransomeye/coreplane/infrastructure/ratelimit"
	"github.com/ransomeye/coreplane/infrastructure/redaction"
	"github.com/ransomeye/coreplane/infrastructure/security"
	"github.com/ransomeye/coreplane/infrastructure/state"
	"github.com/ransomeye/coreplane/internal/audit"
	"github.com/ransomeye/coreplane/internal/coreerr"
	"github.com/ransomeye/coreplane/internal/model"
	"github.com/ransomeye/coreplane/internal/rollback"
	"github.com/ransomeye/coreplane/internal/trust"
)

const simulatePrefix = "simulate:"

// Dispatcher executes the eight precondition gates of spec §4.5 and drives
// delivery, acknowledgment handling, and rollback triggering.
type Dispatcher struct {
	cfg Config

	replay      *security.ReplayProtection
	reentrancy  *reentrancyGuard
	globalLimit *ratelimit.RateLimiter
	actionLimit map[model.PolicyAction]*ratelimit.RateLimiter

	approvals *ApprovalStore
	registry  *AgentRegistry
	client    AgentClient
	reverse   rollback.ReverseDeliverer

	auditLog *audit.Log
	rollback *rollback.Engine

	policyPub policyVerifier

	log    *logrus.Entry
	secLog *logging.Logger
}

// reverseAdapter turns an AgentClient's ack-returning DeliverReverse into
// the plain error signature rollback.Engine expects, treating any
// non-Success acknowledgment as a failed reverse delivery.
type reverseAdapter struct {
	client AgentClient
}

func (r reverseAdapter) DeliverReverse(ctx context.Context, rec *rollback.Record, target string) error {
	ack, err := r.client.DeliverReverse(ctx, rec, target)
	if err != nil {
		return err
	}
	if ack.ExecutionResult != model.ExecutionSuccess {
		return errors.New("reverse delivery to " + target + " did not succeed: " + ack.Details)
	}
	return nil
}

// policyVerifier is the narrow surface Dispatcher needs to re-verify a
// directive's signature. New sets it to a closure over the loaded
// *rsa.PublicKey that calls trust.VerifyRSAPSS on the directive's canonical
// bytes (a function value, not an interface, since the verification math
// lives in internal/trust).
type policyVerifier func(d *model.DirectiveEnvelope) error

// New constructs a Dispatcher. cfg.PolicyPublicKeyPath is the RSA public
// key used to re-verify directive signatures (the dispatcher's first
// precondition gate); client carries its own trust store for verifying
// agent acknowledgment certificates.
func New(
	cfg Config,
	registry *AgentRegistry,
	client AgentClient,
	log *logrus.Entry,
) (*Dispatcher, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	policyPub, err := trust.LoadRSAPublicKeyFromPEM(cfg.PolicyPublicKeyPath)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindIntegrity, "dispatcher.New", "load policy public key", err)
	}

	approvalPub, err := trust.LoadRSAPublicKeyFromPEM(cfg.ApprovalPublicKeyPath)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindIntegrity, "dispatcher.New", "load approval public key", err)
	}

	stateBackend, err := state.NewFileBackend(cfg.StateDir)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindExternal, "dispatcher.New", "open dispatcher state dir", err)
	}

	secLog := logging.NewFromEnv("dispatcher")

	auditLog, err := audit.Open(cfg.AuditLogPath)
	if err != nil {
		return nil, err
	}
	auditLog.WithRedaction(redaction.NewRedactor(redaction.DefaultConfig())).WithSecurityLogger(secLog)

	globalLimit := ratelimit.New(ratelimit.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitMaxActionsPerSecond,
		Burst:             int(cfg.RateLimitMaxActionsPerSecond) * 2,
	})

	d := &Dispatcher{
		cfg:         cfg,
		replay:      security.NewReplayProtection(cfg.NonceWindow, secLog),
		reentrancy:  newReentrancyGuard(),
		globalLimit: globalLimit,
		actionLimit: make(map[model.PolicyAction]*ratelimit.RateLimiter),
		approvals:   NewApprovalStore(cfg.ApprovalsDir, approvalPub),
		registry:    registry,
		client:      client,
		reverse:     reverseAdapter{client: client},
		auditLog:    auditLog,
		rollback:    rollback.NewEngine(stateBackend),
		log:         log,
		secLog:      secLog,
	}
	d.policyPub = func(dir *model.DirectiveEnvelope) error {
		return trust.VerifyRSAPSS(policyPub, trust.CanonicalDirectiveBytes(dir), dir.Signature)
	}
	return d, nil
}

func (d *Dispatcher) limiterFor(action model.PolicyAction) *ratelimit.RateLimiter {
	if l, ok := d.actionLimit[action]; ok {
		return l
	}
	l := ratelimit.New(ratelimit.RateLimitConfig{
		RequestsPerSecond: d.cfg.RateLimitMaxActionsPerSecond,
		Burst:             int(d.cfg.RateLimitMaxActionsPerSecond) * 2,
	})
	d.actionLimit[action] = l
	return l
}

// Outcome is the terminal result of processing one directive.
type Outcome struct {
	DirectiveID     string
	ExecutionResult model.ExecutionResult
	Acknowledgments []model.Acknowledgment
	RollbackID      string
}

// ProcessDirective runs the full eight-step precondition gate sequence and,
// if every gate passes, delivers the directive (dry-run for a
// "simulate:"-prefixed target scope, live otherwise), waits for
// acknowledgments, and — for a live delivery whose aggregate result is not
// a clean Success — triggers rollback.
func (d *Dispatcher) ProcessDirective(ctx context.Context, dir *model.DirectiveEnvelope) (*Outcome, error) {
	if halted, err := d.rollback.IsSafeHalted(ctx); err != nil {
		return nil, err
	} else if halted {
		return nil, coreerr.Invariant("dispatcher.ProcessDirective", "system is in safe-halt; operator must clear before accepting new directives")
	}

	unlock, ok := d.reentrancy.lock(dir.DirectiveID)
	if !ok {
		return nil, coreerr.Capacity("dispatcher.ProcessDirective", "directive "+dir.DirectiveID+" already in flight")
	}
	defer unlock()

	d.auditAppend("DirectiveReceived", map[string]any{"directive_id": dir.DirectiveID, "policy_id": dir.PolicyID})

	if err := d.runGates(ctx, dir); err != nil {
		d.auditAppend("DirectiveRejected", map[string]any{"directive_id": dir.DirectiveID, "reason": err.Error()})
		return nil, err
	}
	d.auditAppend("DirectiveValidated", map[string]any{"directive_id": dir.DirectiveID})

	targets, err := d.registry.Resolve(strings.TrimPrefix(dir.TargetScope, simulatePrefix))
	if err != nil {
		d.auditAppend("DirectiveRejected", map[string]any{"directive_id": dir.DirectiveID, "reason": err.Error()})
		return nil, err
	}

	if strings.HasPrefix(dir.TargetScope, simulatePrefix) {
		d.auditAppend("ExecutionSimulated", map[string]any{"directive_id": dir.DirectiveID, "targets": targets})
		return &Outcome{DirectiveID: dir.DirectiveID, ExecutionResult: model.ExecutionSuccess}, nil
	}

	return d.deliverLive(ctx, dir, targets)
}

// runGates executes precondition gates 1, 3, 4, 5, 6, 7 (gate 2, reentrancy,
// is already held by the caller). Targets are resolved here for gate 6's
// blast-radius cap; gate 8, strict target resolution whose result is used
// for delivery, is performed again by the caller immediately after gates
// pass.
func (d *Dispatcher) runGates(ctx context.Context, dir *model.DirectiveEnvelope) error {
	if err := d.policyPub(dir); err != nil {
		return coreerr.Integrity("dispatcher.runGates", err)
	}

	if !d.replay.ValidateAndMark(dir.Nonce) {
		d.secLog.LogSecurityEvent(ctx, "directive_replay_rejected", map[string]interface{}{
			"directive_id": dir.DirectiveID,
			"nonce":        dir.Nonce,
		})
		return coreerr.Replay("dispatcher.runGates", dir.Nonce)
	}

	if dir.Expired(time.Now()) {
		return coreerr.Contract("dispatcher.runGates", "directive "+dir.DirectiveID+" has expired")
	}

	if !d.globalLimit.Allow() || !d.limiterFor(dir.Action).Allow() {
		return coreerr.Capacity("dispatcher.runGates", "rate limit exceeded")
	}

	targets, err := d.registry.Resolve(strings.TrimPrefix(dir.TargetScope, simulatePrefix))
	if err != nil {
		return err
	}
	if len(targets) > d.cfg.BlastRadiusMaxHosts {
		return coreerr.Capacity("dispatcher.runGates", "blast radius exceeds maximum hosts per window")
	}

	if err := d.approvals.Check(dir.DirectiveID, dir.RequiredApprovals); err != nil {
		return err
	}

	return nil
}

func (d *Dispatcher) deliverLive(ctx context.Context, dir *model.DirectiveEnvelope, targets []string) (*Outcome, error) {
	rec, err := d.rollback.CreateRecord(ctx, dir.DirectiveID, strings.TrimPrefix(dir.TargetScope, simulatePrefix), dir.Action, targets)
	if err != nil {
		return nil, err
	}

	d.auditAppend("ExecutionAttempted", map[string]any{"directive_id": dir.DirectiveID, "targets": targets})

	ackCtx, cancel := context.WithTimeout(ctx, d.cfg.AckTimeout)
	defer cancel()

	acks := make([]model.Acknowledgment, 0, len(targets))
	for _, target := range targets {
		ack, err := d.client.Deliver(ackCtx, dir, target)
		if err != nil {
			acks = append(acks, model.Acknowledgment{
				DirectiveID:     dir.DirectiveID,
				AgentID:         target,
				ExecutionResult: model.ExecutionFailed,
				Details:         "no acknowledgment: " + err.Error(),
			})
			continue
		}
		acks = append(acks, *ack)
	}

	result := aggregateResult(acks)
	for _, ack := range acks {
		d.auditAppend("AcknowledgmentReceived", map[string]any{
			"directive_id": dir.DirectiveID, "agent_id": ack.AgentID, "result": string(ack.ExecutionResult),
		})
	}

	outcome := &Outcome{DirectiveID: dir.DirectiveID, ExecutionResult: result, Acknowledgments: acks, RollbackID: rec.RollbackID}

	if result == model.ExecutionSuccess {
		d.auditAppend("ExecutionSucceeded", map[string]any{"directive_id": dir.DirectiveID})
		return outcome, nil
	}

	// This is the gap the original dispatcher left as a stub comment
	// ("Rollback logic would go here"): a Failed or PartiallyApplied
	// aggregate result now actually invokes the rollback engine rather than
	// only logging a warning.
	if err := d.HandleAcknowledgmentFailure(ctx, rec); err != nil {
		d.auditAppend("RollbackFailed", map[string]any{"directive_id": dir.DirectiveID, "rollback_id": rec.RollbackID, "error": err.Error()})
		return outcome, err
	}
	d.auditAppend("RollbackCompleted", map[string]any{"directive_id": dir.DirectiveID, "rollback_id": rec.RollbackID})
	return outcome, nil
}

// HandleAcknowledgmentFailure triggers rollback for a rollback record whose
// delivery did not cleanly succeed. Exposed separately from
// deliverLive/ProcessDirective so an asynchronously-arriving ack (a real
// agent replying out-of-band rather than over a synchronous HTTP response)
// can drive the same rollback path.
func (d *Dispatcher) HandleAcknowledgmentFailure(ctx context.Context, rec *rollback.Record) error {
	d.log.WithField("rollback_id", rec.RollbackID).Warn("acknowledgment indicates failure or partial application; initiating rollback")
	return d.rollback.Rollback(ctx, rec, d.reverse)
}

func aggregateResult(acks []model.Acknowledgment) model.ExecutionResult {
	if len(acks) == 0 {
		return model.ExecutionFailed
	}
	successCount := 0
	for _, a := range acks {
		if a.ExecutionResult == model.ExecutionSuccess {
			successCount++
		}
	}
	switch {
	case successCount == len(acks):
		return model.ExecutionSuccess
	case successCount == 0:
		return model.ExecutionFailed
	default:
		return model.ExecutionPartiallyApplied
	}
}

func (d *Dispatcher) auditAppend(eventType string, payload map[string]any) {
	if _, err := d.auditLog.Append(eventType, payload); err != nil {
		d.log.WithError(err).Error("audit append failed")
	}
}

// ClearSafeHalt clears the persisted safe-halt flag, the one intentionally
// manual operation in the core.
func (d *Dispatcher) ClearSafeHalt(ctx context.Context) error {
	return d.rollback.ClearSafeHalt(ctx)
}

// ResumeIncomplete returns rollback records left incomplete by a crash, for
// an operator or a restart hook to resume.
func (d *Dispatcher) ResumeIncomplete(ctx context.Context) ([]*rollback.Record, error) {
	return d.rollback.ResumeIncomplete(ctx)
}
