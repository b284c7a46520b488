package policy

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"time"

	"github.com/google/uuid"

	"github.com/ransomeye/coreplane/internal/coreerr"
	"github.com/ransomeye/coreplane/internal/model"
	"github.com/ransomeye/coreplane/internal/trust"
)

// DirectiveBuilder constructs and signs directive envelopes from a matched
// policy and detection context, using the dispatcher's trusted signing key
// so that every directive the dispatcher receives can be verified back to
// this engine.
type DirectiveBuilder struct {
	signingKey *rsa.PrivateKey
	ttl        time.Duration
}

// NewDirectiveBuilder constructs a DirectiveBuilder. signingKey corresponds
// to the public key the dispatcher trusts via
// RANSOMEYE_DISPATCHER_POLICY_KEY_PATH.
func NewDirectiveBuilder(signingKey *rsa.PrivateKey, ttl time.Duration) *DirectiveBuilder {
	return &DirectiveBuilder{signingKey: signingKey, ttl: ttl}
}

// Build constructs, hashes, and signs a DirectiveEnvelope for a matched
// policy and detection context. auditReceipt is the audit log's
// acknowledgment of the decision being recorded, and must be obtained
// before the directive is signed so the directive provably references its
// own audit trail.
func (b *DirectiveBuilder) Build(p *model.Policy, det *model.DetectionResult, auditReceipt, evidenceReference string, mode Mode) (*model.DirectiveEnvelope, error) {
	now := time.Now().UTC()

	d := &model.DirectiveEnvelope{
		DirectiveID:       uuid.NewString(),
		PolicyID:          p.ID,
		PolicyVersion:     p.Version,
		IssuedAt:          now,
		TTLSeconds:        int64(b.ttl.Seconds()),
		Nonce:             uuid.NewString(),
		TargetScope:       det.EntityID,
		Action:            p.Decision,
		AuditReceipt:      auditReceipt,
		AllowedActions:    p.AllowedActions,
		RequiredApprovals: p.RequiredApprovals,
		EvidenceReference: evidenceReference,
		KillChainStage:    det.Stage,
		Severity:          severityFor(det.Stage),
	}

	if mode == ModeSimulate {
		d.TargetScope = "simulate:" + d.TargetScope
	}

	preconditions := trust.CanonicalDirectiveBytes(d)
	sum := sha256.Sum256(preconditions)
	d.PreconditionsHash = base64.StdEncoding.EncodeToString(sum[:])

	if err := b.sign(d); err != nil {
		return nil, err
	}
	return d, nil
}

func (b *DirectiveBuilder) sign(d *model.DirectiveEnvelope) error {
	message := trust.CanonicalDirectiveBytes(d)
	hash := sha256.Sum256(message)
	sig, err := rsa.SignPSS(rand.Reader, b.signingKey, crypto.SHA256, hash[:], nil)
	if err != nil {
		return coreerr.Wrap(coreerr.KindPolicy, "policy.sign", "sign directive", err)
	}
	d.Signature = base64.StdEncoding.EncodeToString(sig)
	d.SignatureHash = base64.StdEncoding.EncodeToString(hash[:])
	return nil
}

func severityFor(stage model.KillChainStage) string {
	switch {
	case stage >= model.StageEncryptionExecution:
		return "critical"
	case stage >= model.StageDefenseEvasion:
		return "high"
	case stage >= model.StagePersistence:
		return "medium"
	default:
		return "low"
	}
}
