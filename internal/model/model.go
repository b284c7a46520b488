// Package model defines the wire and in-memory types that cross the trust
// boundaries of the detection and response pipeline: event envelopes,
// entity state, signals, detections, policies, directives, acknowledgments,
// evidence bundles, and audit records.
package model

import "time"

// ComponentType identifies the class of producer that emitted an EventEnvelope.
type ComponentType string

const (
	ComponentDPIProbe      ComponentType = "dpi_probe"
	ComponentLinuxAgent    ComponentType = "linux_agent"
	ComponentWindowsAgent  ComponentType = "windows_agent"
)

// SupportedComponentTypes is the closed set the ingestion boundary accepts.
var SupportedComponentTypes = map[ComponentType]bool{
	ComponentDPIProbe:     true,
	ComponentLinuxAgent:   true,
	ComponentWindowsAgent: true,
}

// EventEnvelope is the signed unit of telemetry crossing the C2 ingestion boundary.
type EventEnvelope struct {
	ProducerID     string        `json:"producer_id"`
	ComponentType  ComponentType `json:"component_type"`
	SchemaVersion  uint32        `json:"schema_version"`
	Timestamp      time.Time     `json:"timestamp"`
	SequenceNumber uint64        `json:"sequence_number"`
	Signature      string        `json:"signature"`
	IntegrityHash  string        `json:"integrity_hash"`
	Nonce          string        `json:"nonce"`
	EventData      string        `json:"event_data"`
}

// KillChainStage is a named position along the ordered attack-progression enum.
type KillChainStage int

const (
	StageInitialAccess KillChainStage = iota
	StageExecution
	StagePersistence
	StagePrivilegeEscalation
	StageDefenseEvasion
	StageCredentialAccess
	StageDiscovery
	StageLateralMovement
	StageCollection
	StageEncryptionPreparation
	StageEncryptionExecution
	StageExfiltration
	StageImpact
)

var stageNames = [...]string{
	"InitialAccess",
	"Execution",
	"Persistence",
	"PrivilegeEscalation",
	"DefenseEvasion",
	"CredentialAccess",
	"Discovery",
	"LateralMovement",
	"Collection",
	"EncryptionPreparation",
	"EncryptionExecution",
	"Exfiltration",
	"Impact",
}

func (s KillChainStage) String() string {
	if int(s) < 0 || int(s) >= len(stageNames) {
		return "Unknown"
	}
	return stageNames[s]
}

// StageFromString resolves a stage name back to its enum value.
func StageFromString(name string) (KillChainStage, bool) {
	for i, n := range stageNames {
		if n == name {
			return KillChainStage(i), true
		}
	}
	return 0, false
}

// Signal is a single, type-tagged observation contributing to an entity's
// kill-chain inference.
type Signal struct {
	Type       string            `json:"type"`
	Timestamp  time.Time         `json:"timestamp"`
	EntityID   string            `json:"entity_id"`
	Confidence float64           `json:"confidence"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// StageTransition records a single kill-chain stage change for an entity.
type StageTransition struct {
	FromStage  *KillChainStage `json:"from_stage,omitempty"`
	ToStage    KillChainStage  `json:"to_stage"`
	Confidence float64         `json:"confidence"`
	RuleID     string          `json:"rule_id"`
	Timestamp  time.Time       `json:"timestamp"`
}

// SignalContribution describes how much one retained signal contributed to a detection.
type SignalContribution struct {
	Signal                Signal  `json:"signal"`
	ContributionToDetection float64 `json:"contribution_to_detection"`
}

// ConfidenceBreakdown explains how a detection's final confidence was derived.
type ConfidenceBreakdown struct {
	FinalConfidence     float64 `json:"final_confidence"`
	BaseConfidence      float64 `json:"base_confidence"`
	StageMultiplier     float64 `json:"stage_multiplier"`
	TemporalDecayFactor float64 `json:"temporal_decay_factor"`
}

// Explainability is the artefact attached to every DetectionResult.
type Explainability struct {
	SignalContributions []SignalContribution `json:"signal_contributions"`
	StageTransitions    []StageTransition     `json:"stage_transitions"`
	ConfidenceBreakdown ConfidenceBreakdown    `json:"confidence_breakdown"`
}

// DetectionResult is the immutable output of one correlator inference pass.
type DetectionResult struct {
	EntityID       string         `json:"entity_id"`
	Stage          KillChainStage `json:"stage"`
	Confidence     float64        `json:"confidence"`
	Explainability Explainability `json:"explainability"`
	EngineVersion  string         `json:"engine_version"`
	EmittedAt      time.Time      `json:"emitted_at"`
}

// PolicyAction is the set of decisions a policy may produce.
type PolicyAction string

const (
	ActionAllow           PolicyAction = "Allow"
	ActionDeny            PolicyAction = "Deny"
	ActionQuarantine      PolicyAction = "Quarantine"
	ActionIsolate         PolicyAction = "Isolate"
	ActionBlock           PolicyAction = "Block"
	ActionMonitor         PolicyAction = "Monitor"
	ActionEscalate        PolicyAction = "Escalate"
	ActionRequireApproval PolicyAction = "RequireApproval"
)

// MatchCondition is one clause of a policy's match expression.
type MatchCondition struct {
	Field    string `json:"field" yaml:"field"`
	Operator string `json:"operator" yaml:"operator"`
	Value    any    `json:"value" yaml:"value"`
}

// Policy is the signed, version-monotonic rule loaded by the policy engine.
type Policy struct {
	ID                string           `json:"id" yaml:"id"`
	Version           string           `json:"version" yaml:"version"`
	Name              string           `json:"name" yaml:"name"`
	Description       string           `json:"description,omitempty" yaml:"description,omitempty"`
	Enabled           bool             `json:"enabled" yaml:"enabled"`
	Priority          uint32           `json:"priority" yaml:"priority"`
	MatchConditions   []MatchCondition `json:"match_conditions" yaml:"match_conditions"`
	Decision          PolicyAction     `json:"decision" yaml:"decision"`
	AllowedActions    []PolicyAction   `json:"allowed_actions" yaml:"allowed_actions"`
	RequiredApprovals []string         `json:"required_approvals,omitempty" yaml:"required_approvals,omitempty"`
	Signature         string           `json:"signature,omitempty" yaml:"signature,omitempty"`
	SignatureHash     string           `json:"signature_hash,omitempty" yaml:"signature_hash,omitempty"`
	SignatureAlg      string           `json:"signature_alg,omitempty" yaml:"signature_alg,omitempty"`
	KeyID             string           `json:"key_id,omitempty" yaml:"key_id,omitempty"`
}

// DirectiveEnvelope is the signed instruction the policy engine hands to the dispatcher.
type DirectiveEnvelope struct {
	DirectiveID       string         `json:"directive_id"`
	PolicyID          string         `json:"policy_id"`
	PolicyVersion     string         `json:"policy_version"`
	IssuedAt          time.Time      `json:"issued_at"`
	TTLSeconds        int64          `json:"ttl_seconds"`
	Nonce             string         `json:"nonce"`
	TargetScope       string         `json:"target_scope"`
	Action            PolicyAction   `json:"action"`
	PreconditionsHash string         `json:"preconditions_hash"`
	AuditReceipt      string         `json:"audit_receipt"`
	AllowedActions    []PolicyAction `json:"allowed_actions"`
	RequiredApprovals []string       `json:"required_approvals,omitempty"`
	EvidenceReference string         `json:"evidence_reference,omitempty"`
	KillChainStage     KillChainStage `json:"kill_chain_stage"`
	Severity          string         `json:"severity"`
	Signature         string         `json:"signature"`
	SignatureHash     string         `json:"signature_hash"`
}

// Expired reports whether the directive's TTL has elapsed as of now.
func (d *DirectiveEnvelope) Expired(now time.Time) bool {
	return now.After(d.IssuedAt.Add(time.Duration(d.TTLSeconds) * time.Second))
}

// ExecutionResult is the outcome an agent reports back for a directive.
type ExecutionResult string

const (
	ExecutionSuccess          ExecutionResult = "Success"
	ExecutionFailed           ExecutionResult = "Failed"
	ExecutionPartiallyApplied ExecutionResult = "PartiallyApplied"
)

// Acknowledgment is the signed response an agent returns after attempting a directive.
type Acknowledgment struct {
	DirectiveID     string          `json:"directive_id"`
	AgentID         string          `json:"agent_id"`
	ExecutionResult ExecutionResult `json:"execution_result"`
	Details         string          `json:"details,omitempty"`
	Signature       string          `json:"signature"`
}

// EvidenceItem is one piece of collected evidence appended to a bundle.
type EvidenceItem struct {
	Kind      string            `json:"kind"`
	Reference string            `json:"reference"`
	Hash      string            `json:"hash"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	AddedAt   time.Time         `json:"added_at"`
}

// EvidenceBundle is an append-until-sealed, then immutable, container of evidence.
type EvidenceBundle struct {
	BundleID           string         `json:"bundle_id"`
	CreatedAt          time.Time      `json:"created_at"`
	SealedAt           *time.Time     `json:"sealed_at,omitempty"`
	EngineVersion      string         `json:"engine_version"`
	PolicyVersion      string         `json:"policy_version"`
	EvidenceItems      []EvidenceItem `json:"evidence_items"`
	BundleHash         string         `json:"bundle_hash,omitempty"`
	PreviousBundleHash string         `json:"previous_bundle_hash,omitempty"`
	Signature          string         `json:"signature,omitempty"`
	IsSealed           bool           `json:"is_sealed"`
}

// AuditRecord is one hash-chained, append-only entry in the audit log.
type AuditRecord struct {
	Sequence  uint64         `json:"sequence"`
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload"`
	PrevHash  string         `json:"prev_hash"`
	Hash      string         `json:"hash"`
	Timestamp time.Time      `json:"timestamp"`
}
