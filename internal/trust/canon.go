package trust

import (
	"encoding/binary"

	"github.com/ransomeye/coreplane/internal/model"
)

// CanonicalEnvelopeBytes reproduces the exact byte sequence an EventEnvelope
// producer signs: producer_id || component_type || schema_version(LE) ||
// timestamp(RFC3339 with nanoseconds, UTC) || sequence_number(LE) || integrity_hash || nonce.
// Any field named "signature" is never part of this sequence.
func CanonicalEnvelopeBytes(e *model.EventEnvelope) []byte {
	var buf []byte
	buf = append(buf, []byte(e.ProducerID)...)
	buf = append(buf, []byte(e.ComponentType)...)

	schemaVersion := make([]byte, 4)
	binary.LittleEndian.PutUint32(schemaVersion, e.SchemaVersion)
	buf = append(buf, schemaVersion...)

	buf = append(buf, []byte(e.Timestamp.UTC().Format("2006-01-02T15:04:05.999999999Z07:00"))...)

	seq := make([]byte, 8)
	binary.LittleEndian.PutUint64(seq, e.SequenceNumber)
	buf = append(buf, seq...)

	buf = append(buf, []byte(e.IntegrityHash)...)
	buf = append(buf, []byte(e.Nonce)...)
	return buf
}

// CanonicalDirectiveBytes is the directive-envelope analogue of
// CanonicalEnvelopeBytes: audit_receipt || directive_id || evidence_reference
// || kill_chain_stage(LE u32) || issued_at || nonce || policy_id ||
// policy_version || preconditions_hash || severity || target_scope ||
// ttl_seconds(LE u64) || action || each allowed action || each required
// approval, excluding signature and signature_hash.
func CanonicalDirectiveBytes(d *model.DirectiveEnvelope) []byte {
	var buf []byte
	buf = append(buf, []byte(d.AuditReceipt)...)
	buf = append(buf, []byte(d.DirectiveID)...)
	buf = append(buf, []byte(d.EvidenceReference)...)

	stage := make([]byte, 4)
	binary.LittleEndian.PutUint32(stage, uint32(d.KillChainStage))
	buf = append(buf, stage...)

	buf = append(buf, []byte(d.IssuedAt.UTC().Format("2006-01-02T15:04:05.999999999Z07:00"))...)
	buf = append(buf, []byte(d.Nonce)...)
	buf = append(buf, []byte(d.PolicyID)...)
	buf = append(buf, []byte(d.PolicyVersion)...)
	buf = append(buf, []byte(d.PreconditionsHash)...)
	buf = append(buf, []byte(d.Severity)...)
	buf = append(buf, []byte(d.TargetScope)...)

	ttl := make([]byte, 8)
	binary.LittleEndian.PutUint64(ttl, uint64(d.TTLSeconds))
	buf = append(buf, ttl...)

	buf = append(buf, []byte(d.Action)...)
	for _, a := range d.AllowedActions {
		buf = append(buf, []byte(a)...)
	}
	for _, a := range d.RequiredApprovals {
		buf = append(buf, []byte(a)...)
	}
	return buf
}

// CanonicalAckBytes is the signed byte sequence for an agent's
// Acknowledgment: directive_id || agent_id || execution_result || details.
// Excludes the signature field itself.
func CanonicalAckBytes(a *model.Acknowledgment) []byte {
	var buf []byte
	buf = append(buf, []byte(a.DirectiveID)...)
	buf = append(buf, []byte(a.AgentID)...)
	buf = append(buf, []byte(a.ExecutionResult)...)
	buf = append(buf, []byte(a.Details)...)
	return buf
}
