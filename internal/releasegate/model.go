// Package releasegate implements the final deterministic Allow/Hold/Block
// decision over validation-suite results, evidence-bundle integrity, posture
// artefacts, the module-phase map, and service configuration. It is the last
// authority before release: fail-closed, with Allow explicitly earned rather
// than assumed.
package releasegate

import "time"

// Decision is the outcome of one gate evaluation.
type Decision string

const (
	Allow Decision = "Allow"
	Hold  Decision = "Hold"
	Block Decision = "Block"
)

// Finding is one issue surfaced by a validation suite.
type Finding struct {
	Severity    string `json:"severity"`
	Description string `json:"description"`
}

// SuiteResult is one validation suite's reported outcome.
type SuiteResult struct {
	SuiteName string    `json:"suite_name"`
	Result    string    `json:"result"` // "Pass", "Hold", "Fail"
	Findings  []Finding `json:"findings"`
	Timestamp time.Time `json:"timestamp"`
}

// ArtifactReference names one artefact the gate consulted, with its computed
// hash and whether its signature verified.
type ArtifactReference struct {
	Path           string `json:"path"`
	SHA256Hash     string `json:"sha256_hash"`
	SignatureValid bool   `json:"signature_valid"`
	ArtifactType   string `json:"artifact_type"`
}

// ReleaseDecision is the signed, fully-justified output of one evaluation.
type ReleaseDecision struct {
	Decision          Decision            `json:"decision"`
	Timestamp         time.Time           `json:"timestamp"`
	Justification     string              `json:"justification"`
	SuiteResults      []SuiteResult       `json:"suite_results"`
	ArtifactsVerified []ArtifactReference `json:"artifacts_verified"`
	BlockingIssues    []string            `json:"blocking_issues"`
	Signature         string              `json:"signature"`
	PublicKey         string              `json:"public_key"`
}

// ReleaseManifest is the artefact manifest emitted alongside a decision.
type ReleaseManifest struct {
	Timestamp    time.Time           `json:"timestamp"`
	Artifacts    []ArtifactReference `json:"artifacts"`
	Decision     Decision            `json:"decision"`
	ManifestHash string              `json:"manifest_hash"`
}
