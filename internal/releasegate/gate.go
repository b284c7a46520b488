package releasegate

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	hexutil "github.com/ransomeye/coreplane/infrastructure/hex"
	"github.com/ransomeye/coreplane/infrastructure/state"
	"github.com/ransomeye/coreplane/internal/coreerr"
	"github.com/ransomeye/coreplane/internal/evidence"
	"github.com/ransomeye/coreplane/internal/trust"
)

const (
	outputDecisionKey = "release_decision"
	outputSigKey      = "release_decision_sig"
	outputManifestKey = "release_manifest"
)

// Gate is the final release authority: it evaluates every consulted artefact
// and produces one signed, deterministic decision. FAIL-CLOSED DEFAULT:
// Block. Allow must be explicitly earned.
type Gate struct {
	cfg        Config
	evidence   *evidence.Store
	signingKey ed25519.PrivateKey
	verifyKey  ed25519.PublicKey
	output     *state.FileBackend
	log        *logrus.Entry
}

// NewGate constructs a Gate. Unlike the original source, a missing signing
// key at cfg.SigningKeyPath is a fatal construction error — this gate never
// produces an unsigned decision.
func NewGate(cfg Config, evidenceStore *evidence.Store, log *logrus.Entry) (*Gate, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	signingKey, err := trust.LoadEd25519PrivateKeyFromPEM(cfg.SigningKeyPath)
	if err != nil {
		return nil, err
	}

	output, err := state.NewFileBackend(cfg.OutputDir)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindExternal, "releasegate.NewGate", "open output dir", err)
	}

	return &Gate{
		cfg:        cfg,
		evidence:   evidenceStore,
		signingKey: signingKey,
		verifyKey:  trust.Ed25519PublicKeyFromPrivate(signingKey),
		output:     output,
		log:        log,
	}, nil
}

// Evaluate runs every check, makes the deterministic decision, signs it, and
// persists the decision, its signature, and the artefact manifest.
func (g *Gate) Evaluate(ctx context.Context) (*ReleaseDecision, error) {
	g.log.Info("release gate: starting evaluation (fail-closed mode)")

	var blockingIssues []string
	var artifacts []ArtifactReference

	suiteResults, issues := g.validateSuiteResults()
	blockingIssues = append(blockingIssues, issues...)

	evidenceArtifacts, issues := g.validateEvidenceBundles(ctx)
	artifacts = append(artifacts, evidenceArtifacts...)
	blockingIssues = append(blockingIssues, issues...)

	postureArtifacts, issues := g.validatePostureReports()
	artifacts = append(artifacts, postureArtifacts...)
	blockingIssues = append(blockingIssues, issues...)

	blockingIssues = append(blockingIssues, g.validateModulePhaseMap()...)
	blockingIssues = append(blockingIssues, g.validateServiceUnits()...)

	decision := makeDecision(suiteResults, blockingIssues)
	justification := generateJustification(decision, suiteResults, blockingIssues)

	signature, err := g.signDecision(decision, justification, len(suiteResults), len(artifacts))
	if err != nil {
		return nil, err
	}

	result := &ReleaseDecision{
		Decision:          decision,
		Timestamp:         time.Now().UTC(),
		Justification:     justification,
		SuiteResults:      suiteResults,
		ArtifactsVerified: artifacts,
		BlockingIssues:    blockingIssues,
		Signature:         signature,
		PublicKey:         trust.EncodeEd25519PublicKey(g.verifyKey),
	}

	if err := g.persist(ctx, result); err != nil {
		return nil, err
	}

	g.log.WithField("decision", decision).Info("release gate: decision made")
	return result, nil
}

// validateSuiteResults loads the validation-suite results file and applies
// rules 1 and 2: any Fail, or any High/Critical finding, is a blocking issue.
func (g *Gate) validateSuiteResults() ([]SuiteResult, []string) {
	var blockingIssues []string

	raw, err := os.ReadFile(g.cfg.SuiteResultsPath)
	if err != nil {
		blockingIssues = append(blockingIssues, "validation suite results not found: "+g.cfg.SuiteResultsPath)
		return nil, blockingIssues
	}

	var suiteResults []SuiteResult
	if err := json.Unmarshal(raw, &suiteResults); err != nil {
		blockingIssues = append(blockingIssues, "validation suite results unparseable: "+err.Error())
		return nil, blockingIssues
	}

	for _, suite := range suiteResults {
		if suite.Result == "Fail" {
			blockingIssues = append(blockingIssues, "suite '"+suite.SuiteName+"' failed")
		}
		for _, finding := range suite.Findings {
			if isHighOrCritical(finding.Severity) {
				blockingIssues = append(blockingIssues, "suite '"+suite.SuiteName+"' has "+finding.Severity+" finding: "+finding.Description)
			}
		}
	}

	return suiteResults, blockingIssues
}

func isHighOrCritical(severity string) bool {
	s := strings.ToLower(severity)
	return s == "high" || s == "critical"
}

// validateEvidenceBundles walks every sealed bundle, relying on the evidence
// store's own integrity check (hash + Ed25519 signature) rather than
// re-deriving it, and separately checks the chain links in seal order — the
// same check the original performs by reading bundle files in directory
// order, here made deterministic by sorting on SealedAt instead.
func (g *Gate) validateEvidenceBundles(ctx context.Context) ([]ArtifactReference, []string) {
	var artifacts []ArtifactReference
	var blockingIssues []string

	if g.evidence == nil {
		blockingIssues = append(blockingIssues, "evidence store not configured for release gate")
		return artifacts, blockingIssues
	}

	ids, err := g.evidence.ListSealed(ctx)
	if err != nil {
		blockingIssues = append(blockingIssues, "evidence bundles directory unreadable: "+err.Error())
		return artifacts, blockingIssues
	}
	if len(ids) == 0 {
		blockingIssues = append(blockingIssues, "no evidence bundles found (at least one required)")
		return artifacts, blockingIssues
	}

	type sealedBundle struct {
		id         string
		bundleHash string
		prevHash   string
		sealedAt   time.Time
		signed     bool
	}
	var bundles []sealedBundle
	for _, id := range ids {
		bundle, err := g.evidence.GetBundle(ctx, id)
		if err != nil {
			blockingIssues = append(blockingIssues, "evidence bundle '"+id+"' failed integrity verification: "+err.Error())
			continue
		}
		sealedAt := time.Time{}
		if bundle.SealedAt != nil {
			sealedAt = *bundle.SealedAt
		}
		bundles = append(bundles, sealedBundle{
			id:         id,
			bundleHash: bundle.BundleHash,
			prevHash:   bundle.PreviousBundleHash,
			sealedAt:   sealedAt,
			signed:     bundle.Signature != "",
		})
	}

	sort.Slice(bundles, func(i, j int) bool { return bundles[i].sealedAt.Before(bundles[j].sealedAt) })

	var previousHash string
	for _, b := range bundles {
		if previousHash != "" && b.prevHash != previousHash {
			blockingIssues = append(blockingIssues, "hash chain broken for evidence bundle "+b.id)
		}
		if !b.signed {
			blockingIssues = append(blockingIssues, "missing signature for evidence bundle "+b.id)
		}
		artifacts = append(artifacts, ArtifactReference{
			Path:           b.id,
			SHA256Hash:     b.bundleHash,
			SignatureValid: b.signed,
			ArtifactType:   "evidence_bundle",
		})
		previousHash = b.bundleHash
	}

	return artifacts, blockingIssues
}

// validatePostureReports checks that every posture/compliance report carries
// a signed sidecar. The sidecar's shape mirrors the original source exactly:
// a JSON object with a boolean "signed" field.
func (g *Gate) validatePostureReports() ([]ArtifactReference, []string) {
	var artifacts []ArtifactReference
	var blockingIssues []string

	entries, err := os.ReadDir(g.cfg.PostureReportsDir)
	if err != nil {
		blockingIssues = append(blockingIssues, "posture output directory not found: "+g.cfg.PostureReportsDir)
		return artifacts, blockingIssues
	}

	var reportFiles []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext == ".pdf" || ext == ".html" || ext == ".csv" {
			reportFiles = append(reportFiles, e.Name())
		}
	}
	sort.Strings(reportFiles)

	if len(reportFiles) == 0 {
		blockingIssues = append(blockingIssues, "no posture reports found")
		return artifacts, blockingIssues
	}

	for _, name := range reportFiles {
		path := filepath.Join(g.cfg.PostureReportsDir, name)
		sigPath := path + ".sig"

		content, err := os.ReadFile(path)
		if err != nil {
			blockingIssues = append(blockingIssues, "posture report unreadable: "+name)
			continue
		}
		sum := sha256.Sum256(content)
		computedHash := hexutil.EncodeToString(sum[:])

		sigRaw, err := os.ReadFile(sigPath)
		if err != nil {
			blockingIssues = append(blockingIssues, "posture report not signed: "+name)
			artifacts = append(artifacts, ArtifactReference{Path: path, SHA256Hash: computedHash, SignatureValid: false, ArtifactType: "posture_report"})
			continue
		}
		var sigData struct {
			Signed bool `json:"signed"`
		}
		valid := json.Unmarshal(sigRaw, &sigData) == nil && sigData.Signed
		if !valid {
			blockingIssues = append(blockingIssues, "posture report signature invalid: "+name)
		}
		artifacts = append(artifacts, ArtifactReference{Path: path, SHA256Hash: computedHash, SignatureValid: valid, ArtifactType: "posture_report"})
	}

	return artifacts, blockingIssues
}

// validateModulePhaseMap rejects any module-phase map that references a
// phantom module, anywhere in its structure — not just as a top-level key.
func (g *Gate) validateModulePhaseMap() []string {
	raw, err := os.ReadFile(g.cfg.ModulePhaseMapPath)
	if err != nil {
		return []string{"MODULE_PHASE_MAP.yaml not found"}
	}

	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return []string{"MODULE_PHASE_MAP.yaml unparseable: " + err.Error()}
	}

	if containsPhantomReference(doc) {
		return []string{"MODULE_PHASE_MAP.yaml contains phantom module references"}
	}
	return nil
}

func containsPhantomReference(node any) bool {
	switch v := node.(type) {
	case string:
		return strings.Contains(strings.ToLower(v), "phantom")
	case []any:
		for _, item := range v {
			if containsPhantomReference(item) {
				return true
			}
		}
	case map[string]any:
		for key, val := range v {
			if strings.Contains(strings.ToLower(key), "phantom") || containsPhantomReference(val) {
				return true
			}
		}
	}
	return false
}

// validateServiceUnits rejects any systemd unit that runs as root or omits
// Restart=always.
func (g *Gate) validateServiceUnits() []string {
	var blockingIssues []string

	entries, err := os.ReadDir(g.cfg.ServiceUnitsDir)
	if err != nil {
		return []string{"systemd directory not found: " + g.cfg.ServiceUnitsDir}
	}

	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".service" {
			continue
		}
		path := filepath.Join(g.cfg.ServiceUnitsDir, e.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			blockingIssues = append(blockingIssues, "systemd unit unreadable: "+e.Name())
			continue
		}
		content := string(raw)
		if strings.Contains(strings.ToLower(content), "user=root") {
			blockingIssues = append(blockingIssues, "systemd service "+e.Name()+" runs as root (prohibited)")
		}
		if !strings.Contains(content, "Restart=always") {
			blockingIssues = append(blockingIssues, "systemd service "+e.Name()+" missing Restart=always")
		}
	}

	return blockingIssues
}

// makeDecision applies the ordered rules: Block on any failing suite, any
// High or Critical finding, or any blocking issue; Allow only when every
// suite passed; Hold otherwise.
func makeDecision(suiteResults []SuiteResult, blockingIssues []string) Decision {
	for _, suite := range suiteResults {
		if suite.Result == "Fail" {
			return Block
		}
	}
	for _, suite := range suiteResults {
		for _, finding := range suite.Findings {
			if isHighOrCritical(finding.Severity) {
				return Block
			}
		}
	}
	if len(blockingIssues) > 0 {
		return Block
	}

	allPass := true
	for _, suite := range suiteResults {
		if suite.Result != "Pass" {
			allPass = false
			break
		}
	}
	if allPass {
		return Allow
	}

	return Hold
}

func generateJustification(decision Decision, suiteResults []SuiteResult, blockingIssues []string) string {
	switch decision {
	case Block:
		var reasons []string
		for _, suite := range suiteResults {
			if suite.Result == "Fail" {
				reasons = append(reasons, "suite '"+suite.SuiteName+"' failed")
			}
			for _, finding := range suite.Findings {
				if isHighOrCritical(finding.Severity) {
					reasons = append(reasons, "suite '"+suite.SuiteName+"' has "+finding.Severity+" finding: "+finding.Description)
				}
			}
		}
		reasons = append(reasons, blockingIssues...)
		return "release blocked: " + strings.Join(reasons, "; ")
	case Allow:
		return "all validation suites passed; no high or critical severity findings; all artefacts verified"
	default:
		return "release hold: validation issues require review before a release decision"
	}
}

type decisionSigningPayload struct {
	Decision      Decision `json:"decision"`
	Justification string   `json:"justification"`
	SuiteCount    int      `json:"suite_count"`
	ArtifactCount int      `json:"artifact_count"`
}

func (g *Gate) signDecision(decision Decision, justification string, suiteCount, artifactCount int) (string, error) {
	payload := decisionSigningPayload{
		Decision:      decision,
		Justification: justification,
		SuiteCount:    suiteCount,
		ArtifactCount: artifactCount,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", coreerr.Wrap(coreerr.KindInvariant, "releasegate.signDecision", "marshal signing payload", err)
	}
	return trust.SignEd25519(g.signingKey, raw), nil
}

func (g *Gate) persist(ctx context.Context, decision *ReleaseDecision) error {
	decisionJSON, err := json.MarshalIndent(decision, "", "  ")
	if err != nil {
		return coreerr.Wrap(coreerr.KindInvariant, "releasegate.persist", "marshal decision", err)
	}
	if err := g.output.Save(ctx, outputDecisionKey, decisionJSON); err != nil {
		return coreerr.Wrap(coreerr.KindExternal, "releasegate.persist", "save decision", err)
	}

	sigRecord, err := json.MarshalIndent(struct {
		Signature string    `json:"signature"`
		PublicKey string    `json:"public_key"`
		Algorithm string    `json:"algorithm"`
		Timestamp time.Time `json:"timestamp"`
	}{decision.Signature, decision.PublicKey, "Ed25519", decision.Timestamp}, "", "  ")
	if err != nil {
		return coreerr.Wrap(coreerr.KindInvariant, "releasegate.persist", "marshal signature record", err)
	}
	if err := g.output.Save(ctx, outputSigKey, sigRecord); err != nil {
		return coreerr.Wrap(coreerr.KindExternal, "releasegate.persist", "save signature record", err)
	}

	manifest := ReleaseManifest{
		Timestamp:    decision.Timestamp,
		Artifacts:    decision.ArtifactsVerified,
		Decision:     decision.Decision,
		ManifestHash: computeManifestHash(decision.ArtifactsVerified),
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return coreerr.Wrap(coreerr.KindInvariant, "releasegate.persist", "marshal manifest", err)
	}
	if err := g.output.Save(ctx, outputManifestKey, manifestJSON); err != nil {
		return coreerr.Wrap(coreerr.KindExternal, "releasegate.persist", "save manifest", err)
	}

	return nil
}

func computeManifestHash(artifacts []ArtifactReference) string {
	h := sha256.New()
	for _, a := range artifacts {
		h.Write([]byte(a.Path))
		h.Write([]byte(a.SHA256Hash))
	}
	return hexutil.EncodeToString(h.Sum(nil))
}
