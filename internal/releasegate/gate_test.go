package releasegate

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ransomeye/coreplane/internal/evidence"
)

func writeSigningKey(t *testing.T, path string) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	block := &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0o600))
}

type testFixture struct {
	cfg   Config
	store *evidence.Store
}

func newFixture(t *testing.T) *testFixture {
	t.Helper()
	dir := t.TempDir()

	keyPath := filepath.Join(dir, "gate_key.pem")
	writeSigningKey(t, keyPath)

	evidenceKeyPath := filepath.Join(dir, "evidence_key.pem")
	writeSigningKey(t, evidenceKeyPath)
	store, err := evidence.NewStore(evidence.Config{
		StoreDir:       filepath.Join(dir, "evidence"),
		SigningKeyPath: evidenceKeyPath,
	})
	require.NoError(t, err)

	cfg := Config{
		SuiteResultsPath:   filepath.Join(dir, "suite_results.json"),
		PostureReportsDir:  filepath.Join(dir, "posture"),
		ModulePhaseMapPath: filepath.Join(dir, "MODULE_PHASE_MAP.yaml"),
		ServiceUnitsDir:    filepath.Join(dir, "systemd"),
		SigningKeyPath:     keyPath,
		OutputDir:          filepath.Join(dir, "reports"),
	}

	require.NoError(t, os.MkdirAll(cfg.PostureReportsDir, 0o755))
	require.NoError(t, os.MkdirAll(cfg.ServiceUnitsDir, 0o755))

	return &testFixture{cfg: cfg, store: store}
}

func writeSuiteResults(t *testing.T, path string, results []SuiteResult) {
	t.Helper()
	raw, err := json.Marshal(results)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o644))
}

func sealOneBundle(t *testing.T, store *evidence.Store) {
	t.Helper()
	ctx := context.Background()
	bundle, err := store.CreateBundle(ctx, "engine-1.0", "policy-1.0")
	require.NoError(t, err)
	_, err = store.SealBundle(ctx, bundle.BundleID)
	require.NoError(t, err)
}

func writeModulePhaseMap(t *testing.T, path string, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func writeServiceUnit(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func writeSignedPostureReport(t *testing.T, dir, name string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("posture report content"), 0o644))
	sig, err := json.Marshal(struct {
		Signed bool `json:"signed"`
	}{true})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path+".sig", sig, 0o644))
}

// baseline sets up a fixture that, on its own, earns Allow: one passing
// suite, no findings, one sealed evidence bundle, a signed posture report, a
// clean module-phase map, and a compliant systemd unit.
func baseline(t *testing.T) *testFixture {
	f := newFixture(t)
	writeSuiteResults(t, f.cfg.SuiteResultsPath, []SuiteResult{
		{SuiteName: "network", Result: "Pass", Timestamp: time.Now().UTC()},
	})
	sealOneBundle(t, f.store)
	writeSignedPostureReport(t, f.cfg.PostureReportsDir, "report.pdf")
	writeModulePhaseMap(t, f.cfg.ModulePhaseMapPath, "modules:\n  - name: correlator\n    phase: 3\n")
	writeServiceUnit(t, f.cfg.ServiceUnitsDir, "coreplane.service", "[Service]\nUser=coreplane\nRestart=always\n")
	return f
}

func TestEvaluateAllowsWhenEverythingPasses(t *testing.T) {
	f := baseline(t)
	gate, err := NewGate(f.cfg, f.store, nil)
	require.NoError(t, err)

	decision, err := gate.Evaluate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Allow, decision.Decision)
	assert.Empty(t, decision.BlockingIssues)
	assert.NotEmpty(t, decision.Signature)
	assert.NotEmpty(t, decision.PublicKey)
}

func TestEvaluateBlocksOnFailedSuite(t *testing.T) {
	f := baseline(t)
	writeSuiteResults(t, f.cfg.SuiteResultsPath, []SuiteResult{
		{SuiteName: "network", Result: "Fail", Timestamp: time.Now().UTC()},
	})
	gate, err := NewGate(f.cfg, f.store, nil)
	require.NoError(t, err)

	decision, err := gate.Evaluate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Block, decision.Decision)
	assert.Contains(t, decision.Justification, "failed")
}

func TestEvaluateBlocksOnHighSeverityFinding(t *testing.T) {
	f := baseline(t)
	writeSuiteResults(t, f.cfg.SuiteResultsPath, []SuiteResult{
		{
			SuiteName: "network",
			Result:    "Pass",
			Findings:  []Finding{{Severity: "High", Description: "unpatched CVE"}},
			Timestamp: time.Now().UTC(),
		},
	})
	gate, err := NewGate(f.cfg, f.store, nil)
	require.NoError(t, err)

	decision, err := gate.Evaluate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Block, decision.Decision)
}

func TestEvaluateBlocksOnMissingEvidenceBundles(t *testing.T) {
	f := newFixture(t)
	writeSuiteResults(t, f.cfg.SuiteResultsPath, []SuiteResult{
		{SuiteName: "network", Result: "Pass", Timestamp: time.Now().UTC()},
	})
	writeSignedPostureReport(t, f.cfg.PostureReportsDir, "report.pdf")
	writeModulePhaseMap(t, f.cfg.ModulePhaseMapPath, "modules: []\n")
	writeServiceUnit(t, f.cfg.ServiceUnitsDir, "coreplane.service", "[Service]\nUser=coreplane\nRestart=always\n")

	gate, err := NewGate(f.cfg, f.store, nil)
	require.NoError(t, err)

	decision, err := gate.Evaluate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Block, decision.Decision)
	assert.Contains(t, decision.BlockingIssues, "no evidence bundles found (at least one required)")
}

func TestEvaluateBlocksOnRootSystemdService(t *testing.T) {
	f := baseline(t)
	writeServiceUnit(t, f.cfg.ServiceUnitsDir, "bad.service", "[Service]\nUser=root\nRestart=always\n")

	gate, err := NewGate(f.cfg, f.store, nil)
	require.NoError(t, err)

	decision, err := gate.Evaluate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Block, decision.Decision)
	found := false
	for _, issue := range decision.BlockingIssues {
		if issue == "systemd service bad.service runs as root (prohibited)" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestEvaluateBlocksOnPhantomModuleReference(t *testing.T) {
	f := baseline(t)
	writeModulePhaseMap(t, f.cfg.ModulePhaseMapPath, "modules:\n  - name: PHANTOM_relay\n    phase: 9\n")

	gate, err := NewGate(f.cfg, f.store, nil)
	require.NoError(t, err)

	decision, err := gate.Evaluate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Block, decision.Decision)
	assert.Contains(t, decision.BlockingIssues, "MODULE_PHASE_MAP.yaml contains phantom module references")
}

func TestEvaluateBlocksOnUnsignedPostureReport(t *testing.T) {
	f := baseline(t)
	// overwrite the signed sidecar with an unsigned one
	require.NoError(t, os.WriteFile(filepath.Join(f.cfg.PostureReportsDir, "report.pdf.sig"),
		[]byte(`{"signed": false}`), 0o644))

	gate, err := NewGate(f.cfg, f.store, nil)
	require.NoError(t, err)

	decision, err := gate.Evaluate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Block, decision.Decision)
}

func TestEvaluatePersistsReportsToOutputDir(t *testing.T) {
	f := baseline(t)
	gate, err := NewGate(f.cfg, f.store, nil)
	require.NoError(t, err)

	_, err = gate.Evaluate(context.Background())
	require.NoError(t, err)

	for _, name := range []string{"release_decision.json", "release_decision_sig.json", "release_manifest.json"} {
		_, err := os.Stat(filepath.Join(f.cfg.OutputDir, name))
		assert.NoError(t, err, "expected %s to exist", name)
	}
}

func TestNewGateFailsClosedWithoutSigningKey(t *testing.T) {
	f := newFixture(t)
	f.cfg.SigningKeyPath = filepath.Join(t.TempDir(), "missing.pem")

	_, err := NewGate(f.cfg, f.store, nil)
	assert.Error(t, err)
}
