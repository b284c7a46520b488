package releasegate

import "github.com/ransomeye/coreplane/infrastructure/utils"

// Config collects the filesystem inputs one gate evaluation consults.
type Config struct {
	// SuiteResultsPath is a JSON file of validation suite results, shaped
	// like SuiteResult. RANSOMEYE_RELEASEGATE_SUITE_RESULTS_PATH.
	SuiteResultsPath string

	// PostureReportsDir holds posture/compliance reports, each expected to
	// carry a sibling ".sig" file. RANSOMEYE_RELEASEGATE_POSTURE_DIR.
	PostureReportsDir string

	// ModulePhaseMapPath is the YAML file enumerating modules and their
	// phases; it must never reference a phantom module.
	// RANSOMEYE_RELEASEGATE_MODULE_PHASE_MAP.
	ModulePhaseMapPath string

	// ServiceUnitsDir holds systemd unit files to check for root execution
	// and Restart=always. RANSOMEYE_RELEASEGATE_SYSTEMD_DIR.
	ServiceUnitsDir string

	// SigningKeyPath is a PEM-encoded PKCS8 Ed25519 private key. Unlike the
	// original source, a missing key is a fatal construction error: this
	// gate never emits an unsigned decision.
	// RANSOMEYE_RELEASE_GATE_KEY_PATH.
	SigningKeyPath string

	// OutputDir is where the decision, its signature, and the manifest are
	// written. RANSOMEYE_RELEASEGATE_OUTPUT_DIR.
	OutputDir string
}

// DefaultConfig returns the defaults used when an env var is unset.
func DefaultConfig() Config {
	return Config{
		SuiteResultsPath:   "/var/lib/ransomeye/release_gate/suite_results.json",
		PostureReportsDir:  "/var/lib/ransomeye/posture/output",
		ModulePhaseMapPath: "/etc/ransomeye/MODULE_PHASE_MAP.yaml",
		ServiceUnitsDir:    "/etc/ransomeye/systemd",
		SigningKeyPath:     "/etc/ransomeye/release_gate_key.pem",
		OutputDir:          "/var/lib/ransomeye/release_gate/reports",
	}
}

// ConfigFromEnv loads Config from the environment, falling back to
// DefaultConfig for anything unset.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()

	cfg.SuiteResultsPath = utils.GetEnv("RANSOMEYE_RELEASEGATE_SUITE_RESULTS_PATH", cfg.SuiteResultsPath)
	cfg.PostureReportsDir = utils.GetEnv("RANSOMEYE_RELEASEGATE_POSTURE_DIR", cfg.PostureReportsDir)
	cfg.ModulePhaseMapPath = utils.GetEnv("RANSOMEYE_RELEASEGATE_MODULE_PHASE_MAP", cfg.ModulePhaseMapPath)
	cfg.ServiceUnitsDir = utils.GetEnv("RANSOMEYE_RELEASEGATE_SYSTEMD_DIR", cfg.ServiceUnitsDir)
	cfg.SigningKeyPath = utils.GetEnv("RANSOMEYE_RELEASE_GATE_KEY_PATH", cfg.SigningKeyPath)
	cfg.OutputDir = utils.GetEnv("RANSOMEYE_RELEASEGATE_OUTPUT_DIR", cfg.OutputDir)

	return cfg
}
