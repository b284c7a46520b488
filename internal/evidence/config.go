package evidence

import (
	"time"

	"github.com/ransomeye/coreplane/infrastructure/utils"
)

// Config collects the environment-tunable knobs the evidence store needs at
// construction time.
type Config struct {
	// StoreDir backs bundle and chain-head persistence.
	// RANSOMEYE_EVIDENCE_STORE_DIR.
	StoreDir string

	// SigningKeyPath is a PEM-encoded PKCS8 Ed25519 private key. Unlike the
	// original source, this path must already exist; the store never
	// generates one on first run. RANSOMEYE_EVIDENCE_SIGNING_KEY_PATH.
	SigningKeyPath string

	// RetentionWindow is how long a sealed bundle is kept before the
	// retention sweep flags it for deletion. RANSOMEYE_EVIDENCE_RETENTION_DAYS.
	RetentionWindow time.Duration
}

// DefaultConfig returns the defaults used when an env var is unset.
func DefaultConfig() Config {
	return Config{
		StoreDir:        "/var/lib/ransomeye/evidence",
		SigningKeyPath:  "/etc/ransomeye/evidence_signing_key.pem",
		RetentionWindow: 7 * 365 * 24 * time.Hour,
	}
}

// ConfigFromEnv loads Config from the environment, falling back to
// DefaultConfig for anything unset or unparseable.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()

	cfg.StoreDir = utils.GetEnv("RANSOMEYE_EVIDENCE_STORE_DIR", cfg.StoreDir)
	cfg.SigningKeyPath = utils.GetEnv("RANSOMEYE_EVIDENCE_SIGNING_KEY_PATH", cfg.SigningKeyPath)
	if n := utils.GetEnvInt("RANSOMEYE_EVIDENCE_RETENTION_DAYS", 0); n > 0 {
		cfg.RetentionWindow = time.Duration(n) * 24 * time.Hour
	}

	return cfg
}
