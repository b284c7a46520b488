package dispatcher

import (
	"strconv"
	"time"

	"github.com/ransomeye/coreplane/infrastructure/utils"
)

// Config collects every environment-tunable knob the dispatcher needs at
// construction time, mirroring the env-var surface of
// original_source/ransomeye_dispatcher/dispatcher/src/dispatcher.rs.
type Config struct {
	// PolicyPublicKeyPath is the PEM-encoded RSA public key the policy
	// engine signs directives with. RANSOMEYE_DISPATCHER_POLICY_KEY_PATH.
	PolicyPublicKeyPath string

	// AuditLogPath is the hash-chained audit log file.
	// RANSOMEYE_DISPATCHER_AUDIT_LOG_PATH.
	AuditLogPath string

	// StateDir backs rollback-record and nonce-replay persistence.
	// RANSOMEYE_DISPATCHER_STATE_DIR.
	StateDir string

	// ApprovalsDir holds one signed JSON approval record per file.
	// RANSOMEYE_DISPATCHER_APPROVALS_DIR.
	ApprovalsDir string

	// ApprovalPublicKeyPath is the PEM-encoded RSA public key approval
	// records are signed with. RANSOMEYE_DISPATCHER_APPROVAL_KEY_PATH.
	ApprovalPublicKeyPath string

	// NonceWindow is how long a directive nonce is remembered for replay
	// rejection. RANSOMEYE_DISPATCHER_NONCE_TTL_SECONDS.
	NonceWindow time.Duration

	// AckTimeout bounds how long the dispatcher waits for a signed
	// acknowledgment before treating a delivery as NoAck.
	// RANSOMEYE_DISPATCHER_ACK_TIMEOUT_SECONDS.
	AckTimeout time.Duration

	// RateLimitMaxActionsPerSecond bounds both the per-action and the
	// global token buckets. RANSOMEYE_ENFORCEMENT_RATE_LIMIT_MAX_ACTIONS.
	RateLimitMaxActionsPerSecond float64

	// BlastRadiusMaxHosts caps how many resolved targets a single directive
	// may address. RANSOMEYE_ENFORCEMENT_BLAST_RADIUS_MAX_HOSTS.
	BlastRadiusMaxHosts int
}

// DefaultConfig returns the defaults used when an env var is unset,
// matching the original's fallback constants.
func DefaultConfig() Config {
	return Config{
		PolicyPublicKeyPath:   "/etc/ransomeye/policy_public_key.pem",
		AuditLogPath:          "/var/lib/ransomeye/dispatcher_audit.log",
		StateDir:              "/var/lib/ransomeye/dispatcher",
		ApprovalsDir:          "/var/lib/ransomeye/approvals",
		ApprovalPublicKeyPath: "/etc/ransomeye/approval_public_key.pem",
		NonceWindow:           15 * time.Minute,
		AckTimeout:            30 * time.Second,
		RateLimitMaxActionsPerSecond: 10,
		BlastRadiusMaxHosts:          50,
	}
}

// ConfigFromEnv loads Config from the environment, falling back to
// DefaultConfig for anything unset or unparseable.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()

	cfg.PolicyPublicKeyPath = utils.GetEnv("RANSOMEYE_DISPATCHER_POLICY_KEY_PATH", cfg.PolicyPublicKeyPath)
	cfg.AuditLogPath = utils.GetEnv("RANSOMEYE_DISPATCHER_AUDIT_LOG_PATH", cfg.AuditLogPath)
	cfg.StateDir = utils.GetEnv("RANSOMEYE_DISPATCHER_STATE_DIR", cfg.StateDir)
	cfg.ApprovalsDir = utils.GetEnv("RANSOMEYE_DISPATCHER_APPROVALS_DIR", cfg.ApprovalsDir)
	cfg.ApprovalPublicKeyPath = utils.GetEnv("RANSOMEYE_DISPATCHER_APPROVAL_KEY_PATH", cfg.ApprovalPublicKeyPath)

	if v := envSeconds("RANSOMEYE_DISPATCHER_NONCE_TTL_SECONDS"); v > 0 {
		cfg.NonceWindow = v
	}
	if v := envSeconds("RANSOMEYE_DISPATCHER_ACK_TIMEOUT_SECONDS"); v > 0 {
		cfg.AckTimeout = v
	}
	if v := utils.GetEnvOptional("RANSOMEYE_ENFORCEMENT_RATE_LIMIT_MAX_ACTIONS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.RateLimitMaxActionsPerSecond = f
		}
	}
	if v := utils.GetEnvInt("RANSOMEYE_ENFORCEMENT_BLAST_RADIUS_MAX_HOSTS", 0); v > 0 {
		cfg.BlastRadiusMaxHosts = v
	}

	return cfg
}

func envSeconds(key string) time.Duration {
	n := utils.GetEnvInt(key, 0)
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}
