package ingestion

import (
	"strconv"
	"time"

	"github.com/ransomeye/coreplane/infrastructure/utils"
	"github.com/ransomeye/coreplane/internal/model"
)

// Config collects every environment-tunable knob the ingestion boundary
// needs at construction time.
type Config struct {
	// ProducerQueueCapacity bounds each per-producer channel.
	// RANSOMEYE_INGESTION_QUEUE_CAPACITY.
	ProducerQueueCapacity int

	// DrainWorkers is the number of goroutines draining producer queues
	// into the correlator. RANSOMEYE_INGESTION_DRAIN_WORKERS.
	DrainWorkers int

	// NonceWindow is how long a producer's nonce is remembered for replay
	// rejection. RANSOMEYE_INGESTION_NONCE_TTL_SECONDS.
	NonceWindow time.Duration

	// DedupTTL is how long an integrity_hash is remembered for benign-retry
	// deduplication. RANSOMEYE_INGESTION_DEDUP_TTL_SECONDS.
	DedupTTL time.Duration

	// ClockSkew bounds how far an envelope's timestamp may drift from now,
	// in either direction, before it is rejected.
	// RANSOMEYE_INGESTION_CLOCK_SKEW_SECONDS.
	ClockSkew time.Duration

	// BackpressureAutoClear is how long a per-producer backpressure signal
	// persists before auto-clearing in the absence of a further signal.
	// RANSOMEYE_INGESTION_BACKPRESSURE_CLEAR_SECONDS.
	BackpressureAutoClear time.Duration

	// StandardRatePerSecond and StandardBurst bound non-critical producers.
	// RANSOMEYE_INGESTION_RATE_LIMIT_PER_SECOND / _BURST.
	StandardRatePerSecond float64
	StandardBurst         int

	// CriticalRatePerSecond and CriticalBurst are read from the environment
	// but not applied by Submit: critical-priority producers bypass rate
	// limiting, global backpressure and shedding.
	// RANSOMEYE_INGESTION_CRITICAL_RATE_LIMIT_PER_SECOND / _BURST.
	CriticalRatePerSecond float64
	CriticalBurst         int

	// MinSchemaVersion and MaxSchemaVersion bound the schema_version this
	// boundary accepts; anything outside the range is rejected fail-closed.
	// RANSOMEYE_INGESTION_MIN_SCHEMA_VERSION / _MAX_SCHEMA_VERSION.
	MinSchemaVersion uint32
	MaxSchemaVersion uint32
}

// DefaultConfig returns the defaults used when an env var is unset.
func DefaultConfig() Config {
	return Config{
		ProducerQueueCapacity: 1024,
		DrainWorkers:          8,
		NonceWindow:           15 * time.Minute,
		DedupTTL:              5 * time.Minute,
		ClockSkew:             2 * time.Minute,
		BackpressureAutoClear: 30 * time.Second,
		StandardRatePerSecond: 50,
		StandardBurst:         100,
		CriticalRatePerSecond: 500,
		CriticalBurst:         1000,
		MinSchemaVersion:      1,
		MaxSchemaVersion:      1,
	}
}

// ConfigFromEnv loads Config from the environment, falling back to
// DefaultConfig for anything unset or unparseable.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()

	if v := envInt("RANSOMEYE_INGESTION_QUEUE_CAPACITY"); v > 0 {
		cfg.ProducerQueueCapacity = v
	}
	if v := envInt("RANSOMEYE_INGESTION_DRAIN_WORKERS"); v > 0 {
		cfg.DrainWorkers = v
	}
	if v := envSeconds("RANSOMEYE_INGESTION_NONCE_TTL_SECONDS"); v > 0 {
		cfg.NonceWindow = v
	}
	if v := envSeconds("RANSOMEYE_INGESTION_DEDUP_TTL_SECONDS"); v > 0 {
		cfg.DedupTTL = v
	}
	if v := envSeconds("RANSOMEYE_INGESTION_CLOCK_SKEW_SECONDS"); v > 0 {
		cfg.ClockSkew = v
	}
	if v := envSeconds("RANSOMEYE_INGESTION_BACKPRESSURE_CLEAR_SECONDS"); v > 0 {
		cfg.BackpressureAutoClear = v
	}
	if v := envFloat("RANSOMEYE_INGESTION_RATE_LIMIT_PER_SECOND"); v > 0 {
		cfg.StandardRatePerSecond = v
	}
	if v := envInt("RANSOMEYE_INGESTION_RATE_LIMIT_BURST"); v > 0 {
		cfg.StandardBurst = v
	}
	if v := envFloat("RANSOMEYE_INGESTION_CRITICAL_RATE_LIMIT_PER_SECOND"); v > 0 {
		cfg.CriticalRatePerSecond = v
	}
	if v := envInt("RANSOMEYE_INGESTION_CRITICAL_RATE_LIMIT_BURST"); v > 0 {
		cfg.CriticalBurst = v
	}
	if v := envInt("RANSOMEYE_INGESTION_MIN_SCHEMA_VERSION"); v > 0 {
		cfg.MinSchemaVersion = uint32(v)
	}
	if v := envInt("RANSOMEYE_INGESTION_MAX_SCHEMA_VERSION"); v > 0 {
		cfg.MaxSchemaVersion = uint32(v)
	}

	return cfg
}

// criticalComponentTypes is the fixed priority classification the ingestion
// boundary uses to exempt certain producer classes from rate limiting and
// shedding. Agents carry the most operationally sensitive telemetry
// (rollback and isolation confirmations flow back through the same
// producers), so they are treated as critical; DPI probes are high-volume
// and non-critical.
var criticalComponentTypes = map[model.ComponentType]bool{
	model.ComponentLinuxAgent:   true,
	model.ComponentWindowsAgent: true,
}

// IsCritical reports whether ct is a critical-priority producer class.
func IsCritical(ct model.ComponentType) bool {
	return criticalComponentTypes[ct]
}

func envInt(key string) int {
	return utils.GetEnvInt(key, 0)
}

func envFloat(key string) float64 {
	v := utils.GetEnvOptional(key)
	if v == "" {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0
	}
	return f
}

func envSeconds(key string) time.Duration {
	n := envInt(key)
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}
