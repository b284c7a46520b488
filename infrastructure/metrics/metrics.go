// Package metrics provides Prometheus metrics collection for the detection
// and response pipeline.
package metrics

import (
	"os"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors exposed by a pipeline component.
type Metrics struct {
	// Ingestion
	EventsIngestedTotal *prometheus.CounterVec
	EventsRejectedTotal *prometheus.CounterVec
	IngestLatency       *prometheus.HistogramVec

	// Correlation
	EntitiesActive           prometheus.Gauge
	DetectionsTotal          *prometheus.CounterVec
	StageTransitionsTotal    *prometheus.CounterVec
	InvariantViolationsTotal *prometheus.CounterVec

	// Policy / enforcement
	DirectivesIssuedTotal   *prometheus.CounterVec
	EnforcementActionsTotal *prometheus.CounterVec
	EnforcementAcksTotal    *prometheus.CounterVec
	RollbacksTotal          *prometheus.CounterVec
	SafeHaltState           prometheus.Gauge

	// Evidence / audit
	EvidenceBundlesSealedTotal prometheus.Counter
	AuditRecordsTotal          prometheus.Counter
	AuditChainBroken           prometheus.Gauge

	// Generic
	ErrorsTotal   *prometheus.CounterVec
	ComponentInfo *prometheus.GaugeVec
}

// New creates a Metrics instance registered against the default registerer.
func New(componentName string) *Metrics {
	return NewWithRegistry(componentName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Metrics instance registered against a custom registerer.
func NewWithRegistry(componentName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsIngestedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ransomeye_events_ingested_total",
				Help: "Total number of event envelopes accepted by the ingestion boundary",
			},
			[]string{"component", "producer_component_type"},
		),
		EventsRejectedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ransomeye_events_rejected_total",
				Help: "Total number of event envelopes rejected by the ingestion boundary",
			},
			[]string{"component", "reason"},
		),
		IngestLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ransomeye_ingest_latency_seconds",
				Help:    "Time spent validating and admitting an event envelope",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"component"},
		),
		EntitiesActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ransomeye_correlator_entities_active",
				Help: "Current number of entities tracked by the correlator",
			},
		),
		DetectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ransomeye_detections_total",
				Help: "Total number of detection results emitted by the correlator",
			},
			[]string{"stage"},
		),
		StageTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ransomeye_stage_transitions_total",
				Help: "Total number of kill-chain stage transitions recorded",
			},
			[]string{"from_stage", "to_stage"},
		),
		InvariantViolationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ransomeye_invariant_violations_total",
				Help: "Total number of correlator invariant violations rejected before emission",
			},
			[]string{"invariant"},
		),
		DirectivesIssuedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ransomeye_directives_issued_total",
				Help: "Total number of enforcement directives issued by the policy engine",
			},
			[]string{"action", "mode"},
		),
		EnforcementActionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ransomeye_enforcement_actions_total",
				Help: "Total number of enforcement actions delivered to agents",
			},
			[]string{"action", "status"},
		),
		EnforcementAcksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ransomeye_enforcement_acks_total",
				Help: "Total number of enforcement acknowledgments received",
			},
			[]string{"result"},
		),
		RollbacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ransomeye_rollbacks_total",
				Help: "Total number of rollback executions",
			},
			[]string{"status"},
		),
		SafeHaltState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ransomeye_safe_halt_state",
				Help: "1 if the rollback engine is in a persisted safe-halt state, 0 otherwise",
			},
		),
		EvidenceBundlesSealedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ransomeye_evidence_bundles_sealed_total",
				Help: "Total number of evidence bundles sealed",
			},
		),
		AuditRecordsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ransomeye_audit_records_total",
				Help: "Total number of audit records appended to the hash chain",
			},
		),
		AuditChainBroken: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ransomeye_audit_chain_broken",
				Help: "1 if the audit hash chain failed verification at load, 0 otherwise",
			},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ransomeye_errors_total",
				Help: "Total number of errors by category and operation",
			},
			[]string{"component", "category", "operation"},
		),
		ComponentInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ransomeye_component_info",
				Help: "Component build/identity information",
			},
			[]string{"component", "version"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.EventsIngestedTotal,
			m.EventsRejectedTotal,
			m.IngestLatency,
			m.EntitiesActive,
			m.DetectionsTotal,
			m.StageTransitionsTotal,
			m.InvariantViolationsTotal,
			m.DirectivesIssuedTotal,
			m.EnforcementActionsTotal,
			m.EnforcementAcksTotal,
			m.RollbacksTotal,
			m.SafeHaltState,
			m.EvidenceBundlesSealedTotal,
			m.AuditRecordsTotal,
			m.AuditChainBroken,
			m.ErrorsTotal,
			m.ComponentInfo,
		)
	}

	m.ComponentInfo.WithLabelValues(componentName, "1.0.0").Set(1)

	return m
}

// RecordError records an error by category and operation.
func (m *Metrics) RecordError(component, category, operation string) {
	m.ErrorsTotal.WithLabelValues(component, category, operation).Inc()
}

// SetSafeHalt reflects the current safe-halt flag into the gauge.
func (m *Metrics) SetSafeHalt(halted bool) {
	if halted {
		m.SafeHaltState.Set(1)
		return
	}
	m.SafeHaltState.Set(0)
}

// Enabled returns whether Prometheus metrics should be exposed, controlled by
// the METRICS_ENABLED environment variable (defaults to enabled).
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return true
	}
	switch raw {
	case "0", "false", "no", "off":
		return false
	default:
		return true
	}
}

var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance for a component.
func Init(componentName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(componentName)
	}
	return globalMetrics
}

// Global returns the global metrics instance, initializing it if necessary.
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("unknown")
	}
	return globalMetrics
}
