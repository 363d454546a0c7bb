// Package metrics exposes Prometheus instrumentation for the decision
// engine. All recording methods are nil-safe so components can run
// without metrics wired in (tests, the CLI probe).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	// Decision metrics
	DecisionsTotal     *prometheus.CounterVec
	DecisionConfidence *prometheus.HistogramVec
	EscalationsTotal   *prometheus.CounterVec

	// Guardian metrics
	MonitoringLevel *prometheus.GaugeVec
	SafetyMetric    *prometheus.GaugeVec
	OverridesTotal  *prometheus.CounterVec

	// Ledger metrics
	LedgerWriteDuration *prometheus.HistogramVec
	LedgerWriteFailures prometheus.Counter

	// Diagnostics metrics
	HealingAttempts *prometheus.CounterVec
	IncidentsOpen   prometheus.Gauge
	CheckDuration   *prometheus.HistogramVec
}

// New creates and registers all metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		DecisionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aegis_decisions_total",
				Help: "Total decisions evaluated by the decision matrix",
			},
			[]string{"decision_type", "outcome"}, // outcome: approved, escalated
		),

		DecisionConfidence: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "aegis_decision_confidence",
				Help:    "Weighted confidence score per decision",
				Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 0.95, 1.0},
			},
			[]string{"decision_type"},
		),

		EscalationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aegis_escalations_total",
				Help: "Decisions handed to guardian review",
			},
			[]string{"decision_type", "reason"},
		),

		MonitoringLevel: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "aegis_monitoring_level",
				Help: "Current guardian monitoring level (1=active per level)",
			},
			[]string{"level"},
		),

		SafetyMetric: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "aegis_safety_metric",
				Help: "Current value of each guardian safety metric",
			},
			[]string{"metric"},
		),

		OverridesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aegis_guardian_overrides_total",
				Help: "Guardian override decisions recorded",
			},
			[]string{"action"},
		),

		LedgerWriteDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "aegis_ledger_write_seconds",
				Help:    "Approval ledger write latency including retries",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"backend"},
		),

		LedgerWriteFailures: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "aegis_ledger_write_failures_total",
				Help: "Ledger writes that exhausted all retries",
			},
		),

		HealingAttempts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aegis_healing_attempts_total",
				Help: "Self-healing actions attempted per component",
			},
			[]string{"component", "action", "result"},
		),

		IncidentsOpen: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "aegis_incidents_open",
				Help: "Incidents currently open",
			},
		),

		CheckDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "aegis_diagnostic_check_seconds",
				Help:    "Diagnostic check execution time",
				Buckets: []float64{.005, .01, .05, .1, .5, 1, 5, 10},
			},
			[]string{"check"},
		),
	}
}

// ============================================================================
// NIL-SAFE RECORDING HELPERS
// ============================================================================

func (m *Metrics) RecordDecision(decisionType string, approved bool, confidence float64) {
	if m == nil {
		return
	}
	outcome := "approved"
	if !approved {
		outcome = "escalated"
	}
	m.DecisionsTotal.WithLabelValues(decisionType, outcome).Inc()
	m.DecisionConfidence.WithLabelValues(decisionType).Observe(confidence)
}

func (m *Metrics) RecordEscalation(decisionType, reason string) {
	if m == nil {
		return
	}
	m.EscalationsTotal.WithLabelValues(decisionType, reason).Inc()
}

// SetMonitoringLevel marks the active level gauge and clears the rest.
func (m *Metrics) SetMonitoringLevel(active string, all []string) {
	if m == nil {
		return
	}
	for _, lvl := range all {
		v := 0.0
		if lvl == active {
			v = 1.0
		}
		m.MonitoringLevel.WithLabelValues(lvl).Set(v)
	}
}

func (m *Metrics) SetSafetyMetric(name string, value float64) {
	if m == nil {
		return
	}
	m.SafetyMetric.WithLabelValues(name).Set(value)
}

func (m *Metrics) RecordOverride(action string) {
	if m == nil {
		return
	}
	m.OverridesTotal.WithLabelValues(action).Inc()
}

func (m *Metrics) ObserveLedgerWrite(backend string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.LedgerWriteDuration.WithLabelValues(backend).Observe(d.Seconds())
	if err != nil {
		m.LedgerWriteFailures.Inc()
	}
}

func (m *Metrics) RecordHealing(component, action string, ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.HealingAttempts.WithLabelValues(component, action, result).Inc()
}

func (m *Metrics) SetOpenIncidents(n int) {
	if m == nil {
		return
	}
	m.IncidentsOpen.Set(float64(n))
}

func (m *Metrics) ObserveCheck(check string, d time.Duration) {
	if m == nil {
		return
	}
	m.CheckDuration.WithLabelValues(check).Observe(d.Seconds())
}
