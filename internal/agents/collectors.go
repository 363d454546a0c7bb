package agents

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aegisops/backend/internal/diagnostics"
)

// Default collection intervals per agent.
const (
	PerformanceInterval = 30 * time.Second
	SecurityInterval    = 60 * time.Second
	HealthInterval      = 45 * time.Second
	DecisionInterval    = 120 * time.Second
)

// ============================================================================
// PERFORMANCE AGENT
// ============================================================================

// PerformanceCollector derives a stability score from resource
// headroom: the most pressured resource dominates.
type PerformanceCollector struct {
	cpu  *diagnostics.CPUCheck
	mem  *diagnostics.MemoryCheck
	disk *diagnostics.DiskCheck
}

func NewPerformanceCollector(diskPath string) *PerformanceCollector {
	return &PerformanceCollector{
		cpu:  diagnostics.NewCPUCheck(diagnostics.DefaultCPUThresholds),
		mem:  diagnostics.NewMemoryCheck(diagnostics.DefaultMemoryThresholds),
		disk: diagnostics.NewDiskCheck(diskPath, diagnostics.DefaultDiskThresholds),
	}
}

func (c *PerformanceCollector) ID() string     { return "performance_monitor" }
func (c *PerformanceCollector) Metric() string { return "system_stability" }

func (c *PerformanceCollector) Collect(ctx context.Context) (Sample, error) {
	detail := make(map[string]float64, 3)
	worst := 0.0
	for name, check := range map[string]diagnostics.Check{
		"cpu_pct":  c.cpu,
		"mem_pct":  c.mem,
		"disk_pct": c.disk,
	} {
		res, err := check.Run(ctx)
		if err != nil {
			return Sample{}, fmt.Errorf("%s probe: %w", check.Name(), err)
		}
		detail[name] = res.Value
		if res.Value > worst {
			worst = res.Value
		}
	}
	score := 1 - worst/100
	if score < 0 {
		score = 0
	}
	return Sample{Value: score, Detail: detail}, nil
}

// ============================================================================
// SECURITY AGENT
// ============================================================================

// SecurityCollector tracks auth failures and suspicious activity
// reported by the API layer. Counters decay by half each collection so
// old noise ages out of the score.
type SecurityCollector struct {
	mu         sync.Mutex
	failedAuth float64
	suspicious float64
}

func NewSecurityCollector() *SecurityCollector { return &SecurityCollector{} }

func (c *SecurityCollector) ID() string     { return "security_monitor" }
func (c *SecurityCollector) Metric() string { return "security_score" }

// RecordFailedAuth notes a failed authentication attempt.
func (c *SecurityCollector) RecordFailedAuth() {
	c.mu.Lock()
	c.failedAuth++
	c.mu.Unlock()
}

// RecordSuspicious notes suspicious activity.
func (c *SecurityCollector) RecordSuspicious() {
	c.mu.Lock()
	c.suspicious++
	c.mu.Unlock()
}

func (c *SecurityCollector) Collect(ctx context.Context) (Sample, error) {
	c.mu.Lock()
	failed, susp := c.failedAuth, c.suspicious
	c.failedAuth /= 2
	c.suspicious /= 2
	c.mu.Unlock()

	score := 1.0 - 0.02*failed - 0.05*susp
	if score < 0 {
		score = 0
	}
	return Sample{
		Value: score,
		Detail: map[string]float64{
			"failed_auth_attempts":  failed,
			"suspicious_activities": susp,
		},
	}, nil
}

// ============================================================================
// HEALTH AGENT
// ============================================================================

// ComponentProbe reports whether one named component is responsive.
type ComponentProbe struct {
	Name  string
	Probe func(ctx context.Context) error
}

// HealthCollector probes registered components and scores the share
// that respond.
type HealthCollector struct {
	probes []ComponentProbe
}

func NewHealthCollector(probes ...ComponentProbe) *HealthCollector {
	return &HealthCollector{probes: probes}
}

func (c *HealthCollector) ID() string     { return "health_monitor" }
func (c *HealthCollector) Metric() string { return "transaction_safety" }

func (c *HealthCollector) Collect(ctx context.Context) (Sample, error) {
	if len(c.probes) == 0 {
		return Sample{Value: 1.0}, nil
	}
	detail := make(map[string]float64, len(c.probes))
	healthy := 0
	for _, p := range c.probes {
		if err := p.Probe(ctx); err != nil {
			detail[p.Name] = 0
			continue
		}
		detail[p.Name] = 1
		healthy++
	}
	return Sample{
		Value:  float64(healthy) / float64(len(c.probes)),
		Detail: detail,
	}, nil
}

// ============================================================================
// DECISION AGENT
// ============================================================================

// DecisionMetrics is the slice of decision history the agent reads.
// Satisfied by the decision matrix.
type DecisionMetrics interface {
	ApprovalStats() (total int, approvalRate, guardianRate float64)
}

// DecisionCollector scores decision discipline. A high share of
// guardian-escalated decisions drags the compliance score down; an
// empty history scores fully compliant.
type DecisionCollector struct {
	source DecisionMetrics
}

func NewDecisionCollector(source DecisionMetrics) *DecisionCollector {
	return &DecisionCollector{source: source}
}

func (c *DecisionCollector) ID() string     { return "decision_monitor" }
func (c *DecisionCollector) Metric() string { return "ethical_compliance" }

func (c *DecisionCollector) Collect(ctx context.Context) (Sample, error) {
	total, approvalRate, guardianRate := c.source.ApprovalStats()
	if total == 0 {
		return Sample{Value: 1.0}, nil
	}
	// Escalations are the system working, so they cost less than the
	// raw rate would suggest.
	score := 1.0 - 0.5*guardianRate*(1-approvalRate)
	if score < 0 {
		score = 0
	}
	return Sample{
		Value: score,
		Detail: map[string]float64{
			"total_decisions": float64(total),
			"approval_rate":   approvalRate,
			"guardian_rate":   guardianRate,
		},
	}, nil
}
