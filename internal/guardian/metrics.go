package guardian

import (
	"sync"
	"time"

	"github.com/aegisops/backend/internal/core"
)

// MetricStatus classifies a safety metric against its threshold using
// fixed offsets: healthy at or above the threshold, then elevated,
// high, and critical at each 0.10 step below it.
type MetricStatus string

const (
	MetricHealthy  MetricStatus = "healthy"
	MetricElevated MetricStatus = "elevated"
	MetricHigh     MetricStatus = "high"
	MetricCritical MetricStatus = "critical"
)

// SafetyMetric is a named, bounded health indicator. Status is derived,
// never set directly.
type SafetyMetric struct {
	Name      string       `json:"name"`
	Value     float64      `json:"value"`
	Threshold float64      `json:"threshold"`
	Status    MetricStatus `json:"status"`
	Timestamp time.Time    `json:"timestamp"`
}

// classify derives the status of value against threshold.
func classify(value, threshold float64) MetricStatus {
	switch {
	case value >= threshold:
		return MetricHealthy
	case value >= threshold-0.10:
		return MetricElevated
	case value >= threshold-0.20:
		return MetricHigh
	default:
		return MetricCritical
	}
}

// levelFor maps the worst metric in a snapshot to a monitoring level:
// any value below threshold-0.20 is critical, below threshold-0.10 is
// high, below threshold is elevated, otherwise normal.
func levelFor(metrics []SafetyMetric) core.MonitoringLevel {
	level := core.LevelNormal
	for _, m := range metrics {
		var candidate core.MonitoringLevel
		switch classify(m.Value, m.Threshold) {
		case MetricCritical:
			candidate = core.LevelCritical
		case MetricHigh:
			candidate = core.LevelHigh
		case MetricElevated:
			candidate = core.LevelElevated
		default:
			continue
		}
		if candidate.Rank() > level.Rank() {
			level = candidate
		}
	}
	return level
}

// MetricStore holds the current safety metrics. It is a resettable
// in-memory cache, not a source of truth: it may be rebuilt from
// scratch on restart.
type MetricStore struct {
	mu      sync.RWMutex
	metrics map[string]SafetyMetric
}

// NewMetricStore creates an empty store.
func NewMetricStore() *MetricStore {
	return &MetricStore{metrics: make(map[string]SafetyMetric)}
}

// defaultMetrics seeds the store with the standard safety indicators.
func defaultMetrics() []SafetyMetric {
	now := time.Now()
	seed := []struct {
		name      string
		value     float64
		threshold float64
	}{
		{"transaction_safety", 0.99, 0.95},
		{"ethical_compliance", 0.98, 0.90},
		{"security_score", 0.97, 0.90},
		{"system_stability", 0.96, 0.85},
	}

	out := make([]SafetyMetric, 0, len(seed))
	for _, s := range seed {
		out = append(out, SafetyMetric{
			Name:      s.name,
			Value:     s.value,
			Threshold: s.threshold,
			Status:    classify(s.value, s.threshold),
			Timestamp: now,
		})
	}
	return out
}

// Register adds or replaces a metric definition.
func (s *MetricStore) Register(name string, value, threshold float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics[name] = SafetyMetric{
		Name:      name,
		Value:     clamp01(value),
		Threshold: threshold,
		Status:    classify(clamp01(value), threshold),
		Timestamp: time.Now(),
	}
}

// Update sets a metric's value and rederives its status. Unknown
// metrics are ignored; collectors only feed registered indicators.
func (s *MetricStore) Update(name string, value float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.metrics[name]
	if !ok {
		return false
	}
	m.Value = clamp01(value)
	m.Status = classify(m.Value, m.Threshold)
	m.Timestamp = time.Now()
	s.metrics[name] = m
	return true
}

// Get returns one metric by name.
func (s *MetricStore) Get(name string) (SafetyMetric, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.metrics[name]
	return m, ok
}

// Snapshot returns a copy of all metrics. Level computation always runs
// against a full snapshot so a half-applied batch of updates can never
// produce a phantom level.
func (s *MetricStore) Snapshot() []SafetyMetric {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]SafetyMetric, 0, len(s.metrics))
	for _, m := range s.metrics {
		out = append(out, m)
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
