package observability

import "sync"

// Metrics provides counter, gauge, and histogram recording primitives.
type Metrics interface {
	IncCounter(name string, value float64, labels map[string]string)
	ObserveHistogram(name string, value float64, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
}

var defaultMetrics Metrics = noopMetrics{}

// SetMetrics overrides the global metrics implementation used by the system.
func SetMetrics(metrics Metrics) {
	if metrics == nil {
		defaultMetrics = noopMetrics{}
		return
	}
	defaultMetrics = metrics
}

// Telemetry returns the current global metrics collector.
func Telemetry() Metrics {
	return defaultMetrics
}

type noopMetrics struct{}

func (noopMetrics) IncCounter(string, float64, map[string]string)       {}
func (noopMetrics) ObserveHistogram(string, float64, map[string]string) {}
func (noopMetrics) SetGauge(string, float64, map[string]string)         {}

// CoreMetricsSnapshot captures coordination-core runtime counters.
type CoreMetricsSnapshot struct {
	GroupOutcomes   map[string]int `json:"group_outcomes"`
	Transitions     map[string]int `json:"transitions"`
	RecoveryResumes int            `json:"recovery_resumes"`
}

// RuntimeMetrics accumulates core metrics in-memory for periodic export.
type RuntimeMetrics struct {
	mu   sync.Mutex
	core CoreMetricsSnapshot
}

// NewRuntimeMetrics constructs a metrics accumulator with empty maps.
func NewRuntimeMetrics() *RuntimeMetrics {
	metrics := new(RuntimeMetrics)
	metrics.core = CoreMetricsSnapshot{
		GroupOutcomes:   make(map[string]int),
		Transitions:     make(map[string]int),
		RecoveryResumes: 0,
	}
	return metrics
}

// IncrementGroupOutcome counts one terminal group outcome by name.
func (m *RuntimeMetrics) IncrementGroupOutcome(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.core.GroupOutcomes[outcome]++
}

// IncrementTransition counts one effective lifecycle transition by target state.
func (m *RuntimeMetrics) IncrementTransition(state string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.core.Transitions[state]++
}

// IncrementRecoveryResumes counts one resumed instance during restart recovery.
func (m *RuntimeMetrics) IncrementRecoveryResumes() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.core.RecoveryResumes++
}

// Snapshot copies the current core metrics state for reporting.
func (m *RuntimeMetrics) Snapshot() CoreMetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := CoreMetricsSnapshot{
		GroupOutcomes:   make(map[string]int, len(m.core.GroupOutcomes)),
		Transitions:     make(map[string]int, len(m.core.Transitions)),
		RecoveryResumes: m.core.RecoveryResumes,
	}
	for k, v := range m.core.GroupOutcomes {
		snapshot.GroupOutcomes[k] = v
	}
	for k, v := range m.core.Transitions {
		snapshot.Transitions[k] = v
	}
	return snapshot
}
