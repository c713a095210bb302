package messaging

import (
	"sync"
	"time"

	"github.com/glimte/mmate-bridge/contracts"
)

// MetricsCollector collects exchange metrics
type MetricsCollector interface {
	// RecordExchange records an exchange that reached a terminal status
	RecordExchange(endpoint string, pattern contracts.Pattern, status contracts.Status, duration time.Duration)

	// RecordTimeout records a synchronous send that timed out
	RecordTimeout(endpoint string)

	// RecordLateCompletion records a completion that found no pending entry
	RecordLateCompletion(endpoint string)

	// RecordFiltered records an exchange dropped by a filter
	RecordFiltered(endpoint string)

	// RecordError records an error metric
	RecordError(component string, errorType string)

	// GetStats returns current stats
	GetStats() MetricsStats
}

// MetricsStats contains exchange statistics
type MetricsStats struct {
	ExchangesDone   int64
	ExchangesFailed int64
	Timeouts        int64
	LateCompletions int64
	Filtered        int64
	ErrorCount      int64
	AverageDuration time.Duration
	ErrorsByType    map[string]int64
}

// NoOpMetricsCollector is a no-op implementation of MetricsCollector
type NoOpMetricsCollector struct{}

func (NoOpMetricsCollector) RecordExchange(string, contracts.Pattern, contracts.Status, time.Duration) {
}
func (NoOpMetricsCollector) RecordTimeout(string)         {}
func (NoOpMetricsCollector) RecordLateCompletion(string)  {}
func (NoOpMetricsCollector) RecordFiltered(string)        {}
func (NoOpMetricsCollector) RecordError(string, string)   {}
func (NoOpMetricsCollector) GetStats() MetricsStats       { return MetricsStats{} }

// InMemoryMetrics keeps counters in memory.
type InMemoryMetrics struct {
	mu            sync.Mutex
	stats         MetricsStats
	totalDuration time.Duration
	timed         int64
}

// NewInMemoryMetrics creates an empty collector.
func NewInMemoryMetrics() *InMemoryMetrics {
	return &InMemoryMetrics{stats: MetricsStats{ErrorsByType: make(map[string]int64)}}
}

func (m *InMemoryMetrics) RecordExchange(_ string, _ contracts.Pattern, status contracts.Status, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch status {
	case contracts.StatusDone:
		m.stats.ExchangesDone++
	case contracts.StatusError:
		m.stats.ExchangesFailed++
	case contracts.StatusActive:
		return
	}
	m.totalDuration += duration
	m.timed++
}

func (m *InMemoryMetrics) RecordTimeout(string) {
	m.mu.Lock()
	m.stats.Timeouts++
	m.mu.Unlock()
}

func (m *InMemoryMetrics) RecordLateCompletion(string) {
	m.mu.Lock()
	m.stats.LateCompletions++
	m.mu.Unlock()
}

func (m *InMemoryMetrics) RecordFiltered(string) {
	m.mu.Lock()
	m.stats.Filtered++
	m.mu.Unlock()
}

func (m *InMemoryMetrics) RecordError(component string, errorType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.ErrorCount++
	m.stats.ErrorsByType[component+"/"+errorType]++
}

// GetStats returns a snapshot of the counters.
func (m *InMemoryMetrics) GetStats() MetricsStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.stats
	s.ErrorsByType = make(map[string]int64, len(m.stats.ErrorsByType))
	for k, v := range m.stats.ErrorsByType {
		s.ErrorsByType[k] = v
	}
	if m.timed > 0 {
		s.AverageDuration = m.totalDuration / time.Duration(m.timed)
	}
	return s
}
