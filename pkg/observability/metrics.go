package observability

import (
	"sync"
	"time"
)

// metricsClient is the default in-process metrics implementation. It keeps
// counters and gauges in memory so tests and the ops endpoint can inspect
// them; an exporter can be layered on top without touching callers.
type metricsClient struct {
	enabled bool
	labels  map[string]string

	mu       sync.RWMutex
	counters map[string]float64
	gauges   map[string]float64
}

// MetricsOptions contains configuration options for creating a metrics client
type MetricsOptions struct {
	Enabled bool
	Labels  map[string]string
}

// NewMetricsClient creates a new metrics client with default options
func NewMetricsClient() MetricsClient {
	return NewMetricsClientWithOptions(MetricsOptions{
		Enabled: true,
		Labels:  map[string]string{},
	})
}

// NewMetricsClientWithOptions creates a new metrics client with specific options
func NewMetricsClientWithOptions(options MetricsOptions) MetricsClient {
	return &metricsClient{
		enabled:  options.Enabled,
		labels:   options.Labels,
		counters: make(map[string]float64),
		gauges:   make(map[string]float64),
	}
}

// RecordCounter increments a counter metric
func (m *metricsClient) RecordCounter(name string, value float64, labels map[string]string) {
	if !m.enabled {
		return
	}
	m.mu.Lock()
	m.counters[name] += value
	m.mu.Unlock()
}

// RecordGauge records a gauge metric
func (m *metricsClient) RecordGauge(name string, value float64, labels map[string]string) {
	if !m.enabled {
		return
	}
	m.mu.Lock()
	m.gauges[name] = value
	m.mu.Unlock()
}

// RecordHistogram records a histogram metric
func (m *metricsClient) RecordHistogram(name string, value float64, labels map[string]string) {
	if !m.enabled {
		return
	}
	m.mu.Lock()
	m.counters[name+"_sum"] += value
	m.counters[name+"_count"]++
	m.mu.Unlock()
}

// RecordTimer records a duration metric
func (m *metricsClient) RecordTimer(name string, duration time.Duration, labels map[string]string) {
	m.RecordHistogram(name, duration.Seconds(), labels)
}

// RecordCacheOperation records a cache hit or miss with its duration
func (m *metricsClient) RecordCacheOperation(operation string, hit bool, durationSeconds float64) {
	if !m.enabled {
		return
	}
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	m.RecordCounter("cache_"+operation+"_"+outcome, 1.0, m.labels)
	m.RecordHistogram("cache_"+operation+"_duration_seconds", durationSeconds, m.labels)
}

// RecordOperation records a generic component operation outcome
func (m *metricsClient) RecordOperation(component string, operation string, success bool, durationSeconds float64, labels map[string]string) {
	if !m.enabled {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.RecordCounter(component+"_"+operation+"_"+outcome, 1.0, labels)
	m.RecordHistogram(component+"_"+operation+"_duration_seconds", durationSeconds, labels)
}

// IncrementCounter increments a counter metric by a given value
func (m *metricsClient) IncrementCounter(name string, value float64) {
	m.RecordCounter(name, value, m.labels)
}

// Close releases resources held by the client
func (m *metricsClient) Close() error {
	return nil
}

// CounterValue returns the current value of a counter. Exposed for tests
// and the ops endpoint; returns 0 for unknown counters.
func CounterValue(c MetricsClient, name string) float64 {
	mc, ok := c.(*metricsClient)
	if !ok {
		return 0
	}
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return mc.counters[name]
}
