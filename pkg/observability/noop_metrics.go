package observability

import "time"

// NoopMetricsClient is a metrics client that discards everything. Used in
// tests and when metrics are disabled.
type NoopMetricsClient struct{}

// NewNoopMetricsClient creates a new NoopMetricsClient
func NewNoopMetricsClient() MetricsClient {
	return &NoopMetricsClient{}
}

// RecordCounter implements MetricsClient.RecordCounter
func (m *NoopMetricsClient) RecordCounter(name string, value float64, labels map[string]string) {}

// RecordGauge implements MetricsClient.RecordGauge
func (m *NoopMetricsClient) RecordGauge(name string, value float64, labels map[string]string) {}

// RecordHistogram implements MetricsClient.RecordHistogram
func (m *NoopMetricsClient) RecordHistogram(name string, value float64, labels map[string]string) {}

// RecordLatency implements MetricsClient.RecordLatency
func (m *NoopMetricsClient) RecordLatency(operation string, duration time.Duration) {}

// RecordOperation implements MetricsClient.RecordOperation
func (m *NoopMetricsClient) RecordOperation(component string, operation string, success bool, durationSeconds float64, labels map[string]string) {
}

// IncrementCounter implements MetricsClient.IncrementCounter
func (m *NoopMetricsClient) IncrementCounter(name string, value float64) {}

// IncrementCounterWithLabels implements MetricsClient.IncrementCounterWithLabels
func (m *NoopMetricsClient) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
}

// StartTimer implements MetricsClient.StartTimer
func (m *NoopMetricsClient) StartTimer(name string, labels map[string]string) func() {
	return func() {}
}

// Close implements MetricsClient.Close
func (m *NoopMetricsClient) Close() error {
	return nil
}
