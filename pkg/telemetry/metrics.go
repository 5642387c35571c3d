package telemetry

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the cloudypad collectors on a private registry. A disabled
// Metrics has nil collectors and every method is a no-op.
type Metrics struct {
	registry *prometheus.Registry

	operationsStarted   *prometheus.CounterVec
	operationsCompleted *prometheus.CounterVec
	operationDuration   *prometheus.HistogramVec

	providerCalls    *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	providerErrors   *prometheus.CounterVec

	waitDuration  *prometheus.HistogramVec
	errorsByClass *prometheus.CounterVec
	instanceReady *prometheus.GaugeVec
}

// NewMetrics registers the collectors described by cfg.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{}, nil
	}

	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	ns := cfg.Namespace

	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return f.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: name, Help: help}, labels)
	}
	histogram := func(name, help string, labels ...string) *prometheus.HistogramVec {
		return f.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Name: name, Help: help, Buckets: buckets}, labels)
	}

	return &Metrics{
		registry: reg,

		operationsStarted:   counter("operations_started_total", "Instance operations started.", "operation", "provider"),
		operationsCompleted: counter("operations_completed_total", "Instance operations finished, by outcome.", "operation", "provider", "status"),
		operationDuration:   histogram("operation_duration_seconds", "Wall time of instance operations.", "operation", "provider"),

		providerCalls:    counter("provider_calls_total", "Calls made to provider backends.", "provider", "call"),
		providerDuration: histogram("provider_call_duration_seconds", "Wall time of provider calls.", "provider", "call"),
		providerErrors:   counter("provider_errors_total", "Provider calls that returned an error.", "provider", "call"),

		waitDuration:  histogram("wait_duration_seconds", "Time spent waiting for a server status or readiness.", "target", "outcome"),
		errorsByClass: counter("errors_by_class_total", "Operation errors by class.", "class"),
		instanceReady: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "instance_ready",
			Help:      "1 when the instance was last seen ready.",
		}, []string{"instance", "provider"}),
	}, nil
}

func (m *Metrics) enabled() bool { return m != nil && m.registry != nil }

func (m *Metrics) RecordOperationStarted(operation, provider string) {
	if m.enabled() {
		m.operationsStarted.WithLabelValues(operation, provider).Inc()
	}
}

// RecordOperationCompleted counts an operation outcome and observes its duration.
func (m *Metrics) RecordOperationCompleted(operation, provider, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.operationsCompleted.WithLabelValues(operation, provider, status).Inc()
	m.operationDuration.WithLabelValues(operation, provider).Observe(duration.Seconds())
}

func (m *Metrics) RecordProviderCall(provider, call string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.providerCalls.WithLabelValues(provider, call).Inc()
	m.providerDuration.WithLabelValues(provider, call).Observe(duration.Seconds())
}

func (m *Metrics) RecordProviderError(provider, call string) {
	if m.enabled() {
		m.providerErrors.WithLabelValues(provider, call).Inc()
	}
}

// RecordWait observes a wait loop. outcome is reached or timeout.
func (m *Metrics) RecordWait(target, outcome string, duration time.Duration) {
	if m.enabled() {
		m.waitDuration.WithLabelValues(target, outcome).Observe(duration.Seconds())
	}
}

func (m *Metrics) RecordError(errorClass string) {
	if m.enabled() {
		m.errorsByClass.WithLabelValues(errorClass).Inc()
	}
}

func (m *Metrics) SetInstanceReady(instance, provider string, ready bool) {
	if !m.enabled() {
		return
	}
	v := 0.0
	if ready {
		v = 1
	}
	m.instanceReady.WithLabelValues(instance, provider).Set(v)
}

// Registry returns the private registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// WriteTextfile replaces path with the current values in the node_exporter
// textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	if !m.enabled() || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}

// Timer measures the wall time since its creation.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
