package telemetry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func newTestTelemetry(t *testing.T) *Telemetry {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Logging.Level = "error"
	cfg.Metrics.Textfile = filepath.Join(t.TempDir(), "cloudypad.prom")

	tel, err := NewTelemetry(cfg)
	if err != nil {
		t.Fatalf("failed to create telemetry: %v", err)
	}
	return tel
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()

	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("failed to read counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"default", func(c *Config) {}, false},
		{"missing service name", func(c *Config) { c.ServiceName = "" }, true},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, true},
		{"bad exporter", func(c *Config) { c.Tracing.Exporter = "jaeger" }, true},
		{"otlp without endpoint", func(c *Config) { c.Tracing.Exporter = "otlp" }, true},
		{"otlp", func(c *Config) { c.Tracing.Exporter = "otlp"; c.Tracing.Endpoint = "localhost:4317" }, false},
		{"bad sampling", func(c *Config) { c.Tracing.SamplingRate = 2 }, true},
		{"async without buffer", func(c *Config) { c.Events.Async = true; c.Events.BufferSize = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestOperationMetrics(t *testing.T) {
	tel := newTestTelemetry(t)
	ctx := tel.WithContext(context.Background())

	opCtx := WithOperationContext(ctx, "box", "dummy", "provision")
	err := RecordProviderOperation(opCtx, "dummy", "provision", func(ctx context.Context) error {
		return errors.New("quota")
	})
	EndOperationContext(opCtx, "box", "provision", err, "provider")

	m := tel.Metrics
	if got := counterValue(t, m.operationsStarted.WithLabelValues("provision", "dummy")); got != 1 {
		t.Errorf("expected 1 started operation, got %v", got)
	}
	if got := counterValue(t, m.operationsCompleted.WithLabelValues("provision", "dummy", "failed")); got != 1 {
		t.Errorf("expected 1 failed operation, got %v", got)
	}
	if got := counterValue(t, m.providerErrors.WithLabelValues("dummy", "provision")); got != 1 {
		t.Errorf("expected 1 provider error, got %v", got)
	}
	if got := counterValue(t, m.errorsByClass.WithLabelValues("provider")); got != 1 {
		t.Errorf("expected 1 provider class error, got %v", got)
	}
}

func TestShutdownWritesTextfile(t *testing.T) {
	tel := newTestTelemetry(t)

	tel.Metrics.SetInstanceReady("box", "dummy", true)
	tel.Metrics.RecordWait("running", "reached", 2*time.Second)

	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}

	data, err := os.ReadFile(tel.Config.Metrics.Textfile)
	if err != nil {
		t.Fatalf("failed to read textfile: %v", err)
	}
	for _, want := range []string{"cloudypad_instance_ready", "cloudypad_wait_duration_seconds"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("expected %s in textfile", want)
		}
	}
}

func TestDisabledMetricsAreNoop(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}

	m.RecordOperationStarted("start", "dummy")
	m.RecordProviderError("dummy", "start")
	m.SetInstanceReady("box", "dummy", true)

	if err := m.WriteTextfile(filepath.Join(t.TempDir(), "x.prom")); err != nil {
		t.Errorf("expected no-op write, got %v", err)
	}
}

func TestEventPublisherFilters(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true})
	if err != nil {
		t.Fatalf("failed to create publisher: %v", err)
	}

	var mu sync.Mutex
	var got []string
	ep.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e.Instance+":"+e.Type)
	}, FilterByInstance("a"))

	_ = ep.PublishOperationStarted("a", "start")
	_ = ep.PublishOperationStarted("b", "start")
	_ = ep.PublishStatusChanged("a", "stopped", "starting")

	mu.Lock()
	defer mu.Unlock()
	want := []string{"a:" + EventTypeOperationStarted, "a:" + EventTypeStatusChanged}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestEventPublisherAsyncDrainsOnShutdown(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, Async: true, BufferSize: 8})
	if err != nil {
		t.Fatalf("failed to create publisher: %v", err)
	}

	var mu sync.Mutex
	count := 0
	ep.Subscribe(func(e Event) {
		mu.Lock()
		count++
		mu.Unlock()
	}, FilterByLevel(EventLevelError))

	_ = ep.PublishOperationFailed("a", "start", "boom")
	_ = ep.PublishOperationCompleted("a", "start", time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ep.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("expected 1 error event delivered, got %d", count)
	}
}
