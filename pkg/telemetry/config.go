package telemetry

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Config is the telemetry configuration of one cloudypad invocation.
type Config struct {
	ServiceName    string `validate:"required"`
	ServiceVersion string `validate:"required"`

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
	Events  EventsConfig
}

// LoggingConfig selects the level and destination of logs.
type LoggingConfig struct {
	Level string `validate:"oneof=trace debug info warn error fatal"`

	// JSON writes one JSON object per line instead of console output.
	JSON bool

	// Output is stderr, stdout or a file path. Empty means stderr.
	Output string
}

// TracingConfig selects the span exporter.
type TracingConfig struct {
	// Exporter is none, stdout or otlp.
	Exporter string `validate:"oneof=none stdout otlp"`

	// Endpoint is the OTLP gRPC collector address.
	Endpoint string `validate:"required_if=Exporter otlp"`

	Insecure     bool
	SamplingRate float64 `validate:"gte=0,lte=1"`
}

// Enabled reports whether spans are exported.
func (c TracingConfig) Enabled() bool {
	return c.Exporter != "" && c.Exporter != "none"
}

// MetricsConfig configures the prometheus collectors.
type MetricsConfig struct {
	Enabled   bool
	Namespace string

	// Textfile is written on shutdown in the node_exporter textfile format.
	// Empty disables the write.
	Textfile string

	// Buckets are the duration histogram buckets, in seconds.
	Buckets []float64
}

// EventsConfig configures the in-process event publisher.
type EventsConfig struct {
	Enabled bool

	// Async delivers events from a background goroutine. When false,
	// Publish calls subscribers in order before returning.
	Async      bool
	BufferSize int
}

var configValidator = validator.New()

// DefaultConfig returns console logs at info, no tracing, metrics and
// synchronous events.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "cloudypad",
		ServiceVersion: "dev",
		Logging:        LoggingConfig{Level: "info"},
		Tracing:        TracingConfig{Exporter: "none", SamplingRate: 1, Insecure: true},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "cloudypad",
			// provider calls range from a second (dummy) to several minutes (image capture)
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		},
		Events: EventsConfig{Enabled: true, BufferSize: 256},
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}
	if c.Events.Enabled && c.Events.Async && c.Events.BufferSize <= 0 {
		return fmt.Errorf("invalid telemetry config: async events need a positive buffer size, got %d", c.Events.BufferSize)
	}
	return nil
}
