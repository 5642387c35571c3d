package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/cloudypad/cloudypad/pkg/telemetry"
)

const (
	// FileName is the config file name under the data root.
	FileName = "config.yml"

	// CurrentVersion is the config file schema version.
	CurrentVersion = "1"
)

// Environment variables read by Load.
const (
	EnvHome             = "CLOUDYPAD_HOME"
	EnvS3Bucket         = "CLOUDYPAD_STATE_BACKEND_S3_BUCKET_NAME"
	EnvS3Region         = "CLOUDYPAD_STATE_BACKEND_S3_REGION"
	EnvAnalyticsDisable = "CLOUDYPAD_ANALYTICS_DISABLE"
	EnvLogLevel         = "CLOUDYPAD_LOG_LEVEL"
	EnvMetricsTextfile  = "CLOUDYPAD_METRICS_TEXTFILE"
)

// Config is the global CLI configuration.
type Config struct {
	Version string `yaml:"version" validate:"eq=1"`

	// DataRoot holds instance states, the journal and this file. It is
	// never read from the file itself.
	DataRoot string `yaml:"-" validate:"required"`

	Backend   BackendConfig   `yaml:"backend"`
	Analytics AnalyticsConfig `yaml:"analytics"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Policy    PolicyConfig    `yaml:"policy"`
	Ansible   AnsibleConfig   `yaml:"ansible"`
}

// BackendConfig selects where instance states are stored.
type BackendConfig struct {
	Kind     string `yaml:"kind" validate:"required,oneof=local s3"`
	S3Bucket string `yaml:"s3Bucket,omitempty" validate:"required_if=Kind s3"`
	S3Region string `yaml:"s3Region,omitempty"`
}

// AnalyticsConfig controls anonymous usage recording.
type AnalyticsConfig struct {
	Enabled          bool   `yaml:"enabled"`
	PromptedApproval bool   `yaml:"promptedApproval"`
	InstallID        string `yaml:"installId,omitempty"`
}

// TelemetryConfig configures logs, traces and metrics.
type TelemetryConfig struct {
	LogLevel        string        `yaml:"logLevel" validate:"oneof=trace debug info warn error fatal"`
	Tracing         TracingConfig `yaml:"tracing"`
	MetricsTextfile string        `yaml:"metricsTextfile,omitempty"`
}

// TracingConfig selects the trace exporter.
type TracingConfig struct {
	Exporter string `yaml:"exporter" validate:"oneof=none stdout otlp"`
	Endpoint string `yaml:"endpoint,omitempty" validate:"required_if=Exporter otlp"`
}

// PolicyConfig lists directories holding operation policies.
type PolicyConfig struct {
	Dirs []string `yaml:"dirs,omitempty"`
}

// AnsibleConfig configures the ansible configurator.
type AnsibleConfig struct {
	PlaybookPath string   `yaml:"playbookPath,omitempty"`
	ExtraArgs    []string `yaml:"extraArgs,omitempty"`
}

// DefaultDataRoot returns $CLOUDYPAD_HOME, else $HOME/.cloudypad.
func DefaultDataRoot() (string, error) {
	if home := os.Getenv(EnvHome); home != "" {
		return home, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("neither %s nor HOME is set: %w", EnvHome, err)
	}
	return filepath.Join(home, ".cloudypad"), nil
}

// Default returns the configuration used when no file exists.
func Default(dataRoot string) *Config {
	return &Config{
		Version:  CurrentVersion,
		DataRoot: dataRoot,
		Backend:  BackendConfig{Kind: "local"},
		Telemetry: TelemetryConfig{
			LogLevel: "info",
			Tracing:  TracingConfig{Exporter: "none"},
		},
		Policy: PolicyConfig{Dirs: []string{filepath.Join(dataRoot, "policies")}},
		Ansible: AnsibleConfig{
			PlaybookPath: filepath.Join(dataRoot, "ansible", "playbook.yml"),
		},
	}
}

// Path returns the config file location.
func (c *Config) Path() string {
	return filepath.Join(c.DataRoot, FileName)
}

// Load reads ${dataRoot}/config.yml over the defaults, applies environment
// overrides and validates the result. A missing file is not an error.
func Load(dataRoot string) (*Config, error) {
	cfg := Default(dataRoot)

	data, err := os.ReadFile(cfg.Path())
	switch {
	case errors.Is(err, os.ErrNotExist):
		log.Debug().Str("path", cfg.Path()).Msg("No config file, using defaults")
	case err != nil:
		return nil, fmt.Errorf("failed to read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", cfg.Path(), err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Init writes the default config file when none exists and makes sure an
// install id is set. It returns the loaded configuration.
func Init(dataRoot string) (*Config, error) {
	cfg, err := Load(dataRoot)
	if err != nil {
		return nil, err
	}
	_, statErr := os.Stat(cfg.Path())
	if statErr == nil && cfg.Analytics.InstallID != "" {
		return cfg, nil
	}

	if cfg.Analytics.InstallID == "" {
		cfg.Analytics.InstallID = uuid.New().String()
	}
	if err := cfg.Save(); err != nil {
		return nil, err
	}
	log.Debug().Str("path", cfg.Path()).Msg("Config file initialized")
	return cfg, nil
}

// Save writes the configuration to its file.
func (c *Config) Save() error {
	if err := c.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(c.DataRoot, 0o700); err != nil {
		return fmt.Errorf("failed to create data root: %w", err)
	}
	if err := os.WriteFile(c.Path(), data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Validate checks the configuration with its struct tags.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	if bucket := os.Getenv(EnvS3Bucket); bucket != "" {
		c.Backend.Kind = "s3"
		c.Backend.S3Bucket = bucket
	}
	if region := os.Getenv(EnvS3Region); region != "" {
		c.Backend.S3Region = region
	}
	if v := os.Getenv(EnvAnalyticsDisable); v != "" {
		disabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvAnalyticsDisable, err)
		}
		if disabled {
			c.Analytics.Enabled = false
		}
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		level, err := parseLogLevel(v)
		if err != nil {
			return err
		}
		c.Telemetry.LogLevel = level
	}
	if path := os.Getenv(EnvMetricsTextfile); path != "" {
		c.Telemetry.MetricsTextfile = path
	}
	return nil
}

// numericLevels maps the historical numeric verbosity, 0 being the most verbose.
var numericLevels = []string{"trace", "debug", "info", "warn", "error"}

func parseLogLevel(v string) (string, error) {
	if n, err := strconv.Atoi(v); err == nil {
		if n < 0 || n >= len(numericLevels) {
			return "", fmt.Errorf("invalid %s: %d is not between 0 and %d", EnvLogLevel, n, len(numericLevels)-1)
		}
		return numericLevels[n], nil
	}
	return strings.ToLower(v), nil
}

// TelemetryConfig derives the telemetry configuration.
func (c *Config) TelemetryConfig(version string) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.ServiceVersion = version
	tc.Logging.Level = c.Telemetry.LogLevel
	tc.Tracing.Exporter = c.Telemetry.Tracing.Exporter
	tc.Tracing.Endpoint = c.Telemetry.Tracing.Endpoint
	tc.Metrics.Textfile = c.Telemetry.MetricsTextfile
	return tc
}
