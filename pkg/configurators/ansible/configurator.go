// Package ansible configures provisioned hosts by running ansible-playbook
// against a generated single-host inventory.
package ansible

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/cloudypad/cloudypad/pkg/engine"
	"github.com/cloudypad/cloudypad/pkg/state"
	sshtransport "github.com/cloudypad/cloudypad/pkg/transports/ssh"
)

// ConfiguratorName is the configurator tag handled by this package.
const ConfiguratorName = "ansible"

// FactsPath is where the instance facts file is uploaded, relative to the
// SSH user home.
const FactsPath = ".cloudypad/instance.yml"

// CommandFunc runs name with args, streaming output to stdout and stderr.
type CommandFunc func(ctx context.Context, name string, args []string, stdout, stderr io.Writer) error

// Options configures the configurator.
type Options struct {
	// PlaybookPath is the playbook run against every instance.
	PlaybookPath string

	// ExtraArgs are appended to the ansible-playbook command line.
	ExtraArgs []string

	// Out receives ansible output. Defaults to os.Stdout.
	Out io.Writer

	// ReadyAttempts and ReadyInterval bound the SSH readiness wait.
	ReadyAttempts int
	ReadyInterval time.Duration
}

// Configurator implements engine.Configurator with ansible-playbook.
type Configurator struct {
	opts Options
	dial sshtransport.DialFunc
	run  CommandFunc
	now  func() time.Time
}

var _ engine.Configurator = (*Configurator)(nil)

// Option customizes a Configurator.
type Option func(*Configurator)

// WithDialer replaces the SSH dialer.
func WithDialer(dial sshtransport.DialFunc) Option {
	return func(c *Configurator) { c.dial = dial }
}

// WithCommand replaces the process runner.
func WithCommand(run CommandFunc) Option {
	return func(c *Configurator) { c.run = run }
}

// New creates a configurator.
func New(opts Options, options ...Option) *Configurator {
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.ReadyAttempts == 0 {
		opts.ReadyAttempts = 30
	}
	if opts.ReadyInterval == 0 {
		opts.ReadyInterval = 5 * time.Second
	}
	c := &Configurator{
		opts: opts,
		dial: sshtransport.DialTransport,
		run:  execCommand,
		now:  time.Now,
	}
	for _, o := range options {
		o(c)
	}
	return c
}

// Facts is the file uploaded to the host before the playbook runs.
type Facts struct {
	Name            string `yaml:"name"`
	Provider        string `yaml:"provider"`
	StreamingServer string `yaml:"streamingServer"`
	ConfiguredAt    int64  `yaml:"configuredAt"`
}

// Configure waits for SSH, uploads the facts file and runs the playbook.
func (c *Configurator) Configure(ctx context.Context, inst engine.InstanceContext) (map[string]interface{}, error) {
	if c.opts.PlaybookPath == "" {
		return nil, engine.NewPreconditionError("ansible.playbookPath", "no playbook configured").WithInstance(inst.Name)
	}

	var in state.CommonProvisionInput
	if err := state.Decode(inst.ProvisionInput, &in); err != nil {
		return nil, engine.NewValidationError("provision.input", err.Error()).WithInstance(inst.Name)
	}
	var out state.CommonProvisionOutput
	if err := state.Decode(inst.ProvisionOutput, &out); err != nil {
		return nil, engine.NewValidationError("provision.output", err.Error()).WithInstance(inst.Name)
	}
	if out.Host == "" {
		return nil, engine.NewPreconditionError(state.OutputHost, "instance has no host").WithInstance(inst.Name)
	}

	var cfg state.CommonConfigurationInput
	if err := state.Decode(inst.ConfigurationInput, &cfg); err != nil {
		return nil, engine.NewValidationError("configuration.input", err.Error()).WithInstance(inst.Name)
	}
	if err := cfg.Validate(); err != nil {
		return nil, engine.NewValidationError("configuration.input", err.Error()).WithInstance(inst.Name)
	}

	facts := Facts{
		Name:            inst.Name,
		Provider:        inst.Provider,
		StreamingServer: cfg.StreamingServer(),
		ConfiguredAt:    c.now().UnixMilli(),
	}
	if err := c.uploadFacts(ctx, inst.Name, sshtransport.ForHost(out.Host, in.SSH), facts); err != nil {
		return nil, err
	}

	workDir, err := os.MkdirTemp("", "cloudypad-ansible-")
	if err != nil {
		return nil, fmt.Errorf("failed to create ansible work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	inventory, err := writeInventory(workDir, inst.Name, out.Host, in.SSH, cfg)
	if err != nil {
		return nil, err
	}

	args := append([]string{"-i", inventory, c.opts.PlaybookPath}, c.opts.ExtraArgs...)
	log.Info().
		Str("instance", inst.Name).
		Str("playbook", c.opts.PlaybookPath).
		Strs("args", c.opts.ExtraArgs).
		Msg("Running ansible playbook")

	if err := c.run(ctx, "ansible-playbook", args, c.opts.Out, c.opts.Out); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, engine.NewPreconditionError("ansible", "ansible-playbook not found in PATH").WithInstance(inst.Name)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, engine.NewProviderError(fmt.Sprintf("ansible run failed, exit code %d", exitErr.ExitCode()), err).WithInstance(inst.Name)
		}
		return nil, engine.NewProviderError("ansible run failed", err).WithInstance(inst.Name)
	}

	return map[string]interface{}{
		"streamingServer": facts.StreamingServer,
		"configuredAt":    facts.ConfiguredAt,
	}, nil
}

// uploadFacts waits until the host accepts SSH connections, then writes the
// facts file.
func (c *Configurator) uploadFacts(ctx context.Context, name string, cfg *sshtransport.Config, facts Facts) error {
	data, err := yaml.Marshal(facts)
	if err != nil {
		return fmt.Errorf("failed to marshal facts: %w", err)
	}

	retrier := engine.NewRetrier("ssh readiness", engine.RetryOptions{
		Retries: c.opts.ReadyAttempts - 1,
		Delay:   c.opts.ReadyInterval,
	})
	return retrier.Run(ctx, func(ctx context.Context) error {
		t, err := c.dial(ctx, cfg)
		if err != nil {
			var te *sshtransport.TransportError
			if errors.As(err, &te) && te.IsAuthError {
				return engine.NewPreconditionError("ssh", err.Error()).WithInstance(name)
			}
			return engine.NewProviderError("host not reachable", err).WithInstance(name).WithTemporary()
		}
		defer t.Close()

		if err := t.WriteFile(ctx, FactsPath, data, 0o644); err != nil {
			return engine.NewProviderError("failed to upload facts", err).WithInstance(name).WithTemporary()
		}
		log.Debug().Str("instance", name).Str("path", FactsPath).Msg("Instance facts uploaded")
		return nil
	})
}

// writeInventory writes the single-host inventory. A base64 private key is
// written next to it since ansible only reads keys from files.
func writeInventory(dir, name, host string, sshCfg state.SSHConfig, cfg state.CommonConfigurationInput) (string, error) {
	vars := map[string]interface{}{
		"ansible_host":       host,
		"ansible_user":       sshCfg.User,
		"wolf_instance_name": name,
		"streaming_server":   cfg.StreamingServer(),
	}
	if sshCfg.Port != 0 {
		vars["ansible_port"] = sshCfg.Port
	}

	keyFile := sshCfg.PrivateKeyPath
	if sshCfg.PrivateKeyContentBase64 != "" {
		key, err := base64.StdEncoding.DecodeString(sshCfg.PrivateKeyContentBase64)
		if err != nil {
			return "", engine.NewValidationError("ssh.privateKeyContentBase64", err.Error()).WithInstance(name)
		}
		keyFile = filepath.Join(dir, "id_key")
		if err := os.WriteFile(keyFile, key, 0o600); err != nil {
			return "", fmt.Errorf("failed to write private key: %w", err)
		}
	}
	if keyFile != "" {
		vars["ansible_ssh_private_key_file"] = keyFile
	}

	if srv := cfg.Sunshine; srv != nil && srv.Enable {
		vars["sunshine_options"] = srv.Options
	}
	if srv := cfg.Wolf; srv != nil && srv.Enable {
		vars["wolf_options"] = srv.Options
	}

	inventory := map[string]interface{}{
		"all": map[string]interface{}{
			"hosts": map[string]interface{}{name: vars},
		},
	}
	data, err := yaml.Marshal(inventory)
	if err != nil {
		return "", fmt.Errorf("failed to marshal inventory: %w", err)
	}

	path := filepath.Join(dir, "inventory.yml")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write inventory: %w", err)
	}
	return path, nil
}

func execCommand(ctx context.Context, name string, args []string, stdout, stderr io.Writer) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	return cmd.Run()
}
