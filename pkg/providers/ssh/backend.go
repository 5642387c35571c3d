// Package ssh is the provider for hosts that already exist and are reachable
// over SSH. Provisioning records the host, run control drives the streaming
// container.
package ssh

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cloudypad/cloudypad/pkg/engine"
	"github.com/cloudypad/cloudypad/pkg/pairing"
	"github.com/cloudypad/cloudypad/pkg/state"
	sshtransport "github.com/cloudypad/cloudypad/pkg/transports/ssh"
)

// ProviderName is the provider tag of ssh instances.
const ProviderName = "ssh"

// ContainerName is the container running the streaming server.
const ContainerName = "cloudy"

// ProvisionInput is the provision input of an ssh instance.
type ProvisionInput struct {
	state.CommonProvisionInput `yaml:",inline"`

	Hostname string `yaml:"hostname" validate:"required"`
}

// ProvisionOutput is the provision output of an ssh instance.
type ProvisionOutput struct {
	state.CommonProvisionOutput `yaml:",inline"`

	ProvisionedAt int64 `yaml:"provisionedAt,omitempty"`
}

// containerStatus maps docker container states.
var containerStatus = engine.StatusVocabulary{
	"created":    engine.ServerStatusStopped,
	"running":    engine.ServerStatusRunning,
	"restarting": engine.ServerStatusStarting,
	"paused":     engine.ServerStatusStopped,
	"exited":     engine.ServerStatusStopped,
	"dead":       engine.ServerStatusStopped,
}

// Backend implements the ssh provider.
type Backend struct {
	parser   *state.Parser
	dial     sshtransport.DialFunc
	pairOpts pairing.Options
}

var (
	_ engine.Backend          = (*Backend)(nil)
	_ engine.ReadinessChecker = (*Backend)(nil)
	_ engine.Pairer           = (*Backend)(nil)
)

// Option configures a Backend.
type Option func(*Backend)

// WithDialer replaces the SSH dialer.
func WithDialer(dial sshtransport.DialFunc) Option {
	return func(b *Backend) { b.dial = dial }
}

// WithPairingOptions sets the options used by Pair.
func WithPairingOptions(opts pairing.Options) Option {
	return func(b *Backend) { b.pairOpts = opts }
}

// NewBackend creates an ssh backend.
func NewBackend(parser *state.Parser, opts ...Option) *Backend {
	b := &Backend{parser: parser, dial: sshtransport.DialTransport}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// NewFactory returns the registry factory of the ssh provider.
func NewFactory(parser *state.Parser, opts ...Option) engine.BackendFactory {
	b := NewBackend(parser, opts...)
	return func(_ context.Context, inst engine.InstanceContext) (engine.Backend, error) {
		if _, err := b.input(inst); err != nil {
			return nil, err
		}
		return b, nil
	}
}

func (b *Backend) input(inst engine.InstanceContext) (*ProvisionInput, error) {
	var in ProvisionInput
	if err := b.parser.DecodeInstance(inst, &in, nil); err != nil {
		return nil, err
	}
	return &in, nil
}

// Provision records the host. Nothing is created.
func (b *Backend) Provision(_ context.Context, inst engine.InstanceContext, _ engine.OutputSink) (map[string]interface{}, error) {
	in, err := b.input(inst)
	if err != nil {
		return nil, err
	}

	log.Info().Str("instance", inst.Name).Str("host", in.Hostname).Msg("SSH instance provisioning only records the host")

	return state.Encode(ProvisionOutput{
		CommonProvisionOutput: state.CommonProvisionOutput{Host: in.Hostname},
		ProvisionedAt:         time.Now().UnixMilli(),
	})
}

// Destroy is a no-op: the host is not owned by cloudypad.
func (b *Backend) Destroy(_ context.Context, inst engine.InstanceContext) error {
	log.Info().Str("instance", inst.Name).Msg("SSH instance destroy leaves the host untouched")
	return nil
}

// Start starts the streaming container.
func (b *Backend) Start(ctx context.Context, inst engine.InstanceContext, _ engine.StartStopOptions) error {
	return b.docker(ctx, inst, "start")
}

// Stop stops the streaming container.
func (b *Backend) Stop(ctx context.Context, inst engine.InstanceContext, _ engine.StartStopOptions) error {
	return b.docker(ctx, inst, "stop")
}

// Restart restarts the streaming container.
func (b *Backend) Restart(ctx context.Context, inst engine.InstanceContext, _ engine.StartStopOptions) error {
	return b.docker(ctx, inst, "restart")
}

func (b *Backend) docker(ctx context.Context, inst engine.InstanceContext, action string) error {
	t, err := b.connect(ctx, inst)
	if err != nil {
		return err
	}
	defer t.Close()

	log.Debug().Str("instance", inst.Name).Str("action", action).Msg("Running docker over SSH")

	if _, err := t.Run(ctx, fmt.Sprintf("docker %s %s", action, ContainerName)); err != nil {
		return engine.NewProviderError(fmt.Sprintf("docker %s failed", action), err)
	}
	return nil
}

// ServerStatus reports stopped when the host cannot be reached, the
// container state when it exists and running otherwise.
func (b *Backend) ServerStatus(ctx context.Context, inst engine.InstanceContext) (engine.ServerRunningStatus, error) {
	t, err := b.connect(ctx, inst)
	if err != nil {
		if engine.IsPrecondition(err) || engine.IsValidation(err) {
			return engine.ServerStatusUnknown, err
		}
		log.Debug().Err(err).Str("instance", inst.Name).Msg("Host unreachable, considering it stopped")
		return engine.ServerStatusStopped, nil
	}
	defer t.Close()

	result, err := t.Run(ctx, "docker inspect -f '{{.State.Status}}' "+ContainerName)
	if err != nil {
		return engine.ServerStatusRunning, nil
	}
	return engine.MapServerStatus(containerStatus, strings.TrimSpace(result.Stdout)), nil
}

// Ready reports whether the streaming container is running.
func (b *Backend) Ready(ctx context.Context, inst engine.InstanceContext) (bool, error) {
	status, err := b.ServerStatus(ctx, inst)
	if err != nil {
		return false, err
	}
	return status == engine.ServerStatusRunning, nil
}

// Pair pairs a Moonlight client with the enabled streaming server.
func (b *Backend) Pair(ctx context.Context, inst engine.InstanceContext) error {
	var cfg state.CommonConfigurationInput
	if err := state.Decode(inst.ConfigurationInput, &cfg); err != nil {
		return engine.NewValidationError("configuration.input", err.Error()).WithInstance(inst.Name)
	}

	t, err := b.connect(ctx, inst)
	if err != nil {
		return err
	}
	defer t.Close()

	host, _ := inst.ProvisionOutput[state.OutputHost].(string)
	return pairing.Pair(ctx, pairing.Target{Instance: inst.Name, Host: host, Transport: t}, cfg, b.pairOpts)
}

// connect dials the provisioned host of inst.
func (b *Backend) connect(ctx context.Context, inst engine.InstanceContext) (sshtransport.Transport, error) {
	in, err := b.input(inst)
	if err != nil {
		return nil, err
	}
	host, _ := inst.ProvisionOutput[state.OutputHost].(string)
	if host == "" {
		return nil, engine.NewPreconditionError(state.OutputHost, "instance has no host").WithInstance(inst.Name)
	}
	return b.dial(ctx, sshtransport.ForHost(host, in.SSH))
}
