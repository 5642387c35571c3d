package aws

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/rs/zerolog/log"

	"github.com/cloudypad/cloudypad/pkg/engine"
	"github.com/cloudypad/cloudypad/pkg/pairing"
	"github.com/cloudypad/cloudypad/pkg/state"
	sshtransport "github.com/cloudypad/cloudypad/pkg/transports/ssh"
)

func (b *Backend) instanceID(inst engine.InstanceContext) (string, error) {
	id, _ := inst.ProvisionOutput[state.OutputInstanceID].(string)
	if id == "" {
		return "", engine.NewPreconditionError(state.OutputInstanceID, "instance has no server").WithInstance(inst.Name)
	}
	return id, nil
}

// Start starts the EC2 instance.
func (b *Backend) Start(ctx context.Context, inst engine.InstanceContext, _ engine.StartStopOptions) error {
	id, err := b.instanceID(inst)
	if err != nil {
		return err
	}
	if _, err := b.client.StartInstances(ctx, &ec2.StartInstancesInput{InstanceIds: []string{id}}); err != nil {
		return apiError("start instance "+id, err)
	}
	log.Debug().Str("instance", inst.Name).Str("instanceId", id).Msg("EC2 instance start requested")
	return nil
}

// Stop stops the EC2 instance.
func (b *Backend) Stop(ctx context.Context, inst engine.InstanceContext, _ engine.StartStopOptions) error {
	id, err := b.instanceID(inst)
	if err != nil {
		return err
	}
	if _, err := b.client.StopInstances(ctx, &ec2.StopInstancesInput{InstanceIds: []string{id}}); err != nil {
		return apiError("stop instance "+id, err)
	}
	log.Debug().Str("instance", inst.Name).Str("instanceId", id).Msg("EC2 instance stop requested")
	return nil
}

// Restart reboots the EC2 instance.
func (b *Backend) Restart(ctx context.Context, inst engine.InstanceContext, _ engine.StartStopOptions) error {
	id, err := b.instanceID(inst)
	if err != nil {
		return err
	}
	if _, err := b.client.RebootInstances(ctx, &ec2.RebootInstancesInput{InstanceIds: []string{id}}); err != nil {
		return apiError("reboot instance "+id, err)
	}
	return nil
}

// ServerStatus maps the EC2 instance state. A missing or terminated
// instance is unknown.
func (b *Backend) ServerStatus(ctx context.Context, inst engine.InstanceContext) (engine.ServerRunningStatus, error) {
	id, _ := inst.ProvisionOutput[state.OutputInstanceID].(string)
	if id == "" {
		return engine.ServerStatusUnknown, nil
	}
	found, err := b.describeInstance(ctx, id)
	if err != nil {
		return engine.ServerStatusUnknown, err
	}
	if found == nil || found.State == nil {
		return engine.ServerStatusUnknown, nil
	}
	return engine.MapServerStatus(instanceStatus, string(found.State.Name)), nil
}

// Ready reports whether the instance runs and accepts SSH connections.
func (b *Backend) Ready(ctx context.Context, inst engine.InstanceContext) (bool, error) {
	status, err := b.ServerStatus(ctx, inst)
	if err != nil || status != engine.ServerStatusRunning {
		return false, err
	}

	t, err := b.connect(ctx, inst)
	if err != nil {
		if engine.IsPrecondition(err) {
			return false, err
		}
		return false, nil
	}
	defer t.Close()

	if _, err := t.Run(ctx, "true"); err != nil {
		return false, nil
	}
	return true, nil
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

func (b *Backend) connect(ctx context.Context, inst engine.InstanceContext) (sshtransport.Transport, error) {
	in, _, err := b.decode(inst)
	if err != nil {
		return nil, err
	}
	host, _ := inst.ProvisionOutput[state.OutputHost].(string)
	if host == "" {
		return nil, engine.NewPreconditionError(state.OutputHost, "instance has no host").WithInstance(inst.Name)
	}
	return b.dial(ctx, sshtransport.ForHost(host, in.SSH))
}

