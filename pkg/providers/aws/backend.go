// Package aws is the EC2 provider. Every resource it creates is tagged with
// the instance name so provisioning can find and reuse it.
package aws

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/rs/zerolog/log"

	"github.com/cloudypad/cloudypad/pkg/engine"
	"github.com/cloudypad/cloudypad/pkg/pairing"
	"github.com/cloudypad/cloudypad/pkg/state"
	sshtransport "github.com/cloudypad/cloudypad/pkg/transports/ssh"
)

// DefaultWaitTimeout bounds every EC2 waiter.
const DefaultWaitTimeout = 10 * time.Minute

// Backend implements the aws provider for one region.
type Backend struct {
	client      EC2API
	parser      *state.Parser
	dial        sshtransport.DialFunc
	pairOpts    pairing.Options
	waitTimeout time.Duration
}

var (
	_ engine.Backend          = (*Backend)(nil)
	_ engine.ReadinessChecker = (*Backend)(nil)
	_ engine.Pairer           = (*Backend)(nil)
	_ engine.DiskSnapshotter  = (*Backend)(nil)
	_ engine.ServerDestroyer  = (*Backend)(nil)
	_ engine.ServerRecreator  = (*Backend)(nil)
	_ engine.ImageSnapshotter = (*Backend)(nil)
)

type options struct {
	clients     ClientFactory
	dial        sshtransport.DialFunc
	pairOpts    pairing.Options
	waitTimeout time.Duration
}

// Option configures the provider.
type Option func(*options)

// WithClientFactory replaces the EC2 client factory.
func WithClientFactory(f ClientFactory) Option {
	return func(o *options) { o.clients = f }
}

// WithDialer replaces the SSH dialer used for readiness and pairing.
func WithDialer(dial sshtransport.DialFunc) Option {
	return func(o *options) { o.dial = dial }
}

// WithPairingOptions sets the options used by Pair.
func WithPairingOptions(opts pairing.Options) Option {
	return func(o *options) { o.pairOpts = opts }
}

// WithWaitTimeout bounds the EC2 waiters.
func WithWaitTimeout(d time.Duration) Option {
	return func(o *options) { o.waitTimeout = d }
}

// NewFactory returns the registry factory of the aws provider. Each call
// builds a backend bound to the region of the instance.
func NewFactory(parser *state.Parser, opts ...Option) engine.BackendFactory {
	o := options{
		clients:     DefaultClientFactory,
		dial:        sshtransport.DialTransport,
		waitTimeout: DefaultWaitTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}

	return func(ctx context.Context, inst engine.InstanceContext) (engine.Backend, error) {
		var in ProvisionInput
		if err := parser.DecodeInstance(inst, &in, nil); err != nil {
			return nil, err
		}
		client, err := o.clients(ctx, in.Region)
		if err != nil {
			return nil, engine.NewProviderError("failed to create EC2 client", err)
		}
		return &Backend{
			client:      client,
			parser:      parser,
			dial:        o.dial,
			pairOpts:    o.pairOpts,
			waitTimeout: o.waitTimeout,
		}, nil
	}
}

func (b *Backend) decode(inst engine.InstanceContext) (*ProvisionInput, *ProvisionOutput, error) {
	var in ProvisionInput
	var out ProvisionOutput
	if err := b.parser.DecodeInstance(inst, &in, &out); err != nil {
		return nil, nil, err
	}
	return &in, &out, nil
}

// Provision creates or finds the security group, key pair, instance, data
// volume and elastic IP of the instance.
func (b *Backend) Provision(ctx context.Context, inst engine.InstanceContext, sink engine.OutputSink) (map[string]interface{}, error) {
	in, prev, err := b.decode(inst)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("instance", inst.Name).
		Str("region", in.Region).
		Str("instanceType", in.InstanceType).
		Msg("Provisioning EC2 instance")

	out := ProvisionOutput{CommonProvisionOutput: prev.CommonProvisionOutput}

	if out.SecurityGroupID, err = b.ensureSecurityGroup(ctx, inst.Name); err != nil {
		return nil, err
	}
	if out.KeyPairName, err = b.ensureKeyPair(ctx, inst.Name, in.SSH); err != nil {
		return nil, err
	}

	existing, err := b.findInstance(ctx, inst.Name)
	if err != nil {
		return nil, err
	}

	var instanceID string
	if existing != nil {
		instanceID = aws.ToString(existing.InstanceId)
		log.Debug().Str("instance", inst.Name).Str("instanceId", instanceID).Msg("Reusing existing EC2 instance")
	} else {
		img, err := b.image(ctx, in.ImageID)
		if err != nil {
			return nil, err
		}
		instanceID, err = b.launch(ctx, launchSpec{
			name:            inst.Name,
			input:           in,
			image:           img,
			securityGroupID: out.SecurityGroupID,
			keyName:         out.KeyPairName,
		})
		if err != nil {
			return nil, err
		}
		if sink != nil {
			if err := sink.MergeProvisionOutput(ctx, map[string]interface{}{state.OutputInstanceID: instanceID}); err != nil {
				return nil, err
			}
		}
	}

	running, err := b.waitRunning(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	out.InstanceID = instanceID
	out.RootDiskID = rootDiskID(running)

	if in.DataDiskSizeGb > 0 {
		if err := b.provisionDataDisk(ctx, inst.Name, in, &out, running); err != nil {
			return nil, err
		}
	}

	if out.Host, out.AllocationID, err = b.publicHost(ctx, inst.Name, in, running); err != nil {
		return nil, err
	}

	return state.Encode(out)
}

// provisionDataDisk attaches the data volume to running, creating it unless
// it is archived in a snapshot.
func (b *Backend) provisionDataDisk(ctx context.Context, name string, in *ProvisionInput, out *ProvisionOutput, running *types.Instance) error {
	instanceID := aws.ToString(running.InstanceId)

	vol, err := b.findDataDisk(ctx, name)
	if err != nil {
		return err
	}

	var volumeID string
	switch {
	case vol != nil:
		volumeID = aws.ToString(vol.VolumeId)
		if attachedTo(vol, instanceID) {
			out.DataDiskID = volumeID
			return nil
		}
	case out.DataDiskSnapshotID != "":
		log.Debug().Str("instance", name).Msg("Data disk is archived, it is restored on start")
		return nil
	default:
		if volumeID, err = b.createDataDisk(ctx, name, zoneOf(running), in.DataDiskSizeGb, ""); err != nil {
			return err
		}
	}

	if err := b.attachDataDisk(ctx, volumeID, instanceID); err != nil {
		return err
	}
	out.DataDiskID = volumeID
	return nil
}

// Destroy removes every resource of the instance. Snapshots and images
// marked keepOnDeletion survive.
func (b *Backend) Destroy(ctx context.Context, inst engine.InstanceContext) error {
	in, out, err := b.decode(inst)
	if err != nil {
		return err
	}

	log.Info().Str("instance", inst.Name).Msg("Destroying EC2 instance resources")

	if out.InstanceID != "" {
		if err := b.terminate(ctx, out.InstanceID); err != nil {
			return err
		}
	}
	if found, err := b.findInstance(ctx, inst.Name); err != nil {
		return err
	} else if found != nil {
		if err := b.terminate(ctx, aws.ToString(found.InstanceId)); err != nil {
			return err
		}
	}

	if vol, err := b.findDataDisk(ctx, inst.Name); err != nil {
		return err
	} else if vol != nil {
		if _, err := b.client.DeleteVolume(ctx, &ec2.DeleteVolumeInput{VolumeId: vol.VolumeId}); err != nil &&
			!isNotFound(err, "InvalidVolume.NotFound") {
			return apiError("delete data volume", err)
		}
	}

	if out.DataDiskSnapshotID != "" && !(in.DataDiskSnapshot != nil && in.DataDiskSnapshot.KeepOnDeletion) {
		if err := b.deleteSnapshot(ctx, out.DataDiskSnapshotID); err != nil {
			return err
		}
	}
	if out.BaseImageID != "" && !(in.BaseImageSnapshot != nil && in.BaseImageSnapshot.KeepOnDeletion) {
		if _, err := b.client.DeregisterImage(ctx, &ec2.DeregisterImageInput{ImageId: aws.String(out.BaseImageID)}); err != nil &&
			!isNotFound(err, "InvalidAMIID.NotFound", "InvalidAMIID.Unavailable") {
			return apiError("deregister image", err)
		}
	}

	addrs, err := b.client.DescribeAddresses(ctx, &ec2.DescribeAddressesInput{Filters: []types.Filter{tagFilter(inst.Name)}})
	if err != nil {
		return apiError("describe addresses", err)
	}
	for _, addr := range addrs.Addresses {
		if _, err := b.client.ReleaseAddress(ctx, &ec2.ReleaseAddressInput{AllocationId: addr.AllocationId}); err != nil {
			return apiError("release address", err)
		}
	}

	if out.SecurityGroupID != "" {
		_, err := b.client.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{GroupId: aws.String(out.SecurityGroupID)})
		if err != nil && !isNotFound(err, "InvalidGroup.NotFound") {
			return apiError("delete security group", err)
		}
	}
	_, err = b.client.DeleteKeyPair(ctx, &ec2.DeleteKeyPairInput{KeyName: aws.String(resourceName(inst.Name))})
	if err != nil && !isNotFound(err, "InvalidKeyPair.NotFound") {
		return apiError("delete key pair", err)
	}
	return nil
}

func (b *Backend) deleteSnapshot(ctx context.Context, id string) error {
	_, err := b.client.DeleteSnapshot(ctx, &ec2.DeleteSnapshotInput{SnapshotId: aws.String(id)})
	if err != nil && !isNotFound(err, "InvalidSnapshot.NotFound") {
		return apiError("delete snapshot "+id, err)
	}
	return nil
}
