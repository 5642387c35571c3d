package engine

import (
	"context"
	"time"
)

// InstanceContext is the view of an instance record handed to providers.
// The maps are copies; providers report changes through return values or an
// OutputSink, never by mutating them.
type InstanceContext struct {
	// Name is the unique instance name.
	Name string

	// Provider is the provider tag of the instance.
	Provider string

	// ProvisionInput is the provider-specific provision input.
	ProvisionInput map[string]interface{}

	// ProvisionOutput is the current provision output, nil if never provisioned.
	ProvisionOutput map[string]interface{}

	// Configurator is the configurator tag of the instance.
	Configurator string

	// ConfigurationInput is the configurator-specific input.
	ConfigurationInput map[string]interface{}
}

// OutputSink lets a provisioner persist partial output before it returns,
// so resources created by a failing provision stay visible in the record.
type OutputSink interface {
	MergeProvisionOutput(ctx context.Context, partial map[string]interface{}) error
}

// StartStopOptions controls start, stop and restart calls.
type StartStopOptions struct {
	// Wait blocks until the target run state is reached.
	Wait bool

	// WaitTimeout bounds the wait. Zero means the caller's default.
	WaitTimeout time.Duration
}

// Provisioner creates and destroys the cloud resources of an instance.
type Provisioner interface {
	// Provision creates or updates resources and returns the provision output.
	// Calling it twice with the same input must yield the same resource identifiers.
	Provision(ctx context.Context, inst InstanceContext, sink OutputSink) (map[string]interface{}, error)

	// Destroy removes every resource of the instance.
	Destroy(ctx context.Context, inst InstanceContext) error
}

// Configurator prepares a provisioned host: drivers and the streaming server.
// A Backend that also implements Configurator configures its own instances
// and the registry configurator is not used.
type Configurator interface {
	// Configure runs configuration against the provisioned host and returns
	// the configuration output.
	Configure(ctx context.Context, inst InstanceContext) (map[string]interface{}, error)
}

// Runner controls the run state of the instance server.
type Runner interface {
	Start(ctx context.Context, inst InstanceContext, opts StartStopOptions) error
	Stop(ctx context.Context, inst InstanceContext, opts StartStopOptions) error
	Restart(ctx context.Context, inst InstanceContext, opts StartStopOptions) error

	// ServerStatus queries the live run state of the server.
	ServerStatus(ctx context.Context, inst InstanceContext) (ServerRunningStatus, error)
}

// Backend is a provider implementation: provisioning plus run control.
type Backend interface {
	Provisioner
	Runner
}

// ReadinessChecker is implemented by backends that can tell when the
// streaming server is accepting clients.
type ReadinessChecker interface {
	Ready(ctx context.Context, inst InstanceContext) (bool, error)
}

// Pairer is implemented by backends able to pair a Moonlight client.
type Pairer interface {
	Pair(ctx context.Context, inst InstanceContext) error
}

// DiskSnapshotter archives the data disk: it snapshots the disk, then
// detaches and deletes it, and returns the snapshot id.
type DiskSnapshotter interface {
	SnapshotDataDisk(ctx context.Context, inst InstanceContext) (string, error)
}

// ServerDestroyer deletes the server and its root disk. The data disk,
// snapshots and images are kept.
type ServerDestroyer interface {
	DestroyServer(ctx context.Context, inst InstanceContext) error
}

// RecreateOptions describes where a recreated server comes from.
type RecreateOptions struct {
	// BaseImageID is the image to boot from; empty means the provider default.
	BaseImageID string

	// DataDiskSnapshotID restores the data disk from a snapshot when set.
	DataDiskSnapshotID string

	// DataDiskID reattaches an existing data disk when no snapshot is used.
	DataDiskID string
}

// ServerRecreator rebuilds a deleted server and returns the output fields to merge
// (at least the new instanceId, and dataDiskId when a disk was restored).
type ServerRecreator interface {
	RecreateServer(ctx context.Context, inst InstanceContext, opts RecreateOptions) (map[string]interface{}, error)
}

// ImageSnapshotter captures the configured root disk as a reusable image.
type ImageSnapshotter interface {
	SnapshotBaseImage(ctx context.Context, inst InstanceContext) (string, error)
}
