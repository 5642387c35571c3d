package dummy

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/cloudypad/cloudypad/pkg/engine"
	"github.com/cloudypad/cloudypad/pkg/state"
)

// Host is the address reported by every dummy server.
const Host = "0.0.0.0"

// Backend simulates a cloud provider on top of an Infrastructure. It
// implements every optional capability.
type Backend struct {
	infra  *Infrastructure
	parser *state.Parser
}

var (
	_ engine.Backend          = (*Backend)(nil)
	_ engine.Configurator     = (*Backend)(nil)
	_ engine.ReadinessChecker = (*Backend)(nil)
	_ engine.Pairer           = (*Backend)(nil)
	_ engine.DiskSnapshotter  = (*Backend)(nil)
	_ engine.ServerDestroyer  = (*Backend)(nil)
	_ engine.ServerRecreator  = (*Backend)(nil)
	_ engine.ImageSnapshotter = (*Backend)(nil)
)

// NewBackend creates a backend over infra.
func NewBackend(infra *Infrastructure, parser *state.Parser) *Backend {
	return &Backend{infra: infra, parser: parser}
}

// NewFactory returns the registry factory of the dummy provider.
func NewFactory(infra *Infrastructure, parser *state.Parser) engine.BackendFactory {
	b := NewBackend(infra, parser)
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

// Provision creates the server and disks of the instance, or returns the
// existing ones.
func (b *Backend) Provision(ctx context.Context, inst engine.InstanceContext, sink engine.OutputSink) (map[string]interface{}, error) {
	in, err := b.input(inst)
	if err != nil {
		return nil, err
	}

	log.Info().Str("instance", inst.Name).Str("instanceType", in.InstanceType).Msg("Provisioning dummy instance")

	if err := sleep(ctx, seconds(in.ProvisioningDelaySeconds)); err != nil {
		return nil, err
	}

	initial := engine.ServerStatusRunning
	if in.InitialServerStateAfterProvision == "stopped" {
		initial = engine.ServerStatusStopped
	}

	now := time.Now()
	srv, err := b.infra.Update(inst.Name, func(s *Server) error {
		if s.ServerID == "" {
			s.ServerID = "dummy-id-" + inst.Name
			s.RootDiskID = "dummy-root-disk-" + inst.Name
			s.setStatus(initial, now)
		}
		if in.DataDiskSizeGb > 0 && s.DataDiskID == "" && s.DataDiskSnapshotID == "" {
			s.DataDiskID = "dummy-data-disk-" + shortID()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// server identity is recorded before the rest of the output
	if sink != nil {
		if err := sink.MergeProvisionOutput(ctx, map[string]interface{}{
			state.OutputInstanceID: srv.ServerID,
		}); err != nil {
			return nil, err
		}
	}

	return b.output(srv, now), nil
}

func (b *Backend) output(srv Server, now time.Time) map[string]interface{} {
	out := map[string]interface{}{
		state.OutputHost:       Host,
		state.OutputInstanceID: srv.ServerID,
		state.OutputRootDiskID: srv.RootDiskID,
		"provisionedAt":        now.UnixMilli(),
	}
	if srv.DataDiskID != "" {
		out[state.OutputDataDiskID] = srv.DataDiskID
	}
	return out
}

// Destroy removes every simulated resource of the instance.
func (b *Backend) Destroy(_ context.Context, inst engine.InstanceContext) error {
	log.Info().Str("instance", inst.Name).Msg("Destroying dummy instance")
	return b.infra.Delete(inst.Name)
}

// Start starts the server, going through starting when a start delay is set.
func (b *Backend) Start(ctx context.Context, inst engine.InstanceContext, opts engine.StartStopOptions) error {
	in, err := b.input(inst)
	if err != nil {
		return err
	}
	if err := b.requireServer(inst); err != nil {
		return err
	}

	done, err := b.infra.Transition(inst.Name, engine.ServerStatusStarting, engine.ServerStatusRunning, seconds(in.StartDelaySeconds))
	if err != nil {
		return err
	}
	if opts.Wait {
		return wait(ctx, done)
	}
	return nil
}

// Stop stops the server, going through stopping when a stop delay is set.
func (b *Backend) Stop(ctx context.Context, inst engine.InstanceContext, opts engine.StartStopOptions) error {
	in, err := b.input(inst)
	if err != nil {
		return err
	}
	if err := b.requireServer(inst); err != nil {
		return err
	}

	done, err := b.infra.Transition(inst.Name, engine.ServerStatusStopping, engine.ServerStatusStopped, seconds(in.StopDelaySeconds))
	if err != nil {
		return err
	}
	if opts.Wait {
		return wait(ctx, done)
	}
	return nil
}

// Restart stops the server, waiting for it, then starts it.
func (b *Backend) Restart(ctx context.Context, inst engine.InstanceContext, opts engine.StartStopOptions) error {
	if err := b.Stop(ctx, inst, engine.StartStopOptions{Wait: true}); err != nil {
		return err
	}
	return b.Start(ctx, inst, opts)
}

// ServerStatus returns the simulated status, unknown when no server exists.
func (b *Backend) ServerStatus(_ context.Context, inst engine.InstanceContext) (engine.ServerRunningStatus, error) {
	srv, ok, err := b.infra.Get(inst.Name)
	if err != nil {
		return engine.ServerStatusUnknown, err
	}
	if !ok || srv.ServerID == "" {
		return engine.ServerStatusUnknown, nil
	}
	return srv.Status, nil
}

// Ready reports true once the server has been running for the configured
// readiness delay.
func (b *Backend) Ready(ctx context.Context, inst engine.InstanceContext) (bool, error) {
	in, err := b.input(inst)
	if err != nil {
		return false, err
	}
	srv, ok, err := b.infra.Get(inst.Name)
	if err != nil || !ok || srv.ServerID == "" || srv.Status != engine.ServerStatusRunning {
		return false, err
	}
	return time.Since(srv.LastUpdate) >= seconds(in.ReadinessAfterStartDelaySeconds), nil
}

// Configure simulates configuration of the server.
func (b *Backend) Configure(ctx context.Context, inst engine.InstanceContext) (map[string]interface{}, error) {
	in, err := b.input(inst)
	if err != nil {
		return nil, err
	}
	if err := b.requireServer(inst); err != nil {
		return nil, err
	}

	log.Debug().Str("instance", inst.Name).Msg("Configuring dummy instance")
	if err := sleep(ctx, seconds(in.ConfigurationDelaySeconds)); err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"configuredAt":       time.Now().UnixMilli(),
		"dataDiskConfigured": false,
	}, nil
}

// Pair accepts any client.
func (b *Backend) Pair(_ context.Context, inst engine.InstanceContext) error {
	log.Debug().Str("instance", inst.Name).Msg("Dummy pairing always succeeds")
	return nil
}

// SnapshotDataDisk archives the data disk into a snapshot.
func (b *Backend) SnapshotDataDisk(_ context.Context, inst engine.InstanceContext) (string, error) {
	var id string
	_, err := b.infra.Update(inst.Name, func(s *Server) error {
		if s.DataDiskID == "" {
			return engine.NewPreconditionError(state.OutputDataDiskID, "no data disk to snapshot").WithInstance(inst.Name)
		}
		id = "dummy-snapshot-" + shortID()
		s.DataDiskSnapshotID = id
		s.DataDiskID = ""
		return nil
	})
	return id, err
}

// DestroyServer deletes the server and its root disk.
func (b *Backend) DestroyServer(_ context.Context, inst engine.InstanceContext) error {
	_, err := b.infra.Update(inst.Name, func(s *Server) error {
		s.ServerID = ""
		s.RootDiskID = ""
		s.setStatus(engine.ServerStatusUnknown, time.Now())
		return nil
	})
	return err
}

// RecreateServer creates a new server, restoring or reattaching the data disk.
func (b *Backend) RecreateServer(_ context.Context, inst engine.InstanceContext, opts engine.RecreateOptions) (map[string]interface{}, error) {
	in, err := b.input(inst)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	srv, err := b.infra.Update(inst.Name, func(s *Server) error {
		if s.ServerID != "" {
			return engine.NewPreconditionError(state.OutputInstanceID,
				fmt.Sprintf("server %s still exists", s.ServerID)).WithInstance(inst.Name)
		}
		if opts.BaseImageID != "" && opts.BaseImageID != s.BaseImageID {
			return engine.NewPreconditionError(state.OutputBaseImageID,
				fmt.Sprintf("unknown base image %s", opts.BaseImageID)).WithInstance(inst.Name)
		}

		switch {
		case opts.DataDiskSnapshotID != "" && opts.DataDiskSnapshotID != s.DataDiskSnapshotID:
			return engine.NewPreconditionError(state.OutputDataDiskSnapshotID,
				fmt.Sprintf("unknown snapshot %s", opts.DataDiskSnapshotID)).WithInstance(inst.Name)
		case opts.DataDiskSnapshotID == "" && opts.DataDiskID != "" && opts.DataDiskID != s.DataDiskID:
			return engine.NewPreconditionError(state.OutputDataDiskID,
				fmt.Sprintf("unknown data disk %s", opts.DataDiskID)).WithInstance(inst.Name)
		}

		s.ServerID = "dummy-id-" + inst.Name + "-" + shortID()
		s.RootDiskID = "dummy-root-disk-" + shortID()
		if opts.DataDiskSnapshotID != "" {
			s.DataDiskID = "dummy-data-disk-" + shortID()
		}

		s.setStatus(engine.ServerStatusStarting, now)
		if in.StartDelaySeconds <= 0 {
			s.setStatus(engine.ServerStatusRunning, now)
		} else {
			s.Pending = engine.ServerStatusRunning
			s.PendingAt = now.Add(seconds(in.StartDelaySeconds))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := map[string]interface{}{
		state.OutputHost:       Host,
		state.OutputInstanceID: srv.ServerID,
		state.OutputRootDiskID: srv.RootDiskID,
	}
	if srv.DataDiskID != "" {
		out[state.OutputDataDiskID] = srv.DataDiskID
	}
	return out, nil
}

// SnapshotBaseImage captures the root disk as an image.
func (b *Backend) SnapshotBaseImage(_ context.Context, inst engine.InstanceContext) (string, error) {
	var id string
	_, err := b.infra.Update(inst.Name, func(s *Server) error {
		if s.ServerID == "" {
			return engine.NewPreconditionError(state.OutputInstanceID, "no server to capture").WithInstance(inst.Name)
		}
		id = "dummy-image-" + shortID()
		s.BaseImageID = id
		return nil
	})
	return id, err
}

func (b *Backend) requireServer(inst engine.InstanceContext) error {
	srv, ok, err := b.infra.Get(inst.Name)
	if err != nil {
		return err
	}
	if !ok || srv.ServerID == "" {
		return engine.NewPreconditionError(state.OutputInstanceID, "dummy server does not exist").WithInstance(inst.Name)
	}
	return nil
}

func shortID() string {
	return uuid.New().String()[:8]
}
