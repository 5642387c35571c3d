package instance

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/cloudypad/cloudypad/pkg/engine"
	"github.com/cloudypad/cloudypad/pkg/state"
)

// archive stops an ephemeral instance: the server is stopped, the data disk
// snapshotted when enabled, then the server is deleted. Only the provision
// output survives, and no configuration output is left behind.
func (m *Manager) archive(ctx context.Context, rec *state.Record, view *commonView, backend engine.Backend, opts engine.StartStopOptions) error {
	name := rec.Name
	inst := rec.InstanceContext()

	if view.output.InstanceID == "" {
		log.Info().Str("instance", name).Msg("Instance server already deleted")
		_, err := m.store.ClearConfigurationOutput(ctx, name)
		return err
	}

	destroyer, ok := backend.(engine.ServerDestroyer)
	if !ok {
		return unsupported("ServerDestroyer", rec.Provision.Provider)
	}

	if view.input.DataDiskSnapshotEnabled() && view.output.DataDiskID != "" {
		snapshotter, ok := backend.(engine.DiskSnapshotter)
		if !ok {
			return unsupported("DiskSnapshotter", rec.Provision.Provider)
		}

		if err := m.stopServer(ctx, inst, backend, engine.StartStopOptions{Wait: true, WaitTimeout: opts.WaitTimeout}); err != nil {
			return err
		}

		var snapshotID string
		err := m.call(ctx, inst, "snapshot-data-disk", func(ctx context.Context) error {
			var err error
			snapshotID, err = snapshotter.SnapshotDataDisk(ctx, inst)
			return err
		})
		if err != nil {
			return err
		}

		_, err = m.store.SetProvisionOutput(ctx, name, state.Values{
			state.OutputDataDiskSnapshotID: snapshotID,
			state.OutputDataDiskID:         nil,
		})
		if err != nil {
			return err
		}
		log.Info().Str("instance", name).Str("snapshot", snapshotID).Msg("Data disk archived")
	}

	err := m.call(ctx, inst, "destroy-server", func(ctx context.Context) error {
		return destroyer.DestroyServer(ctx, inst)
	})
	if err != nil {
		return err
	}

	patch := state.Values{
		state.OutputInstanceID: nil,
		state.OutputRootDiskID: nil,
	}
	if view.input.HasDynamicIP() {
		patch[state.OutputHost] = nil
	}
	if _, err := m.store.SetProvisionOutput(ctx, name, patch); err != nil {
		return err
	}
	if _, err := m.store.ClearConfigurationOutput(ctx, name); err != nil {
		return err
	}

	log.Info().Str("instance", name).Msg("Instance server deleted")
	return nil
}

// recreate starts an ephemeral instance whose server was deleted: a new
// server is built from the base image and the archived data disk, then
// configured once running.
func (m *Manager) recreate(ctx context.Context, rec *state.Record, view *commonView, backend engine.Backend, opts engine.StartStopOptions) error {
	name := rec.Name
	inst := rec.InstanceContext()

	recreator, ok := backend.(engine.ServerRecreator)
	if !ok {
		return unsupported("ServerRecreator", rec.Provision.Provider)
	}

	ropts := engine.RecreateOptions{
		DataDiskSnapshotID: view.output.DataDiskSnapshotID,
		DataDiskID:         view.output.DataDiskID,
	}
	if view.input.BaseImageSnapshotEnabled() {
		ropts.BaseImageID = view.output.BaseImageID
	}

	var output map[string]interface{}
	err := m.call(ctx, inst, "recreate-server", func(ctx context.Context) error {
		var err error
		output, err = recreator.RecreateServer(ctx, inst, ropts)
		return err
	})
	if err != nil {
		return err
	}

	updated, err := m.store.SetProvisionOutput(ctx, name, output)
	if err != nil {
		return err
	}
	log.Info().Str("instance", name).Interface("output", output).Msg("Instance server recreated")

	if err := m.waitServerStatus(ctx, updated.InstanceContext(), backend, engine.ServerStatusRunning, opts.WaitTimeout); err != nil {
		return err
	}
	return m.configure(ctx, name, backend)
}
