package instance

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/cloudypad/cloudypad/pkg/engine"
	"github.com/cloudypad/cloudypad/pkg/state"
)

// Provision creates or updates the cloud resources of name.
func (m *Manager) Provision(ctx context.Context, name string) error {
	return m.run(ctx, name, engine.OperationProvision, func(ctx context.Context, _ *state.Record, backend engine.Backend) error {
		return m.provision(ctx, name, backend)
	})
}

func (m *Manager) provision(ctx context.Context, name string, backend engine.Backend) error {
	rec, err := m.store.Load(ctx, name)
	if err != nil {
		return err
	}
	if rec.Provision.Input == nil {
		return engine.NewPreconditionError("provision.input", "instance has no provision input")
	}

	if err := m.addEvent(ctx, name, state.EventProvisionBegin); err != nil {
		return err
	}

	inst := rec.InstanceContext()
	sink := m.store.OutputSink(name)

	var output map[string]interface{}
	err = m.callRetry(ctx, inst, "provision", func(ctx context.Context) error {
		var err error
		output, err = backend.Provision(ctx, inst, sink)
		return err
	})
	if err != nil {
		return err
	}

	if output == nil {
		output = map[string]interface{}{}
	}
	if _, err := m.store.SetProvisionOutput(ctx, name, output); err != nil {
		return err
	}

	log.Info().Str("instance", name).Msg("Instance provisioned")
	return m.addEvent(ctx, name, state.EventProvisionEnd)
}

// Configure configures the provisioned host of name, then waits for it to be
// ready.
func (m *Manager) Configure(ctx context.Context, name string) error {
	return m.run(ctx, name, engine.OperationConfigure, func(ctx context.Context, _ *state.Record, backend engine.Backend) error {
		return m.configure(ctx, name, backend)
	})
}

func (m *Manager) configure(ctx context.Context, name string, backend engine.Backend) error {
	rec, err := m.store.Load(ctx, name)
	if err != nil {
		return err
	}
	if !rec.IsProvisioned() {
		return engine.NewPreconditionError("provision.output", "instance is not provisioned")
	}

	view, err := decodeCommon(rec)
	if err != nil {
		return err
	}
	switch {
	case view.output.Host == "":
		return engine.NewPreconditionError("host", "provision output has no host")
	case view.input.SSH.User == "":
		return engine.NewPreconditionError("user", "provision input has no ssh user")
	case !view.input.SSH.HasKey():
		return engine.NewPreconditionError("key", "provision input has no ssh private key")
	}

	inst := rec.InstanceContext()
	configurator, err := m.configurator(ctx, inst, backend)
	if err != nil {
		return err
	}

	if err := m.addEvent(ctx, name, state.EventConfigurationBegin); err != nil {
		return err
	}

	var output map[string]interface{}
	err = m.callRetry(ctx, inst, "configure", func(ctx context.Context) error {
		var err error
		output, err = configurator.Configure(ctx, inst)
		return err
	})
	if err != nil {
		return err
	}

	if output == nil {
		output = map[string]interface{}{}
	}
	if _, err := m.store.SetConfigurationOutput(ctx, name, output); err != nil {
		return err
	}
	if err := m.addEvent(ctx, name, state.EventConfigurationEnd); err != nil {
		return err
	}

	log.Info().Str("instance", name).Msg("Instance configured, waiting for readiness")
	return m.waitReady(ctx, inst, backend)
}

// configurator returns the backend itself when it configures its own
// instances, the registered configurator otherwise.
func (m *Manager) configurator(ctx context.Context, inst engine.InstanceContext, backend engine.Backend) (engine.Configurator, error) {
	if c, ok := backend.(engine.Configurator); ok {
		return c, nil
	}
	return m.registry.Configurator(ctx, inst)
}

// Deploy provisions then configures name. When base image snapshots are
// enabled and no image exists yet, the configured root disk is captured.
func (m *Manager) Deploy(ctx context.Context, name string) error {
	return m.run(ctx, name, engine.OperationDeploy, func(ctx context.Context, _ *state.Record, backend engine.Backend) error {
		if err := m.provision(ctx, name, backend); err != nil {
			return err
		}
		if err := m.configure(ctx, name, backend); err != nil {
			return err
		}
		return m.captureBaseImage(ctx, name, backend)
	})
}

func (m *Manager) captureBaseImage(ctx context.Context, name string, backend engine.Backend) error {
	rec, err := m.store.Load(ctx, name)
	if err != nil {
		return err
	}
	view, err := decodeCommon(rec)
	if err != nil {
		return err
	}
	if !view.input.BaseImageSnapshotEnabled() || view.output.BaseImageID != "" {
		return nil
	}

	snapshotter, ok := backend.(engine.ImageSnapshotter)
	if !ok {
		return unsupported("ImageSnapshotter", rec.Provision.Provider)
	}

	inst := rec.InstanceContext()
	var imageID string
	err = m.call(ctx, inst, "snapshot-base-image", func(ctx context.Context) error {
		var err error
		imageID, err = snapshotter.SnapshotBaseImage(ctx, inst)
		return err
	})
	if err != nil {
		return err
	}

	_, err = m.store.SetProvisionOutput(ctx, name, state.Values{state.OutputBaseImageID: imageID})
	return err
}

// Start starts the server of name. An ephemeral instance whose server was
// deleted on stop gets a new server, which is then configured.
func (m *Manager) Start(ctx context.Context, name string, opts engine.StartStopOptions) error {
	return m.run(ctx, name, engine.OperationStart, func(ctx context.Context, rec *state.Record, backend engine.Backend) error {
		if !rec.IsProvisioned() {
			return engine.NewPreconditionError("provision.output", "instance is not provisioned")
		}
		view, err := decodeCommon(rec)
		if err != nil {
			return err
		}

		if err := m.addEvent(ctx, name, state.EventStartBegin); err != nil {
			return err
		}

		if view.input.DeleteInstanceServerOnStop && view.output.InstanceID == "" {
			err = m.recreate(ctx, rec, view, backend, opts)
		} else {
			err = m.startServer(ctx, rec.InstanceContext(), backend, opts)
		}
		if err != nil {
			return err
		}

		return m.addEvent(ctx, name, state.EventStartEnd)
	})
}

func (m *Manager) startServer(ctx context.Context, inst engine.InstanceContext, backend engine.Backend, opts engine.StartStopOptions) error {
	err := m.call(ctx, inst, "start", func(ctx context.Context) error {
		return backend.Start(ctx, inst, providerOptions(opts))
	})
	if err != nil {
		return err
	}
	if opts.Wait {
		return m.waitServerStatus(ctx, inst, backend, engine.ServerStatusRunning, opts.WaitTimeout)
	}
	return nil
}

// Stop stops the server of name. An ephemeral instance has its data disk
// archived and its server deleted instead.
func (m *Manager) Stop(ctx context.Context, name string, opts engine.StartStopOptions) error {
	return m.run(ctx, name, engine.OperationStop, func(ctx context.Context, rec *state.Record, backend engine.Backend) error {
		if !rec.IsProvisioned() {
			return engine.NewPreconditionError("provision.output", "instance is not provisioned")
		}
		view, err := decodeCommon(rec)
		if err != nil {
			return err
		}

		if err := m.addEvent(ctx, name, state.EventStopBegin); err != nil {
			return err
		}

		if view.input.DeleteInstanceServerOnStop {
			err = m.archive(ctx, rec, view, backend, opts)
		} else {
			err = m.stopServer(ctx, rec.InstanceContext(), backend, opts)
		}
		if err != nil {
			return err
		}

		return m.addEvent(ctx, name, state.EventStopEnd)
	})
}

func (m *Manager) stopServer(ctx context.Context, inst engine.InstanceContext, backend engine.Backend, opts engine.StartStopOptions) error {
	err := m.call(ctx, inst, "stop", func(ctx context.Context) error {
		return backend.Stop(ctx, inst, providerOptions(opts))
	})
	if err != nil {
		return err
	}
	if opts.Wait {
		return m.waitServerStatus(ctx, inst, backend, engine.ServerStatusStopped, opts.WaitTimeout)
	}
	return nil
}

// Restart restarts the server of name. It never recreates a server.
func (m *Manager) Restart(ctx context.Context, name string, opts engine.StartStopOptions) error {
	return m.run(ctx, name, engine.OperationRestart, func(ctx context.Context, rec *state.Record, backend engine.Backend) error {
		if !rec.IsProvisioned() {
			return engine.NewPreconditionError("provision.output", "instance is not provisioned")
		}
		view, err := decodeCommon(rec)
		if err != nil {
			return err
		}
		if view.input.DeleteInstanceServerOnStop && view.output.InstanceID == "" {
			return engine.NewPreconditionError(state.OutputInstanceID, "instance server does not exist, start the instance instead")
		}

		inst := rec.InstanceContext()
		err = m.call(ctx, inst, "restart", func(ctx context.Context) error {
			return backend.Restart(ctx, inst, providerOptions(opts))
		})
		if err != nil {
			return err
		}
		if opts.Wait {
			return m.waitServerStatus(ctx, inst, backend, engine.ServerStatusRunning, opts.WaitTimeout)
		}
		return nil
	})
}

// DestroyInstance destroys the cloud resources of name, then removes its
// record.
func (m *Manager) DestroyInstance(ctx context.Context, name string) error {
	err := m.run(ctx, name, engine.OperationDestroy, func(ctx context.Context, rec *state.Record, backend engine.Backend) error {
		if err := m.addEvent(ctx, name, state.EventDestroyBegin); err != nil {
			return err
		}

		inst := rec.InstanceContext()
		err := m.call(ctx, inst, "destroy", func(ctx context.Context) error {
			return backend.Destroy(ctx, inst)
		})
		if err != nil {
			return err
		}

		if _, err := m.store.ClearProvisionOutput(ctx, name); err != nil {
			return err
		}
		if _, err := m.store.ClearConfigurationOutput(ctx, name); err != nil {
			return err
		}
		return m.addEvent(ctx, name, state.EventDestroyEnd)
	})
	if err != nil {
		return err
	}

	if err := m.Destroy(ctx, name); err != nil {
		return err
	}
	log.Info().Str("instance", name).Msg("Instance destroyed")
	return nil
}

// Pair pairs a Moonlight client with the streaming server of name.
func (m *Manager) Pair(ctx context.Context, name string) error {
	return m.run(ctx, name, engine.OperationPair, func(ctx context.Context, rec *state.Record, backend engine.Backend) error {
		if !rec.IsProvisioned() {
			return engine.NewPreconditionError("provision.output", "instance is not provisioned")
		}
		pairer, ok := backend.(engine.Pairer)
		if !ok {
			return unsupported("Pairer", rec.Provision.Provider)
		}

		inst := rec.InstanceContext()
		return m.call(ctx, inst, "pair", func(ctx context.Context) error {
			return pairer.Pair(ctx, inst)
		})
	})
}

// providerOptions strips Wait. Waiting is done by the manager.
func providerOptions(opts engine.StartStopOptions) engine.StartStopOptions {
	return engine.StartStopOptions{WaitTimeout: opts.WaitTimeout}
}

func unsupported(capability, provider string) error {
	return engine.NewPreconditionError(capability, "provider "+provider+" does not support "+capability).
		WithCode(engine.ErrCodeUnsupported)
}
