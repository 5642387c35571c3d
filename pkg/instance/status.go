package instance

import (
	"context"

	"github.com/cloudypad/cloudypad/pkg/engine"
	"github.com/cloudypad/cloudypad/pkg/state"
	"github.com/cloudypad/cloudypad/pkg/telemetry"
)

// commonView is the part of a record every provider shares.
type commonView struct {
	input  state.CommonProvisionInput
	output state.CommonProvisionOutput
}

func decodeCommon(rec *state.Record) (*commonView, error) {
	var v commonView
	if err := state.Decode(rec.Provision.Input, &v.input); err != nil {
		return nil, engine.NewValidationError("provision.input", err.Error()).WithInstance(rec.Name)
	}
	if rec.Provision.Output != nil {
		if err := state.Decode(rec.Provision.Output, &v.output); err != nil {
			return nil, engine.NewValidationError("provision.output", err.Error()).WithInstance(rec.Name)
		}
	}
	return &v, nil
}

// hasServerIdentity reports whether the output identifies a live server.
// Ephemeral instances keep their host across stops, so only the instance id
// counts for them.
func (v *commonView) hasServerIdentity() bool {
	if v.output.InstanceID != "" {
		return true
	}
	return !v.input.DeleteInstanceServerOnStop && v.output.Host != ""
}

// configured reports whether the configuration output belongs to the current
// server. An ephemeral instance without a server is never configured.
func (v *commonView) configured(rec *state.Record) bool {
	if !rec.IsConfigured() {
		return false
	}
	return !v.input.DeleteInstanceServerOnStop || v.output.InstanceID != ""
}

func (m *Manager) derive(ctx context.Context, rec *state.Record, backend engine.Backend) (*engine.InstanceStatus, error) {
	view, err := decodeCommon(rec)
	if err != nil {
		return nil, err
	}

	st := &engine.InstanceStatus{
		Name:         rec.Name,
		Provider:     rec.Provision.Provider,
		Provisioned:  rec.IsProvisioned(),
		Configured:   view.configured(rec),
		ServerStatus: engine.ServerStatusUnknown,
	}
	if !st.Provisioned || !view.hasServerIdentity() {
		return st, nil
	}

	inst := rec.InstanceContext()
	status, err := m.serverStatus(ctx, inst, backend)
	if err != nil {
		return nil, err
	}
	st.ServerStatus = status

	if st.Configured && status == engine.ServerStatusRunning {
		st.Ready = true
		if checker, ok := backend.(engine.ReadinessChecker); ok {
			err := m.call(ctx, inst, "ready", func(ctx context.Context) error {
				ready, err := checker.Ready(ctx, inst)
				st.Ready = ready
				return err
			})
			if err != nil {
				return nil, err
			}
		}
	}

	if tel := telemetry.FromTelemetryContext(ctx); tel != nil {
		tel.Metrics.SetInstanceReady(rec.Name, rec.Provision.Provider, st.Ready)
	}
	return st, nil
}

func (m *Manager) serverStatus(ctx context.Context, inst engine.InstanceContext, backend engine.Backend) (engine.ServerRunningStatus, error) {
	status := engine.ServerStatusUnknown
	err := m.call(ctx, inst, "server-status", func(ctx context.Context) error {
		s, err := backend.ServerStatus(ctx, inst)
		status = s
		return err
	})
	return status, err
}
