package instance

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudypad/cloudypad/pkg/engine"
	"github.com/cloudypad/cloudypad/pkg/telemetry"
)

// WaitServerStatus polls the server of name until it reports target.
// A zero timeout uses the manager default.
func (m *Manager) WaitServerStatus(ctx context.Context, name string, target engine.ServerRunningStatus, timeout time.Duration) error {
	rec, err := m.store.Load(ctx, name)
	if err != nil {
		return err
	}
	backend, err := m.registry.Backend(ctx, rec.InstanceContext())
	if err != nil {
		return err
	}
	return m.waitServerStatus(ctx, rec.InstanceContext(), backend, target, timeout)
}

func (m *Manager) waitServerStatus(ctx context.Context, inst engine.InstanceContext, backend engine.Backend, target engine.ServerRunningStatus, timeout time.Duration) error {
	first := engine.ServerRunningStatus("")
	err := m.poll(ctx, string(target), timeout, func(ctx context.Context) (bool, error) {
		status, err := m.serverStatus(ctx, inst, backend)
		if err != nil {
			return false, err
		}
		if first == "" {
			first = status
		}
		return status == target, nil
	})
	if err != nil {
		return annotate(err, inst.Name, "")
	}
	if first != target {
		telemetry.PublishStatusChanged(ctx, inst.Name, string(first), string(target))
	}
	return nil
}

// waitReady polls the readiness check of backend, if any.
func (m *Manager) waitReady(ctx context.Context, inst engine.InstanceContext, backend engine.Backend) error {
	checker, ok := backend.(engine.ReadinessChecker)
	if !ok {
		return nil
	}
	return m.poll(ctx, "ready", m.readyTimeout, func(ctx context.Context) (bool, error) {
		var ready bool
		err := m.call(ctx, inst, "ready", func(ctx context.Context) error {
			var err error
			ready, err = checker.Ready(ctx, inst)
			return err
		})
		return ready, err
	})
}

// poll evaluates cond on every tick until it holds, fails, the timeout
// expires or ctx is done. Expiry is a TimeoutError; cancellation of ctx is
// returned as is.
func (m *Manager) poll(ctx context.Context, target string, timeout time.Duration, cond func(ctx context.Context) (bool, error)) error {
	if timeout <= 0 {
		timeout = m.waitTimeout
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	timer := telemetry.NewTimer()
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		ok, err := cond(waitCtx)
		if ok && err == nil {
			telemetry.RecordWait(ctx, target, "reached", timer.Duration())
			return nil
		}
		if err != nil && waitCtx.Err() == nil {
			telemetry.RecordWait(ctx, target, "error", timer.Duration())
			return err
		}

		select {
		case <-ticker.C:
		case <-waitCtx.Done():
		}

		if waitCtx.Err() != nil {
			if ctx.Err() != nil {
				telemetry.RecordWait(ctx, target, "cancelled", timer.Duration())
				return ctx.Err()
			}
			telemetry.RecordWait(ctx, target, "timeout", timer.Duration())
			return engine.NewTimeoutError(fmt.Sprintf("timed out after %s waiting for %s", timeout, target), waitCtx.Err())
		}
	}
}
