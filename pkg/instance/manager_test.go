package instance

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cloudypad/cloudypad/pkg/engine"
	"github.com/cloudypad/cloudypad/pkg/state"
	"github.com/cloudypad/cloudypad/pkg/stores"
)

func TestCreate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.create(t, dummyRecord("pad", nil))

	t.Run("already exists", func(t *testing.T) {
		err := env.mgr.Create(ctx, dummyRecord("pad", nil), false)
		if !engine.IsPrecondition(err) {
			t.Fatalf("expected precondition error, got %v", err)
		}
	})

	t.Run("overwrite purges history", func(t *testing.T) {
		if err := env.mgr.Create(ctx, dummyRecord("pad", nil), true); err != nil {
			t.Fatalf("failed to overwrite instance: %v", err)
		}
		if !reflect.DeepEqual(env.journal.purged, []string{"pad"}) {
			t.Errorf("expected history of pad to be purged, got %v", env.journal.purged)
		}
	})

	tests := []struct {
		name string
		rec  *state.Record
	}{
		{
			name: "unknown provider",
			rec:  state.NewRecord("other", "nope", state.Values{}, "dummy", nil),
		},
		{
			name: "invalid provider input",
			rec:  dummyRecord("other", state.Values{"instanceType": nil}),
		},
		{
			name: "two streaming servers",
			rec: state.NewRecord("other", "dummy",
				dummyRecord("other", nil).Provision.Input,
				"dummy",
				state.Values{
					"sunshine": map[string]interface{}{"enable": true},
					"wolf":     map[string]interface{}{"enable": true},
				}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := env.mgr.Create(ctx, tt.rec, false)
			if !engine.IsValidation(err) {
				t.Fatalf("expected validation error, got %v", err)
			}
			exists, err := env.mgr.Exists(ctx, "other")
			if err != nil {
				t.Fatalf("failed to check existence: %v", err)
			}
			if exists {
				t.Error("invalid instance should not be stored")
			}
		})
	}
}

func TestUpdate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.create(t, dummyRecord("pad", nil))

	rec, err := env.mgr.Update(ctx, "pad",
		state.Values{"instanceType": "dummy-large", "startDelaySeconds": 3},
		state.Values{"sunshine": nil, "wolf": map[string]interface{}{"enable": true}})
	if err != nil {
		t.Fatalf("failed to update instance: %v", err)
	}
	if rec.Provision.Input["instanceType"] != "dummy-large" {
		t.Errorf("expected instanceType dummy-large, got %v", rec.Provision.Input["instanceType"])
	}
	if _, ok := rec.Configuration.Input["sunshine"]; ok {
		t.Error("expected sunshine to be removed")
	}

	_, err = env.mgr.Update(ctx, "pad", state.Values{"instanceType": nil}, nil)
	if !engine.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	current, err := env.mgr.Get(ctx, "pad")
	if err != nil {
		t.Fatalf("failed to load record: %v", err)
	}
	if current.Provision.Input["instanceType"] != "dummy-large" {
		t.Errorf("invalid update should not be written, got %v", current.Provision.Input["instanceType"])
	}
}

func TestStatusDerivation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.create(t, dummyRecord("pad", nil))

	steps := []struct {
		name string
		run  func() error
		want engine.InstanceStatus
	}{
		{
			name: "created",
			run:  func() error { return nil },
			want: engine.InstanceStatus{ServerStatus: engine.ServerStatusUnknown},
		},
		{
			name: "provisioned",
			run:  func() error { return env.mgr.Provision(ctx, "pad") },
			want: engine.InstanceStatus{Provisioned: true, ServerStatus: engine.ServerStatusRunning},
		},
		{
			name: "configured",
			run:  func() error { return env.mgr.Configure(ctx, "pad") },
			want: engine.InstanceStatus{Provisioned: true, Configured: true, ServerStatus: engine.ServerStatusRunning, Ready: true},
		},
		{
			name: "stopped",
			run:  func() error { return env.mgr.Stop(ctx, "pad", engine.StartStopOptions{Wait: true}) },
			want: engine.InstanceStatus{Provisioned: true, Configured: true, ServerStatus: engine.ServerStatusStopped},
		},
		{
			name: "started",
			run:  func() error { return env.mgr.Start(ctx, "pad", engine.StartStopOptions{Wait: true}) },
			want: engine.InstanceStatus{Provisioned: true, Configured: true, ServerStatus: engine.ServerStatusRunning, Ready: true},
		},
	}

	for _, step := range steps {
		t.Run(step.name, func(t *testing.T) {
			if err := step.run(); err != nil {
				t.Fatalf("failed to run step: %v", err)
			}
			got := env.status(t, "pad")
			want := step.want
			want.Name = "pad"
			want.Provider = "dummy"
			if *got != want {
				t.Errorf("expected %+v, got %+v", want, *got)
			}
		})
	}

	t.Run("list", func(t *testing.T) {
		env.create(t, dummyRecord("other", nil))
		statuses, err := env.mgr.List(ctx)
		if err != nil {
			t.Fatalf("failed to list instances: %v", err)
		}
		if len(statuses) != 2 {
			t.Fatalf("expected 2 statuses, got %d", len(statuses))
		}
		if statuses[0].Name != "other" || statuses[1].Name != "pad" {
			t.Errorf("expected other and pad, got %s and %s", statuses[0].Name, statuses[1].Name)
		}
	})
}

func TestProvisionIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.create(t, dummyRecord("pad", state.Values{"dataDiskSizeGb": 100}))

	if err := env.mgr.Provision(ctx, "pad"); err != nil {
		t.Fatalf("failed to provision: %v", err)
	}
	first := env.output(t, "pad")

	if err := env.mgr.Provision(ctx, "pad"); err != nil {
		t.Fatalf("failed to provision again: %v", err)
	}
	second := env.output(t, "pad")

	for _, key := range []string{state.OutputInstanceID, state.OutputRootDiskID, state.OutputDataDiskID} {
		if first[key] == nil || first[key] != second[key] {
			t.Errorf("expected stable %s, got %v then %v", key, first[key], second[key])
		}
	}

	rec, err := env.mgr.Get(ctx, "pad")
	if err != nil {
		t.Fatalf("failed to load record: %v", err)
	}
	if rec.Metadata == nil || rec.Metadata.LastProvisionVersion != "test" {
		t.Errorf("expected provision metadata, got %+v", rec.Metadata)
	}
	want := []state.EventType{
		state.EventProvisionBegin, state.EventProvisionEnd,
		state.EventProvisionBegin, state.EventProvisionEnd,
	}
	if got := eventTypes(rec); !reflect.DeepEqual(got, want) {
		t.Errorf("expected events %v, got %v", want, got)
	}
	if got := env.journal.operations(); !reflect.DeepEqual(got, []string{"provision:succeeded", "provision:succeeded"}) {
		t.Errorf("unexpected journal operations %v", got)
	}
}

func TestConfigurePreconditions(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name  string
		setup func(env *testEnv) error
		field string
	}{
		{
			name:  "not provisioned",
			setup: func(env *testEnv) error { return nil },
			field: "provision.output",
		},
		{
			name: "no host",
			setup: func(env *testEnv) error {
				if err := env.mgr.Provision(ctx, "pad"); err != nil {
					return err
				}
				_, err := env.store.SetProvisionOutput(ctx, "pad", state.Values{state.OutputHost: nil})
				return err
			},
			field: "host",
		},
		{
			name: "no key",
			setup: func(env *testEnv) error {
				if err := env.mgr.Provision(ctx, "pad"); err != nil {
					return err
				}
				_, err := env.store.UpdateProvisionInput(ctx, "pad", state.Values{
					"ssh": map[string]interface{}{"privateKeyPath": nil},
				})
				return err
			},
			field: "key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.create(t, dummyRecord("pad", nil))
			if err := tt.setup(env); err != nil {
				t.Fatalf("failed to set up: %v", err)
			}

			err := env.mgr.Configure(ctx, "pad")
			var ee *engine.EngineError
			if !errors.As(err, &ee) || ee.Class != engine.ErrorClassPrecondition {
				t.Fatalf("expected precondition error, got %v", err)
			}
			if ee.Field != tt.field {
				t.Errorf("expected field %s, got %s", tt.field, ee.Field)
			}
			if ee.Instance != "pad" || ee.Operation != string(engine.OperationConfigure) {
				t.Errorf("expected pad/configure context, got %s/%s", ee.Instance, ee.Operation)
			}
			if got := env.journal.operations(); got[len(got)-1] != "configure:failed" {
				t.Errorf("expected failed configure in journal, got %v", got)
			}
		})
	}
}

func TestDestroy(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.create(t, dummyRecord("pad", nil))

	if err := env.mgr.Deploy(ctx, "pad"); err != nil {
		t.Fatalf("failed to deploy: %v", err)
	}

	before, err := env.mgr.Get(ctx, "pad")
	if err != nil {
		t.Fatalf("failed to load record: %v", err)
	}
	beforeBytes, err := state.Marshal(before)
	if err != nil {
		t.Fatalf("failed to marshal record: %v", err)
	}

	err = env.mgr.Destroy(ctx, "pad")
	var ee *engine.EngineError
	if !errors.As(err, &ee) || ee.Code != engine.ErrCodeStillProvisioned {
		t.Fatalf("expected still provisioned error, got %v", err)
	}

	after, err := env.mgr.Get(ctx, "pad")
	if err != nil {
		t.Fatalf("failed to load record: %v", err)
	}
	afterBytes, err := state.Marshal(after)
	if err != nil {
		t.Fatalf("failed to marshal record: %v", err)
	}
	if !bytes.Equal(beforeBytes, afterBytes) {
		t.Errorf("record changed by refused destroy:\n%s\n---\n%s", beforeBytes, afterBytes)
	}

	if err := env.mgr.DestroyInstance(ctx, "pad"); err != nil {
		t.Fatalf("failed to destroy instance: %v", err)
	}
	if _, err := env.mgr.Get(ctx, "pad"); !engine.IsNotFound(err) {
		t.Errorf("expected not found after destroy, got %v", err)
	}
	if _, ok, _ := env.infra.Get("pad"); ok {
		t.Error("expected dummy server to be removed")
	}
}

func TestStartStopWithDelays(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping delayed scenario in short mode")
	}

	env := newTestEnv(t)
	ctx := context.Background()
	env.create(t, dummyRecord("pad", state.Values{
		"startDelaySeconds": 1,
		"stopDelaySeconds":  1,
	}))
	if err := env.mgr.Deploy(ctx, "pad"); err != nil {
		t.Fatalf("failed to deploy: %v", err)
	}

	if err := env.mgr.Stop(ctx, "pad", engine.StartStopOptions{}); err != nil {
		t.Fatalf("failed to stop: %v", err)
	}
	if st := env.status(t, "pad"); st.ServerStatus != engine.ServerStatusStopping {
		t.Errorf("expected stopping, got %s", st.ServerStatus)
	}
	if err := env.mgr.WaitServerStatus(ctx, "pad", engine.ServerStatusStopped, 5*time.Second); err != nil {
		t.Fatalf("failed to wait for stopped: %v", err)
	}

	if err := env.mgr.Start(ctx, "pad", engine.StartStopOptions{}); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	if st := env.status(t, "pad"); st.ServerStatus != engine.ServerStatusStarting {
		t.Errorf("expected starting, got %s", st.ServerStatus)
	}
	if err := env.mgr.WaitServerStatus(ctx, "pad", engine.ServerStatusRunning, 5*time.Second); err != nil {
		t.Fatalf("failed to wait for running: %v", err)
	}

	if err := env.mgr.Restart(ctx, "pad", engine.StartStopOptions{Wait: true}); err != nil {
		t.Fatalf("failed to restart: %v", err)
	}
	if st := env.status(t, "pad"); !st.Ready {
		t.Errorf("expected ready after restart, got %+v", st)
	}
}

func TestWaitTimeoutAndCancel(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.create(t, dummyRecord("pad", state.Values{"stopDelaySeconds": 30}))
	if err := env.mgr.Provision(ctx, "pad"); err != nil {
		t.Fatalf("failed to provision: %v", err)
	}

	err := env.mgr.Stop(ctx, "pad", engine.StartStopOptions{Wait: true, WaitTimeout: 100 * time.Millisecond})
	if !engine.IsTimeout(err) {
		t.Fatalf("expected timeout error, got %v", err)
	}

	cctx, cancel := context.WithCancel(ctx)
	time.AfterFunc(50*time.Millisecond, cancel)
	err = env.mgr.WaitServerStatus(cctx, "pad", engine.ServerStatusStopped, time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
	if engine.IsTimeout(err) {
		t.Error("cancellation should not be reported as a timeout")
	}
}

func TestEphemeralLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.create(t, dummyRecord("pad", state.Values{
		"dataDiskSizeGb":             100,
		"deleteInstanceServerOnStop": true,
		"dataDiskSnapshot":           map[string]interface{}{"enable": true},
		"baseImageSnapshot":          map[string]interface{}{"enable": true},
	}))

	if err := env.mgr.Deploy(ctx, "pad"); err != nil {
		t.Fatalf("failed to deploy: %v", err)
	}
	deployed := env.output(t, "pad")
	for _, key := range []string{state.OutputInstanceID, state.OutputRootDiskID, state.OutputDataDiskID, state.OutputBaseImageID} {
		if deployed[key] == nil {
			t.Errorf("expected %s after deploy", key)
		}
	}

	if err := env.mgr.Stop(ctx, "pad", engine.StartStopOptions{Wait: true}); err != nil {
		t.Fatalf("failed to stop: %v", err)
	}
	stopped := env.output(t, "pad")
	for _, key := range []string{state.OutputInstanceID, state.OutputRootDiskID, state.OutputDataDiskID} {
		if _, ok := stopped[key]; ok {
			t.Errorf("expected %s to be absent after stop", key)
		}
	}
	if stopped[state.OutputDataDiskSnapshotID] == nil {
		t.Error("expected dataDiskSnapshotId after stop")
	}
	if stopped[state.OutputHost] == nil {
		t.Error("expected host to be kept for a static IP")
	}
	st := env.status(t, "pad")
	if !st.Provisioned || st.Configured || st.ServerStatus != engine.ServerStatusUnknown || st.Ready {
		t.Errorf("unexpected status after stop: %+v", st)
	}

	t.Run("restart needs a server", func(t *testing.T) {
		err := env.mgr.Restart(ctx, "pad", engine.StartStopOptions{})
		if !engine.IsPrecondition(err) {
			t.Fatalf("expected precondition error, got %v", err)
		}
	})

	if err := env.mgr.Start(ctx, "pad", engine.StartStopOptions{Wait: true}); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	started := env.output(t, "pad")
	if started[state.OutputInstanceID] == nil || started[state.OutputInstanceID] == deployed[state.OutputInstanceID] {
		t.Errorf("expected a new instance id, got %v", started[state.OutputInstanceID])
	}
	if started[state.OutputDataDiskID] == nil {
		t.Error("expected a restored data disk")
	}
	if started[state.OutputDataDiskSnapshotID] != stopped[state.OutputDataDiskSnapshotID] {
		t.Errorf("expected dataDiskSnapshotId %v, got %v", stopped[state.OutputDataDiskSnapshotID], started[state.OutputDataDiskSnapshotID])
	}
	if started[state.OutputBaseImageID] != deployed[state.OutputBaseImageID] {
		t.Errorf("expected baseImageId %v, got %v", deployed[state.OutputBaseImageID], started[state.OutputBaseImageID])
	}
	st = env.status(t, "pad")
	if !st.Configured || st.ServerStatus != engine.ServerStatusRunning || !st.Ready {
		t.Errorf("unexpected status after start: %+v", st)
	}

	t.Run("restart keeps ids", func(t *testing.T) {
		if err := env.mgr.Restart(ctx, "pad", engine.StartStopOptions{Wait: true}); err != nil {
			t.Fatalf("failed to restart: %v", err)
		}
		after := env.output(t, "pad")
		for _, key := range []string{state.OutputInstanceID, state.OutputRootDiskID, state.OutputDataDiskID, state.OutputDataDiskSnapshotID} {
			if after[key] != started[key] {
				t.Errorf("expected %s %v, got %v", key, started[key], after[key])
			}
		}
	})
}

func TestEphemeralStopWithoutSnapshot(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.create(t, dummyRecord("pad", state.Values{
		"dataDiskSizeGb":             20,
		"deleteInstanceServerOnStop": true,
		"publicIpType":               "dynamic",
	}))
	if err := env.mgr.Deploy(ctx, "pad"); err != nil {
		t.Fatalf("failed to deploy: %v", err)
	}
	disk := env.output(t, "pad")[state.OutputDataDiskID]

	if err := env.mgr.Stop(ctx, "pad", engine.StartStopOptions{Wait: true}); err != nil {
		t.Fatalf("failed to stop: %v", err)
	}
	stopped := env.output(t, "pad")
	if stopped[state.OutputDataDiskID] != disk {
		t.Errorf("expected data disk %v to be kept, got %v", disk, stopped[state.OutputDataDiskID])
	}
	if _, ok := stopped[state.OutputHost]; ok {
		t.Error("expected dynamic host to be cleared")
	}

	if err := env.mgr.Start(ctx, "pad", engine.StartStopOptions{Wait: true}); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	if got := env.output(t, "pad")[state.OutputDataDiskID]; got != disk {
		t.Errorf("expected data disk %v to be reattached, got %v", disk, got)
	}
}

type denyGuard struct {
	op engine.Operation
}

func (g denyGuard) Check(_ context.Context, op engine.Operation, _ *state.Record) error {
	if op == g.op {
		return engine.NewPreconditionError("policy", "denied").WithCode(engine.ErrCodePolicyDenied)
	}
	return nil
}

func TestGuard(t *testing.T) {
	env := newTestEnv(t, WithGuard(denyGuard{op: engine.OperationProvision}))
	ctx := context.Background()
	env.create(t, dummyRecord("pad", nil))

	err := env.mgr.Provision(ctx, "pad")
	var ee *engine.EngineError
	if !errors.As(err, &ee) || ee.Code != engine.ErrCodePolicyDenied {
		t.Fatalf("expected policy denial, got %v", err)
	}
	if ee.Instance != "pad" || ee.Operation != string(engine.OperationProvision) {
		t.Errorf("expected pad/provision context, got %s/%s", ee.Instance, ee.Operation)
	}

	rec, err := env.mgr.Get(ctx, "pad")
	if err != nil {
		t.Fatalf("failed to load record: %v", err)
	}
	if rec.IsProvisioned() || rec.Events.Len() != 0 {
		t.Error("denied operation should not touch the record")
	}
	if len(env.journal.operations()) != 0 {
		t.Errorf("denied operation should not be journaled, got %v", env.journal.operations())
	}
}

// minimalBackend implements only the mandatory provider contract.
type minimalBackend struct {
	provisionCalls atomic.Int32
	provisionErr   error
}

func (b *minimalBackend) Provision(_ context.Context, _ engine.InstanceContext, _ engine.OutputSink) (map[string]interface{}, error) {
	b.provisionCalls.Add(1)
	if b.provisionErr != nil {
		return nil, b.provisionErr
	}
	return map[string]interface{}{state.OutputHost: "10.0.0.5"}, nil
}

func (b *minimalBackend) Destroy(context.Context, engine.InstanceContext) error { return nil }

func (b *minimalBackend) Start(context.Context, engine.InstanceContext, engine.StartStopOptions) error {
	return nil
}

func (b *minimalBackend) Stop(context.Context, engine.InstanceContext, engine.StartStopOptions) error {
	return nil
}

func (b *minimalBackend) Restart(context.Context, engine.InstanceContext, engine.StartStopOptions) error {
	return nil
}

func (b *minimalBackend) ServerStatus(context.Context, engine.InstanceContext) (engine.ServerRunningStatus, error) {
	return engine.ServerStatusRunning, nil
}

type recordingConfigurator struct {
	calls atomic.Int32
}

func (c *recordingConfigurator) Configure(context.Context, engine.InstanceContext) (map[string]interface{}, error) {
	c.calls.Add(1)
	return map[string]interface{}{}, nil
}

func newMinimalEnv(t *testing.T, backend *minimalBackend, configurator *recordingConfigurator, opts ...Option) *testEnv {
	t.Helper()
	env := newTestEnv(t, opts...)
	if err := env.reg.RegisterBackend("minimal", func(context.Context, engine.InstanceContext) (engine.Backend, error) {
		return backend, nil
	}); err != nil {
		t.Fatalf("failed to register backend: %v", err)
	}
	if err := env.reg.RegisterConfigurator("recording", func(context.Context, engine.InstanceContext) (engine.Configurator, error) {
		return configurator, nil
	}); err != nil {
		t.Fatalf("failed to register configurator: %v", err)
	}

	env.create(t, state.NewRecord("box", "minimal",
		state.Values{"ssh": map[string]interface{}{"user": "root", "privateKeyContentBase64": "a2V5"}},
		"recording", nil))
	return env
}

func TestProviderErrors(t *testing.T) {
	backend := &minimalBackend{provisionErr: errors.New("quota exceeded")}
	env := newMinimalEnv(t, backend, &recordingConfigurator{}, WithRetryOptions(engine.RetryOptions{Retries: 1}))

	err := env.mgr.Provision(context.Background(), "box")
	if !engine.IsProvider(err) {
		t.Fatalf("expected provider error, got %v", err)
	}
	if !errors.Is(err, backend.provisionErr) {
		t.Errorf("expected cause to be wrapped, got %v", err)
	}
	if got := backend.provisionCalls.Load(); got != 2 {
		t.Errorf("expected 2 provision attempts, got %d", got)
	}

	rec, err := env.mgr.Get(context.Background(), "box")
	if err != nil {
		t.Fatalf("failed to load record: %v", err)
	}
	if rec.IsProvisioned() {
		t.Error("failed provision should not write output")
	}
	if got := eventTypes(rec); !reflect.DeepEqual(got, []state.EventType{state.EventProvisionBegin}) {
		t.Errorf("expected only provision-begin, got %v", got)
	}
	if got := env.journal.operations(); !reflect.DeepEqual(got, []string{"provision:failed"}) {
		t.Errorf("unexpected journal operations %v", got)
	}
}

func TestProvisionAttemptedOnceByDefault(t *testing.T) {
	backend := &minimalBackend{provisionErr: errors.New("quota exceeded")}
	env := newMinimalEnv(t, backend, &recordingConfigurator{})

	start := time.Now()
	err := env.mgr.Provision(context.Background(), "box")
	if !engine.IsProvider(err) {
		t.Fatalf("expected provider error, got %v", err)
	}
	if got := backend.provisionCalls.Load(); got != 1 {
		t.Errorf("expected a single provision attempt, got %d", got)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("expected no retry delay, took %v", elapsed)
	}
}

func TestRegistryConfiguratorAndMissingCapabilities(t *testing.T) {
	backend := &minimalBackend{}
	configurator := &recordingConfigurator{}
	env := newMinimalEnv(t, backend, configurator)
	ctx := context.Background()

	if err := env.mgr.Deploy(ctx, "box"); err != nil {
		t.Fatalf("failed to deploy: %v", err)
	}
	if got := configurator.calls.Load(); got != 1 {
		t.Errorf("expected registry configurator to run once, got %d", got)
	}
	if st := env.status(t, "box"); !st.Ready {
		t.Errorf("expected ready without a readiness check, got %+v", st)
	}

	err := env.mgr.Pair(ctx, "box")
	var ee *engine.EngineError
	if !errors.As(err, &ee) || ee.Code != engine.ErrCodeUnsupported || ee.Field != "Pairer" {
		t.Fatalf("expected unsupported Pairer, got %v", err)
	}

	if _, err := env.mgr.Update(ctx, "box", state.Values{"deleteInstanceServerOnStop": true}, nil); err != nil {
		t.Fatalf("failed to update instance: %v", err)
	}
	if _, err := env.store.SetProvisionOutput(ctx, "box", state.Values{state.OutputInstanceID: "i-1"}); err != nil {
		t.Fatalf("failed to set output: %v", err)
	}
	err = env.mgr.Stop(ctx, "box", engine.StartStopOptions{})
	if !errors.As(err, &ee) || ee.Field != "ServerDestroyer" {
		t.Fatalf("expected unsupported ServerDestroyer, got %v", err)
	}
}

func TestUsageRecorder(t *testing.T) {
	sink := &fakeUsageSink{}
	rec := NewUsageRecorder(sink, "install-1")

	rec.Handle(telemetryEvent("operation.completed", "my-secret-pad", "start"))
	rec.Handle(telemetryEvent("operation.failed", "my-secret-pad", "stop"))

	if len(sink.events) != 2 {
		t.Fatalf("expected 2 usage events, got %d", len(sink.events))
	}
	if sink.events[0].Name != "operation_succeeded" || sink.events[1].Name != "operation_failed" {
		t.Errorf("unexpected usage names %s, %s", sink.events[0].Name, sink.events[1].Name)
	}
	for _, ev := range sink.events {
		if ev.InstallID != "install-1" {
			t.Errorf("expected install id install-1, got %s", ev.InstallID)
		}
		if bytes.Contains([]byte(ev.Properties), []byte("my-secret-pad")) {
			t.Errorf("usage properties must not carry instance names: %s", ev.Properties)
		}
	}
}

type fakeUsageSink struct {
	events []*stores.UsageEvent
}

func (s *fakeUsageSink) RecordUsage(_ context.Context, event *stores.UsageEvent) error {
	s.events = append(s.events, event)
	return nil
}
