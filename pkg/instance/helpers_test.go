package instance

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cloudypad/cloudypad/pkg/engine"
	"github.com/cloudypad/cloudypad/pkg/providers/dummy"
	"github.com/cloudypad/cloudypad/pkg/state"
	"github.com/cloudypad/cloudypad/pkg/stores"
	"github.com/cloudypad/cloudypad/pkg/telemetry"
)

type fakeJournal struct {
	mu     sync.Mutex
	ops    map[string]*stores.Operation
	order  []string
	events []*stores.JournalEvent
	purged []string
}

func newFakeJournal() *fakeJournal {
	return &fakeJournal{ops: make(map[string]*stores.Operation)}
}

func (j *fakeJournal) StartOperation(_ context.Context, instance, operation string) (*stores.Operation, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	id := fmt.Sprintf("op-%d", len(j.order)+1)
	op := &stores.Operation{
		ID:        id,
		Instance:  instance,
		Operation: operation,
		Status:    stores.OperationStatusRunning,
		StartedAt: time.Now(),
	}
	j.ops[id] = op
	j.order = append(j.order, id)
	return op, nil
}

func (j *fakeJournal) CompleteOperation(_ context.Context, id string, status stores.OperationStatus, errMsg *string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	op, ok := j.ops[id]
	if !ok {
		return fmt.Errorf("operation not found: %s", id)
	}
	op.Status = status
	op.Error = errMsg
	return nil
}

func (j *fakeJournal) AppendEvent(_ context.Context, event *stores.JournalEvent) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.events = append(j.events, event)
	return nil
}

func (j *fakeJournal) PurgeInstance(_ context.Context, instance string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.purged = append(j.purged, instance)
	return nil
}

// operations returns "operation:status" entries in start order.
func (j *fakeJournal) operations() []string {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make([]string, 0, len(j.order))
	for _, id := range j.order {
		op := j.ops[id]
		out = append(out, op.Operation+":"+string(op.Status))
	}
	return out
}

type testEnv struct {
	mgr     *Manager
	store   *stores.StateStore
	infra   *dummy.Infrastructure
	journal *fakeJournal
	reg     *engine.Registry
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()

	parser, err := state.NewParser()
	if err != nil {
		t.Fatalf("failed to create parser: %v", err)
	}
	store := stores.NewStateStore(stores.NewMemoryBackend(), parser, stores.WithToolVersion("test"))

	infra := dummy.NewInfrastructure()
	reg := engine.NewRegistry()
	if err := reg.RegisterBackend(dummy.ProviderName, dummy.NewFactory(infra, parser)); err != nil {
		t.Fatalf("failed to register dummy backend: %v", err)
	}

	journal := newFakeJournal()
	base := []Option{
		WithJournal(journal),
		WithPollInterval(20 * time.Millisecond),
		WithWaitTimeout(10 * time.Second),
		WithReadyTimeout(10 * time.Second),
	}

	return &testEnv{
		mgr:     NewManager(store, reg, append(base, opts...)...),
		store:   store,
		infra:   infra,
		journal: journal,
		reg:     reg,
	}
}

// dummyRecord builds a dummy instance record. extra is merged into the
// provision input.
func dummyRecord(name string, extra state.Values) *state.Record {
	input := state.Values{
		"instanceType": "dummy-small",
		"ssh": map[string]interface{}{
			"user":           "cloudy",
			"privateKeyPath": "/home/cloudy/.ssh/id_ed25519",
		},
	}
	return state.NewRecord(name, dummy.ProviderName,
		state.Merge(input, extra),
		dummy.ProviderName,
		state.Values{"sunshine": map[string]interface{}{"enable": true}})
}

func (e *testEnv) create(t *testing.T, rec *state.Record) {
	t.Helper()
	if err := e.mgr.Create(context.Background(), rec, false); err != nil {
		t.Fatalf("failed to create instance: %v", err)
	}
}

func (e *testEnv) status(t *testing.T, name string) *engine.InstanceStatus {
	t.Helper()
	st, err := e.mgr.Status(context.Background(), name)
	if err != nil {
		t.Fatalf("failed to get status: %v", err)
	}
	return st
}

func (e *testEnv) output(t *testing.T, name string) state.Values {
	t.Helper()
	rec, err := e.mgr.Get(context.Background(), name)
	if err != nil {
		t.Fatalf("failed to load record: %v", err)
	}
	return rec.Provision.Output
}

func eventTypes(rec *state.Record) []state.EventType {
	var types []state.EventType
	for _, ev := range rec.Events.Sorted() {
		types = append(types, ev.Type)
	}
	return types
}

func telemetryEvent(eventType, instance, operation string) telemetry.Event {
	return telemetry.Event{
		Type:      eventType,
		Instance:  instance,
		Operation: operation,
		Timestamp: time.Now(),
	}
}
