package instance

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cloudypad/cloudypad/pkg/engine"
	"github.com/cloudypad/cloudypad/pkg/state"
	"github.com/cloudypad/cloudypad/pkg/stores"
)

// Default wait settings.
const (
	DefaultWaitTimeout  = 5 * time.Minute
	DefaultReadyTimeout = 10 * time.Minute
	DefaultPollInterval = 2 * time.Second
)

// OperationGuard vets an operation before it touches any provider.
type OperationGuard interface {
	Check(ctx context.Context, op engine.Operation, rec *state.Record) error
}

// Journal is the part of the operation journal used by the Manager.
type Journal interface {
	StartOperation(ctx context.Context, instance, operation string) (*stores.Operation, error)
	CompleteOperation(ctx context.Context, id string, status stores.OperationStatus, errMsg *string) error
	AppendEvent(ctx context.Context, event *stores.JournalEvent) error
	PurgeInstance(ctx context.Context, instance string) error
}

// Manager runs lifecycle operations on instances.
type Manager struct {
	store    *stores.StateStore
	registry *engine.Registry
	journal  Journal
	guard    OperationGuard

	retry        engine.RetryOptions
	waitTimeout  time.Duration
	readyTimeout time.Duration
	pollInterval time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithJournal records every operation and event in j.
func WithJournal(j Journal) Option {
	return func(m *Manager) { m.journal = j }
}

// WithGuard checks every operation against g before it runs.
func WithGuard(g OperationGuard) Option {
	return func(m *Manager) { m.guard = g }
}

// WithRetryOptions retries provision and configure calls as opts says. By
// default they are attempted once.
func WithRetryOptions(opts engine.RetryOptions) Option {
	return func(m *Manager) { m.retry = opts }
}

// WithWaitTimeout sets the default bound of server status waits.
func WithWaitTimeout(d time.Duration) Option {
	return func(m *Manager) { m.waitTimeout = d }
}

// WithReadyTimeout sets the bound of the readiness wait after configuration.
func WithReadyTimeout(d time.Duration) Option {
	return func(m *Manager) { m.readyTimeout = d }
}

// WithPollInterval sets the pause between two polls of a wait loop.
func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) { m.pollInterval = d }
}

// NewManager creates a manager over store and registry.
func NewManager(store *stores.StateStore, registry *engine.Registry, opts ...Option) *Manager {
	m := &Manager{
		store:        store,
		registry:     registry,
		waitTimeout:  DefaultWaitTimeout,
		readyTimeout: DefaultReadyTimeout,
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Store returns the state store of the manager.
func (m *Manager) Store() *stores.StateStore {
	return m.store
}

// Create validates rec against its provider and configurator and persists it.
// An existing instance is replaced only when overwrite is set, and its
// journal history is dropped.
func (m *Manager) Create(ctx context.Context, rec *state.Record, overwrite bool) error {
	if err := m.validate(ctx, rec); err != nil {
		return err
	}

	if err := m.store.Create(ctx, rec, overwrite); err != nil {
		return err
	}

	if overwrite && m.journal != nil {
		if err := m.journal.PurgeInstance(ctx, rec.Name); err != nil {
			log.Warn().Err(err).Str("instance", rec.Name).Msg("Failed to purge instance history")
		}
	}

	log.Info().
		Str("instance", rec.Name).
		Str("provider", rec.Provision.Provider).
		Str("location", m.store.Location(rec.Name)).
		Msg("Instance created")
	return nil
}

// Update deep-merges the given patches into the provision and configuration
// inputs. Nothing is written if the merged record is invalid.
func (m *Manager) Update(ctx context.Context, name string, provisionPatch, configurationPatch state.Values) (*state.Record, error) {
	return m.store.Update(ctx, name, func(rec *state.Record) error {
		if provisionPatch != nil {
			rec.Provision.Input = state.Merge(rec.Provision.Input, provisionPatch)
		}
		if configurationPatch != nil {
			rec.Configuration.Input = state.Merge(rec.Configuration.Input, configurationPatch)
		}
		return m.validate(ctx, rec)
	})
}

func (m *Manager) validate(ctx context.Context, rec *state.Record) error {
	if _, err := m.registry.Backend(ctx, rec.InstanceContext()); err != nil {
		return err
	}

	var common state.CommonConfigurationInput
	if err := state.Decode(rec.Configuration.Input, &common); err != nil {
		return engine.NewValidationError("configuration.input", err.Error()).WithInstance(rec.Name)
	}
	return annotate(common.Validate(), rec.Name, "")
}

// Get loads the record of name.
func (m *Manager) Get(ctx context.Context, name string) (*state.Record, error) {
	return m.store.Load(ctx, name)
}

// Exists reports whether an instance named name exists.
func (m *Manager) Exists(ctx context.Context, name string) (bool, error) {
	return m.store.Exists(ctx, name)
}

// Status derives the status of name.
func (m *Manager) Status(ctx context.Context, name string) (*engine.InstanceStatus, error) {
	rec, err := m.store.Load(ctx, name)
	if err != nil {
		return nil, err
	}
	backend, err := m.registry.Backend(ctx, rec.InstanceContext())
	if err != nil {
		return nil, err
	}
	return m.derive(ctx, rec, backend)
}

// List derives the status of every instance. Instances whose status cannot be
// derived are logged and skipped.
func (m *Manager) List(ctx context.Context) ([]*engine.InstanceStatus, error) {
	names, err := m.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}

	statuses := make([]*engine.InstanceStatus, 0, len(names))
	for _, name := range names {
		st, err := m.Status(ctx, name)
		if err != nil {
			log.Warn().Err(err).Str("instance", name).Msg("Failed to get instance status")
			continue
		}
		statuses = append(statuses, st)
	}
	return statuses, nil
}

// Destroy removes the record of name. It refuses to remove a provisioned
// instance and leaves its record untouched.
func (m *Manager) Destroy(ctx context.Context, name string) error {
	rec, err := m.store.Load(ctx, name)
	if err != nil {
		return err
	}
	if rec.IsProvisioned() {
		return engine.NewPreconditionError("provision.output", "instance is still provisioned, destroy its resources first").
			WithCode(engine.ErrCodeStillProvisioned).
			WithInstance(name).
			WithOperation(string(engine.OperationDestroy))
	}
	return m.store.Destroy(ctx, name)
}
