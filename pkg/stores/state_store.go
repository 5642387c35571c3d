package stores

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cloudypad/cloudypad/pkg/engine"
	"github.com/cloudypad/cloudypad/pkg/state"
)

// StateStore loads, validates and persists instance records over a Backend.
// Every mutation is a locked read-modify-write of the whole record.
type StateStore struct {
	backend     Backend
	parser      *state.Parser
	toolVersion string
	now         func() time.Time
}

// StoreOption configures a StateStore.
type StoreOption func(*StateStore)

// WithClock overrides the clock used for metadata and event timestamps.
func WithClock(now func() time.Time) StoreOption {
	return func(s *StateStore) { s.now = now }
}

// WithToolVersion sets the version stamped into record metadata.
func WithToolVersion(version string) StoreOption {
	return func(s *StateStore) { s.toolVersion = version }
}

// NewStateStore creates a store over backend.
func NewStateStore(backend Backend, parser *state.Parser, opts ...StoreOption) *StateStore {
	s := &StateStore{
		backend:     backend,
		parser:      parser,
		toolVersion: "dev",
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Backend returns the underlying backend.
func (s *StateStore) Backend() Backend {
	return s.backend
}

// Location describes where the record of name is stored.
func (s *StateStore) Location(name string) string {
	return s.backend.Location(name)
}

// Now returns the store clock.
func (s *StateStore) Now() time.Time {
	return s.now()
}

// Load reads, migrates and validates the record of name.
func (s *StateStore) Load(ctx context.Context, name string) (*state.Record, error) {
	data, err := s.backend.Read(ctx, name)
	if errors.Is(err, ErrStateNotFound) {
		if legacy, ok := s.backend.(LegacyReader); ok {
			return s.loadLegacy(ctx, legacy, name)
		}
		return nil, engine.NewNotFoundError(name)
	}
	if err != nil {
		return nil, err
	}
	return s.parse(name, data)
}

// loadLegacy migrates a pre-versioned config.yml, persists the result as
// state.yml and removes the legacy file.
func (s *StateStore) loadLegacy(ctx context.Context, legacy LegacyReader, name string) (*state.Record, error) {
	data, err := legacy.ReadLegacy(ctx, name)
	if errors.Is(err, ErrStateNotFound) {
		return nil, engine.NewNotFoundError(name)
	}
	if err != nil {
		return nil, err
	}

	log.Info().Str("instance", name).Msg("Migrating legacy instance state")

	rec, err := s.parse(name, data)
	if err != nil {
		return nil, err
	}
	if err := s.persist(ctx, rec); err != nil {
		return nil, err
	}
	if err := legacy.RemoveLegacy(ctx, name); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *StateStore) parse(name string, data []byte) (*state.Record, error) {
	rec, err := s.parser.ParseBytes(data)
	if err != nil {
		var ee *engine.EngineError
		if errors.As(err, &ee) && ee.Instance == "" {
			ee.WithInstance(name)
		}
		return nil, err
	}
	if rec.Name != name {
		return nil, engine.NewValidationError("name",
			fmt.Sprintf("record name %q does not match its location", rec.Name)).WithInstance(name)
	}
	return rec, nil
}

// Exists reports whether a record exists for name.
func (s *StateStore) Exists(ctx context.Context, name string) (bool, error) {
	return s.backend.Exists(ctx, name)
}

// List returns the names of every stored instance.
func (s *StateStore) List(ctx context.Context) ([]string, error) {
	return s.backend.List(ctx)
}

// Create persists a new record. An existing record with the same name is
// only replaced when overwrite is set.
func (s *StateStore) Create(ctx context.Context, rec *state.Record, overwrite bool) error {
	unlock, err := s.backend.Lock(ctx, rec.Name)
	if err != nil {
		return err
	}
	defer s.unlock(rec.Name, unlock)

	exists, err := s.backend.Exists(ctx, rec.Name)
	if err != nil {
		return err
	}
	if exists && !overwrite {
		return engine.NewPreconditionError("name", "instance already exists").
			WithCode(engine.ErrCodeAlreadyExists).WithInstance(rec.Name)
	}
	return s.persist(ctx, rec)
}

// Write validates and persists rec. Provider and configurator tags of an
// existing record cannot change.
func (s *StateStore) Write(ctx context.Context, rec *state.Record) error {
	unlock, err := s.backend.Lock(ctx, rec.Name)
	if err != nil {
		return err
	}
	defer s.unlock(rec.Name, unlock)

	current, err := s.Load(ctx, rec.Name)
	if err != nil && !engine.IsNotFound(err) {
		return err
	}
	if current != nil {
		if err := checkImmutable(current, rec); err != nil {
			return err
		}
	}
	return s.persist(ctx, rec)
}

// Update applies fn to the current record under the instance lock and
// persists the result. fn works on a copy; on error nothing is written.
func (s *StateStore) Update(ctx context.Context, name string, fn func(rec *state.Record) error) (*state.Record, error) {
	// Locking may create storage for name, so missing records stop here.
	exists, err := s.backend.Exists(ctx, name)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, engine.NewNotFoundError(name)
	}

	unlock, err := s.backend.Lock(ctx, name)
	if err != nil {
		return nil, err
	}
	defer s.unlock(name, unlock)

	current, err := s.Load(ctx, name)
	if err != nil {
		return nil, err
	}

	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if err := checkImmutable(current, next); err != nil {
		return nil, err
	}
	if err := s.persist(ctx, next); err != nil {
		return nil, err
	}
	return next, nil
}

// UpdateProvisionInput deep-merges partial into the provision input.
func (s *StateStore) UpdateProvisionInput(ctx context.Context, name string, partial state.Values) (*state.Record, error) {
	return s.Update(ctx, name, func(rec *state.Record) error {
		rec.Provision.Input = state.Merge(rec.Provision.Input, partial)
		return nil
	})
}

// UpdateConfigurationInput deep-merges partial into the configuration input.
func (s *StateStore) UpdateConfigurationInput(ctx context.Context, name string, partial state.Values) (*state.Record, error) {
	return s.Update(ctx, name, func(rec *state.Record) error {
		rec.Configuration.Input = state.Merge(rec.Configuration.Input, partial)
		return nil
	})
}

// SetProvisionOutput merges partial into the provision output, creating it if
// absent, and stamps the provision metadata.
func (s *StateStore) SetProvisionOutput(ctx context.Context, name string, partial state.Values) (*state.Record, error) {
	return s.Update(ctx, name, func(rec *state.Record) error {
		rec.Provision.Output = state.Merge(rec.Provision.Output, partial)
		md := s.metadata(rec)
		md.LastProvisionDate = s.now().UnixMilli()
		md.LastProvisionVersion = s.toolVersion
		return nil
	})
}

// ClearProvisionOutput makes the provision output absent.
func (s *StateStore) ClearProvisionOutput(ctx context.Context, name string) (*state.Record, error) {
	return s.Update(ctx, name, func(rec *state.Record) error {
		rec.Provision.Output = nil
		return nil
	})
}

// SetConfigurationOutput merges partial into the configuration output,
// creating it if absent, and stamps the configuration metadata.
func (s *StateStore) SetConfigurationOutput(ctx context.Context, name string, partial state.Values) (*state.Record, error) {
	return s.Update(ctx, name, func(rec *state.Record) error {
		rec.Configuration.Output = state.Merge(rec.Configuration.Output, partial)
		md := s.metadata(rec)
		md.LastConfigurationDate = s.now().UnixMilli()
		md.LastConfigurationVersion = s.toolVersion
		return nil
	})
}

// ClearConfigurationOutput makes the configuration output absent. Metadata is kept.
func (s *StateStore) ClearConfigurationOutput(ctx context.Context, name string) (*state.Record, error) {
	return s.Update(ctx, name, func(rec *state.Record) error {
		rec.Configuration.Output = nil
		return nil
	})
}

// AddEvent records a lifecycle event. A zero at uses the store clock.
func (s *StateStore) AddEvent(ctx context.Context, name string, eventType state.EventType, at time.Time) (*state.Record, error) {
	if err := eventType.Validate(); err != nil {
		return nil, engine.NewValidationError("events.type", err.Error()).WithInstance(name)
	}
	if at.IsZero() {
		at = s.now()
	}
	return s.Update(ctx, name, func(rec *state.Record) error {
		rec.Events.Add(state.Event{Type: eventType, Timestamp: at.UnixMilli()})
		return nil
	})
}

// Destroy removes all storage of the instance under the instance lock.
func (s *StateStore) Destroy(ctx context.Context, name string) error {
	unlock, err := s.backend.Lock(ctx, name)
	if err != nil {
		return err
	}
	defer s.unlock(name, unlock)

	if err := s.backend.Delete(ctx, name); err != nil {
		return err
	}
	log.Debug().Str("instance", name).Msg("Instance state removed")
	return nil
}

// OutputSink returns an engine.OutputSink persisting partial provision output for name.
func (s *StateStore) OutputSink(name string) engine.OutputSink {
	return outputSink{store: s, name: name}
}

type outputSink struct {
	store *StateStore
	name  string
}

func (o outputSink) MergeProvisionOutput(ctx context.Context, partial map[string]interface{}) error {
	_, err := o.store.SetProvisionOutput(ctx, o.name, partial)
	return err
}

func (s *StateStore) persist(ctx context.Context, rec *state.Record) error {
	if err := s.parser.Validate(rec); err != nil {
		return err
	}
	data, err := state.Marshal(rec)
	if err != nil {
		return err
	}
	return s.backend.Write(ctx, rec.Name, data)
}

func (s *StateStore) metadata(rec *state.Record) *state.Metadata {
	if rec.Metadata == nil {
		rec.Metadata = &state.Metadata{}
	}
	return rec.Metadata
}

func (s *StateStore) unlock(name string, unlock func() error) {
	if err := unlock(); err != nil {
		log.Warn().Err(err).Str("instance", name).Msg("Failed to release state lock")
	}
}

func checkImmutable(current, next *state.Record) error {
	if current.Name != next.Name {
		return engine.NewValidationError("name", "instance name cannot change").WithInstance(current.Name)
	}
	if current.Provision.Provider != next.Provision.Provider {
		return engine.NewValidationError("provision.provider", "provider cannot change").WithInstance(current.Name)
	}
	if current.Configuration.Configurator != next.Configuration.Configurator {
		return engine.NewValidationError("configuration.configurator", "configurator cannot change").WithInstance(current.Name)
	}
	return nil
}
