package instance

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/cloudypad/cloudypad/pkg/engine"
	"github.com/cloudypad/cloudypad/pkg/state"
	"github.com/cloudypad/cloudypad/pkg/stores"
	"github.com/cloudypad/cloudypad/pkg/telemetry"
)

type operationIDKey struct{}

// opFunc is the body of an operation. rec is the record as loaded when the
// operation began.
type opFunc func(ctx context.Context, rec *state.Record, backend engine.Backend) error

// run loads the record, checks the guard, builds the backend and runs fn
// inside the operation's journal entry and telemetry span.
func (m *Manager) run(ctx context.Context, name string, op engine.Operation, fn opFunc) (err error) {
	rec, err := m.store.Load(ctx, name)
	if err != nil {
		return err
	}

	if m.guard != nil {
		if err := m.guard.Check(ctx, op, rec); err != nil {
			return annotate(err, name, op)
		}
	}

	backend, err := m.registry.Backend(ctx, rec.InstanceContext())
	if err != nil {
		return annotate(err, name, op)
	}

	ctx = telemetry.WithOperationContext(ctx, name, rec.Provision.Provider, string(op))
	ctx = m.startJournal(ctx, name, op)
	defer func() {
		m.completeJournal(ctx, name, err)
		telemetry.EndOperationContext(ctx, name, string(op), err, errorClass(err))
	}()

	logger(ctx).Debug().Str("instance", name).Str("operation", string(op)).Msg("Running operation")

	return annotate(fn(ctx, rec, backend), name, op)
}

func (m *Manager) startJournal(ctx context.Context, name string, op engine.Operation) context.Context {
	if m.journal == nil {
		return ctx
	}
	entry, err := m.journal.StartOperation(ctx, name, string(op))
	if err != nil {
		log.Warn().Err(err).Str("instance", name).Msg("Failed to journal operation")
		return ctx
	}
	return context.WithValue(ctx, operationIDKey{}, entry.ID)
}

func (m *Manager) completeJournal(ctx context.Context, name string, opErr error) {
	id, ok := ctx.Value(operationIDKey{}).(string)
	if m.journal == nil || !ok {
		return
	}

	status := stores.OperationStatusSucceeded
	var msg *string
	switch {
	case engine.IsUserAbort(opErr):
		status = stores.OperationStatusAborted
	case opErr != nil:
		status = stores.OperationStatusFailed
		s := opErr.Error()
		msg = &s
	}

	// the operation context may already be cancelled
	if err := m.journal.CompleteOperation(context.WithoutCancel(ctx), id, status, msg); err != nil {
		log.Warn().Err(err).Str("instance", name).Msg("Failed to complete journal operation")
	}
}

// addEvent records a lifecycle event in the record and in the journal.
func (m *Manager) addEvent(ctx context.Context, name string, eventType state.EventType) error {
	at := m.store.Now()
	if _, err := m.store.AddEvent(ctx, name, eventType, at); err != nil {
		return err
	}

	if m.journal != nil {
		ev := &stores.JournalEvent{
			Instance:  name,
			Type:      string(eventType),
			Timestamp: at,
		}
		if id, ok := ctx.Value(operationIDKey{}).(string); ok {
			ev.OperationID = &id
		}
		if err := m.journal.AppendEvent(ctx, ev); err != nil {
			log.Warn().Err(err).Str("instance", name).Msg("Failed to journal event")
		}
	}
	return nil
}

// call runs one provider call with its telemetry. Errors that carry no
// classification become provider errors.
func (m *Manager) call(ctx context.Context, inst engine.InstanceContext, name string, fn func(ctx context.Context) error) error {
	err := telemetry.RecordProviderOperation(ctx, inst.Provider, name, fn)
	if err == nil {
		return nil
	}

	var ee *engine.EngineError
	if errors.As(err, &ee) || ctx.Err() != nil {
		return err
	}
	return engine.NewProviderError(fmt.Sprintf("%s %s failed", inst.Provider, name), err).WithInstance(inst.Name)
}

// callRetry is call under the retry options given to the manager.
func (m *Manager) callRetry(ctx context.Context, inst engine.InstanceContext, name string, fn func(ctx context.Context) error) error {
	if m.retry.Retries <= 0 {
		return m.call(ctx, inst, name, fn)
	}
	r := engine.NewRetrier(inst.Provider+" "+name, m.retry)
	return r.Run(ctx, func(ctx context.Context) error {
		return m.call(ctx, inst, name, fn)
	})
}

// annotate attaches instance and operation context to classified errors and
// wraps unclassified ones as provider errors. Context errors pass through.
func annotate(err error, name string, op engine.Operation) error {
	if err == nil {
		return nil
	}

	var ee *engine.EngineError
	if errors.As(err, &ee) {
		if ee.Instance == "" {
			ee.WithInstance(name)
		}
		if ee.Operation == "" && op != "" {
			ee.WithOperation(string(op))
		}
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return engine.NewProviderError(fmt.Sprintf("%s failed", op), err).
		WithInstance(name).
		WithOperation(string(op))
}

// logger returns the operation logger when telemetry is set up, the global
// logger otherwise.
func logger(ctx context.Context) *zerolog.Logger {
	if telemetry.FromTelemetryContext(ctx) == nil {
		return &log.Logger
	}
	l := telemetry.FromContext(ctx).Zerolog()
	return &l
}

func errorClass(err error) string {
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		return string(ee.Class)
	}
	return ""
}
