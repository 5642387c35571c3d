package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles logging, tracing, metrics and events.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

// telemetryContextKey is the context key for telemetry instances.
type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// WithContext adds the telemetry instance and its logger to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromTelemetryContext retrieves the telemetry instance from the context, nil if absent.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown stops events and tracing, then writes the metrics textfile if configured.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if err := t.Events.Shutdown(ctx); err != nil {
		return err
	}
	if err := t.Tracer.Shutdown(ctx); err != nil {
		return err
	}
	return t.Metrics.WriteTextfile(t.Config.Metrics.Textfile)
}

type operationKey struct{}

type operationState struct {
	span     trace.Span
	timer    *Timer
	provider string
}

// WithOperationContext starts the telemetry of an instance operation: a span,
// an instance/operation logger, the started metric and event.
func WithOperationContext(ctx context.Context, instance, provider, operation string) context.Context {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return ctx
	}

	spanCtx, span := tel.Tracer.StartOperationSpan(ctx, instance, operation)

	logger := tel.Logger.ForOperation(instance, operation)
	if traceID := TraceID(spanCtx); traceID != "" {
		logger = logger.With("trace_id", traceID)
	}
	spanCtx = logger.WithContext(spanCtx)

	tel.Metrics.RecordOperationStarted(operation, provider)
	_ = tel.Events.PublishOperationStarted(instance, operation)

	return context.WithValue(spanCtx, operationKey{}, &operationState{
		span:     span,
		timer:    NewTimer(),
		provider: provider,
	})
}

// EndOperationContext completes the operation started by WithOperationContext.
func EndOperationContext(ctx context.Context, instance, operation string, err error, errClass string) {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}

	st, ok := ctx.Value(operationKey{}).(*operationState)
	if !ok {
		return
	}

	if err != nil {
		RecordError(st.span, err)
		if errClass != "" {
			st.span.SetAttributes(AttrErrorClass.String(errClass))
		}
	} else {
		RecordSuccess(st.span)
	}
	st.span.End()

	duration := st.timer.Duration()
	status := "succeeded"
	if err != nil {
		status = "failed"
		if errClass != "" {
			tel.Metrics.RecordError(errClass)
		}
		_ = tel.Events.PublishOperationFailed(instance, operation, err.Error())
	} else {
		_ = tel.Events.PublishOperationCompleted(instance, operation, duration)
	}
	tel.Metrics.RecordOperationCompleted(operation, st.provider, status, duration)
}

// RecordProviderOperation runs fn inside a provider span and records call metrics.
func RecordProviderOperation(ctx context.Context, provider, call string, fn func(ctx context.Context) error) error {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return fn(ctx)
	}

	ctx, span := tel.Tracer.StartProviderSpan(ctx, provider, call)
	defer span.End()

	timer := NewTimer()
	err := fn(ctx)

	tel.Metrics.RecordProviderCall(provider, call, timer.Duration())
	if err != nil {
		tel.Metrics.RecordProviderError(provider, call)
		RecordError(span, err)
	} else {
		RecordSuccess(span)
	}
	return err
}

// RecordWait records the outcome of a wait loop.
func RecordWait(ctx context.Context, target, outcome string, duration time.Duration) {
	if tel := FromTelemetryContext(ctx); tel != nil {
		tel.Metrics.RecordWait(target, outcome, duration)
	}
}

// PublishStatusChanged publishes a status change if telemetry is in the context.
func PublishStatusChanged(ctx context.Context, instance, oldStatus, newStatus string) {
	if tel := FromTelemetryContext(ctx); tel != nil {
		_ = tel.Events.PublishStatusChanged(instance, oldStatus, newStatus)
	}
}
