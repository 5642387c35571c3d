package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types.
const (
	EventTypeOperationStarted   = "operation.started"
	EventTypeOperationCompleted = "operation.completed"
	EventTypeOperationFailed    = "operation.failed"
	EventTypeStatusChanged      = "instance.status_changed"
	EventTypePolicyViolation    = "policy.violation"
	EventTypeWaiting            = "instance.waiting"
)

// Event levels, lowest first.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

var levelRank = map[string]int{EventLevelInfo: 0, EventLevelWarning: 1, EventLevelError: 2}

var (
	errPublisherClosed = errors.New("event publisher stopped")
	errBufferFull      = errors.New("event buffer full, event dropped")
)

// Event is an in-process notification about an instance operation.
type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Instance  string                 `json:"instance,omitempty"`
	Operation string                 `json:"operation,omitempty"`
	Message   string                 `json:"message"`
	Level     string                 `json:"level"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// EventSubscriber handles one event. Subscribers run on the publishing
// goroutine in sync mode and on the delivery goroutine in async mode.
type EventSubscriber func(event Event)

// EventFilter selects the events a subscriber sees.
type EventFilter func(event Event) bool

type subscription struct {
	handle EventSubscriber
	accept EventFilter
}

// EventPublisher fans events out to subscribers.
type EventPublisher struct {
	enabled bool

	mu     sync.RWMutex
	subs   []subscription
	queue  chan Event
	closed bool
	done   chan struct{}
}

// NewEventPublisher creates a publisher. In async mode events are queued and
// delivered by one background goroutine until Shutdown.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	ep := &EventPublisher{enabled: cfg.Enabled, done: make(chan struct{})}
	if !cfg.Enabled || !cfg.Async {
		close(ep.done)
		return ep, nil
	}
	if cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("async events need a positive buffer size, got %d", cfg.BufferSize)
	}

	ep.queue = make(chan Event, cfg.BufferSize)
	go func() {
		defer close(ep.done)
		for ev := range ep.queue {
			ep.deliver(ev)
		}
	}()
	return ep, nil
}

// Subscribe registers fn. A nil filter accepts every event.
func (ep *EventPublisher) Subscribe(fn EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	ep.subs = append(ep.subs, subscription{handle: fn, accept: filter})
	ep.mu.Unlock()
}

// Publish fills the id, timestamp and level of ev when unset and hands it to
// the subscribers. A full async queue drops the event.
func (ep *EventPublisher) Publish(ev Event) error {
	if ep == nil || !ep.enabled {
		return nil
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if ev.Level == "" {
		ev.Level = EventLevelInfo
	}

	if ep.queue == nil {
		ep.deliver(ev)
		return nil
	}

	ep.mu.RLock()
	defer ep.mu.RUnlock()
	if ep.closed {
		return errPublisherClosed
	}
	select {
	case ep.queue <- ev:
		return nil
	default:
		return errBufferFull
	}
}

func (ep *EventPublisher) deliver(ev Event) {
	ep.mu.RLock()
	subs := ep.subs
	ep.mu.RUnlock()

	for _, s := range subs {
		if s.accept == nil || s.accept(ev) {
			s.handle(ev)
		}
	}
}

// Shutdown stops accepting events and waits for queued ones to be delivered.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil {
		return nil
	}

	ep.mu.Lock()
	if ep.queue != nil && !ep.closed {
		close(ep.queue)
	}
	ep.closed = true
	ep.mu.Unlock()

	select {
	case <-ep.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown: %w", ctx.Err())
	}
}

func operationEvent(typ, instance, operation string) Event {
	return Event{Type: typ, Source: "manager", Instance: instance, Operation: operation}
}

// PublishOperationStarted announces the start of operation on instance.
func (ep *EventPublisher) PublishOperationStarted(instance, operation string) error {
	ev := operationEvent(EventTypeOperationStarted, instance, operation)
	ev.Message = operation + " " + instance + " started"
	return ep.Publish(ev)
}

// PublishOperationCompleted announces a successful operation.
func (ep *EventPublisher) PublishOperationCompleted(instance, operation string, duration time.Duration) error {
	ev := operationEvent(EventTypeOperationCompleted, instance, operation)
	ev.Message = operation + " " + instance + " completed"
	ev.Data = map[string]interface{}{"duration": duration.Seconds()}
	return ep.Publish(ev)
}

// PublishOperationFailed announces a failed operation.
func (ep *EventPublisher) PublishOperationFailed(instance, operation, reason string) error {
	ev := operationEvent(EventTypeOperationFailed, instance, operation)
	ev.Message = operation + " " + instance + " failed: " + reason
	ev.Level = EventLevelError
	ev.Data = map[string]interface{}{"reason": reason}
	return ep.Publish(ev)
}

// PublishStatusChanged announces a server status change seen while waiting.
func (ep *EventPublisher) PublishStatusChanged(instance, oldStatus, newStatus string) error {
	ev := operationEvent(EventTypeStatusChanged, instance, "")
	ev.Message = fmt.Sprintf("%s: %s -> %s", instance, oldStatus, newStatus)
	ev.Data = map[string]interface{}{"old_status": oldStatus, "new_status": newStatus}
	return ep.Publish(ev)
}

// PublishPolicyViolation reports a policy finding at the given level.
func (ep *EventPublisher) PublishPolicyViolation(instance, operation, policyName, reason, level string) error {
	ev := operationEvent(EventTypePolicyViolation, instance, operation)
	ev.Source = "policy"
	ev.Message = fmt.Sprintf("policy %s: %s", policyName, reason)
	ev.Level = level
	ev.Data = map[string]interface{}{"policy": policyName, "reason": reason}
	return ep.Publish(ev)
}

// FilterByLevel accepts events at minLevel or above.
func FilterByLevel(minLevel string) EventFilter {
	floor := levelRank[minLevel]
	return func(ev Event) bool { return levelRank[ev.Level] >= floor }
}

// FilterByType accepts events of the given types.
func FilterByType(types ...string) EventFilter {
	return func(ev Event) bool {
		for _, t := range types {
			if ev.Type == t {
				return true
			}
		}
		return false
	}
}

// FilterByInstance accepts events about one instance.
func FilterByInstance(instance string) EventFilter {
	return func(ev Event) bool { return ev.Instance == instance }
}
