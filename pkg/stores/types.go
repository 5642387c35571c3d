package stores

import (
	"context"
	"time"
)

// OperationStatus represents the status of a journaled operation
type OperationStatus string

const (
	OperationStatusRunning   OperationStatus = "running"
	OperationStatusSucceeded OperationStatus = "succeeded"
	OperationStatusFailed    OperationStatus = "failed"
	OperationStatusAborted   OperationStatus = "aborted"
)

// IsTerminal returns true once the operation has finished.
func (s OperationStatus) IsTerminal() bool {
	return s == OperationStatusSucceeded || s == OperationStatusFailed || s == OperationStatusAborted
}

// Operation is one orchestrator call on an instance
type Operation struct {
	ID          string          `json:"id"`
	Instance    string          `json:"instance"`
	Operation   string          `json:"operation"` // provision, configure, start, ...
	Status      OperationStatus `json:"status"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Error       *string         `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Duration returns the elapsed time of a completed operation.
func (o *Operation) Duration() time.Duration {
	if o.CompletedAt == nil {
		return 0
	}
	return o.CompletedAt.Sub(o.StartedAt)
}

// JournalEvent is the unbounded copy of a record lifecycle event
type JournalEvent struct {
	ID          int64     `json:"id"`
	Instance    string    `json:"instance"`
	OperationID *string   `json:"operation_id,omitempty"`
	Type        string    `json:"type"`
	Timestamp   time.Time `json:"timestamp"`
}

// UsageEvent is an anonymous usage record kept when analytics are enabled.
// It never carries instance names or provider input.
type UsageEvent struct {
	ID         int64     `json:"id"`
	InstallID  string    `json:"install_id"`
	Name       string    `json:"name"`
	Properties string    `json:"properties"` // JSON blob
	Timestamp  time.Time `json:"timestamp"`
}

// JournalStore defines the interface for the operation journal
type JournalStore interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Operation records
	StartOperation(ctx context.Context, instance, operation string) (*Operation, error)
	CompleteOperation(ctx context.Context, id string, status OperationStatus, errMsg *string) error
	GetOperation(ctx context.Context, id string) (*Operation, error)
	ListOperations(ctx context.Context, instance *string, limit, offset int) ([]*Operation, error)

	// Event records
	AppendEvent(ctx context.Context, event *JournalEvent) error
	ListEvents(ctx context.Context, instance *string, limit, offset int) ([]*JournalEvent, error)

	// Usage records
	RecordUsage(ctx context.Context, event *UsageEvent) error
	CountUsage(ctx context.Context) (int64, error)

	// Utility
	PurgeInstance(ctx context.Context, instance string) error
	HealthCheck(ctx context.Context) error
}
