package engine_test

import (
	"context"
	"errors"
	"fmt"

	"github.com/cloudypad/cloudypad/pkg/engine"
)

// Example_registry shows how providers are resolved from the tag stored in an
// instance record.
func Example_registry() {
	registry := engine.NewRegistry()
	_ = registry.RegisterBackend("dummy", func(_ context.Context, _ engine.InstanceContext) (engine.Backend, error) {
		return nil, nil
	})
	_ = registry.RegisterBackend("aws", func(_ context.Context, _ engine.InstanceContext) (engine.Backend, error) {
		return nil, nil
	})

	fmt.Println(registry.Providers())

	_, err := registry.Backend(context.Background(), engine.InstanceContext{Name: "gaming", Provider: "azure"})
	fmt.Println(engine.IsValidation(err))
	// Output:
	// [aws dummy]
	// true
}

// Example_errorHandling shows error classification.
func Example_errorHandling() {
	providerErr := engine.NewProviderError("failed to start server", errors.New("throttled")).
		WithInstance("gaming").
		WithOperation(string(engine.OperationStart))

	notFound := engine.NewNotFoundError("gaming")

	fmt.Println(engine.IsProvider(providerErr), engine.IsRetryable(notFound))
	fmt.Println(notFound.Code)
	// Output:
	// true false
	// NOT_FOUND
}

// Example_serverStatus shows how backend state names are normalized.
func Example_serverStatus() {
	vocabulary := engine.StatusVocabulary{
		"pending":       engine.ServerStatusStarting,
		"running":       engine.ServerStatusRunning,
		"shutting-down": engine.ServerStatusStopping,
		"stopped":       engine.ServerStatusStopped,
	}

	status := engine.MapServerStatus(vocabulary, "Running")
	fmt.Println(status, status.CanTransitionTo(engine.ServerStatusStopping))
	fmt.Println(engine.MapServerStatus(vocabulary, "rebooting"))
	fmt.Println(engine.OperationDestroy.IsDestructive())
	// Output:
	// running true
	// unknown
	// true
}
