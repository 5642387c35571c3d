package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// BackendFactory builds the backend for an instance.
type BackendFactory func(ctx context.Context, inst InstanceContext) (Backend, error)

// ConfiguratorFactory builds the configurator for an instance.
type ConfiguratorFactory func(ctx context.Context, inst InstanceContext) (Configurator, error)

// Registry maps provider and configurator tags to their factories.
type Registry struct {
	// mu protects the registry state.
	mu sync.RWMutex

	// backends maps provider tag to factory.
	backends map[string]BackendFactory

	// configurators maps configurator tag to factory.
	configurators map[string]ConfiguratorFactory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		backends:      make(map[string]BackendFactory),
		configurators: make(map[string]ConfiguratorFactory),
	}
}

// RegisterBackend registers a provider factory under tag.
func (r *Registry) RegisterBackend(tag string, factory BackendFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if tag == "" || factory == nil {
		return fmt.Errorf("provider tag and factory are required")
	}
	if _, exists := r.backends[tag]; exists {
		return fmt.Errorf("provider %s already registered", tag)
	}
	r.backends[tag] = factory
	return nil
}

// RegisterConfigurator registers a configurator factory under tag.
func (r *Registry) RegisterConfigurator(tag string, factory ConfiguratorFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if tag == "" || factory == nil {
		return fmt.Errorf("configurator tag and factory are required")
	}
	if _, exists := r.configurators[tag]; exists {
		return fmt.Errorf("configurator %s already registered", tag)
	}
	r.configurators[tag] = factory
	return nil
}

// Backend builds the backend registered for the instance's provider tag.
func (r *Registry) Backend(ctx context.Context, inst InstanceContext) (Backend, error) {
	r.mu.RLock()
	factory, ok := r.backends[inst.Provider]
	r.mu.RUnlock()

	if !ok {
		return nil, NewValidationError("provision.provider",
			fmt.Sprintf("unknown provider %q", inst.Provider)).WithInstance(inst.Name)
	}
	b, err := factory(ctx, inst)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s backend: %w", inst.Provider, err)
	}
	return b, nil
}

// Configurator builds the configurator registered for the instance's configurator tag.
func (r *Registry) Configurator(ctx context.Context, inst InstanceContext) (Configurator, error) {
	r.mu.RLock()
	factory, ok := r.configurators[inst.Configurator]
	r.mu.RUnlock()

	if !ok {
		return nil, NewValidationError("configuration.configurator",
			fmt.Sprintf("unknown configurator %q", inst.Configurator)).WithInstance(inst.Name)
	}
	c, err := factory(ctx, inst)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s configurator: %w", inst.Configurator, err)
	}
	return c, nil
}

// Providers returns the registered provider tags in sorted order.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tags := make([]string, 0, len(r.backends))
	for tag := range r.backends {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}
