package stores

import (
	"context"
	"sort"
	"sync"
)

// MemoryBackend keeps state documents in memory. Used by tests and dry runs.
type MemoryBackend struct {
	mu    sync.RWMutex
	docs  map[string][]byte
	locks map[string]*sync.Mutex
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		docs:  make(map[string][]byte),
		locks: make(map[string]*sync.Mutex),
	}
}

// Location implements Backend.
func (b *MemoryBackend) Location(name string) string {
	return "memory://" + StateKey(name)
}

// Read implements Backend.
func (b *MemoryBackend) Read(_ context.Context, name string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	data, ok := b.docs[name]
	if !ok {
		return nil, ErrStateNotFound
	}
	return append([]byte(nil), data...), nil
}

// Write implements Backend.
func (b *MemoryBackend) Write(_ context.Context, name string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.docs[name] = append([]byte(nil), data...)
	return nil
}

// Delete implements Backend.
func (b *MemoryBackend) Delete(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.docs, name)
	return nil
}

// List implements Backend.
func (b *MemoryBackend) List(_ context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	names := make([]string, 0, len(b.docs))
	for name := range b.docs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Exists implements Backend.
func (b *MemoryBackend) Exists(_ context.Context, name string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	_, ok := b.docs[name]
	return ok, nil
}

// Lock implements Backend with a per-instance mutex.
func (b *MemoryBackend) Lock(_ context.Context, name string) (func() error, error) {
	b.mu.Lock()
	l, ok := b.locks[name]
	if !ok {
		l = &sync.Mutex{}
		b.locks[name] = l
	}
	b.mu.Unlock()

	l.Lock()
	return func() error {
		l.Unlock()
		return nil
	}, nil
}
