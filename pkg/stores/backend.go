package stores

import (
	"context"
	"errors"
	"path"
)

// ErrStateNotFound is returned by backends when no state exists for an instance.
var ErrStateNotFound = errors.New("state not found")

const (
	// InstancesDir is the directory (or key prefix) holding one entry per instance.
	InstancesDir = "instances"

	// StateFileName is the file holding the current record of an instance.
	StateFileName = "state.yml"

	// LegacyStateFileName is the file written by releases before the versioned record.
	LegacyStateFileName = "config.yml"
)

// Backend stores raw state documents keyed by instance name.
type Backend interface {
	// Read returns the state document, or ErrStateNotFound.
	Read(ctx context.Context, name string) ([]byte, error)

	// Write replaces the state document atomically.
	Write(ctx context.Context, name string, data []byte) error

	// Delete removes all storage of the instance. Deleting a missing instance is not an error.
	Delete(ctx context.Context, name string) error

	// List returns the names of instances that have a state document.
	List(ctx context.Context) ([]string, error)

	// Exists reports whether a state document exists.
	Exists(ctx context.Context, name string) (bool, error)

	// Lock takes an exclusive advisory lock on the instance for a read-modify-write.
	// Backends without locking return a no-op unlock.
	Lock(ctx context.Context, name string) (func() error, error)

	// Location describes where the state of name lives, for display.
	Location(name string) string
}

// LegacyReader is implemented by backends that can find pre-versioned state.
type LegacyReader interface {
	ReadLegacy(ctx context.Context, name string) ([]byte, error)
	RemoveLegacy(ctx context.Context, name string) error
}

// StateKey returns the slash-separated key of an instance state document.
func StateKey(name string) string {
	return path.Join(InstancesDir, name, StateFileName)
}

func noopUnlock() error { return nil }
