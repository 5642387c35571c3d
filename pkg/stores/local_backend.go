package stores

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog/log"
)

// LocalBackend stores state under <root>/instances/<name>/state.yml.
type LocalBackend struct {
	root string
}

// NewLocalBackend creates a backend rooted at the data directory.
func NewLocalBackend(root string) (*LocalBackend, error) {
	if root == "" {
		return nil, fmt.Errorf("data root is required")
	}
	if err := os.MkdirAll(filepath.Join(root, InstancesDir), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create instances directory: %w", err)
	}
	return &LocalBackend{root: root}, nil
}

// InstanceDir returns the directory of an instance.
func (b *LocalBackend) InstanceDir(name string) string {
	return filepath.Join(b.root, InstancesDir, name)
}

// StatePath returns the state file path of an instance.
func (b *LocalBackend) StatePath(name string) string {
	return filepath.Join(b.InstanceDir(name), StateFileName)
}

// Location implements Backend.
func (b *LocalBackend) Location(name string) string {
	return b.StatePath(name)
}

// Read implements Backend.
func (b *LocalBackend) Read(_ context.Context, name string) ([]byte, error) {
	data, err := os.ReadFile(b.StatePath(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state: %w", err)
	}
	return data, nil
}

// Write implements Backend. The document is written to a temporary file in
// the instance directory, synced, then renamed over the state file.
func (b *LocalBackend) Write(_ context.Context, name string, data []byte) error {
	dir := b.InstanceDir(name)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create instance directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*.yml")
	if err != nil {
		return fmt.Errorf("failed to create temporary state file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("failed to write temporary state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("failed to sync temporary state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("failed to close temporary state file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		cleanup()
		return fmt.Errorf("failed to set state file permissions: %w", err)
	}
	if err := os.Rename(tmpPath, b.StatePath(name)); err != nil {
		cleanup()
		return fmt.Errorf("failed to replace state file: %w", err)
	}

	log.Debug().Str("instance", name).Str("path", b.StatePath(name)).Msg("State written")
	return nil
}

// Delete implements Backend.
func (b *LocalBackend) Delete(_ context.Context, name string) error {
	if err := os.RemoveAll(b.InstanceDir(name)); err != nil {
		return fmt.Errorf("failed to remove instance directory: %w", err)
	}
	return nil
}

// List implements Backend. Directories without a state file (or legacy
// config file) are ignored.
func (b *LocalBackend) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(b.root, InstancesDir))
	if errors.Is(err, os.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}

	names := []string{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if fileExists(b.StatePath(entry.Name())) || fileExists(b.legacyPath(entry.Name())) {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Exists implements Backend.
func (b *LocalBackend) Exists(_ context.Context, name string) (bool, error) {
	_, err := os.Stat(b.StatePath(name))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return fileExists(b.legacyPath(name)), nil
	}
	return false, fmt.Errorf("failed to stat state file: %w", err)
}

// Lock implements Backend with an flock on <instance>/.lock.
func (b *LocalBackend) Lock(ctx context.Context, name string) (func() error, error) {
	dir := b.InstanceDir(name)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create instance directory: %w", err)
	}
	return lockFile(ctx, filepath.Join(dir, ".lock"))
}

// ReadLegacy implements LegacyReader.
func (b *LocalBackend) ReadLegacy(_ context.Context, name string) ([]byte, error) {
	data, err := os.ReadFile(b.legacyPath(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read legacy state: %w", err)
	}
	return data, nil
}

// RemoveLegacy implements LegacyReader.
func (b *LocalBackend) RemoveLegacy(_ context.Context, name string) error {
	if err := os.Remove(b.legacyPath(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove legacy state: %w", err)
	}
	return nil
}

func (b *LocalBackend) legacyPath(name string) string {
	return filepath.Join(b.InstanceDir(name), LegacyStateFileName)
}

func fileExists(p string) bool {
	st, err := os.Stat(p)
	return err == nil && !st.IsDir()
}
