package dummy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/cloudypad/cloudypad/pkg/engine"
)

// Server is the simulated cloud side of one instance.
type Server struct {
	Status     engine.ServerRunningStatus `yaml:"status"`
	LastUpdate time.Time                  `yaml:"lastUpdate"`

	ServerID           string `yaml:"serverId,omitempty"`
	RootDiskID         string `yaml:"rootDiskId,omitempty"`
	DataDiskID         string `yaml:"dataDiskId,omitempty"`
	DataDiskSnapshotID string `yaml:"dataDiskSnapshotId,omitempty"`
	BaseImageID        string `yaml:"baseImageId,omitempty"`

	// Pending is applied once PendingAt is reached.
	Pending   engine.ServerRunningStatus `yaml:"pending,omitempty"`
	PendingAt time.Time                  `yaml:"pendingAt,omitempty"`
}

// resolve applies a pending transition whose time has come.
func (s *Server) resolve(now time.Time) {
	if s.Pending != "" && !now.Before(s.PendingAt) {
		s.Status = s.Pending
		s.LastUpdate = s.PendingAt
		s.Pending = ""
		s.PendingAt = time.Time{}
	}
}

func (s *Server) setStatus(status engine.ServerRunningStatus, now time.Time) {
	s.Status = status
	s.LastUpdate = now
	s.Pending = ""
	s.PendingAt = time.Time{}
}

// Infrastructure keeps simulated servers. With a path, every change is
// written to a YAML file so separate processes share the same view.
type Infrastructure struct {
	mu      sync.Mutex
	path    string
	servers map[string]*Server
}

// NewInfrastructure creates an in-memory infrastructure.
func NewInfrastructure() *Infrastructure {
	return &Infrastructure{servers: make(map[string]*Server)}
}

// NewFileInfrastructure creates an infrastructure persisted at path.
func NewFileInfrastructure(path string) (*Infrastructure, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create dummy infrastructure directory: %w", err)
	}
	return &Infrastructure{path: path, servers: make(map[string]*Server)}, nil
}

// Get returns a copy of the server of an instance.
func (i *Infrastructure) Get(name string) (Server, bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if err := i.load(); err != nil {
		return Server{}, false, err
	}
	s, ok := i.servers[name]
	if !ok {
		return Server{}, false, nil
	}
	s.resolve(time.Now())
	return *s, true, nil
}

// Update applies fn to a copy of the server of an instance, creating it when
// absent. The copy replaces the server only when fn succeeds.
func (i *Infrastructure) Update(name string, fn func(s *Server) error) (Server, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if err := i.load(); err != nil {
		return Server{}, err
	}
	next := Server{Status: engine.ServerStatusUnknown}
	if s, ok := i.servers[name]; ok {
		next = *s
	}
	next.resolve(time.Now())

	if err := fn(&next); err != nil {
		return Server{}, err
	}
	prev, existed := i.servers[name]
	i.servers[name] = &next
	if err := i.save(); err != nil {
		if existed {
			i.servers[name] = prev
		} else {
			delete(i.servers, name)
		}
		return Server{}, err
	}
	return next, nil
}

// Delete removes the server of an instance.
func (i *Infrastructure) Delete(name string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if err := i.load(); err != nil {
		return err
	}
	delete(i.servers, name)
	return i.save()
}

// Transition sets the server to via now and to target after delay. The
// returned channel is closed once target is applied.
func (i *Infrastructure) Transition(name string, via, target engine.ServerRunningStatus, delay time.Duration) (<-chan struct{}, error) {
	done := make(chan struct{})
	now := time.Now()

	_, err := i.Update(name, func(s *Server) error {
		if delay <= 0 {
			s.setStatus(target, now)
			return nil
		}
		s.setStatus(via, now)
		s.Pending = target
		s.PendingAt = now.Add(delay)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if delay <= 0 {
		close(done)
		return done, nil
	}

	time.AfterFunc(delay, func() {
		defer close(done)
		_, err := i.Update(name, func(s *Server) error {
			if s.Pending == target {
				s.setStatus(target, s.PendingAt)
			}
			return nil
		})
		if err != nil {
			log.Warn().Err(err).Str("instance", name).Msg("Failed to apply dummy server transition")
		}
	})
	return done, nil
}

func (i *Infrastructure) load() error {
	if i.path == "" {
		return nil
	}
	data, err := os.ReadFile(i.path)
	if errors.Is(err, os.ErrNotExist) {
		i.servers = make(map[string]*Server)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read dummy infrastructure: %w", err)
	}
	servers := make(map[string]*Server)
	if err := yaml.Unmarshal(data, &servers); err != nil {
		return fmt.Errorf("failed to decode dummy infrastructure: %w", err)
	}
	i.servers = servers
	return nil
}

func (i *Infrastructure) save() error {
	if i.path == "" {
		return nil
	}
	data, err := yaml.Marshal(i.servers)
	if err != nil {
		return fmt.Errorf("failed to encode dummy infrastructure: %w", err)
	}
	tmp := i.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write dummy infrastructure: %w", err)
	}
	if err := os.Rename(tmp, i.path); err != nil {
		return fmt.Errorf("failed to replace dummy infrastructure: %w", err)
	}
	return nil
}

// wait blocks until done is closed or ctx is done.
func wait(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sleep pauses for d unless ctx is done first.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
