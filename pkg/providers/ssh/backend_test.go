package ssh

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io/fs"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudypad/cloudypad/pkg/engine"
	"github.com/cloudypad/cloudypad/pkg/pairing"
	"github.com/cloudypad/cloudypad/pkg/state"
	sshtransport "github.com/cloudypad/cloudypad/pkg/transports/ssh"
)

// fakeHost records commands and answers them from a handler.
type fakeHost struct {
	mu       sync.Mutex
	commands []string
	dialed   []*sshtransport.Config
	down     bool
	handle   func(cmd string) (string, error)
}

func (h *fakeHost) dial(_ context.Context, cfg *sshtransport.Config) (sshtransport.Transport, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.dialed = append(h.dialed, cfg)
	if h.down {
		return nil, &sshtransport.TransportError{Op: "connect", Err: errors.New("connection refused"), IsTemporary: true}
	}
	return &fakeSession{host: h}, nil
}

type fakeSession struct {
	host *fakeHost
}

func (s *fakeSession) Run(_ context.Context, cmd string) (*sshtransport.ExecResult, error) {
	s.host.mu.Lock()
	s.host.commands = append(s.host.commands, cmd)
	handle := s.host.handle
	s.host.mu.Unlock()

	if handle == nil {
		return &sshtransport.ExecResult{}, nil
	}
	out, err := handle(cmd)
	return &sshtransport.ExecResult{Stdout: out}, err
}

func (s *fakeSession) WriteFile(context.Context, string, []byte, fs.FileMode) error { return nil }

func (s *fakeSession) ReadFile(context.Context, string) ([]byte, error) { return nil, nil }

func (s *fakeSession) Close() error { return nil }

func newTestBackend(t *testing.T, host *fakeHost) *Backend {
	t.Helper()
	parser, err := state.NewParser()
	if err != nil {
		t.Fatalf("failed to create parser: %v", err)
	}
	return NewBackend(parser,
		WithDialer(host.dial),
		WithPairingOptions(pairing.Options{Out: &bytes.Buffer{}, Interval: time.Millisecond, Attempts: 2}))
}

func testInstance(output map[string]interface{}) engine.InstanceContext {
	return engine.InstanceContext{
		Name:     "box",
		Provider: ProviderName,
		ProvisionInput: map[string]interface{}{
			"hostname": "192.168.1.20",
			"ssh":      map[string]interface{}{"user": "gamer", "privateKeyPath": "/keys/id", "port": 2222},
		},
		ProvisionOutput: output,
		Configurator:    "ansible",
		ConfigurationInput: map[string]interface{}{
			"sunshine": map[string]interface{}{
				"enable":         true,
				"username":       "sunshine",
				"passwordBase64": base64.StdEncoding.EncodeToString([]byte("pw")),
			},
		},
	}
}

func TestProvision(t *testing.T) {
	b := newTestBackend(t, &fakeHost{})

	out, err := b.Provision(context.Background(), testInstance(nil), nil)
	if err != nil {
		t.Fatalf("failed to provision: %v", err)
	}
	if out[state.OutputHost] != "192.168.1.20" {
		t.Errorf("expected host 192.168.1.20, got %v", out[state.OutputHost])
	}
	if _, ok := out["provisionedAt"]; !ok {
		t.Error("expected provisionedAt in output")
	}
	if _, ok := out[state.OutputInstanceID]; ok {
		t.Error("expected no instanceId for an ssh instance")
	}

	if err := b.Destroy(context.Background(), testInstance(out)); err != nil {
		t.Errorf("expected destroy to be a no-op, got %v", err)
	}
}

func TestFactoryRejectsInvalidInput(t *testing.T) {
	parser, err := state.NewParser()
	if err != nil {
		t.Fatalf("failed to create parser: %v", err)
	}
	inst := testInstance(nil)
	delete(inst.ProvisionInput, "hostname")

	_, err = NewFactory(parser)(context.Background(), inst)
	if !engine.IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestRunControl(t *testing.T) {
	host := &fakeHost{}
	b := newTestBackend(t, host)
	ctx := context.Background()
	inst := testInstance(map[string]interface{}{state.OutputHost: "192.168.1.20"})

	if err := b.Start(ctx, inst, engine.StartStopOptions{}); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	if err := b.Stop(ctx, inst, engine.StartStopOptions{}); err != nil {
		t.Fatalf("failed to stop: %v", err)
	}
	if err := b.Restart(ctx, inst, engine.StartStopOptions{}); err != nil {
		t.Fatalf("failed to restart: %v", err)
	}

	expected := []string{"docker start cloudy", "docker stop cloudy", "docker restart cloudy"}
	for i, cmd := range expected {
		if host.commands[i] != cmd {
			t.Errorf("expected command %q, got %q", cmd, host.commands[i])
		}
	}
	if host.dialed[0].Address() != "192.168.1.20:2222" {
		t.Errorf("expected address 192.168.1.20:2222, got %s", host.dialed[0].Address())
	}

	t.Run("no host", func(t *testing.T) {
		err := b.Start(ctx, testInstance(nil), engine.StartStopOptions{})
		if !engine.IsPrecondition(err) {
			t.Errorf("expected precondition error, got %v", err)
		}
	})

	t.Run("command failure", func(t *testing.T) {
		host.handle = func(string) (string, error) {
			return "", &sshtransport.TransportError{Op: "execute", Err: errors.New("no such container")}
		}
		defer func() { host.handle = nil }()

		err := b.Start(ctx, inst, engine.StartStopOptions{})
		if !engine.IsProvider(err) {
			t.Errorf("expected provider error, got %v", err)
		}
	})
}

func TestServerStatus(t *testing.T) {
	ctx := context.Background()
	inst := testInstance(map[string]interface{}{state.OutputHost: "192.168.1.20"})

	tests := []struct {
		name     string
		host     *fakeHost
		expected engine.ServerRunningStatus
		ready    bool
	}{
		{
			name:     "unreachable",
			host:     &fakeHost{down: true},
			expected: engine.ServerStatusStopped,
		},
		{
			name: "container running",
			host: &fakeHost{handle: func(string) (string, error) {
				return "running\n", nil
			}},
			expected: engine.ServerStatusRunning,
			ready:    true,
		},
		{
			name: "container exited",
			host: &fakeHost{handle: func(string) (string, error) {
				return "exited", nil
			}},
			expected: engine.ServerStatusStopped,
		},
		{
			name: "no container yet",
			host: &fakeHost{handle: func(string) (string, error) {
				return "", &sshtransport.TransportError{Op: "execute", Err: errors.New("no such object")}
			}},
			expected: engine.ServerStatusRunning,
			ready:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newTestBackend(t, tt.host)

			status, err := b.ServerStatus(ctx, inst)
			if err != nil {
				t.Fatalf("failed to get status: %v", err)
			}
			if status != tt.expected {
				t.Errorf("expected %s, got %s", tt.expected, status)
			}

			ready, err := b.Ready(ctx, inst)
			if err != nil {
				t.Fatalf("failed to check readiness: %v", err)
			}
			if ready != tt.ready {
				t.Errorf("expected ready=%v, got %v", tt.ready, ready)
			}
		})
	}
}

func TestPair(t *testing.T) {
	host := &fakeHost{handle: func(cmd string) (string, error) {
		if strings.HasPrefix(cmd, "curl") {
			return `{"status":"true"}`, nil
		}
		return "", nil
	}}
	b := newTestBackend(t, host)

	inst := testInstance(map[string]interface{}{state.OutputHost: "192.168.1.20"})
	if err := b.Pair(context.Background(), inst); err != nil {
		t.Fatalf("failed to pair: %v", err)
	}
	if len(host.commands) != 1 || !strings.Contains(host.commands[0], "https://localhost:47990/api/pin") {
		t.Errorf("expected one pin request, got %v", host.commands)
	}
}
