package ansible

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cloudypad/cloudypad/pkg/engine"
	sshtransport "github.com/cloudypad/cloudypad/pkg/transports/ssh"
)

type fakeHost struct {
	mu       sync.Mutex
	failures int
	authFail bool
	dials    int
	files    map[string][]byte
}

func (h *fakeHost) dial(_ context.Context, cfg *sshtransport.Config) (sshtransport.Transport, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.dials++
	if h.authFail {
		return nil, &sshtransport.TransportError{Op: "connect", Err: errors.New("unable to authenticate"), IsAuthError: true}
	}
	if h.failures > 0 {
		h.failures--
		return nil, &sshtransport.TransportError{Op: "connect", Err: errors.New("connection refused"), IsTemporary: true}
	}
	return &fakeSession{host: h}, nil
}

type fakeSession struct {
	host *fakeHost
}

func (s *fakeSession) Run(context.Context, string) (*sshtransport.ExecResult, error) {
	return &sshtransport.ExecResult{}, nil
}

func (s *fakeSession) WriteFile(_ context.Context, path string, data []byte, _ fs.FileMode) error {
	s.host.mu.Lock()
	defer s.host.mu.Unlock()
	if s.host.files == nil {
		s.host.files = map[string][]byte{}
	}
	s.host.files[path] = data
	return nil
}

func (s *fakeSession) ReadFile(context.Context, string) ([]byte, error) { return nil, nil }

func (s *fakeSession) Close() error { return nil }

// playbookRun captures one ansible-playbook invocation.
type playbookRun struct {
	name      string
	args      []string
	inventory map[string]interface{}
	key       []byte
	err       error
}

func (r *playbookRun) command(_ context.Context, name string, args []string, stdout, _ io.Writer) error {
	r.name = name
	r.args = args

	data, err := os.ReadFile(args[1])
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, &r.inventory); err != nil {
		return err
	}
	if keyFile, ok := r.hostVars()["ansible_ssh_private_key_file"].(string); ok {
		r.key, _ = os.ReadFile(keyFile)
	}
	_, _ = io.WriteString(stdout, "PLAY RECAP\n")
	return r.err
}

func (r *playbookRun) hostVars() map[string]interface{} {
	all, _ := r.inventory["all"].(map[string]interface{})
	hosts, _ := all["hosts"].(map[string]interface{})
	vars, _ := hosts["pad"].(map[string]interface{})
	return vars
}

func testInstance(output map[string]interface{}) engine.InstanceContext {
	return engine.InstanceContext{
		Name:     "pad",
		Provider: "ssh",
		ProvisionInput: map[string]interface{}{
			"ssh": map[string]interface{}{
				"user":                    "gamer",
				"port":                    2222,
				"privateKeyContentBase64": base64.StdEncoding.EncodeToString([]byte("PRIVATE KEY")),
			},
		},
		ProvisionOutput: output,
		Configurator:    ConfiguratorName,
		ConfigurationInput: map[string]interface{}{
			"sunshine": map[string]interface{}{"enable": true, "username": "sunshine"},
		},
	}
}

func newTestConfigurator(host *fakeHost, run *playbookRun, out io.Writer) *Configurator {
	c := New(Options{
		PlaybookPath:  "/opt/cloudypad/playbook.yml",
		ExtraArgs:     []string{"--skip-tags=reboot"},
		Out:           out,
		ReadyAttempts: 3,
		ReadyInterval: time.Millisecond,
	}, WithDialer(host.dial), WithCommand(run.command))
	c.now = func() time.Time { return time.UnixMilli(1700000000000) }
	return c
}

func TestConfigure(t *testing.T) {
	host := &fakeHost{failures: 2}
	run := &playbookRun{}
	out := &bytes.Buffer{}
	c := newTestConfigurator(host, run, out)

	result, err := c.Configure(context.Background(), testInstance(map[string]interface{}{"host": "10.0.0.5"}))
	if err != nil {
		t.Fatalf("failed to configure: %v", err)
	}

	if host.dials != 3 {
		t.Errorf("expected 3 dials, got %d", host.dials)
	}
	var facts Facts
	if err := yaml.Unmarshal(host.files[FactsPath], &facts); err != nil {
		t.Fatalf("failed to parse facts: %v", err)
	}
	want := Facts{Name: "pad", Provider: "ssh", StreamingServer: "sunshine", ConfiguredAt: 1700000000000}
	if facts != want {
		t.Errorf("expected facts %+v, got %+v", want, facts)
	}

	if run.name != "ansible-playbook" {
		t.Errorf("expected ansible-playbook, got %s", run.name)
	}
	if len(run.args) != 4 || run.args[0] != "-i" || run.args[2] != "/opt/cloudypad/playbook.yml" || run.args[3] != "--skip-tags=reboot" {
		t.Errorf("unexpected args %v", run.args)
	}

	vars := run.hostVars()
	if vars["ansible_host"] != "10.0.0.5" || vars["ansible_user"] != "gamer" || vars["ansible_port"] != 2222 {
		t.Errorf("unexpected host vars %v", vars)
	}
	if vars["streaming_server"] != "sunshine" || vars["wolf_instance_name"] != "pad" {
		t.Errorf("unexpected streaming vars %v", vars)
	}
	sunshine, _ := vars["sunshine_options"].(map[string]interface{})
	if sunshine["username"] != "sunshine" {
		t.Errorf("expected sunshine options, got %v", vars["sunshine_options"])
	}
	if string(run.key) != "PRIVATE KEY" {
		t.Errorf("expected decoded private key, got %q", run.key)
	}
	if _, err := os.Stat(run.args[1]); !os.IsNotExist(err) {
		t.Errorf("expected inventory removed after the run")
	}

	if result["streamingServer"] != "sunshine" || result["configuredAt"] != int64(1700000000000) {
		t.Errorf("unexpected output %v", result)
	}
	if !strings.Contains(out.String(), "PLAY RECAP") {
		t.Errorf("expected ansible output forwarded, got %q", out.String())
	}
}

func TestConfigureErrors(t *testing.T) {
	tests := []struct {
		name    string
		host    *fakeHost
		run     *playbookRun
		mutate  func(inst *engine.InstanceContext)
		noBook  bool
		check   func(error) bool
		message string
	}{
		{
			name:   "no playbook",
			noBook: true,
			check:  engine.IsPrecondition,
		},
		{
			name:   "no host",
			mutate: func(inst *engine.InstanceContext) { inst.ProvisionOutput = nil },
			check:  engine.IsPrecondition,
		},
		{
			name: "two streaming servers",
			mutate: func(inst *engine.InstanceContext) {
				inst.ConfigurationInput["wolf"] = map[string]interface{}{"enable": true}
			},
			check: engine.IsValidation,
		},
		{
			name:  "ssh auth failure",
			host:  &fakeHost{authFail: true},
			check: engine.IsPrecondition,
		},
		{
			name:  "host unreachable",
			host:  &fakeHost{failures: 10},
			check: engine.IsProvider,
		},
		{
			name:  "ansible missing",
			run:   &playbookRun{err: &exec.Error{Name: "ansible-playbook", Err: exec.ErrNotFound}},
			check: engine.IsPrecondition,
		},
		{
			name:    "playbook failure",
			run:     &playbookRun{err: errors.New("killed")},
			check:   engine.IsProvider,
			message: "ansible run failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host := tt.host
			if host == nil {
				host = &fakeHost{}
			}
			run := tt.run
			if run == nil {
				run = &playbookRun{}
			}
			c := newTestConfigurator(host, run, io.Discard)
			if tt.noBook {
				c.opts.PlaybookPath = ""
			}

			inst := testInstance(map[string]interface{}{"host": "10.0.0.5"})
			if tt.mutate != nil {
				tt.mutate(&inst)
			}

			_, err := c.Configure(context.Background(), inst)
			if !tt.check(err) {
				t.Fatalf("unexpected error class: %v", err)
			}
			if tt.message != "" && !strings.Contains(err.Error(), tt.message) {
				t.Errorf("expected %q in %q", tt.message, err.Error())
			}
		})
	}

	t.Run("auth failure is not retried", func(t *testing.T) {
		host := &fakeHost{authFail: true}
		c := newTestConfigurator(host, &playbookRun{}, io.Discard)
		_, _ = c.Configure(context.Background(), testInstance(map[string]interface{}{"host": "10.0.0.5"}))
		if host.dials != 1 {
			t.Errorf("expected 1 dial, got %d", host.dials)
		}
	})
}

func TestExitCode(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	c := newTestConfigurator(&fakeHost{}, &playbookRun{}, io.Discard)
	c.run = func(ctx context.Context, _ string, _ []string, stdout, stderr io.Writer) error {
		return execCommand(ctx, "sh", []string{"-c", "exit 3"}, stdout, stderr)
	}

	_, err := c.Configure(context.Background(), testInstance(map[string]interface{}{"host": "10.0.0.5"}))
	if !engine.IsProvider(err) {
		t.Fatalf("expected provider error, got %v", err)
	}
	if !strings.Contains(err.Error(), "exit code 3") {
		t.Errorf("expected exit code in %q", err.Error())
	}
}
