package commands

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/cloudypad/cloudypad/pkg/config"
	"github.com/cloudypad/cloudypad/pkg/configurators/ansible"
	"github.com/cloudypad/cloudypad/pkg/engine"
	"github.com/cloudypad/cloudypad/pkg/instance"
	"github.com/cloudypad/cloudypad/pkg/pairing"
	"github.com/cloudypad/cloudypad/pkg/policy"
	"github.com/cloudypad/cloudypad/pkg/providers/aws"
	"github.com/cloudypad/cloudypad/pkg/providers/dummy"
	"github.com/cloudypad/cloudypad/pkg/providers/ssh"
	"github.com/cloudypad/cloudypad/pkg/state"
	"github.com/cloudypad/cloudypad/pkg/stores"
	"github.com/cloudypad/cloudypad/pkg/telemetry"
)

// JournalFileName is the operation journal database under the data root.
const JournalFileName = "journal.db"

// app holds everything a command needs. It is built once per invocation.
type app struct {
	cfg      *config.Config
	tel      *telemetry.Telemetry
	parser   *state.Parser
	backend  stores.Backend
	store    *stores.StateStore
	journal  *stores.Journal
	policies *policy.Engine
	manager  *instance.Manager
	out      io.Writer
}

// appOptions are the inputs of newApp taken from global flags.
type appOptions struct {
	home    string
	verbose bool

	// retries and retryDelay apply to provision and configure calls
	retries    int
	retryDelay int
	version string
	out     io.Writer
	errOut  io.Writer
}

func newApp(ctx context.Context, opts appOptions) (*app, error) {
	dataRoot := opts.home
	if dataRoot == "" {
		root, err := config.DefaultDataRoot()
		if err != nil {
			return nil, err
		}
		dataRoot = root
	}

	cfg, err := config.Init(dataRoot)
	if err != nil {
		return nil, err
	}
	if opts.verbose {
		cfg.Telemetry.LogLevel = "debug"
	}
	zerolog.SetGlobalLevel(telemetry.ParseLevel(cfg.Telemetry.LogLevel))

	tel, err := telemetry.NewTelemetry(cfg.TelemetryConfig(opts.version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	a := &app{cfg: cfg, tel: tel, out: opts.out}
	if err := a.init(ctx, opts); err != nil {
		_ = a.close(ctx)
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context, opts appOptions) error {
	parser, err := state.NewParser()
	if err != nil {
		return err
	}
	a.parser = parser

	a.backend, err = a.stateBackend(ctx)
	if err != nil {
		return err
	}
	a.store = stores.NewStateStore(a.backend, parser, stores.WithToolVersion(opts.version))

	journal, err := stores.NewJournal(stores.JournalConfig{Path: filepath.Join(a.cfg.DataRoot, JournalFileName)})
	if err != nil {
		return err
	}
	if err := journal.Init(ctx); err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	a.journal = journal
	if err := journal.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate journal: %w", err)
	}

	registry, err := a.registry()
	if err != nil {
		return err
	}

	a.policies, err = policy.NewEngine(a.tel.Logger.Zerolog(), policy.WithEvents(a.tel.Events))
	if err != nil {
		return err
	}
	if err := a.policies.LoadPolicies(ctx, a.cfg.Policy.Dirs); err != nil {
		return err
	}

	a.manager = instance.NewManager(a.store, registry,
		instance.WithJournal(journal),
		instance.WithGuard(a.policies),
		instance.WithRetryOptions(engine.RetryOptions{
			Retries: opts.retries,
			Delay:   time.Duration(opts.retryDelay) * time.Second,
		}),
	)

	if a.cfg.Analytics.Enabled {
		instance.NewUsageRecorder(journal, a.cfg.Analytics.InstallID).Attach(a.tel.Events)
	}
	a.tel.Events.Subscribe(progressPrinter(opts.errOut), telemetry.FilterByType(
		telemetry.EventTypeOperationStarted,
		telemetry.EventTypeOperationCompleted,
		telemetry.EventTypeOperationFailed,
	))

	log.Debug().
		Str("data_root", a.cfg.DataRoot).
		Str("backend", a.cfg.Backend.Kind).
		Msg("Application initialized")
	return nil
}

func (a *app) stateBackend(ctx context.Context) (stores.Backend, error) {
	switch a.cfg.Backend.Kind {
	case "s3":
		return stores.NewS3Backend(ctx, stores.S3Config{
			Bucket: a.cfg.Backend.S3Bucket,
			Region: a.cfg.Backend.S3Region,
		})
	default:
		return stores.NewLocalBackend(a.cfg.DataRoot)
	}
}

func (a *app) registry() (*engine.Registry, error) {
	infra, err := dummy.NewFileInfrastructure(filepath.Join(a.cfg.DataRoot, "dummy", "infra.yml"))
	if err != nil {
		return nil, err
	}
	pairOpts := pairing.Options{Out: a.out}

	registry := engine.NewRegistry()
	if err := registry.RegisterBackend(dummy.ProviderName, dummy.NewFactory(infra, a.parser)); err != nil {
		return nil, err
	}
	if err := registry.RegisterBackend(ssh.ProviderName, ssh.NewFactory(a.parser, ssh.WithPairingOptions(pairOpts))); err != nil {
		return nil, err
	}
	if err := registry.RegisterBackend(aws.ProviderName, aws.NewFactory(a.parser, aws.WithPairingOptions(pairOpts))); err != nil {
		return nil, err
	}

	ansibleOpts := ansible.Options{
		PlaybookPath: a.cfg.Ansible.PlaybookPath,
		ExtraArgs:    a.cfg.Ansible.ExtraArgs,
		Out:          a.out,
	}
	err = registry.RegisterConfigurator(ansible.ConfiguratorName, func(_ context.Context, _ engine.InstanceContext) (engine.Configurator, error) {
		return ansible.New(ansibleOpts), nil
	})
	if err != nil {
		return nil, err
	}
	return registry, nil
}

// close releases the journal and flushes telemetry.
func (a *app) close(ctx context.Context) error {
	var firstErr error
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			firstErr = err
		}
	}
	if a.tel != nil {
		if err := a.tel.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// context attaches telemetry to ctx so operations are traced and measured.
func (a *app) context(ctx context.Context) context.Context {
	return a.tel.WithContext(ctx)
}

func progressPrinter(w io.Writer) telemetry.EventSubscriber {
	return func(ev telemetry.Event) {
		switch ev.Type {
		case telemetry.EventTypeOperationStarted:
			fmt.Fprintf(w, "→ %s %s\n", ev.Operation, ev.Instance)
		case telemetry.EventTypeOperationCompleted:
			fmt.Fprintf(w, "✓ %s %s\n", ev.Operation, ev.Instance)
		case telemetry.EventTypeOperationFailed:
			fmt.Fprintf(w, "✗ %s %s\n", ev.Operation, ev.Instance)
		}
	}
}
