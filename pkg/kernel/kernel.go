// Package kernel assembles a management kernel from a server configuration:
// telemetry, the operation journal, policy authorization, the service container,
// the dispatcher and the boot sequencer.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/keelhq/keel/pkg/boot"
	"github.com/keelhq/keel/pkg/config"
	"github.com/keelhq/keel/pkg/controller"
	"github.com/keelhq/keel/pkg/model"
	"github.com/keelhq/keel/pkg/policy"
	"github.com/keelhq/keel/pkg/services"
	"github.com/keelhq/keel/pkg/stores"
	"github.com/keelhq/keel/pkg/subsystems"
	"github.com/keelhq/keel/pkg/telemetry"
)

// Options configures a Kernel beyond its server configuration.
type Options struct {
	// Version is reported in telemetry. The configured version is kept when empty.
	Version string

	// MetricsAddress, if set, overrides the configured metrics listen address.
	MetricsAddress string

	// Logger replaces the telemetry logger when set.
	Logger *zerolog.Logger
}

// Kernel is an assembled, not yet booted, management kernel.
type Kernel struct {
	cfg    *config.ServerConfig
	loader *config.Loader
	logger zerolog.Logger

	tel        *telemetry.Telemetry
	journal    *stores.SQLiteStore
	policy     *policy.Engine
	container  *services.Container
	dispatcher *controller.Dispatcher
	sequencer  *boot.Sequencer

	metricsErrs <-chan error
}

// New assembles a kernel. Nothing is dispatched until Boot.
func New(ctx context.Context, loader *config.Loader, cfg *config.ServerConfig, opts Options) (_ *Kernel, err error) {
	telCfg := cfg.Telemetry
	if opts.Version != "" {
		telCfg.ServiceVersion = opts.Version
	}
	if opts.MetricsAddress != "" {
		telCfg.Metrics.Enabled = true
		telCfg.Metrics.ListenAddress = opts.MetricsAddress
	}

	k := &Kernel{cfg: cfg, loader: loader}
	defer func() {
		if err != nil {
			_ = k.Close(context.Background())
		}
	}()

	k.tel, err = telemetry.NewTelemetry(&telCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	k.logger = k.tel.Logger.Zerolog()
	if opts.Logger != nil {
		k.logger = *opts.Logger
	}
	k.logger = k.logger.With().Str("server", cfg.Name).Logger()

	dopts := controller.Options{
		Telemetry:      k.tel,
		Logger:         k.logger,
		HangTimeout:    cfg.Timeouts.Hang.Or(config.DefaultHangTimeout),
		ServiceTimeout: cfg.Timeouts.Services.Or(config.DefaultServiceTimeout),
	}

	if cfg.Journal.Path != "" {
		if k.journal, err = OpenJournal(ctx, cfg.Journal.Path); err != nil {
			return nil, err
		}
		dopts.Journal = k.journal
	}

	if cfg.Policy.Enabled {
		if k.policy, err = policy.NewEngine(k.logger); err != nil {
			return nil, fmt.Errorf("failed to create policy engine: %w", err)
		}
		paths := []string{cfg.Policy.Dir}
		if err = k.policy.LoadPolicies(ctx, paths); err != nil {
			return nil, fmt.Errorf("failed to load policies: %w", err)
		}
		if cfg.Policy.Watch {
			if err = k.policy.Watch(ctx, paths); err != nil {
				return nil, fmt.Errorf("failed to watch policies: %w", err)
			}
		}
		dopts.Authorizer = k.policy
	}

	if dopts.Registry, err = subsystems.NewRegistry(k.logger); err != nil {
		return nil, fmt.Errorf("failed to load subsystems: %w", err)
	}

	k.container = services.NewContainer(services.Options{
		MaxWorkers: cfg.Workers,
		Logger:     k.logger,
		Listeners:  []services.Listener{k.tel.ServiceListener()},
	})
	dopts.Container = k.container
	dopts.Properties = model.NewSystemProperties(cfg.Properties)

	k.dispatcher = controller.NewDispatcher(dopts)
	k.sequencer = boot.NewSequencer(boot.Options{
		Runner:           k.dispatcher,
		Container:        k.container,
		Telemetry:        k.tel,
		Logger:           k.logger,
		StabilityTimeout: cfg.Timeouts.Stability.Or(config.DefaultStabilityTimeout),
	})

	if err = k.installCoreServices(); err != nil {
		return nil, err
	}
	k.metricsErrs = k.tel.StartMetricsServer()
	return k, nil
}

// OpenJournal opens and migrates the SQLite journal at path.
func OpenJournal(ctx context.Context, path string) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return nil, fmt.Errorf("failed to create journal: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to migrate journal: %w", err)
	}
	return store, nil
}

// installCoreServices installs the well-known services every server carries.
func (k *Kernel) installCoreServices() error {
	name := k.cfg.Name
	core := []struct {
		name  services.Name
		value func() any
		deps  []services.Name
	}{
		{services.Keel, func() any { return name }, nil},
		{services.ServerController, func() any { return k.dispatcher }, []services.Name{services.Keel}},
		{services.DeploymentModuleLoader, nil, []services.Name{services.Keel}},
		{services.DeployerChains, func() any { return k.sequencer.Chain() }, []services.Name{services.ServerController}},
	}
	for _, c := range core {
		if _, err := k.container.AddService(c.name, services.Funcs{ValueFunc: c.value}).
			AddDependencies(c.deps...).
			Install(); err != nil {
			return fmt.Errorf("failed to install %s: %w", c.name, err)
		}
	}
	return nil
}

// Boot runs the configured boot operations, then those of the boot script.
func (k *Kernel) Boot(ctx context.Context) (*boot.Result, error) {
	ops, err := k.loader.BootOperations(ctx, k.cfg)
	if err != nil {
		return nil, err
	}
	return k.sequencer.Boot(ctx, ops)
}

// Rollback applies the compensating operation journaled for entry id.
func (k *Kernel) Rollback(ctx context.Context, id string) (controller.Outcome, error) {
	if k.journal == nil {
		return controller.Outcome{}, errors.New("rollback needs a journal")
	}
	undo, err := k.journal.Compensating(ctx, id)
	if err != nil {
		return controller.Outcome{}, err
	}
	return k.dispatcher.Rollback(ctx, undo), nil
}

// Config returns the server configuration.
func (k *Kernel) Config() *config.ServerConfig { return k.cfg }

// Dispatcher returns the operation dispatcher.
func (k *Kernel) Dispatcher() *controller.Dispatcher { return k.dispatcher }

// Container returns the service container.
func (k *Kernel) Container() *services.Container { return k.container }

// Journal returns the journal, or nil when none is configured.
func (k *Kernel) Journal() *stores.SQLiteStore { return k.journal }

// Telemetry returns the telemetry instance.
func (k *Kernel) Telemetry() *telemetry.Telemetry { return k.tel }

// Logger returns the kernel logger.
func (k *Kernel) Logger() zerolog.Logger { return k.logger }

// MetricsErrors reports a failure of the metrics server. It is closed when the
// server stops or was never started.
func (k *Kernel) MetricsErrors() <-chan error { return k.metricsErrs }

// Close stops every service, then releases the policy engine, the journal and
// telemetry. ctx bounds the whole shutdown; the configured shutdown timeout
// bounds the service graph.
func (k *Kernel) Close(ctx context.Context) error {
	var errs []error
	if k.container != nil {
		sctx, cancel := context.WithTimeout(ctx, k.cfg.Timeouts.Shutdown.Or(config.DefaultShutdownTimeout))
		if err := k.container.Shutdown(sctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop services: %w", err))
		}
		cancel()
	}
	if k.policy != nil {
		if err := k.policy.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if k.journal != nil {
		if err := k.journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close journal: %w", err))
		}
	}
	if k.tel != nil {
		tctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := k.tel.Shutdown(tctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shut down telemetry: %w", err))
		}
		cancel()
	}
	return errors.Join(errs...)
}
