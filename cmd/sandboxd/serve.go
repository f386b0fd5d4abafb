package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sandboxrunner/sandboxd/pkg/api"
	"github.com/sandboxrunner/sandboxd/pkg/audit"
	"github.com/sandboxrunner/sandboxd/pkg/config"
	"github.com/sandboxrunner/sandboxd/pkg/errdefs"
	"github.com/sandboxrunner/sandboxd/pkg/monitoring"
	"github.com/sandboxrunner/sandboxd/pkg/policy"
	"github.com/sandboxrunner/sandboxd/pkg/runtime"
	"github.com/sandboxrunner/sandboxd/pkg/sandbox"
	"github.com/sandboxrunner/sandboxd/pkg/storage"
)

const auditPruneInterval = time.Hour

func newServeCmd() *cobra.Command {
	var (
		address string
		port    int
		driver  string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sandbox daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if address != "" {
				cfg.Server.Address = address
			}
			if port > 0 {
				cfg.Server.Port = port
			}
			if driver != "" {
				cfg.Host.Driver = driver
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runServe(cfg)
		},
	}

	cmd.Flags().StringVar(&address, "address", "", "API listen address")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "API listen port")
	cmd.Flags().StringVar(&driver, "driver", "", "process host driver (runc, simulated)")

	return cmd
}

func runServe(cfg *config.Config) error {
	closer, err := monitoring.SetupLogging(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	defer closer.Close()

	log.Info().
		Str("version", version).
		Str("commit", commit).
		Str("build_date", date).
		Str("driver", cfg.Host.Driver).
		Msg("Starting sandboxd")

	if err := cfg.CreateDirectories(); err != nil {
		return fmt.Errorf("failed to create directories: %w", err)
	}

	host, err := newHost(cfg)
	if err != nil {
		return err
	}

	d, err := newDaemon(cfg, host)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.run(ctx)
	}()

	var runErr error
	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	case runErr = <-errCh:
		if runErr != nil {
			log.Error().Err(runErr).Msg("Daemon error")
		}
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := d.shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error during shutdown")
		if runErr == nil {
			runErr = err
		}
	}

	log.Info().Msg("sandboxd stopped")
	return runErr
}

func newHost(cfg *config.Config) (runtime.Host, error) {
	switch cfg.Host.Driver {
	case "simulated":
		return runtime.NewSimulatedHost(), nil
	case "runc", "":
		host, err := runtime.NewRuncHost(cfg.RuncOptions())
		if err != nil {
			return nil, fmt.Errorf("failed to create runc host: %w", err)
		}
		return host, nil
	}
	return nil, fmt.Errorf("unknown host driver %q", cfg.Host.Driver)
}

// daemon owns every long lived component of a running sandboxd.
type daemon struct {
	cfg     *config.Config
	host    runtime.Host
	store   *storage.SQLiteStore
	sink    audit.Sink
	manager *sandbox.Manager
	metrics *monitoring.Metrics
	tracing *monitoring.TracingManager
	health  *monitoring.HealthRegistry
	watcher *policy.Watcher
	server  *api.Server

	wg sync.WaitGroup
}

// newDaemon opens storage, builds the manager and loads the policy
// directory. The daemon owns host from here on, even on error. The API
// server is not listening until run is called.
func newDaemon(cfg *config.Config, host runtime.Host) (*daemon, error) {
	d := &daemon{cfg: cfg, host: host}

	store, err := storage.NewSQLiteStore(cfg.StorageOptions())
	if err != nil {
		host.Close()
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	d.store = store

	if err := d.build(); err != nil {
		d.close()
		return nil, err
	}
	return d, nil
}

func (d *daemon) build() error {
	cfg := d.cfg

	sink, err := d.openSink()
	if err != nil {
		return err
	}
	d.sink = sink

	signer, err := cfg.Signer()
	if err != nil {
		return fmt.Errorf("failed to load audit signing key: %w", err)
	}

	tracing, err := monitoring.NewTracingManager(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("failed to setup tracing: %w", err)
	}
	d.tracing = tracing

	opts := []sandbox.ManagerOption{
		sandbox.WithStore(d.store),
	}
	if sink != nil {
		opts = append(opts, sandbox.WithSink(sink))
	}
	if signer != nil {
		opts = append(opts, sandbox.WithSigner(signer))
	}
	if cfg.Metrics.Enabled {
		d.metrics = monitoring.NewMetrics(cfg.Metrics.Namespace)
		opts = append(opts, sandbox.WithMetrics(d.metrics))
	}
	d.manager = sandbox.NewManager(d.host, opts...)

	managerOpts, err := cfg.ManagerOptions()
	if err != nil {
		return err
	}
	if err := d.manager.Init(managerOpts); err != nil {
		return fmt.Errorf("failed to initialise sandbox manager: %w", err)
	}
	if d.metrics != nil {
		d.metrics.WatchStatistics(cfg.Metrics.Namespace, d.manager.Statistics)
	}

	if cfg.Policies.Dir != "" {
		d.watcher = policy.NewWatcher(cfg.Policies.Dir, d.registerPolicy, d.manager.PolicyOptions()...)
		n, err := d.watcher.LoadAll()
		if err != nil {
			log.Warn().Err(err).Msg("Failed to load policy directory")
		} else {
			log.Info().Int("policies", n).Str("dir", cfg.Policies.Dir).Msg("Loaded policy documents")
		}
	}

	d.health = monitoring.NewHealthRegistry(5 * time.Second)
	d.health.Register("storage", true, d.store.CheckIntegrity)
	d.health.Register("memory", false, monitoring.MemoryCheck(95))
	d.health.Register("capacity", false, d.capacityCheck)

	serverOpts := []api.ServerOption{
		api.WithHealth(d.health),
		api.WithAuditStore(d.store),
		api.WithTracing(d.tracing),
	}
	if d.metrics != nil {
		serverOpts = append(serverOpts, api.WithMetrics(d.metrics, cfg.Metrics.Path))
	}
	d.server = api.NewServer(cfg.Server, d.manager, serverOpts...)
	return nil
}

func (d *daemon) openSink() (audit.Sink, error) {
	switch d.cfg.Audit.Sink {
	case "none", "":
		return nil, nil
	case "sqlite":
		return d.store.AuditSink(), nil
	case "file", "both":
		file, err := audit.OpenFileSink(d.cfg.Audit.LogPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit log: %w", err)
		}
		if d.cfg.Audit.Sink == "file" {
			return file, nil
		}
		return audit.NewMultiSink(file, d.store.AuditSink()), nil
	}
	return nil, fmt.Errorf("unknown audit sink %q", d.cfg.Audit.Sink)
}

// registerPolicy is the policy watcher handler. A rewritten document that
// names an already registered policy is skipped.
func (d *daemon) registerPolicy(path string, p *policy.Policy) {
	if err := d.manager.RegisterPolicy(p); err != nil {
		if errors.Is(err, errdefs.ErrDuplicatePolicy) {
			log.Debug().Str("path", path).Str("policy", p.Name()).Msg("Policy already registered")
			return
		}
		log.Warn().Err(err).Str("path", path).Msg("Failed to register policy")
		return
	}
	log.Info().Str("path", path).Str("policy", p.Name()).Msg("Registered policy")
}

func (d *daemon) capacityCheck(ctx context.Context) error {
	limit := d.manager.Options().MaxSandboxes
	if limit <= 0 {
		return nil
	}
	if n := d.manager.Statistics().Sandboxes; n >= limit {
		return fmt.Errorf("%d of %d sandboxes in use", n, limit)
	}
	return nil
}

func (d *daemon) pruneAudit(ctx context.Context) {
	ticker := time.NewTicker(auditPruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			before := time.Now().Add(-d.cfg.Audit.Retention)
			n, err := d.store.PruneAudit(ctx, before)
			if err != nil {
				log.Warn().Err(err).Msg("Failed to prune audit records")
				continue
			}
			if n > 0 {
				log.Info().Int64("records", n).Time("before", before).Msg("Pruned audit records")
			}
		}
	}
}

// start brings up the API server and the background workers. Workers
// stop when ctx is cancelled.
func (d *daemon) start(ctx context.Context) error {
	if err := d.server.Start(); err != nil {
		return err
	}

	if d.watcher != nil && d.cfg.Policies.Watch {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.watcher.Run(ctx); err != nil {
				log.Error().Err(err).Msg("Policy watcher stopped")
			}
		}()
	}

	if d.cfg.Audit.Retention > 0 && (d.cfg.Audit.Sink == "sqlite" || d.cfg.Audit.Sink == "both") {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.pruneAudit(ctx)
		}()
	}

	log.Info().Str("address", d.server.Addr()).Msg("sandboxd ready")
	return nil
}

// run starts the daemon and blocks until ctx is cancelled.
func (d *daemon) run(ctx context.Context) error {
	if err := d.start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

// shutdown stops the server first so no request races the manager
// teardown. The caller cancels the run context before calling it.
func (d *daemon) shutdown(ctx context.Context) error {
	var errs []error
	if err := d.server.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	d.wg.Wait()
	if err := d.manager.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to shutdown sandbox manager: %w", err))
	}
	if d.tracing != nil {
		if err := d.tracing.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := d.close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (d *daemon) close() error {
	var errs []error
	if d.sink != nil {
		if err := d.sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close audit sink: %w", err))
		}
	}
	if err := d.host.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close host: %w", err))
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close storage: %w", err))
		}
	}
	return errors.Join(errs...)
}
