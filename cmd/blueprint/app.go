package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/zeroechelon/blueprint"
	"github.com/zeroechelon/blueprint/aggregator"
	"github.com/zeroechelon/blueprint/artifact"
	"github.com/zeroechelon/blueprint/config"
	"github.com/zeroechelon/blueprint/dispatch"
	"github.com/zeroechelon/blueprint/dispatch/local"
	"github.com/zeroechelon/blueprint/dispatch/remote"
	"github.com/zeroechelon/blueprint/document"
	"github.com/zeroechelon/blueprint/executor"
	"github.com/zeroechelon/blueprint/generator"
	"github.com/zeroechelon/blueprint/hitl"
	"github.com/zeroechelon/blueprint/internal/metrics"
	"github.com/zeroechelon/blueprint/internal/server"
	"github.com/zeroechelon/blueprint/internal/telemetry"
	"github.com/zeroechelon/blueprint/internal/tlsutil"
	"github.com/zeroechelon/blueprint/linker"
	"github.com/zeroechelon/blueprint/runstore"
	"github.com/zeroechelon/blueprint/validator"
)

const defaultConfigPath = "blueprint.yaml"

// app holds the components built from configuration for one command.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Collector

	servers []*server.Manager
	closers []func() error
}

// newApp loads configuration and starts the ambient services: telemetry and
// the metrics endpoint.
func newApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.NewLoader().
		WithConfigPath(configPath).
		WithValidator((*config.Config).Validate).
		Load()
	if err != nil {
		return nil, err
	}

	logger := initLogger(cfg.Log)
	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.NewCollector(cfg.Metrics.Namespace, logger),
	}
	a.closers = append(a.closers, func() error {
		_ = logger.Sync()
		return nil
	})

	providers, err := telemetry.Init(ctx, cfg.Telemetry, Version, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	} else {
		a.closers = append(a.closers, func() error {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return providers.Shutdown(sctx)
		})
	}

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", a.metrics.Handler())
		if err := a.serve("metrics", mux, cfg.Metrics.Addr); err != nil {
			a.close()
			return nil, err
		}
	}
	return a, nil
}

func (a *app) serve(name string, handler http.Handler, addr string) error {
	handler = server.Chain(handler, server.Standard(a.logger.With(zap.String("server", name)))...)
	m := server.NewManager(name, handler, server.DefaultConfig(addr), a.logger)
	if err := m.Start(); err != nil {
		return fmt.Errorf("start %s server: %w", name, err)
	}
	a.servers = append(a.servers, m)
	return nil
}

// close stops servers first, then releases resources in reverse order.
func (a *app) close() error {
	var errs []error
	for _, m := range a.servers {
		if err := m.Shutdown(context.Background()); err != nil {
			errs = append(errs, err)
		}
	}
	a.servers = nil
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// =============================================================================
// Components
// =============================================================================

func (a *app) compiler() (*blueprint.Compiler, error) {
	return blueprint.NewCompiler(
		blueprint.WithLogger(a.logger),
		blueprint.WithLinkCache(a.cfg.Linker.CacheSize),
		blueprint.WithLinkerOptions(
			linker.WithConcurrency(a.cfg.Linker.Concurrency),
			linker.WithCacheRecorder(a.metrics),
		),
		blueprint.WithValidatorOptions(validator.WithAdvisories(a.cfg.Executor.Advisories)),
		blueprint.WithFindingRecorder(a.metrics),
	)
}

// dispatcher builds the configured dispatch channel. dryRun forces the
// simulated dispatcher.
func (a *app) dispatcher(ctx context.Context, dryRun bool) (dispatch.Dispatcher, error) {
	mode := a.cfg.Dispatch.Mode
	if dryRun {
		mode = "simulated"
	}
	switch mode {
	case "simulated":
		return dispatch.NewSimulated(a.cfg.Dispatch.Simulated.Delay, a.logger), nil
	case "local":
		d := local.New(a.localConfig(), a.logger)
		a.closers = append(a.closers, func() error {
			d.Close()
			return nil
		})
		return d, nil
	case "remote":
		rc := a.cfg.Dispatch.Remote
		c, err := remote.Dial(ctx, remote.ClientConfig{
			URL:         rc.URL,
			Secret:      rc.Secret,
			Issuer:      rc.Issuer,
			Subject:     rc.Subject,
			TokenTTL:    rc.TokenTTL,
			DialTimeout: rc.DialTimeout,
		}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("connect to worker: %w", err)
		}
		a.closers = append(a.closers, c.Close)
		return c, nil
	}
	return nil, fmt.Errorf("unknown dispatch mode %q", mode)
}

func (a *app) localConfig() local.Config {
	lc := a.cfg.Dispatch.Local
	return local.Config{
		WorkDir:              lc.WorkDir,
		Shell:                lc.Shell,
		MaxWorkers:           lc.MaxWorkers,
		QueueSize:            lc.QueueSize,
		MaxRetries:           lc.MaxRetries,
		RetryInitialInterval: lc.RetryInitialInterval,
		RateLimit:            lc.RateLimit,
		Burst:                lc.Burst,
		Timeout:              lc.Timeout,
		Env:                  lc.Env,
	}
}

// acknowledger builds the checkpoint manager and serves its API when an
// address is configured.
func (a *app) acknowledger() (*hitl.Manager, error) {
	webhook := hitl.NewWebhookNotifier(tlsutil.SecureHTTPClient(a.cfg.HITL.WebhookTimeout), a.logger)
	m := hitl.NewManager(hitl.NewMemoryStore(), a.logger,
		hitl.WithNotifier(document.NotifyWebhook, webhook),
		hitl.WithFallbackNotifier(hitl.NewConsoleNotifier(a.logger)),
	)
	if addr := a.cfg.HITL.Addr; addr != "" {
		if err := a.serve("checkpoints", a.metrics.Middleware("/checkpoints", m.Handler()), addr); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (a *app) artifactStore() (artifact.Store, error) {
	ac := a.cfg.Artifact
	switch ac.Backend {
	case "", "none":
		return nil, nil
	case "memory":
		return artifact.NewMemoryStore(), nil
	case "file":
		return artifact.NewFileStore(ac.Dir)
	case "s3":
		return artifact.NewS3Store(ac.S3)
	}
	return nil, fmt.Errorf("unknown artifact backend %q", ac.Backend)
}

// runStore returns nil when run history is disabled.
func (a *app) runStore() (runstore.Store, error) {
	rc := a.cfg.RunStore
	var (
		store runstore.Store
		err   error
	)
	switch rc.Backend {
	case "", "none":
		return nil, nil
	case "memory":
		store = runstore.NewMemoryStore()
	case "redis":
		store, err = runstore.NewRedisStore(rc.Redis, a.logger)
	case "sql":
		store, err = runstore.OpenSQL(rc.SQL, a.logger)
	default:
		return nil, fmt.Errorf("unknown run store backend %q", rc.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("open run store: %w", err)
	}
	a.closers = append(a.closers, store.Close)
	return store, nil
}

func (a *app) executor(d dispatch.Dispatcher, ack executor.Acknowledger, v *validator.Validator, opts ...executor.Option) (*executor.Executor, error) {
	strategy, err := aggregator.ParseStrategy(a.cfg.Executor.MergeStrategy)
	if err != nil {
		return nil, err
	}
	store, err := a.artifactStore()
	if err != nil {
		return nil, fmt.Errorf("open artifact store: %w", err)
	}
	agg := aggregator.New(store, a.logger, aggregator.WithStrategy(strategy))

	base := []executor.Option{
		executor.WithLogger(a.logger),
		executor.WithMaxConcurrency(a.cfg.Executor.MaxConcurrency),
		executor.WithFailFast(a.cfg.Executor.FailFast),
		executor.WithAcknowledgedWarnings(a.cfg.Executor.AcknowledgeWarnings),
		executor.WithCheckpointTimeout(a.cfg.Executor.CheckpointTimeout),
		executor.WithAggregator(agg),
		executor.WithValidator(v),
		executor.WithRecorder(a.metrics),
	}
	return executor.New(d, ack, append(base, opts...)...), nil
}

func (a *app) generator() (generator.Generator, error) {
	gc := a.cfg.Generator
	switch gc.Mode {
	case "command":
		return generator.NewCommandGenerator(gc.Command, a.logger), nil
	case "http":
		return generator.NewHTTPGenerator(gc.HTTP, a.logger), nil
	}
	return nil, fmt.Errorf("unknown generator mode %q", gc.Mode)
}

// configPathOrDefault falls back to blueprint.yaml in the working
// directory; a missing default file is not an error.
func configPathOrDefault(path string) string {
	if path != "" {
		return path
	}
	if _, err := os.Stat(defaultConfigPath); err == nil {
		return defaultConfigPath
	}
	return ""
}
