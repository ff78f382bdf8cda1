// Package app assembles the job service from environment configuration. The
// API server and the job CLI share it so both see the same jobs, schema and
// processor.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/szytwo/facefusion/internal/config"
	"github.com/szytwo/facefusion/internal/errlog"
	"github.com/szytwo/facefusion/internal/health"
	"github.com/szytwo/facefusion/internal/job"
	"github.com/szytwo/facefusion/internal/notify"
	"github.com/szytwo/facefusion/internal/observability"
	"github.com/szytwo/facefusion/internal/processor"
	"github.com/szytwo/facefusion/internal/processor/docker"
	"github.com/szytwo/facefusion/internal/retention"
	"github.com/szytwo/facefusion/internal/staging"
	"github.com/szytwo/facefusion/internal/store/badgerstore"
	"github.com/szytwo/facefusion/internal/store/filestore"
)

// App holds the wired components.
type App struct {
	Config    *config.ServiceConfig
	Manager   *job.Manager
	Service   *job.Service
	Processor job.StepProcessor
	Stager    *staging.Stager
	Sweeper   *retention.Sweeper
	ErrorLog  *errlog.Log
	Notifier  *notify.Notifier // nil when no callback URL is set

	closers []func(ctx context.Context) error
}

// Option adjusts how an App is built.
type Option func(*options)

type options struct {
	processor     job.StepProcessor
	skipProcessor bool
	notify        bool
}

// WithProcessor uses p instead of the one selected by PROCESSOR.
func WithProcessor(p job.StepProcessor) Option {
	return func(o *options) { o.processor = p }
}

// WithoutProcessor builds an App that only manages job records. Its
// Service cannot run jobs.
func WithoutProcessor() Option {
	return func(o *options) { o.skipProcessor = true }
}

// WithoutNotifications disables lifecycle callbacks even when configured.
func WithoutNotifications() Option {
	return func(o *options) { o.notify = false }
}

// New builds every component from cfg. metrics may be nil. Call Close when
// done, also after an error.
func New(ctx context.Context, cfg *config.ServiceConfig, metrics *observability.Metrics, opts ...Option) (*App, error) {
	o := options{notify: true}
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{Config: cfg, ErrorLog: errlog.New(cfg.ErrorLogPath)}

	repo, err := a.openRepository()
	if err != nil {
		return a, err
	}

	defaults, err := config.LoadDefaults(cfg.DefaultsFile)
	if err != nil {
		return a, err
	}
	schema, err := job.DefaultSchema().WithDefaults(defaults)
	if err != nil {
		return a, fmt.Errorf("invalid step defaults in %s: %w", cfg.DefaultsFile, err)
	}

	managerOpts := []job.ManagerOption{job.WithMetrics(metrics)}
	if notifyCfg := notify.LoadConfigFromEnv(); o.notify && notifyCfg.Enabled() {
		a.Notifier = notify.New(notifyCfg, metrics)
		a.closers = append(a.closers, a.Notifier.Close)
		managerOpts = append(managerOpts, job.WithNotifier(a.Notifier))
		slog.Info("Lifecycle callbacks enabled", "url", notifyCfg.URL, "events", notifyCfg.Events)
	}

	a.Manager = job.NewManager(repo, schema, managerOpts...)
	if err := a.Manager.Init(ctx); err != nil {
		return a, err
	}

	a.Processor = o.processor
	if a.Processor == nil && !o.skipProcessor {
		if a.Processor, err = a.openProcessor(ctx); err != nil {
			return a, err
		}
	}

	a.Stager = staging.New(staging.LoadConfigFromEnv(cfg.InputPath), metrics)
	a.Sweeper = retention.New([]string{cfg.InputPath, cfg.OutputPath}, cfg.RetentionMaxAge, metrics)

	runner := job.NewRunner(a.Manager, job.WithFailureRecorder(a.ErrorLog), job.WithRunMetrics(metrics))
	a.Service = job.NewService(a.Manager, runner, job.ServiceConfig{
		Processor:         a.Processor,
		Stager:            a.Stager,
		Sweeper:           a.Sweeper,
		OutputPath:        cfg.OutputPath,
		RunConfig:         LoadRunConfigFromEnv(),
		MaxConcurrentRuns: cfg.MaxConcurrentRuns,
	})
	return a, nil
}

// LoadRunConfigFromEnv reads the default execution settings of a run.
func LoadRunConfigFromEnv() job.RunConfig {
	return job.RunConfig{
		ExecutionDeviceID:    config.GetEnv("EXECUTION_DEVICE_ID", ""),
		ExecutionProviders:   config.GetListEnv("EXECUTION_PROVIDERS", nil),
		ExecutionThreadCount: config.GetIntEnv("EXECUTION_THREAD_COUNT", 0),
		ExecutionQueueCount:  config.GetIntEnv("EXECUTION_QUEUE_COUNT", 0),
		DownloadProviders:    config.GetListEnv("DOWNLOAD_PROVIDERS", nil),
		VideoMemoryStrategy:  config.GetEnv("VIDEO_MEMORY_STRATEGY", ""),
	}
}

func (a *App) openRepository() (job.Repository, error) {
	switch a.Config.JobsBackend {
	case config.BackendBadger:
		store, err := badgerstore.Open(badgerstore.Config{Path: a.Config.JobsPath})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return store.Close() })
		slog.Info("Using badger job store", "path", a.Config.JobsPath)
		return store, nil
	default:
		store, err := filestore.New(a.Config.JobsPath)
		if err != nil {
			return nil, err
		}
		slog.Info("Using file job store", "path", store.Root())
		return store, nil
	}
}

func (a *App) openProcessor(ctx context.Context) (job.StepProcessor, error) {
	switch kind := strings.ToLower(config.GetEnv("PROCESSOR", processor.KindExec)); kind {
	case processor.KindExec:
		return processor.NewExec(processor.LoadExecConfigFromEnv()), nil
	case processor.KindDocker:
		p, err := docker.New(ctx, docker.LoadConfigFromEnv(a.Config.InputPath, a.Config.OutputPath))
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return p.Close() })
		slog.Info("Connected to Docker daemon")
		return p, nil
	default:
		return nil, fmt.Errorf("unknown processor %q (want %s or %s)", kind, processor.KindExec, processor.KindDocker)
	}
}

// RegisterHealth adds the app's dependencies to checker. The job store and
// a container processor are required; callbacks and downloads only degrade.
func (a *App) RegisterHealth(checker *health.Checker) *health.Checker {
	checker.Require("jobs", a.Manager)
	if rc, ok := a.Processor.(health.ReadinessChecker); ok {
		checker.Require("processor", rc)
	}
	if a.Notifier != nil {
		checker.Observe("callbacks", a.Notifier)
	}
	checker.Observe("downloads", health.ReadinessFunc(func(context.Context) error {
		if hosts := a.Stager.Breakers().OpenKeys(); len(hosts) > 0 {
			return fmt.Errorf("download hosts unavailable: %s", strings.Join(hosts, ", "))
		}
		return nil
	}))
	return checker
}

// Close waits for background sweeps and releases resources in reverse
// order of creation.
func (a *App) Close(ctx context.Context) error {
	if a.Service != nil {
		a.Service.Close()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
