package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/michaelbrown/lessonforge/internal/config"
	"github.com/michaelbrown/lessonforge/internal/debounce"
	"github.com/michaelbrown/lessonforge/internal/generator"
	"github.com/michaelbrown/lessonforge/internal/jobs"
	"github.com/michaelbrown/lessonforge/internal/llm"
	"github.com/michaelbrown/lessonforge/internal/logging"
	"github.com/michaelbrown/lessonforge/internal/observability"
	"github.com/michaelbrown/lessonforge/internal/orchestrator"
	"github.com/michaelbrown/lessonforge/internal/sandbox"
	"github.com/michaelbrown/lessonforge/internal/storage"
	"github.com/michaelbrown/lessonforge/internal/storage/postgres"
	"github.com/michaelbrown/lessonforge/internal/storage/sqlite"
)

// app holds the wired collaborators shared by every command.
type app struct {
	cfg          *config.Config
	logger       *slog.Logger
	metrics      *observability.Metrics
	tracing      *observability.TracerSetup
	store        storage.Store
	generator    *generator.Generator
	provisioner  *sandbox.Provisioner
	reaper       *sandbox.Reaper
	orchestrator *orchestrator.Orchestrator
	queue        jobs.Queue
	debouncer    debounce.Debouncer

	closers []func() error
}

// loadConfig reads and validates configuration and builds the logger.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	// stdout carries command output and MCP frames.
	logger, err := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format}, os.Stderr)
	if err != nil {
		return nil, nil, fmt.Errorf("configuring logging: %w", err)
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func openStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch cfg.Storage.Driver {
	case "postgres":
		return postgres.Open(postgres.Config{DSN: cfg.Storage.DSN, MaxOpenConns: cfg.Storage.MaxOpenConns}, logger)
	default:
		return sqlite.Open(cfg.Storage.DBPath)
	}
}

// newApp wires the full pipeline. The queue is created but not started.
func newApp(ctx context.Context) (*app, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, metrics: observability.NewMetrics()}
	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg

	tracing, err := observability.NewTracerSetup(ctx, observability.TracingConfig{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		Protocol:    cfg.Tracing.Protocol,
		Insecure:    cfg.Tracing.Insecure,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}
	a.tracing = tracing
	a.closers = append(a.closers, func() error { return tracing.Shutdown(context.Background()) })

	store, err := openStore(cfg, a.logger)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, store.Close)

	client := llm.NewClient(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.Model)
	a.generator = generator.New(client, generator.Config{
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
		Timeout:     cfg.LLM.Timeout,
	}, a.logger)

	var provider sandbox.Provider
	switch cfg.Sandbox.Provider {
	case "e2b":
		provider = sandbox.NewE2BProvider(cfg.Sandbox.E2BProviderConfig(), nil, a.logger)
	default:
		docker := sandbox.NewDockerProvider(cfg.Sandbox.DockerProviderConfig(), a.logger)
		provider = docker
		if cfg.Sandbox.ReapSchedule != "" {
			reaper, err := sandbox.NewReaper(docker, cfg.Sandbox.ReapSchedule, a.logger)
			if err != nil {
				return fmt.Errorf("scheduling sandbox reaper: %w", err)
			}
			reaper.OnReap = a.metrics.Reaped
			a.reaper = reaper
		}
	}
	a.provisioner = sandbox.NewProvisioner(provider, cfg.Sandbox.Policy(), a.logger)
	a.provisioner.OnStartFailure = func(string, error) { a.metrics.StartFailed() }
	a.closers = append(a.closers, func() error { a.provisioner.Wait(); return nil })

	a.orchestrator = orchestrator.New(a.store, a.generator, a.provisioner, orchestrator.Options{
		SingleFlight: cfg.Orchestrator.SingleFlight,
		Logger:       a.logger,
		Metrics:      a.metrics,
		Tracer:       a.tracing.Tracer(),
	})
	a.closers = append(a.closers, func() error { a.orchestrator.Shutdown(); return nil })

	switch cfg.Jobs.Backend {
	case "nats":
		q, err := jobs.NewNATSQueue(jobs.NATSConfig{
			URL:         cfg.Jobs.NATSURL,
			Subject:     cfg.Jobs.Subject,
			QueueGroup:  cfg.Jobs.QueueGroup,
			Token:       cfg.Jobs.EventKey,
			Concurrency: cfg.Jobs.Concurrency,
		}, a.logger)
		if err != nil {
			return fmt.Errorf("connecting job queue: %w", err)
		}
		a.queue = q
	default:
		a.queue = jobs.NewLocalQueue(cfg.Jobs.Concurrency, cfg.Jobs.Buffer, a.logger)
	}
	a.closers = append(a.closers, a.queue.Close)

	switch cfg.Debounce.Backend {
	case "redis":
		r, err := debounce.DialRedis(ctx, cfg.Debounce.RedisURL, cfg.Debounce.Window)
		if err != nil {
			return err
		}
		a.debouncer = r
		a.closers = append(a.closers, r.Close)
	case "none":
		a.debouncer = debounce.Noop{}
	default:
		a.debouncer = debounce.NewMemory(cfg.Debounce.Window)
	}
	return nil
}

// startWorkers begins consuming pipeline events and the reaper schedule.
func (a *app) startWorkers(ctx context.Context) error {
	if err := a.queue.Start(ctx, orchestrator.Handler(a.orchestrator)); err != nil {
		return fmt.Errorf("starting workers: %w", err)
	}
	if a.reaper != nil {
		a.reaper.Start()
		a.closers = append(a.closers, func() error { a.reaper.Stop(); return nil })
	}
	return nil
}

// Close releases everything in reverse order of creation.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
