package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/lessonforge/internal/server"
)

var (
	portFlag      int
	noWorkersFlag bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the LessonForge API server",
	Long: `Start the HTTP API and, unless --no-workers is set, the background
workers that generate and deploy lessons.

Examples:
  lessonforge serve
  lessonforge serve --port 9090
  lessonforge serve --no-workers   # API only; run 'lessonforge worker' elsewhere (NATS backend)`,
	RunE: runServe,
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run pipeline workers without the API",
	Long: `Consume lesson/execute and lesson/recreate events from the job queue.

Only useful with the NATS job backend, where the API and workers can run in
separate processes.`,
	RunE: runWorker,
}

func init() {
	serveCmd.Flags().IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	serveCmd.Flags().BoolVar(&noWorkersFlag, "no-workers", false, "Do not run pipeline workers in this process")
	rootCmd.AddCommand(serveCmd, workerCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	// Graceful shutdown on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if !noWorkersFlag {
		if err := a.startWorkers(ctx); err != nil {
			return err
		}
	}

	// Determine port
	port := a.cfg.Server.Port
	if portFlag > 0 {
		port = portFlag
	}

	srv := server.New(server.Config{
		AutoExecute:  a.cfg.Lessons.AutoExecute,
		PollInterval: a.cfg.Lessons.PollInterval,
	}, a.store, a.queue, server.Options{
		Debouncer: a.debouncer,
		Logger:    a.logger,
		Metrics:   a.metrics,
		Tracer:    a.tracing.Tracer(),
	})

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	return srv.Start(port)
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.cfg.Jobs.Backend != "nats" {
		return fmt.Errorf("worker needs jobs.backend=nats, got %q", a.cfg.Jobs.Backend)
	}
	if err := a.startWorkers(ctx); err != nil {
		return err
	}
	a.logger.Info("workers running", "backend", a.cfg.Jobs.Backend, "concurrency", a.cfg.Jobs.Concurrency)

	<-ctx.Done()
	a.logger.Info("shutting down workers")
	return nil
}
