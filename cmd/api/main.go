package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/thumbflow/internal/api"
	"github.com/dunamismax/thumbflow/internal/bootstrap"
	"github.com/dunamismax/thumbflow/internal/config"
	"github.com/dunamismax/thumbflow/internal/logger"
	"github.com/dunamismax/thumbflow/internal/pipeline"
	"github.com/dunamismax/thumbflow/internal/telemetry"
	"github.com/dunamismax/thumbflow/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "thumbflow api: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, closeLog, err := logger.New(logger.Config{
		Level:        cfg.Log.Level,
		Format:       cfg.Log.Format,
		Output:       cfg.Log.Output,
		EnableSource: cfg.Log.AddSource,
	})
	if err != nil {
		return err
	}
	defer closeLog()
	log = log.With("service", "thumbflow-api")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  "thumbflow-api",
		Environment:  cfg.App.Env,
		Exporter:     cfg.Tracing.Exporter,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		OTLPInsecure: cfg.Tracing.OTLPInsecure,
		SampleRatio:  cfg.Tracing.SampleRatio,
	}, log)
	if err != nil {
		return err
	}
	defer shutdownWithin(log, "tracing", cfg.API.ShutdownTimeout, shutdownTracing)

	if err := pipeline.Startup(); err != nil {
		return fmt.Errorf("start image runtime: %w", err)
	}
	defer pipeline.Shutdown()

	res, err := bootstrap.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := res.Close(); err != nil {
			log.Warn("close backends", "error", err)
		}
	}()

	orch, err := res.Orchestrator()
	if err != nil {
		return err
	}

	limiter, err := res.RateLimiter()
	if err != nil {
		return fmt.Errorf("create rate limiter: %w", err)
	}
	app := api.NewServer(log, orch, res.Queries(), res.Blobs, api.Config{
		MaxUploadBytes:  cfg.API.MaxUploadBytes,
		MaxSourcePixels: cfg.API.MaxSourcePixels,
		RateLimiter:     limiter,
	})

	httpServer := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           app.Handler(),
		ReadHeaderTimeout: cfg.API.ReadHeaderTimeout,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 2)
	workersDone := make(chan struct{})
	if cfg.Worker.Embedded {
		if err := res.StartConsuming(); err != nil {
			return err
		}
		pool := worker.NewPool(res.Channel, orch, worker.Config{Concurrency: cfg.Worker.Concurrency}, log)
		go func() {
			defer close(workersDone)
			errCh <- pool.Run(ctx)
		}()
		log.Info("embedded worker pool enabled", "concurrency", cfg.Worker.Concurrency, "transformer", pipeline.Runtime.Name)
	} else {
		close(workersDone)
		if cfg.Queue.Backend == config.QueueMemory {
			log.Warn("memory queue without embedded workers; submitted jobs will never run")
		}
	}

	go func() {
		log.Info("listening", "addr", cfg.API.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			log.Error("stopping after failure", "error", err)
		}
		stop()
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("graceful shutdown failed", "error", err)
	}
	<-workersDone
	return nil
}

func shutdownWithin(log *slog.Logger, what string, timeout time.Duration, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		log.Warn("shutdown", "component", what, "error", err)
	}
}
