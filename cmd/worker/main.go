package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/thumbflow/internal/bootstrap"
	"github.com/dunamismax/thumbflow/internal/config"
	"github.com/dunamismax/thumbflow/internal/logger"
	"github.com/dunamismax/thumbflow/internal/pipeline"
	"github.com/dunamismax/thumbflow/internal/telemetry"
	"github.com/dunamismax/thumbflow/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "thumbflow worker: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Queue.Backend == config.QueueMemory {
		return errors.New("the memory queue only works inside the api process; set WORKER_EMBEDDED=true there instead")
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
	log = log.With("service", "thumbflow-worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  "thumbflow-worker",
		Environment:  cfg.App.Env,
		Exporter:     cfg.Tracing.Exporter,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		OTLPInsecure: cfg.Tracing.OTLPInsecure,
		SampleRatio:  cfg.Tracing.SampleRatio,
	}, log)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	}()

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
	if err := res.StartConsuming(); err != nil {
		return err
	}

	pool := worker.NewPool(res.Channel, orch, worker.Config{Concurrency: cfg.Worker.Concurrency}, log)

	metricsServer := &http.Server{
		Addr:              cfg.Worker.MetricsAddr,
		Handler:           pool.MetricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("metrics listening", "addr", cfg.Worker.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", "error", err)
		}
	}()

	log.Info("starting worker",
		"concurrency", cfg.Worker.Concurrency,
		"queue", cfg.Queue.Backend,
		"queue_name", cfg.Queue.Name,
		"transformer", pipeline.Runtime.Name, "encodes", pipeline.Runtime.Encodes,
		"max_attempts", orch.MaxAttempts(),
	)
	err = pool.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)
	return err
}
