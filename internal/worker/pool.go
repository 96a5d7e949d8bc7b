package worker

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/dunamismax/thumbflow/internal/orchestrator"
	"github.com/dunamismax/thumbflow/internal/queue"
	"github.com/dunamismax/thumbflow/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Handler interface {
	Handle(ctx context.Context, task queue.Task) orchestrator.Disposition
}

type Config struct {
	Concurrency int
	ErrorDelay time.Duration
}

type Pool struct {
	channel     queue.Channel
	handler     Handler
	concurrency int
	errorDelay  time.Duration
	logger      *slog.Logger
	metrics     *metrics
	tracer      trace.Tracer
}

func NewPool(channel queue.Channel, handler Handler, cfg Config, logger *slog.Logger) *Pool {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.ErrorDelay <= 0 {
		cfg.ErrorDelay = time.Second
	}
	return &Pool{
		channel:     channel,
		handler:     handler,
		concurrency: cfg.Concurrency,
		errorDelay:  cfg.ErrorDelay,
		logger:      logger.With("component", "worker"),
		metrics:     newMetrics(),
		tracer:      telemetry.Tracer("worker"),
	}
}

func (p *Pool) MetricsHandler() http.Handler {
	return p.metrics.Handler()
}

func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("worker pool started", "concurrency", p.concurrency)

	var wg sync.WaitGroup
	for i := range p.concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.loop(ctx, p.logger.With("slot", i))
		}()
	}
	wg.Wait()

	p.logger.Info("worker pool stopped")
	return nil
}

func (p *Pool) loop(ctx context.Context, log *slog.Logger) {
	for {
		lease, err := p.channel.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrChannelClosed) {
				return
			}
			p.metrics.dequeueErrors.Inc()
			log.Warn("dequeue failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.errorDelay):
			}
			continue
		}

		p.process(context.WithoutCancel(ctx), log, lease)
	}
}

func (p *Pool) process(ctx context.Context, log *slog.Logger, lease *queue.Lease) {
	startedAt := time.Now()
	task := lease.Task

	ctx, span := p.tracer.Start(ctx, "worker.handle_task", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("job.id", task.JobID),
		attribute.Int("task.delivery_attempt", task.DeliveryAttempt),
		attribute.String("lease.id", lease.ID),
	)
	defer span.End()

	p.metrics.activeTasks.Inc()
	disposition := p.handler.Handle(ctx, task)
	p.metrics.activeTasks.Dec()

	span.SetAttributes(attribute.String("task.reason", disposition.Reason))

	var (
		op  = "ack"
		err error
	)
	if disposition.Requeue {
		op = "nack"
		err = p.channel.Nack(ctx, lease, disposition.Delay)
	} else {
		err = p.channel.Ack(ctx, lease)
	}

	p.metrics.tasksTotal.WithLabelValues(op, disposition.Reason).Inc()
	p.metrics.taskDuration.WithLabelValues(disposition.Reason).Observe(time.Since(startedAt).Seconds())

	switch {
	case errors.Is(err, queue.ErrLeaseLost):
		// Someone else holds the message now; the guard sorts it out.
		log.Info("lease lost before settle", "job_id", task.JobID, "op", op, "reason", disposition.Reason)
		p.metrics.settleErrors.WithLabelValues(op).Inc()
	case err != nil:
		log.Error("settle task", "job_id", task.JobID, "op", op, "error", err)
		p.metrics.settleErrors.WithLabelValues(op).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "settle failed")
	default:
		span.SetStatus(codes.Ok, disposition.Reason)
		log.Debug("task settled", "job_id", task.JobID, "op", op, "reason", disposition.Reason, "delay", disposition.Delay)
	}
}
