package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hibiken/asynq"
)

const asynqMaxRetry = 1 << 20

type AsynqConfig struct {
	Redis       asynq.RedisClientOpt
	Queue       string
	Visibility  time.Duration
	Concurrency int
	Logger      *slog.Logger
}

// A nack becomes an asynq retry with the nack delay, not counted as a failure.
type AsynqChannel struct {
	client     *asynq.Client
	server     *asynq.Server
	queue      string
	visibility time.Duration
	logger     *slog.Logger

	deliveries chan *Lease
	done       chan struct{}
	closeOnce  sync.Once
}

type asynqSettlement struct {
	ack   bool
	delay time.Duration
}

type asynqReceipt struct {
	once    sync.Once
	settled chan asynqSettlement
}

func (r *asynqReceipt) settle(s asynqSettlement) bool {
	ok := false
	r.once.Do(func() {
		r.settled <- s
		ok = true
	})
	return ok
}

type nackError struct {
	delay time.Duration
}

func (e *nackError) Error() string {
	return fmt.Sprintf("task nacked, retry in %s", e.delay)
}

func NewAsynqChannel(cfg AsynqConfig) *AsynqChannel {
	if cfg.Queue == "" {
		cfg.Queue = "thumbnails"
	}
	if cfg.Visibility <= 0 {
		cfg.Visibility = 30 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "asynq")

	c := &AsynqChannel{
		client:     asynq.NewClient(cfg.Redis),
		queue:      cfg.Queue,
		visibility: cfg.Visibility,
		logger:     logger,
		deliveries: make(chan *Lease),
		done:       make(chan struct{}),
	}
	c.server = asynq.NewServer(cfg.Redis, asynq.Config{
		Concurrency: cfg.Concurrency,
		Queues:      map[string]int{cfg.Queue: 1},
		Logger:      asynqLogger{logger},
		LogLevel:    asynq.WarnLevel,
		RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
			var nack *nackError
			if errors.As(err, &nack) {
				return nack.delay
			}
			return asynq.DefaultRetryDelayFunc(n, err, task)
		},
		IsFailure: func(err error) bool {
			var nack *nackError
			return !errors.As(err, &nack)
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			var nack *nackError
			if errors.As(err, &nack) {
				return
			}
			retried, _ := asynq.GetRetryCount(ctx)
			logger.Warn("asynq task failed", "type", task.Type(), "retry", retried, "error", err)
		}),
	})
	return c
}

func (c *AsynqChannel) Start() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeGenerateThumbnail, c.handle)
	if err := c.server.Start(mux); err != nil {
		return unavailable("start asynq server", err)
	}
	return nil
}

func (c *AsynqChannel) handle(ctx context.Context, t *asynq.Task) error {
	task, err := DecodeTask(t.Payload())
	if err != nil {
		return fmt.Errorf("decode task: %v: %w", err, asynq.SkipRetry)
	}

	id, _ := asynq.GetTaskID(ctx)
	receipt := &asynqReceipt{settled: make(chan asynqSettlement, 1)}
	lease := &Lease{ID: id, Task: task, token: receipt}

	select {
	case c.deliveries <- lease:
	case <-c.done:
		return &nackError{}
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case s := <-receipt.settled:
		if s.ack {
			return nil
		}
		return &nackError{delay: s.delay}
	case <-ctx.Done():
		// Lease expired; anything settled after this point is lost.
		receipt.settle(asynqSettlement{})
		return ctx.Err()
	}
}

func (c *AsynqChannel) Enqueue(ctx context.Context, task Task, delay time.Duration) error {
	body, err := EncodeTask(task)
	if err != nil {
		return err
	}

	opts := []asynq.Option{
		asynq.Queue(c.queue),
		asynq.MaxRetry(asynqMaxRetry),
		asynq.Timeout(c.visibility),
	}
	if delay > 0 {
		opts = append(opts, asynq.ProcessIn(delay))
	}
	if _, err := c.client.EnqueueContext(ctx, asynq.NewTask(TypeGenerateThumbnail, body), opts...); err != nil {
		return unavailable("enqueue task", err)
	}
	return nil
}

func (c *AsynqChannel) Dequeue(ctx context.Context) (*Lease, error) {
	select {
	case lease := <-c.deliveries:
		return lease, nil
	case <-c.done:
		return nil, ErrChannelClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *AsynqChannel) Ack(_ context.Context, lease *Lease) error {
	return c.settle(lease, asynqSettlement{ack: true})
}

func (c *AsynqChannel) Nack(_ context.Context, lease *Lease, delay time.Duration) error {
	return c.settle(lease, asynqSettlement{delay: max(delay, 0)})
}

func (c *AsynqChannel) settle(lease *Lease, s asynqSettlement) error {
	receipt, ok := lease.token.(*asynqReceipt)
	if !ok {
		return fmt.Errorf("message %s: foreign lease", lease.ID)
	}
	if !receipt.settle(s) {
		return fmt.Errorf("message %s: %w", lease.ID, ErrLeaseLost)
	}
	return nil
}

func (c *AsynqChannel) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.server.Shutdown()
	})
	if err := c.client.Close(); err != nil {
		return fmt.Errorf("close asynq client: %w", err)
	}
	return nil
}

type asynqLogger struct {
	l *slog.Logger
}

func (a asynqLogger) Debug(args ...any) { a.l.Debug(fmt.Sprint(args...)) }
func (a asynqLogger) Info(args ...any)  { a.l.Info(fmt.Sprint(args...)) }
func (a asynqLogger) Warn(args ...any)  { a.l.Warn(fmt.Sprint(args...)) }
func (a asynqLogger) Error(args ...any) { a.l.Error(fmt.Sprint(args...)) }
func (a asynqLogger) Fatal(args ...any) { a.l.Error(fmt.Sprint(args...)) }
