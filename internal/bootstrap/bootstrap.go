package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dunamismax/thumbflow/internal/backoff"
	"github.com/dunamismax/thumbflow/internal/config"
	"github.com/dunamismax/thumbflow/internal/orchestrator"
	"github.com/dunamismax/thumbflow/internal/pipeline"
	"github.com/dunamismax/thumbflow/internal/query"
	"github.com/dunamismax/thumbflow/internal/queue"
	"github.com/dunamismax/thumbflow/internal/ratelimit"
	"github.com/dunamismax/thumbflow/internal/storage"
	"github.com/dunamismax/thumbflow/internal/store"
	"github.com/dunamismax/thumbflow/internal/webhook"
	"github.com/redis/go-redis/v9"
)

type Resources struct {
	Jobs    store.JobStore
	Blobs   storage.BlobStore
	Channel queue.Channel
	Redis   *redis.Client

	cfg     config.Config
	logger  *slog.Logger
	closers []func() error
}

func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *Resources, err error) {
	r := &Resources{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = r.Close()
		}
	}()

	if cfg.UsesRedis() {
		if err := r.openRedis(ctx); err != nil {
			return nil, err
		}
	}
	if err := r.openJobStore(ctx); err != nil {
		return nil, err
	}
	if err := r.openBlobStore(ctx); err != nil {
		return nil, err
	}
	if err := r.openChannel(); err != nil {
		return nil, err
	}

	logger.Info("backends ready",
		"queue", cfg.Queue.Backend,
		"jobstore", cfg.JobStore.Backend,
		"storage", cfg.Storage.Backend,
	)
	return r, nil
}

func (r *Resources) openRedis(ctx context.Context) error {
	rdb := redis.NewClient(r.cfg.Redis.Options())
	r.closers = append(r.closers, rdb.Close)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis %s: %w", r.cfg.Redis.Addr, err)
	}
	r.Redis = rdb
	return nil
}

func (r *Resources) openJobStore(ctx context.Context) error {
	switch r.cfg.JobStore.Backend {
	case config.JobStoreMemory:
		r.Jobs = store.NewMemoryJobStore()
	case config.JobStoreRedis:
		r.Jobs = store.NewRedisJobStore(r.Redis)
	case config.JobStorePostgres, config.JobStoreSQLite:
		driver, dsn := store.DriverPostgres, r.cfg.JobStore.PostgresDSN
		if r.cfg.JobStore.Backend == config.JobStoreSQLite {
			driver, dsn = store.DriverSQLite, SQLiteDSN(r.cfg.JobStore.SQLitePath)
		}
		s, err := store.NewSQLJobStore(ctx, driver, dsn, r.logger)
		if err != nil {
			return err
		}
		r.closers = append(r.closers, s.Close)
		r.Jobs = s
	default:
		return fmt.Errorf("unknown jobstore backend %q", r.cfg.JobStore.Backend)
	}
	return nil
}

func SQLiteDSN(path string) string {
	return "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL"
}

func (r *Resources) openBlobStore(ctx context.Context) error {
	switch r.cfg.Storage.Backend {
	case config.StorageMemory:
		r.Blobs = storage.NewMemoryStore(r.cfg.Storage.Bucket)
	case config.StorageMinio:
		s, err := storage.NewMinioStore(storage.Config{
			Endpoint:       r.cfg.Storage.Endpoint,
			PublicEndpoint: r.cfg.Storage.PublicEndpoint,
			Region:         r.cfg.Storage.Region,
			AccessKey:      r.cfg.Storage.AccessKey,
			SecretKey:      r.cfg.Storage.SecretKey,
			Bucket:         r.cfg.Storage.Bucket,
			UseSSL:         r.cfg.Storage.UseSSL,
		})
		if err != nil {
			return err
		}
		if err := s.EnsureBucket(ctx); err != nil {
			return err
		}
		r.Blobs = s
	default:
		return fmt.Errorf("unknown storage backend %q", r.cfg.Storage.Backend)
	}
	return nil
}

func (r *Resources) openChannel() error {
	q := r.cfg.Queue
	switch q.Backend {
	case config.QueueMemory:
		r.Channel = queue.NewMemoryChannel(q.Visibility)
	case config.QueueRedis:
		r.Channel = queue.NewRedisChannel(r.Redis, queue.RedisChannelConfig{
			Queue:        q.Name,
			Visibility:   q.Visibility,
			PollInterval: q.PollInterval,
		})
	case config.QueueAsynq:
		r.Channel = queue.NewAsynqChannel(queue.AsynqConfig{
			Redis:       r.cfg.Redis.RedisClientOpt(),
			Queue:       q.Name,
			Visibility:  q.Visibility,
			Concurrency: r.cfg.Worker.Concurrency,
			Logger:      r.logger,
		})
	case config.QueueAMQP:
		c, err := queue.NewAMQPChannel(queue.AMQPConfig{
			URL:            r.cfg.AMQP.URL,
			Queue:          q.Name,
			Prefetch:       r.cfg.AMQP.Prefetch,
			ReconnectDelay: r.cfg.AMQP.ReconnectDelay,
			Logger:         r.logger,
		})
		if err != nil {
			return err
		}
		r.Channel = c
	default:
		return fmt.Errorf("unknown queue backend %q", q.Backend)
	}
	r.closers = append(r.closers, r.Channel.Close)
	return nil
}

type consumerStarter interface {
	Start() error
}

func (r *Resources) StartConsuming() error {
	if c, ok := r.Channel.(consumerStarter); ok {
		return c.Start()
	}
	return nil
}

func (r *Resources) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		errs = append(errs, r.closers[i]())
	}
	r.closers = nil
	return errors.Join(errs...)
}

func (r *Resources) Queries() *query.Service {
	return query.NewService(r.Jobs, r.Blobs, r.cfg.API.PresignTTL)
}

func (r *Resources) Orchestrator() (*orchestrator.Orchestrator, error) {
	transformer, err := pipeline.NewTransformer(r.cfg.Worker.MaxSourcePixels)
	if err != nil {
		return nil, fmt.Errorf("create transformer: %w", err)
	}

	notifier := webhook.NewNotifier(webhook.NewClient(webhook.Config{
		SigningSecret:  r.cfg.Webhook.SigningSecret,
		Timeout:        r.cfg.Webhook.Timeout,
		MaxAttempts:    r.cfg.Webhook.MaxAttempts,
		InitialBackoff: r.cfg.Webhook.InitialBackoff,
		MaxBackoff:     r.cfg.Webhook.MaxBackoff,
		Logger:         r.logger,
	}))

	return orchestrator.New(
		r.Jobs,
		r.Channel,
		pipeline.NewExecutor(r.Blobs, transformer, r.logger),
		notifier,
		orchestrator.Config{
			MaxAttempts: r.cfg.Retry.MaxAttempts,
			Backoff:     backoff.NewExponential(r.cfg.Retry.BaseDelay, r.cfg.Retry.MaxDelay),
			TaskTimeout: r.cfg.Worker.TaskTimeout,
			StaleAfter:  r.cfg.Worker.StaleAfter,
		},
		r.logger,
	), nil
}

// RateLimiter returns nil when rate limiting is disabled.
func (r *Resources) RateLimiter() (ratelimit.Limiter, error) {
	if r.cfg.API.RateLimit <= 0 {
		return nil, nil
	}
	policy := ratelimit.Policy{Capacity: r.cfg.API.RateLimit, Window: r.cfg.API.RateWindow}
	if r.Redis != nil {
		return ratelimit.NewRedisTokenBucket(r.Redis, policy, ratelimit.DefaultKeyPrefix)
	}
	return ratelimit.NewMemoryTokenBucket(policy)
}
