package bootstrap

import (
	"context"
	"testing"
	"time"

	"github.com/dunamismax/thumbflow/internal/config"
	"github.com/dunamismax/thumbflow/internal/domain"
	"github.com/dunamismax/thumbflow/internal/logger"
	"github.com/dunamismax/thumbflow/internal/orchestrator"
	"github.com/dunamismax/thumbflow/internal/queue"
	"github.com/dunamismax/thumbflow/internal/ratelimit"
	"github.com/dunamismax/thumbflow/internal/storage"
	"github.com/dunamismax/thumbflow/internal/store"
	"github.com/dunamismax/thumbflow/internal/testimage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memoryConfig() config.Config {
	cfg := config.Defaults()
	cfg.Queue.Backend = config.QueueMemory
	cfg.JobStore.Backend = config.JobStoreMemory
	cfg.Storage.Backend = config.StorageMemory
	return cfg
}

func TestOpenMemoryBackends(t *testing.T) {
	res, err := Open(context.Background(), memoryConfig(), logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = res.Close() })

	assert.IsType(t, &store.MemoryJobStore{}, res.Jobs)
	assert.IsType(t, &storage.MemoryStore{}, res.Blobs)
	assert.IsType(t, &queue.MemoryChannel{}, res.Channel)
	assert.Nil(t, res.Redis)
	require.NoError(t, res.StartConsuming())

	limiter, err := res.RateLimiter()
	require.NoError(t, err)
	assert.Nil(t, limiter)
}

func TestRateLimiterFallsBackToMemory(t *testing.T) {
	cfg := memoryConfig()
	cfg.API.RateLimit = 2
	cfg.API.RateWindow = time.Minute

	res, err := Open(context.Background(), cfg, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = res.Close() })

	limiter, err := res.RateLimiter()
	require.NoError(t, err)
	require.IsType(t, &ratelimit.MemoryTokenBucket{}, limiter)

	ctx := context.Background()
	for range 2 {
		d, err := limiter.Allow(ctx, "client")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}
	d, err := limiter.Allow(ctx, "client")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestOrchestratorUsesConfiguredPolicy(t *testing.T) {
	cfg := memoryConfig()
	cfg.Retry.MaxAttempts = 5

	res, err := Open(context.Background(), cfg, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = res.Close() })

	orch, err := res.Orchestrator()
	require.NoError(t, err)
	assert.Equal(t, 5, orch.MaxAttempts())

	ctx := context.Background()
	key := domain.SourceKey("job-boot", "png")
	require.NoError(t, res.Blobs.Put(ctx, key, testimage.PNG(t, 64, 64), "image/png"))
	job, err := orch.Submit(ctx, orchestrator.SubmitRequest{JobID: "job-boot", SourceKey: key})
	require.NoError(t, err)
	assert.Equal(t, 5, job.MaxAttempts)

	got, err := res.Queries().GetJob(ctx, "job-boot")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, got.Status)
	assert.Equal(t, 1, res.Channel.(*queue.MemoryChannel).Len())
}

func TestOpenFailsFastOnUnreachableRedis(t *testing.T) {
	cfg := memoryConfig()
	cfg.Queue.Backend = config.QueueRedis
	cfg.Redis.Addr = "127.0.0.1:1"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := Open(ctx, cfg, logger.Discard())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ping redis")
}

func TestSQLiteDSN(t *testing.T) {
	assert.Equal(t, "file:/var/lib/thumbflow.db?_busy_timeout=5000&_journal_mode=WAL", SQLiteDSN("/var/lib/thumbflow.db"))
}
