package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dunamismax/thumbflow/internal/backoff"
	"github.com/dunamismax/thumbflow/internal/domain"
	"github.com/dunamismax/thumbflow/internal/logger"
	"github.com/dunamismax/thumbflow/internal/orchestrator"
	"github.com/dunamismax/thumbflow/internal/pipeline"
	"github.com/dunamismax/thumbflow/internal/queue"
	"github.com/dunamismax/thumbflow/internal/storage"
	"github.com/dunamismax/thumbflow/internal/store"
	"github.com/dunamismax/thumbflow/internal/testimage"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type handlerFunc func(ctx context.Context, task queue.Task) orchestrator.Disposition

func (f handlerFunc) Handle(ctx context.Context, task queue.Task) orchestrator.Disposition {
	return f(ctx, task)
}

func startPool(t *testing.T, p *Pool) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, p.Run(ctx))
	}()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("pool did not stop")
		}
	}
}

func TestPoolAcksHandledTasks(t *testing.T) {
	channel := queue.NewMemoryChannel(time.Minute)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, channel.Enqueue(context.Background(), queue.Task{JobID: id, DeliveryAttempt: 1}, 0))
	}

	pool := NewPool(channel, handlerFunc(func(context.Context, queue.Task) orchestrator.Disposition {
		return orchestrator.Disposition{Reason: orchestrator.ReasonSucceeded}
	}), Config{Concurrency: 2}, logger.Discard())
	stop := startPool(t, pool)
	defer stop()

	require.Eventually(t, func() bool { return channel.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 3.0, testutil.ToFloat64(pool.metrics.tasksTotal.WithLabelValues("ack", orchestrator.ReasonSucceeded)))
	assert.Equal(t, 0.0, testutil.ToFloat64(pool.metrics.activeTasks))
}

func TestPoolNacksRequeuedTasks(t *testing.T) {
	channel := queue.NewMemoryChannel(time.Minute)
	require.NoError(t, channel.Enqueue(context.Background(), queue.Task{JobID: "job-1", DeliveryAttempt: 1}, 0))

	var (
		mu    sync.Mutex
		calls int
	)
	pool := NewPool(channel, handlerFunc(func(context.Context, queue.Task) orchestrator.Disposition {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return orchestrator.Disposition{Requeue: true, Delay: 20 * time.Millisecond, Reason: orchestrator.ReasonSettling}
		}
		return orchestrator.Disposition{Reason: orchestrator.ReasonDuplicate}
	}), Config{Concurrency: 1}, logger.Discard())
	stop := startPool(t, pool)
	defer stop()

	require.Eventually(t, func() bool { return channel.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, 2, calls)
	mu.Unlock()
	assert.Equal(t, 1.0, testutil.ToFloat64(pool.metrics.tasksTotal.WithLabelValues("nack", orchestrator.ReasonSettling)))
	assert.Equal(t, 1.0, testutil.ToFloat64(pool.metrics.tasksTotal.WithLabelValues("ack", orchestrator.ReasonDuplicate)))
}

func TestPoolStopsWhenChannelCloses(t *testing.T) {
	channel := queue.NewMemoryChannel(time.Minute)
	pool := NewPool(channel, handlerFunc(func(context.Context, queue.Task) orchestrator.Disposition {
		return orchestrator.Disposition{}
	}), Config{Concurrency: 3}, logger.Discard())

	done := make(chan error, 1)
	go func() { done <- pool.Run(context.Background()) }()

	require.NoError(t, channel.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop after channel close")
	}
}

func TestPoolFinishesInFlightTaskOnShutdown(t *testing.T) {
	channel := queue.NewMemoryChannel(time.Minute)
	require.NoError(t, channel.Enqueue(context.Background(), queue.Task{JobID: "slow", DeliveryAttempt: 1}, 0))

	started := make(chan struct{})
	release := make(chan struct{})
	pool := NewPool(channel, handlerFunc(func(ctx context.Context, _ queue.Task) orchestrator.Disposition {
		close(started)
		<-release
		assert.NoError(t, ctx.Err())
		return orchestrator.Disposition{Reason: orchestrator.ReasonSucceeded}
	}), Config{Concurrency: 1}, logger.Discard())
	stop := startPool(t, pool)

	<-started
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()
	stop()

	assert.Equal(t, 0, channel.Len())
}

func TestPoolRunsThumbnailJobsEndToEnd(t *testing.T) {
	ctx := context.Background()
	blobs := storage.NewMemoryStore("test")
	jobs := store.NewMemoryJobStore()
	channel := queue.NewMemoryChannel(time.Minute)

	transformer, err := pipeline.DefaultTransformer()
	require.NoError(t, err)
	executor := pipeline.NewExecutor(blobs, transformer, logger.Discard())
	orch := orchestrator.New(jobs, channel, executor, nil, orchestrator.Config{
		MaxAttempts: 3,
		Backoff:     backoff.Constant{},
		TaskTimeout: 10 * time.Second,
		StaleAfter:  20 * time.Second,
	}, logger.Discard())

	sourceKey := domain.SourceKey("job-e2e", "png")
	require.NoError(t, blobs.Put(ctx, sourceKey, testimage.PNG(t, 512, 512), "image/png"))
	_, err = orch.Submit(ctx, orchestrator.SubmitRequest{
		JobID:     "job-e2e",
		SourceKey: sourceKey,
		Params:    domain.ThumbnailParams{Width: 100, Height: 100},
	})
	require.NoError(t, err)

	stop := startPool(t, NewPool(channel, orch, Config{Concurrency: 2}, logger.Discard()))
	defer stop()

	require.Eventually(t, func() bool {
		job, err := jobs.Get(ctx, "job-e2e")
		return err == nil && job.Status.Terminal()
	}, 10*time.Second, 20*time.Millisecond)

	job, err := jobs.Get(ctx, "job-e2e")
	require.NoError(t, err)
	require.Equal(t, domain.JobStatusSucceeded, job.Status)
	assert.Equal(t, 1, job.AttemptCount)
	require.NotNil(t, job.Result)
	assert.Equal(t, domain.ResultKey("job-e2e", "png"), job.Result.Key)

	data, err := blobs.Get(ctx, job.Result.Key)
	require.NoError(t, err)
	format, w, h := testimage.Decode(t, data)
	assert.Equal(t, "png", format)
	assert.Equal(t, 100, w)
	assert.Equal(t, 100, h)
}
