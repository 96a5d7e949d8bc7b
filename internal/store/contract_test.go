package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dunamismax/thumbflow/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runJobStoreContract exercises behavior every JobStore backend must share.
func runJobStoreContract(t *testing.T, newStore func(t *testing.T) JobStore) {
	t.Helper()

	base := time.Now().UTC().Truncate(time.Millisecond)
	newJob := func(id string, offset time.Duration) domain.Job {
		params := domain.ThumbnailParams{Width: 100, Height: 100, Format: "png", Quality: 85}
		return domain.NewJob(id, domain.SourceKey(id, "png"), params, 3, base.Add(offset))
	}

	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		job := newJob("job-create", 0)
		job.WebhookURL = "http://hooks.local/done"

		require.NoError(t, s.Create(ctx, job))
		got, err := s.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, job.ID, got.ID)
		assert.Equal(t, domain.JobStatusQueued, got.Status)
		assert.Equal(t, 0, got.AttemptCount)
		assert.Equal(t, 3, got.MaxAttempts)
		assert.Equal(t, job.SourceKey, got.SourceKey)
		assert.Equal(t, job.Params, got.Params)
		assert.Equal(t, job.WebhookURL, got.WebhookURL)
		assert.True(t, job.CreatedAt.Equal(got.CreatedAt))
		assert.NoError(t, got.CheckInvariants())
	})

	t.Run("duplicate create", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		job := newJob("job-dup", 0)
		require.NoError(t, s.Create(ctx, job))
		assert.ErrorIs(t, s.Create(ctx, job), ErrJobExists)
	})

	t.Run("unknown job", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(context.Background(), "nope")
		assert.ErrorIs(t, err, ErrJobNotFound)
		assert.ErrorIs(t, err, domain.ErrNotFound)

		_, err = s.Transition(context.Background(), "nope",
			Expect{Status: domain.JobStatusQueued},
			Change{Status: domain.JobStatusInProgress, AttemptCount: 1})
		assert.ErrorIs(t, err, ErrJobNotFound)
	})

	t.Run("list newest first", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			require.NoError(t, s.Create(ctx, newJob(fmt.Sprintf("job-list-%d", i), time.Duration(i)*time.Second)))
		}

		jobs, err := s.List(ctx)
		require.NoError(t, err)
		require.Len(t, jobs, 3)
		assert.Equal(t, "job-list-2", jobs[0].ID)
		assert.Equal(t, "job-list-1", jobs[1].ID)
		assert.Equal(t, "job-list-0", jobs[2].ID)
	})

	t.Run("full lifecycle", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		job := newJob("job-life", 0)
		require.NoError(t, s.Create(ctx, job))

		claimed, err := s.Transition(ctx, job.ID, ExpectOf(job),
			Change{Status: domain.JobStatusInProgress, AttemptCount: 1})
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusInProgress, claimed.Status)
		assert.Equal(t, 1, claimed.AttemptCount)
		assert.False(t, claimed.UpdatedAt.Before(job.UpdatedAt))

		requeued, err := s.Transition(ctx, job.ID, ExpectOf(claimed),
			Change{Status: domain.JobStatusQueued, AttemptCount: 1})
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusQueued, requeued.Status)

		claimed, err = s.Transition(ctx, job.ID, ExpectOf(requeued),
			Change{Status: domain.JobStatusInProgress, AttemptCount: 2})
		require.NoError(t, err)

		result := &domain.Result{Key: domain.ResultKey(job.ID, "png"), ContentType: "image/png"}
		done, err := s.Transition(ctx, job.ID, ExpectOf(claimed),
			Change{Status: domain.JobStatusSucceeded, AttemptCount: 2, Result: result})
		require.NoError(t, err)
		require.NotNil(t, done.Result)
		assert.Equal(t, result.Key, done.Result.Key)
		assert.NoError(t, done.CheckInvariants())

		stored, err := s.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusSucceeded, stored.Status)
		assert.Equal(t, 2, stored.AttemptCount)
		require.NotNil(t, stored.Result)
		assert.Equal(t, "image/png", stored.Result.ContentType)
		assert.Nil(t, stored.Error)
		assert.NoError(t, stored.CheckInvariants())
	})

	t.Run("stale expectation conflicts", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		job := newJob("job-stale", 0)
		require.NoError(t, s.Create(ctx, job))

		_, err := s.Transition(ctx, job.ID, ExpectOf(job), Change{Status: domain.JobStatusInProgress, AttemptCount: 1})
		require.NoError(t, err)

		_, err = s.Transition(ctx, job.ID, ExpectOf(job), Change{Status: domain.JobStatusInProgress, AttemptCount: 1})
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("terminal states reject changes", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		job := newJob("job-terminal", 0)
		require.NoError(t, s.Create(ctx, job))

		failed, err := s.Transition(ctx, job.ID, ExpectOf(job), Change{
			Status: domain.JobStatusFailed,
			Error:  &domain.ErrorInfo{Kind: domain.ErrorKindDispatchFailed, Message: "queue down"},
		})
		require.NoError(t, err)
		assert.NoError(t, failed.CheckInvariants())

		for _, next := range []domain.JobStatus{domain.JobStatusQueued, domain.JobStatusInProgress, domain.JobStatusSucceeded} {
			_, err := s.Transition(ctx, job.ID, ExpectOf(failed), Change{
				Status: next,
				Result: &domain.Result{Key: "k", ContentType: "image/png"},
			})
			assert.ErrorIs(t, err, ErrInvalidTransition, "failed -> %s", next)
		}

		stored, err := s.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusFailed, stored.Status)
		require.NotNil(t, stored.Error)
		assert.Equal(t, domain.ErrorKindDispatchFailed, stored.Error.Kind)
	})

	t.Run("attempt count bounded", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		job := newJob("job-bound", 0)
		require.NoError(t, s.Create(ctx, job))

		_, err := s.Transition(ctx, job.ID, ExpectOf(job), Change{Status: domain.JobStatusInProgress, AttemptCount: 4})
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("concurrent claims have one winner", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		job := newJob("job-race", 0)
		require.NoError(t, s.Create(ctx, job))

		const contenders = 8
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < contenders; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Transition(ctx, job.ID, ExpectOf(job), Change{Status: domain.JobStatusInProgress, AttemptCount: 1})
				if err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
					return
				}
				assert.ErrorIs(t, err, ErrConflict)
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})
}
