package query

import (
	"context"
	"testing"
	"time"

	"github.com/dunamismax/thumbflow/internal/domain"
	"github.com/dunamismax/thumbflow/internal/storage"
	"github.com/dunamismax/thumbflow/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T, jobs store.JobStore, id string, created time.Time, changes ...store.Change) domain.Job {
	t.Helper()
	ctx := context.Background()
	job := domain.NewJob(id, domain.SourceKey(id, "png"), domain.ThumbnailParams{}.Normalize(), 3, created)
	require.NoError(t, jobs.Create(ctx, job))
	for _, c := range changes {
		var err error
		job, err = jobs.Transition(ctx, id, store.ExpectOf(job), c)
		require.NoError(t, err)
	}
	return job
}

func succeeded(id string) []store.Change {
	return []store.Change{
		{Status: domain.JobStatusInProgress, AttemptCount: 1},
		{Status: domain.JobStatusSucceeded, AttemptCount: 1, Result: &domain.Result{Key: domain.ResultKey(id, "png"), ContentType: "image/png"}},
	}
}

func TestGetResultURLGating(t *testing.T) {
	ctx := context.Background()
	jobs := store.NewMemoryJobStore()
	blobs := storage.NewMemoryStore("test")
	svc := NewService(jobs, blobs, time.Hour)
	now := time.Now().UTC()

	_, err := svc.GetResultURL(ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	seed(t, jobs, "queued", now)
	_, err = svc.GetResultURL(ctx, "queued")
	var notReady *domain.NotReadyError
	require.ErrorAs(t, err, &notReady)
	assert.Equal(t, domain.JobStatusQueued, notReady.Status)

	seed(t, jobs, "running", now, store.Change{Status: domain.JobStatusInProgress, AttemptCount: 1})
	_, err = svc.GetResultURL(ctx, "running")
	require.ErrorAs(t, err, &notReady)
	assert.Equal(t, domain.JobStatusInProgress, notReady.Status)

	seed(t, jobs, "failed", now, store.Change{
		Status: domain.JobStatusFailed,
		Error:  &domain.ErrorInfo{Kind: domain.ErrorKindDispatchFailed, Message: "down"},
	})
	_, err = svc.GetResultURL(ctx, "failed")
	require.ErrorAs(t, err, &notReady)
	assert.Equal(t, domain.JobStatusFailed, notReady.Status)

	// Succeeded but the object was removed by retention.
	seed(t, jobs, "expired", now, succeeded("expired")...)
	_, err = svc.GetResultURL(ctx, "expired")
	assert.ErrorIs(t, err, domain.ErrResultMissing)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	seed(t, jobs, "done", now, succeeded("done")...)
	require.NoError(t, blobs.Put(ctx, domain.ResultKey("done", "png"), []byte("png"), "image/png"))
	url, err := svc.GetResultURL(ctx, "done")
	require.NoError(t, err)
	assert.Contains(t, url, "thumbnail/done.png")

	data, contentType, err := blobs.Open(ctx, url)
	require.NoError(t, err)
	assert.Equal(t, []byte("png"), data)
	assert.Equal(t, "image/png", contentType)
}

func TestListJobsNewestFirst(t *testing.T) {
	jobs := store.NewMemoryJobStore()
	svc := NewService(jobs, storage.NewMemoryStore("test"), 0)
	base := time.Now().UTC()

	seed(t, jobs, "old", base.Add(-time.Hour))
	seed(t, jobs, "new", base)
	seed(t, jobs, "mid", base.Add(-time.Minute))

	list, err := svc.ListJobs(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []string{"new", "mid", "old"}, []string{list[0].ID, list[1].ID, list[2].ID})
	assert.Equal(t, time.Hour, svc.PresignTTL())
}

func TestGetJob(t *testing.T) {
	jobs := store.NewMemoryJobStore()
	svc := NewService(jobs, storage.NewMemoryStore("test"), time.Hour)
	seed(t, jobs, "a", time.Now().UTC())

	job, err := svc.GetJob(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, job.Status)

	_, err = svc.GetJob(context.Background(), "b")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
