package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/thumbflow/internal/domain"
	"github.com/dunamismax/thumbflow/internal/storage"
	"github.com/dunamismax/thumbflow/internal/store"
)

type Service struct {
	jobs       store.JobStore
	blobs      storage.BlobStore
	presignTTL time.Duration
}

func NewService(jobs store.JobStore, blobs storage.BlobStore, presignTTL time.Duration) *Service {
	if presignTTL <= 0 {
		presignTTL = time.Hour
	}
	return &Service{jobs: jobs, blobs: blobs, presignTTL: presignTTL}
}

func (s *Service) PresignTTL() time.Duration {
	return s.presignTTL
}

func (s *Service) GetJob(ctx context.Context, id string) (domain.Job, error) {
	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		return domain.Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

func (s *Service) GetResultURL(ctx context.Context, id string) (string, error) {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return "", err
	}
	if job.Status != domain.JobStatusSucceeded || job.Result == nil {
		return "", &domain.NotReadyError{Status: job.Status}
	}

	exists, err := s.blobs.Exists(ctx, job.Result.Key)
	if err != nil {
		return "", fmt.Errorf("check result %s: %w", job.Result.Key, err)
	}
	if !exists {
		return "", fmt.Errorf("job %s: %w", id, domain.ErrResultMissing)
	}

	url, err := s.blobs.Presign(ctx, job.Result.Key, s.presignTTL)
	if errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("job %s: %w", id, domain.ErrResultMissing)
	}
	if err != nil {
		return "", fmt.Errorf("presign result %s: %w", job.Result.Key, err)
	}
	return url, nil
}

func (s *Service) ListJobs(ctx context.Context) ([]domain.Job, error) {
	jobs, err := s.jobs.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}
