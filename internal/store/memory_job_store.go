package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dunamismax/thumbflow/internal/domain"
)

type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]domain.Job
	now  func() time.Time
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		jobs: make(map[string]domain.Job),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryJobStore) Create(ctx context.Context, job domain.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return ErrJobExists
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *MemoryJobStore) Get(ctx context.Context, id string) (domain.Job, error) {
	if err := ctx.Err(); err != nil {
		return domain.Job{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, ErrJobNotFound
	}
	return cloneJob(job), nil
}

func (s *MemoryJobStore) List(ctx context.Context) ([]domain.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	jobs := make([]domain.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, cloneJob(job))
	}
	s.mu.RUnlock()

	sortNewestFirst(jobs)
	return jobs, nil
}

func (s *MemoryJobStore) Transition(ctx context.Context, id string, expect Expect, change Change) (domain.Job, error) {
	if err := ctx.Err(); err != nil {
		return domain.Job{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, ErrJobNotFound
	}
	if !matches(job, expect) {
		return domain.Job{}, ErrConflict
	}
	if err := change.validate(job); err != nil {
		return domain.Job{}, err
	}

	next := change.apply(job, s.now())
	s.jobs[id] = next
	return cloneJob(next), nil
}

func cloneJob(job domain.Job) domain.Job {
	if job.Result != nil {
		r := *job.Result
		job.Result = &r
	}
	if job.Error != nil {
		e := *job.Error
		job.Error = &e
	}
	return job
}

func sortNewestFirst(jobs []domain.Job) {
	sort.SliceStable(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
}
