package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/thumbflow/internal/domain"
)

var (
	ErrJobNotFound = fmt.Errorf("job %w", domain.ErrNotFound)
	ErrJobExists   = errors.New("job already exists")

	ErrConflict = errors.New("job transition conflict")

	ErrInvalidTransition = errors.New("invalid job status transition")
)

type JobStore interface {
	Create(ctx context.Context, job domain.Job) error
	Get(ctx context.Context, id string) (domain.Job, error)
	List(ctx context.Context) ([]domain.Job, error)
	Transition(ctx context.Context, id string, expect Expect, change Change) (domain.Job, error)
}

type Expect struct {
	Status       domain.JobStatus
	AttemptCount int
}

type Change struct {
	Status       domain.JobStatus
	AttemptCount int
	Result       *domain.Result
	Error        *domain.ErrorInfo
}

func ExpectOf(job domain.Job) Expect {
	return Expect{Status: job.Status, AttemptCount: job.AttemptCount}
}

func (c Change) validate(current domain.Job) error {
	if !domain.CanTransition(current.Status, c.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, c.Status)
	}
	if c.AttemptCount < current.AttemptCount || c.AttemptCount > current.MaxAttempts {
		return fmt.Errorf("%w: attempt_count %d -> %d (max %d)", ErrInvalidTransition, current.AttemptCount, c.AttemptCount, current.MaxAttempts)
	}
	if c.Status == domain.JobStatusSucceeded && c.Result == nil {
		return fmt.Errorf("%w: succeeded requires a result", ErrInvalidTransition)
	}
	if c.Status == domain.JobStatusFailed && c.Error == nil {
		return fmt.Errorf("%w: failed requires an error", ErrInvalidTransition)
	}
	return nil
}

// updated_at never moves back.
func (c Change) apply(current domain.Job, now time.Time) domain.Job {
	next := current
	next.Status = c.Status
	next.AttemptCount = c.AttemptCount
	next.Result = nil
	next.Error = nil
	if c.Status == domain.JobStatusSucceeded {
		r := *c.Result
		next.Result = &r
	}
	if c.Status == domain.JobStatusFailed {
		e := *c.Error
		next.Error = &e
	}
	if now.After(current.UpdatedAt) {
		next.UpdatedAt = now
	}
	return next
}

func matches(job domain.Job, expect Expect) bool {
	return job.Status == expect.Status && job.AttemptCount == expect.AttemptCount
}
