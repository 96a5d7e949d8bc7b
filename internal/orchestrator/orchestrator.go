package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dunamismax/thumbflow/internal/backoff"
	"github.com/dunamismax/thumbflow/internal/domain"
	"github.com/dunamismax/thumbflow/internal/queue"
	"github.com/dunamismax/thumbflow/internal/store"
)

const (
	ReasonSucceeded          = "succeeded"
	ReasonFailed             = "failed"
	ReasonRetryScheduled     = "retry_scheduled"
	ReasonRetriesExhausted   = "retries_exhausted"
	ReasonDuplicate          = "duplicate"
	ReasonUnknownJob         = "unknown_job"
	ReasonSettling           = "settling"
	ReasonInFlight           = "in_flight"
	ReasonStoreError         = "store_error"
	ReasonRetryEnqueueFailed = "retry_enqueue_failed"
	ReasonSuperseded         = "superseded"
)

const dispatchMarkAttempts = 3

type Enqueuer interface {
	Enqueue(ctx context.Context, task queue.Task, delay time.Duration) error
}

type Executor interface {
	Execute(ctx context.Context, task queue.Task) domain.Outcome
}

type Notifier interface {
	Notify(ctx context.Context, job domain.Job) error
}

type Config struct {
	MaxAttempts int
	Backoff     backoff.Strategy

	TaskTimeout time.Duration
	// StaleAfter must exceed TaskTimeout.
	StaleAfter time.Duration

	SettleDelay     time.Duration
	StoreRetryDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 3
	}
	if c.Backoff == nil {
		c.Backoff = backoff.NewExponential(time.Second, time.Minute)
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 2 * time.Minute
	}
	if c.StaleAfter <= c.TaskTimeout {
		c.StaleAfter = c.TaskTimeout + 30*time.Second
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = time.Second
	}
	if c.StoreRetryDelay <= 0 {
		c.StoreRetryDelay = 2 * time.Second
	}
	return c
}

type Disposition struct {
	Requeue bool
	Delay   time.Duration
	Reason  string
}

func ack(reason string) Disposition {
	return Disposition{Reason: reason}
}

func requeue(reason string, delay time.Duration) Disposition {
	return Disposition{Requeue: true, Delay: delay, Reason: reason}
}

type SubmitRequest struct {
	JobID      string
	SourceKey  string
	Params     domain.ThumbnailParams
	WebhookURL string
}

type Orchestrator struct {
	jobs     store.JobStore
	tasks    Enqueuer
	executor Executor
	notifier Notifier
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

func New(jobs store.JobStore, tasks Enqueuer, executor Executor, notifier Notifier, cfg Config, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		jobs:     jobs,
		tasks:    tasks,
		executor: executor,
		notifier: notifier,
		cfg:      cfg.withDefaults(),
		logger:   logger.With("component", "orchestrator"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (o *Orchestrator) MaxAttempts() int {
	return o.cfg.MaxAttempts
}

func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (domain.Job, error) {
	if strings.TrimSpace(req.JobID) == "" {
		return domain.Job{}, domain.NewValidationError("job id is required")
	}
	if strings.TrimSpace(req.SourceKey) == "" {
		return domain.Job{}, domain.NewValidationError("source key is required")
	}
	params := req.Params.Normalize()
	if err := params.Validate(); err != nil {
		return domain.Job{}, domain.NewValidationError("%s", err.Error())
	}

	now := o.now()
	job := domain.NewJob(req.JobID, req.SourceKey, params, o.cfg.MaxAttempts, now)
	job.WebhookURL = strings.TrimSpace(req.WebhookURL)
	if err := o.jobs.Create(ctx, job); err != nil {
		if errors.Is(err, store.ErrJobExists) {
			return domain.Job{}, domain.NewValidationError("job %s already exists", req.JobID)
		}
		return domain.Job{}, fmt.Errorf("create job record: %w", err)
	}

	task := queue.Task{
		JobID:           job.ID,
		SourceKey:       job.SourceKey,
		Params:          job.Params,
		DeliveryAttempt: 1,
		NotBefore:       now,
		EnqueuedAt:      now,
	}
	if err := o.tasks.Enqueue(ctx, task, 0); err != nil {
		o.logger.Error("dispatch failed", "job_id", job.ID, "error", err)
		failed, terr := o.markDispatchFailed(ctx, job, err)
		if terr != nil {
			o.logger.Error("job stranded in queued with no task", "job_id", job.ID,
				"source_key", job.SourceKey, "dispatch_error", err, "error", terr)
		} else {
			job = failed
			o.notify(ctx, job)
		}
		return job, &domain.DispatchError{JobID: job.ID, Err: err}
	}

	o.logger.Info("job submitted", "job_id", job.ID, "source_key", job.SourceKey,
		"width", params.Width, "height", params.Height, "format", params.Format)
	return job, nil
}

func (o *Orchestrator) markDispatchFailed(ctx context.Context, job domain.Job, cause error) (domain.Job, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dispatchMarkAttempts*o.cfg.StoreRetryDelay+10*time.Second)
	defer cancel()

	change := store.Change{
		Status:       domain.JobStatusFailed,
		AttemptCount: job.AttemptCount,
		Error:        &domain.ErrorInfo{Kind: domain.ErrorKindDispatchFailed, Message: cause.Error()},
	}
	var err error
	for i := range dispatchMarkAttempts {
		if i > 0 {
			select {
			case <-ctx.Done():
				return job, errors.Join(err, ctx.Err())
			case <-time.After(o.cfg.StoreRetryDelay):
			}
		}
		var failed domain.Job
		failed, err = o.jobs.Transition(ctx, job.ID, store.ExpectOf(job), change)
		switch {
		case err == nil:
			return failed, nil
		case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrJobNotFound):
			return job, err
		}
	}
	return job, err
}

func (o *Orchestrator) Handle(ctx context.Context, task queue.Task) Disposition {
	log := o.logger.With("job_id", task.JobID, "delivery_attempt", task.DeliveryAttempt)

	job, err := o.jobs.Get(ctx, task.JobID)
	if errors.Is(err, store.ErrJobNotFound) {
		log.Warn("task for unknown job dropped")
		return ack(ReasonUnknownJob)
	}
	if err != nil {
		log.Error("load job", "error", err)
		return requeue(ReasonStoreError, o.cfg.StoreRetryDelay)
	}

	d, a := task.DeliveryAttempt, job.AttemptCount
	switch {
	case job.Status == domain.JobStatusQueued && a == d-1:
		return o.claimAndExecute(ctx, log, job, d)

	case job.Status == domain.JobStatusInProgress && a == d-1:
		// The retry beat the requeue write, or that write was lost.
		age := o.now().Sub(job.UpdatedAt)
		if age < o.cfg.StaleAfter {
			return requeue(ReasonSettling, o.settleDelay(age))
		}
		log.Warn("requeue of attempt never landed, reclaiming", "attempt", a, "age", age)
		requeued, err := o.jobs.Transition(ctx, job.ID, store.ExpectOf(job), store.Change{
			Status:       domain.JobStatusQueued,
			AttemptCount: a,
		})
		switch {
		case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrJobNotFound):
			return ack(ReasonDuplicate)
		case err != nil:
			log.Error("requeue job", "error", err)
			return requeue(ReasonStoreError, o.cfg.StoreRetryDelay)
		}
		return o.claimAndExecute(ctx, log, requeued, d)

	case job.Status == domain.JobStatusInProgress && a == d:
		age := o.now().Sub(job.UpdatedAt)
		if age < o.cfg.StaleAfter {
			return requeue(ReasonInFlight, o.cfg.StaleAfter-age)
		}
		log.Warn("attempt abandoned, recovering", "attempt", a, "age", age)
		cause := fmt.Errorf("%s: attempt %d did not finish within %s", domain.ErrorKindWorkerLost, a, o.cfg.StaleAfter)
		return o.retryOrFail(ctx, log, job, cause)

	default:
		log.Debug("duplicate delivery dropped", "status", job.Status, "attempt_count", a)
		return ack(ReasonDuplicate)
	}
}

func (o *Orchestrator) settleDelay(age time.Duration) time.Duration {
	return max(o.cfg.SettleDelay, min(age, o.cfg.StaleAfter-age))
}

func (o *Orchestrator) claimAndExecute(ctx context.Context, log *slog.Logger, job domain.Job, attempt int) Disposition {
	claimed, err := o.jobs.Transition(ctx, job.ID, store.ExpectOf(job), store.Change{
		Status:       domain.JobStatusInProgress,
		AttemptCount: attempt,
	})
	switch {
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrJobNotFound):
		return ack(ReasonDuplicate)
	case err != nil:
		log.Error("claim job", "error", err)
		return requeue(ReasonStoreError, o.cfg.StoreRetryDelay)
	}

	log.Info("attempt started", "attempt", attempt, "max_attempts", claimed.MaxAttempts)

	execCtx, cancel := context.WithTimeout(ctx, o.cfg.TaskTimeout)
	outcome := o.executor.Execute(execCtx, queue.Task{
		JobID:           claimed.ID,
		SourceKey:       claimed.SourceKey,
		Params:          claimed.Params,
		DeliveryAttempt: attempt,
	})
	cancel()

	return o.apply(ctx, log, claimed, outcome)
}

func (o *Orchestrator) apply(ctx context.Context, log *slog.Logger, job domain.Job, outcome domain.Outcome) Disposition {
	switch outcome.Kind {
	case domain.OutcomeSuccess:
		result := outcome.Result
		return o.finish(ctx, log, job, store.Change{
			Status:       domain.JobStatusSucceeded,
			AttemptCount: job.AttemptCount,
			Result:       &result,
		}, ReasonSucceeded)

	case domain.OutcomePermanentFailure:
		log.Warn("attempt failed permanently", "attempt", job.AttemptCount, "error", outcome.Cause)
		return o.finish(ctx, log, job, store.Change{
			Status:       domain.JobStatusFailed,
			AttemptCount: job.AttemptCount,
			Error:        outcome.ErrorInfo(),
		}, ReasonFailed)

	default:
		log.Warn("attempt failed", "attempt", job.AttemptCount, "error", outcome.Cause)
		return o.retryOrFail(ctx, log, job, outcome.Cause)
	}
}

func (o *Orchestrator) retryOrFail(ctx context.Context, log *slog.Logger, job domain.Job, cause error) Disposition {
	a := job.AttemptCount
	if a >= job.MaxAttempts {
		return o.finish(ctx, log, job, store.Change{
			Status:       domain.JobStatusFailed,
			AttemptCount: a,
			Error: &domain.ErrorInfo{
				Kind:    domain.ErrorKindRetriesExhausted,
				Message: fmt.Sprintf("gave up after %d attempts: %v", a, cause),
			},
		}, ReasonRetriesExhausted)
	}

	delay := o.cfg.Backoff.Delay(a)
	now := o.now()
	retry := queue.Task{
		JobID:           job.ID,
		SourceKey:       job.SourceKey,
		Params:          job.Params,
		DeliveryAttempt: a + 1,
		NotBefore:       now.Add(delay),
		EnqueuedAt:      now,
	}
	if err := o.tasks.Enqueue(ctx, retry, delay); err != nil {
		log.Error("enqueue retry", "error", err)
		return requeue(ReasonRetryEnqueueFailed, max(delay, o.cfg.StoreRetryDelay))
	}

	_, err := o.jobs.Transition(ctx, job.ID, store.ExpectOf(job), store.Change{
		Status:       domain.JobStatusQueued,
		AttemptCount: a,
	})
	switch {
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrJobNotFound):
		return ack(ReasonSuperseded)
	case err != nil:
		log.Error("requeue job", "error", err)
		return requeue(ReasonStoreError, o.cfg.StoreRetryDelay)
	}

	log.Info("retry scheduled", "next_attempt", a+1, "delay", delay)
	return ack(ReasonRetryScheduled)
}

func (o *Orchestrator) finish(ctx context.Context, log *slog.Logger, job domain.Job, change store.Change, reason string) Disposition {
	done, err := o.jobs.Transition(ctx, job.ID, store.ExpectOf(job), change)
	switch {
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrJobNotFound):
		return ack(ReasonSuperseded)
	case err != nil:
		log.Error("record outcome", "status", change.Status, "error", err)
		return requeue(ReasonStoreError, o.cfg.StoreRetryDelay)
	}

	log.Info("job finished", "status", done.Status, "attempts", done.AttemptCount)
	o.notify(ctx, done)
	return ack(reason)
}

func (o *Orchestrator) notify(ctx context.Context, job domain.Job) {
	if o.notifier == nil || job.WebhookURL == "" {
		return
	}
	if err := o.notifier.Notify(ctx, job); err != nil {
		o.logger.Warn("webhook delivery failed", "job_id", job.ID, "status", job.Status, "error", err)
	}
}
