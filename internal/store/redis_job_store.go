package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/thumbflow/internal/domain"
	"github.com/redis/go-redis/v9"
)

const (
	redisJobKeyPrefix = "thumbflow:job:"
	redisJobIndexKey  = "thumbflow:jobs"
	maxTxRetries      = 16
)

type redisJobRecord struct {
	ID           string                 `json:"id"`
	Status       domain.JobStatus       `json:"status"`
	AttemptCount int                    `json:"attempt_count"`
	MaxAttempts  int                    `json:"max_attempts"`
	SourceKey    string                 `json:"source_key"`
	Params       domain.ThumbnailParams `json:"params"`
	Result       *domain.Result         `json:"result,omitempty"`
	Error        *domain.ErrorInfo      `json:"error,omitempty"`
	WebhookURL   string                 `json:"webhook_url,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

type RedisJobStore struct {
	rdb *redis.Client
}

func NewRedisJobStore(rdb *redis.Client) *RedisJobStore {
	return &RedisJobStore{rdb: rdb}
}

func (s *RedisJobStore) Create(ctx context.Context, job domain.Job) error {
	payload, err := json.Marshal(recordFromJob(job))
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	var created *redis.BoolCmd
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		created = pipe.SetNX(ctx, redisJobKey(job.ID), payload, 0)
		pipe.ZAddNX(ctx, redisJobIndexKey, redis.Z{Score: float64(job.CreatedAt.UnixNano()), Member: job.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	if !created.Val() {
		return ErrJobExists
	}
	return nil
}

func (s *RedisJobStore) Get(ctx context.Context, id string) (domain.Job, error) {
	return s.get(ctx, s.rdb, id)
}

func (s *RedisJobStore) get(ctx context.Context, c redis.Cmdable, id string) (domain.Job, error) {
	data, err := c.Get(ctx, redisJobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Job{}, ErrJobNotFound
	}
	if err != nil {
		return domain.Job{}, fmt.Errorf("get job: %w", err)
	}

	var rec redisJobRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return domain.Job{}, fmt.Errorf("unmarshal job: %w", err)
	}
	return rec.toJob(), nil
}

func (s *RedisJobStore) List(ctx context.Context) ([]domain.Job, error) {
	ids, err := s.rdb.ZRevRange(ctx, redisJobIndexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list job ids: %w", err)
	}
	if len(ids) == 0 {
		return []domain.Job{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = redisJobKey(id)
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}

	jobs := make([]domain.Job, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var rec redisJobRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal job: %w", err)
		}
		jobs = append(jobs, rec.toJob())
	}
	sortNewestFirst(jobs)
	return jobs, nil
}

func (s *RedisJobStore) Transition(ctx context.Context, id string, expect Expect, change Change) (domain.Job, error) {
	key := redisJobKey(id)

	var next domain.Job
	txf := func(tx *redis.Tx) error {
		current, err := s.get(ctx, tx, id)
		if err != nil {
			return err
		}
		if !matches(current, expect) {
			return ErrConflict
		}
		if err := change.validate(current); err != nil {
			return err
		}

		next = change.apply(current, time.Now().UTC())
		payload, err := json.Marshal(recordFromJob(next))
		if err != nil {
			return fmt.Errorf("marshal job: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return domain.Job{}, err
		}
		return next, nil
	}
	return domain.Job{}, fmt.Errorf("transition job %s: %w", id, ErrConflict)
}

func redisJobKey(id string) string {
	return redisJobKeyPrefix + id
}

func recordFromJob(job domain.Job) redisJobRecord {
	return redisJobRecord{
		ID:           job.ID,
		Status:       job.Status,
		AttemptCount: job.AttemptCount,
		MaxAttempts:  job.MaxAttempts,
		SourceKey:    job.SourceKey,
		Params:       job.Params,
		Result:       job.Result,
		Error:        job.Error,
		WebhookURL:   job.WebhookURL,
		CreatedAt:    job.CreatedAt.UTC(),
		UpdatedAt:    job.UpdatedAt.UTC(),
	}
}

func (r redisJobRecord) toJob() domain.Job {
	return domain.Job{
		ID:           r.ID,
		Status:       r.Status,
		AttemptCount: r.AttemptCount,
		MaxAttempts:  r.MaxAttempts,
		SourceKey:    r.SourceKey,
		Params:       r.Params,
		Result:       r.Result,
		Error:        r.Error,
		WebhookURL:   r.WebhookURL,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}
