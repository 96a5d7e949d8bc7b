package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dunamismax/thumbflow/internal/domain"
	"github.com/dunamismax/thumbflow/internal/queue"
	"github.com/dunamismax/thumbflow/internal/storage"
)

type Executor struct {
	blobs       storage.BlobStore
	transformer Transformer
	logger      *slog.Logger
}

func NewExecutor(blobs storage.BlobStore, transformer Transformer, logger *slog.Logger) *Executor {
	return &Executor{
		blobs:       blobs,
		transformer: transformer,
		logger:      logger.With("component", "executor"),
	}
}

func (e *Executor) Execute(ctx context.Context, task queue.Task) domain.Outcome {
	result, err := e.run(ctx, task)
	if err != nil {
		return domain.OutcomeFromError(err)
	}
	return domain.Success(result)
}

func (e *Executor) run(ctx context.Context, task queue.Task) (domain.Result, error) {
	startedAt := time.Now()

	params := task.Params.Normalize()
	if err := params.Validate(); err != nil {
		return domain.Result{}, domain.Permanent(domain.ErrorKindInvalidParams, err)
	}

	source, err := e.blobs.Get(ctx, task.SourceKey)
	if err != nil {
		return domain.Result{}, fmt.Errorf("fetch stage: %w", err)
	}

	data, format, width, height, err := e.transformer.Transform(ctx, source, params)
	if err != nil {
		return domain.Result{}, fmt.Errorf("transform stage: %w", err)
	}

	result := domain.Result{
		Key:         domain.ResultKey(task.JobID, domain.ExtensionForFormat(format)),
		ContentType: domain.ContentTypeForFormat(format),
	}
	if err := e.blobs.Put(ctx, result.Key, data, result.ContentType); err != nil {
		return domain.Result{}, fmt.Errorf("emit stage: %w", err)
	}

	e.logger.Debug("thumbnail written",
		"job_id", task.JobID,
		"attempt", task.DeliveryAttempt,
		"key", result.Key,
		"width", width,
		"height", height,
		"source_bytes", len(source),
		"output_bytes", len(data),
		"duration", time.Since(startedAt),
	)
	return result, nil
}
