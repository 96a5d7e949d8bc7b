package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/thumbflow/internal/domain"
)

const TypeGenerateThumbnail = "thumbnail:generate"

type Task struct {
	JobID           string                 `json:"job_id"`
	SourceKey       string                 `json:"source_key"`
	Params          domain.ThumbnailParams `json:"params"`
	DeliveryAttempt int                    `json:"delivery_attempt"`
	NotBefore       time.Time              `json:"not_before,omitempty"`
	EnqueuedAt      time.Time              `json:"enqueued_at"`
}

func EncodeTask(task Task) ([]byte, error) {
	if task.JobID == "" {
		return nil, errors.New("task job_id is required")
	}
	body, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("marshal task: %w", err)
	}
	return body, nil
}

func DecodeTask(body []byte) (Task, error) {
	var task Task
	if err := json.Unmarshal(body, &task); err != nil {
		return Task{}, fmt.Errorf("unmarshal task: %w", err)
	}
	if task.JobID == "" {
		return Task{}, errors.New("task job_id is required")
	}
	if task.DeliveryAttempt < 1 {
		return Task{}, fmt.Errorf("task %s: delivery_attempt must be positive, got %d", task.JobID, task.DeliveryAttempt)
	}
	return task, nil
}
