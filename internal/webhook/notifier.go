package webhook

import (
	"context"
	"time"

	"github.com/dunamismax/thumbflow/internal/domain"
)

const (
	EventJobCompleted = "job.completed"
	EventJobFailed    = "job.failed"
)

type JobPayload struct {
	JobID        string            `json:"job_id"`
	Status       domain.JobStatus  `json:"status"`
	AttemptCount int               `json:"attempt_count"`
	Result       *domain.Result    `json:"result,omitempty"`
	Error        *domain.ErrorInfo `json:"error,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	FinishedAt   time.Time         `json:"finished_at"`
}

type Notifier struct {
	client *Client
}

func NewNotifier(client *Client) *Notifier {
	return &Notifier{client: client}
}

func (n *Notifier) Notify(ctx context.Context, job domain.Job) error {
	if job.WebhookURL == "" || !job.Status.Terminal() {
		return nil
	}

	event := EventJobCompleted
	if job.Status == domain.JobStatusFailed {
		event = EventJobFailed
	}
	return n.client.Send(ctx, job.WebhookURL, event, JobPayload{
		JobID:        job.ID,
		Status:       job.Status,
		AttemptCount: job.AttemptCount,
		Result:       job.Result,
		Error:        job.Error,
		CreatedAt:    job.CreatedAt,
		FinishedAt:   job.UpdatedAt,
	})
}
