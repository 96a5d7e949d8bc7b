package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusSucceeded  JobStatus = "succeeded"
	JobStatusFailed     JobStatus = "failed"
)

const (
	DefaultThumbnailSize = 100
	MaxThumbnailSize     = 2000
	DefaultQuality       = 85
)

var transitions = map[JobStatus][]JobStatus{
	JobStatusQueued:     {JobStatusInProgress, JobStatusFailed},
	JobStatusInProgress: {JobStatusQueued, JobStatusSucceeded, JobStatusFailed},
}

func CanTransition(from, to JobStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s JobStatus) Terminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed
}

func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusInProgress, JobStatusSucceeded, JobStatusFailed:
		return true
	default:
		return false
	}
}

type ThumbnailParams struct {
	Width   int    `json:"width"`
	Height  int    `json:"height"`
	Format  string `json:"format,omitempty"`
	Quality int    `json:"quality,omitempty"`
}

type Result struct {
	Key         string `json:"key"`
	ContentType string `json:"content_type"`
}

type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type Job struct {
	ID           string
	Status       JobStatus
	AttemptCount int
	MaxAttempts  int
	SourceKey    string
	Params       ThumbnailParams
	Result       *Result
	Error        *ErrorInfo
	WebhookURL   string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func NewJob(id, sourceKey string, params ThumbnailParams, maxAttempts int, now time.Time) Job {
	return Job{
		ID:           id,
		Status:       JobStatusQueued,
		AttemptCount: 0,
		MaxAttempts:  maxAttempts,
		SourceKey:    sourceKey,
		Params:       params,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func (j Job) CheckInvariants() error {
	if !j.Status.Valid() {
		return fmt.Errorf("job %s: unknown status %q", j.ID, j.Status)
	}
	if j.MaxAttempts < 1 {
		return fmt.Errorf("job %s: max_attempts must be positive, got %d", j.ID, j.MaxAttempts)
	}
	if j.AttemptCount < 0 || j.AttemptCount > j.MaxAttempts {
		return fmt.Errorf("job %s: attempt_count %d outside [0, %d]", j.ID, j.AttemptCount, j.MaxAttempts)
	}
	if (j.Result != nil) != (j.Status == JobStatusSucceeded) {
		return fmt.Errorf("job %s: result must be set iff status is %s", j.ID, JobStatusSucceeded)
	}
	if (j.Error != nil) != (j.Status == JobStatusFailed) {
		return fmt.Errorf("job %s: error must be set iff status is %s", j.ID, JobStatusFailed)
	}
	if j.UpdatedAt.Before(j.CreatedAt) {
		return fmt.Errorf("job %s: updated_at precedes created_at", j.ID)
	}
	return nil
}

func (p ThumbnailParams) Normalize() ThumbnailParams {
	if p.Width == 0 && p.Height == 0 {
		p.Width, p.Height = DefaultThumbnailSize, DefaultThumbnailSize
	}
	if p.Width == 0 {
		p.Width = p.Height
	}
	if p.Height == 0 {
		p.Height = p.Width
	}
	p.Format = strings.ToLower(strings.TrimSpace(p.Format))
	if p.Format == "jpg" {
		p.Format = "jpeg"
	}
	if p.Quality == 0 {
		p.Quality = DefaultQuality
	}
	return p
}

func (p ThumbnailParams) Validate() error {
	if p.Width < 1 || p.Width > MaxThumbnailSize {
		return fmt.Errorf("width must be between 1 and %d", MaxThumbnailSize)
	}
	if p.Height < 1 || p.Height > MaxThumbnailSize {
		return fmt.Errorf("height must be between 1 and %d", MaxThumbnailSize)
	}
	if p.Quality < 1 || p.Quality > 100 {
		return errors.New("quality must be between 1 and 100")
	}
	switch p.Format {
	case "", "jpeg", "png", "gif", "webp":
	default:
		return fmt.Errorf("unsupported format: %s", p.Format)
	}
	return nil
}
