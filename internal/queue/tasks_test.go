package queue

import (
	"testing"
	"time"

	"github.com/dunamismax/thumbflow/internal/domain"
)

func TestTaskRoundTrip(t *testing.T) {
	task := Task{
		JobID:           "job-123",
		SourceKey:       "original/job-123.png",
		Params:          domain.ThumbnailParams{Width: 100, Height: 100, Format: "png", Quality: 85},
		DeliveryAttempt: 2,
		EnqueuedAt:      time.Now().UTC(),
	}

	body, err := EncodeTask(task)
	if err != nil {
		t.Fatalf("EncodeTask returned error: %v", err)
	}

	parsed, err := DecodeTask(body)
	if err != nil {
		t.Fatalf("DecodeTask returned error: %v", err)
	}

	if parsed.JobID != task.JobID {
		t.Fatalf("expected job_id %q, got %q", task.JobID, parsed.JobID)
	}
	if parsed.DeliveryAttempt != 2 {
		t.Fatalf("expected delivery_attempt 2, got %d", parsed.DeliveryAttempt)
	}
	if parsed.Params != task.Params {
		t.Fatalf("expected params %+v, got %+v", task.Params, parsed.Params)
	}
}

func TestDecodeTaskRejectsMalformedBodies(t *testing.T) {
	cases := map[string]string{
		"not json":         `{`,
		"missing job id":   `{"delivery_attempt":1}`,
		"zero attempt":     `{"job_id":"a","delivery_attempt":0}`,
		"negative attempt": `{"job_id":"a","delivery_attempt":-1}`,
	}
	for name, body := range cases {
		if _, err := DecodeTask([]byte(body)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
