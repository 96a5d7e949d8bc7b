package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dunamismax/thumbflow/internal/backoff"
	"github.com/dunamismax/thumbflow/internal/domain"
	"github.com/dunamismax/thumbflow/internal/id"
	"github.com/dunamismax/thumbflow/internal/logger"
	"github.com/dunamismax/thumbflow/internal/orchestrator"
	"github.com/dunamismax/thumbflow/internal/pipeline"
	"github.com/dunamismax/thumbflow/internal/query"
	"github.com/dunamismax/thumbflow/internal/queue"
	"github.com/dunamismax/thumbflow/internal/ratelimit"
	"github.com/dunamismax/thumbflow/internal/storage"
	"github.com/dunamismax/thumbflow/internal/store"
	"github.com/dunamismax/thumbflow/internal/testimage"
	"github.com/dunamismax/thumbflow/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stack struct {
	srv     *httptest.Server
	blobs   *storage.MemoryStore
	jobs    *store.MemoryJobStore
	channel *queue.MemoryChannel
	orch    *orchestrator.Orchestrator
}

type downChannel struct {
	*queue.MemoryChannel
}

func (downChannel) Enqueue(context.Context, queue.Task, time.Duration) error {
	return errors.Join(queue.ErrChannelUnavailable, errors.New("connection refused"))
}

type stackOption func(*stackConfig)

type stackConfig struct {
	enqueuer    orchestrator.Enqueuer
	withWorkers bool
	limiter     ratelimit.Limiter
	maxPixels   int64
}

func withoutWorkers() stackOption { return func(c *stackConfig) { c.withWorkers = false } }

func withBrokenChannel(ch *queue.MemoryChannel) stackOption {
	return func(c *stackConfig) { c.enqueuer = downChannel{ch} }
}

func withLimiter(l ratelimit.Limiter) stackOption { return func(c *stackConfig) { c.limiter = l } }

func withMaxSourcePixels(n int64) stackOption { return func(c *stackConfig) { c.maxPixels = n } }

func newStack(t *testing.T, opts ...stackOption) *stack {
	t.Helper()
	s := &stack{
		blobs:   storage.NewMemoryStore("test"),
		jobs:    store.NewMemoryJobStore(),
		channel: queue.NewMemoryChannel(time.Minute),
	}
	cfg := stackConfig{enqueuer: s.channel, withWorkers: true}
	for _, opt := range opts {
		opt(&cfg)
	}

	transformer, err := pipeline.DefaultTransformer()
	require.NoError(t, err)
	log := logger.Discard()
	s.orch = orchestrator.New(s.jobs, cfg.enqueuer, pipeline.NewExecutor(s.blobs, transformer, log), nil, orchestrator.Config{
		MaxAttempts: 3,
		Backoff:     backoff.Constant{Interval: 10 * time.Millisecond},
		TaskTimeout: 10 * time.Second,
		StaleAfter:  20 * time.Second,
	}, log)

	server := NewServer(log, s.orch, query.NewService(s.jobs, s.blobs, time.Hour), s.blobs, Config{
		MaxUploadBytes:  1 << 20,
		MaxSourcePixels: cfg.maxPixels,
		RateLimiter:     cfg.limiter,
	})
	s.srv = httptest.NewServer(server.Handler())
	t.Cleanup(s.srv.Close)

	if cfg.withWorkers {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		pool := worker.NewPool(s.channel, s.orch, worker.Config{Concurrency: 2}, log)
		go func() {
			defer close(done)
			_ = pool.Run(ctx)
		}()
		t.Cleanup(func() {
			cancel()
			<-done
		})
	}
	return s
}

func (s *stack) upload(t *testing.T, field string, image []byte, fields map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if image != nil {
		part, err := mw.CreateFormFile(field, "upload.bin")
		require.NoError(t, err)
		_, err = part.Write(image)
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())

	resp, err := http.Post(s.srv.URL+"/thumbnails/", mw.FormDataContentType(), &body)
	require.NoError(t, err)
	return resp, decodeBody(t, resp)
}

func (s *stack) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(s.srv.URL + path)
	require.NoError(t, err)
	return resp, decodeBody(t, resp)
}

func (s *stack) waitTerminal(t *testing.T, jobID string) map[string]any {
	t.Helper()
	var last map[string]any
	require.Eventually(t, func() bool {
		resp, err := http.Get(s.srv.URL + "/jobs/" + jobID)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		last = map[string]any{}
		if json.NewDecoder(resp.Body).Decode(&last) != nil {
			return false
		}
		return last["status"] == string(domain.JobStatusSucceeded) || last["status"] == string(domain.JobStatusFailed)
	}, 10*time.Second, 20*time.Millisecond)
	return last
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if len(data) > 0 {
		require.NoError(t, json.Unmarshal(data, &out), string(data))
	}
	return out
}

func TestThumbnailHappyPath(t *testing.T) {
	tests := []struct {
		name   string
		field  string
		image  func(testing.TB, int, int) []byte
		format string
	}{
		{name: "png", field: "image", image: testimage.PNG, format: "png"},
		{name: "jpeg", field: "file", image: testimage.JPEG, format: "jpeg"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStack(t)

			resp, body := s.upload(t, tt.field, tt.image(t, 512, 512), map[string]string{"size": "100"})
			require.Equal(t, http.StatusAccepted, resp.StatusCode, body)
			jobID, _ := body["job_id"].(string)
			require.True(t, id.Valid(jobID))
			assert.Equal(t, "queued", body["status"])
			assert.NotEmpty(t, body["message"])

			job := s.waitTerminal(t, jobID)
			require.Equal(t, "succeeded", job["status"], job)
			assert.EqualValues(t, 1, job["attempt_count"])
			assert.EqualValues(t, 3, job["max_attempts"])

			resp, body = s.get(t, "/jobs/"+jobID+"/thumbnail")
			require.Equal(t, http.StatusOK, resp.StatusCode, body)
			assert.EqualValues(t, 3600, body["expires_in"])

			data, contentType, err := s.blobs.Open(context.Background(), body["thumbnail_url"].(string))
			require.NoError(t, err)
			assert.Equal(t, "image/"+tt.format, contentType)
			format, w, h := testimage.Decode(t, data)
			assert.Equal(t, tt.format, format)
			assert.Equal(t, 100, w)
			assert.Equal(t, 100, h)
		})
	}
}

func TestThumbnailFormatAndDimensions(t *testing.T) {
	s := newStack(t)

	resp, body := s.upload(t, "image", testimage.PNG(t, 300, 200), map[string]string{
		"width": "60", "height": "40", "format": "gif",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, body)

	job := s.waitTerminal(t, body["job_id"].(string))
	require.Equal(t, "succeeded", job["status"], job)

	result := job["result"].(map[string]any)
	assert.Equal(t, "image/gif", result["content_type"])
	data, err := s.blobs.Get(context.Background(), result["key"].(string))
	require.NoError(t, err)
	format, w, h := testimage.Decode(t, data)
	assert.Equal(t, "gif", format)
	assert.Equal(t, 60, w)
	assert.Equal(t, 40, h)
}

func TestUploadValidation(t *testing.T) {
	s := newStack(t, withoutWorkers())
	png := testimage.PNG(t, 32, 32)

	tests := []struct {
		name   string
		image  []byte
		fields map[string]string
		want   string
	}{
		{name: "missing file", fields: map[string]string{"size": "50"}, want: "missing image file"},
		{name: "not an image", image: []byte("just some text, not pixels"), want: "unsupported image type"},
		{name: "empty file", image: []byte{}, want: "empty"},
		{name: "size too large", image: png, fields: map[string]string{"size": "2001"}, want: "width must be between"},
		{name: "size not a number", image: png, fields: map[string]string{"length": "big"}, want: "size must be an integer"},
		{name: "quality out of range", image: png, fields: map[string]string{"quality": "101"}, want: "quality"},
		{name: "unknown format", image: png, fields: map[string]string{"format": "bmp"}, want: "unsupported format"},
		{name: "bad webhook", image: png, fields: map[string]string{"webhook_url": "ftp://x"}, want: "webhook_url"},
		{name: "too large", image: bytes.Repeat([]byte{0x89}, 1<<20+10), want: "exceeds"},
		{name: "too many pixels", image: testimage.PNGHeader(16000, 16000), want: "above the limit"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := s.upload(t, "image", tt.image, tt.fields)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Contains(t, body["error"], tt.want)
		})
	}

	jobs, err := s.jobs.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, jobs, "rejected uploads must not create jobs")
	assert.Zero(t, s.blobs.Len(), "rejected uploads must not be stored")
}

func TestUploadPixelLimitIsConfigurable(t *testing.T) {
	s := newStack(t, withoutWorkers(), withMaxSourcePixels(32*32))

	resp, body := s.upload(t, "image", testimage.PNG(t, 32, 32), nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode, body)

	resp, body = s.upload(t, "image", testimage.JPEG(t, 33, 32), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "33x32")
	assert.Equal(t, 1, s.blobs.Len())
}

func TestSubmissionDuringChannelOutage(t *testing.T) {
	ch := queue.NewMemoryChannel(time.Minute)
	s := newStack(t, withoutWorkers(), withBrokenChannel(ch))

	resp, body := s.upload(t, "image", testimage.PNG(t, 64, 64), nil)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, body)
	jobID := body["job_id"].(string)
	assert.Equal(t, "failed", body["status"])

	resp, job := s.get(t, "/jobs/"+jobID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "failed", job["status"])
	assert.Equal(t, domain.ErrorKindDispatchFailed, job["error"].(map[string]any)["kind"])
	assert.Zero(t, ch.Len())
	assert.Zero(t, s.blobs.Len(), "the upload of an undispatched job is discarded")
}

func TestJobNotFound(t *testing.T) {
	s := newStack(t, withoutWorkers())

	for _, path := range []string{
		"/jobs/" + id.New(),
		"/jobs/not-a-uuid",
		"/jobs/" + id.New() + "/thumbnail",
	} {
		resp, body := s.get(t, path)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
		assert.Equal(t, "job not found", body["error"], path)
	}
}

func TestThumbnailNotReady(t *testing.T) {
	s := newStack(t, withoutWorkers())

	_, body := s.upload(t, "image", testimage.PNG(t, 64, 64), nil)
	jobID := body["job_id"].(string)

	resp, body := s.get(t, "/jobs/"+jobID+"/thumbnail")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "queued", body["status"])
}

func TestThumbnailBlobMissing(t *testing.T) {
	s := newStack(t)

	_, body := s.upload(t, "image", testimage.PNG(t, 64, 64), nil)
	jobID := body["job_id"].(string)
	job := s.waitTerminal(t, jobID)
	require.Equal(t, "succeeded", job["status"])

	key := job["result"].(map[string]any)["key"].(string)
	require.NoError(t, s.blobs.Delete(context.Background(), key))

	resp, body := s.get(t, "/jobs/"+jobID+"/thumbnail")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "thumbnail not found", body["error"])
}

func TestListJobsNewestFirst(t *testing.T) {
	s := newStack(t, withoutWorkers())

	var ids []string
	for range 3 {
		_, body := s.upload(t, "image", testimage.PNG(t, 16, 16), nil)
		ids = append(ids, body["job_id"].(string))
		time.Sleep(2 * time.Millisecond)
	}

	for _, path := range []string{"/jobs/", "/jobs"} {
		resp, body := s.get(t, path)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		jobs := body["jobs"].([]any)
		require.Len(t, jobs, 3)
		assert.Equal(t, ids[2], jobs[0].(map[string]any)["job_id"])
		assert.Equal(t, ids[0], jobs[2].(map[string]any)["job_id"])
	}
}

func TestHealthAndMetrics(t *testing.T) {
	s := newStack(t, withoutWorkers())

	resp, body := s.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	s.upload(t, "image", testimage.PNG(t, 16, 16), nil)

	resp, err := http.Get(s.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	text, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(text), `thumbflow_api_requests_total{method="POST",route="/thumbnails/",status="202"} 1`)
	assert.Contains(t, string(text), `thumbflow_api_jobs_submitted_total{result="accepted"} 1`)
	assert.Contains(t, string(text), `thumbflow_api_upload_bytes_count{format="png"} 1`)
	assert.Contains(t, string(text), `thumbflow_api_requests_in_flight 1`)
}

type denyLimiter struct {
	subjects []string
}

func (d *denyLimiter) Allow(_ context.Context, subject string) (ratelimit.Decision, error) {
	d.subjects = append(d.subjects, subject)
	return ratelimit.Decision{Allowed: false, RetryAfter: 1500 * time.Millisecond}, nil
}

func TestRateLimitedSubmission(t *testing.T) {
	limiter := &denyLimiter{}
	s := newStack(t, withoutWorkers(), withLimiter(limiter))

	resp, body := s.upload(t, "image", testimage.PNG(t, 16, 16), nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "rate limit exceeded", body["error"])
	assert.Equal(t, "2", resp.Header.Get("Retry-After"))
	require.Len(t, limiter.subjects, 1)
	assert.Equal(t, "127.0.0.1:/thumbnails/", limiter.subjects[0])

	// reads are never limited
	resp, _ = s.get(t, "/jobs/")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRateLimitHeadersFromMemoryBucket(t *testing.T) {
	limiter, err := ratelimit.NewMemoryTokenBucket(ratelimit.Policy{Capacity: 1, Window: time.Hour})
	require.NoError(t, err)
	s := newStack(t, withoutWorkers(), withLimiter(limiter))

	resp, _ := s.upload(t, "image", testimage.PNG(t, 16, 16), nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", resp.Header.Get("X-RateLimit-Remaining"))

	resp, _ = s.upload(t, "image", testimage.PNG(t, 16, 16), nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "3600", resp.Header.Get("Retry-After"))
}

func TestRouteLabel(t *testing.T) {
	assert.Equal(t, "/thumbnails/", routeLabel("/thumbnails"))
	assert.Equal(t, "/jobs/", routeLabel("/jobs/"))
	assert.Equal(t, "/jobs/{id}", routeLabel("/jobs/abc"))
	assert.Equal(t, "/jobs/{id}/thumbnail", routeLabel("/jobs/abc/thumbnail"))
	assert.Equal(t, "other", routeLabel("/wp-admin"))
}
