package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/thumbflow/internal/domain"
	"github.com/dunamismax/thumbflow/internal/id"
	"github.com/dunamismax/thumbflow/internal/orchestrator"
	"github.com/dunamismax/thumbflow/internal/pipeline"
	"github.com/dunamismax/thumbflow/internal/ratelimit"
	"github.com/dunamismax/thumbflow/internal/storage"
	"github.com/dunamismax/thumbflow/internal/telemetry"
	"github.com/gabriel-vasile/mimetype"
	"go.opentelemetry.io/otel/trace"
)

const defaultMaxUploadBytes = 10 << 20

type Submitter interface {
	Submit(ctx context.Context, req orchestrator.SubmitRequest) (domain.Job, error)
}

type Queries interface {
	GetJob(ctx context.Context, id string) (domain.Job, error)
	GetResultURL(ctx context.Context, id string) (string, error)
	ListJobs(ctx context.Context) ([]domain.Job, error)
	PresignTTL() time.Duration
}

type Config struct {
	MaxUploadBytes  int64
	MaxSourcePixels int64
	RateLimiter     ratelimit.Limiter
	RateLimitSubjectHeader string
}

type Server struct {
	logger          *slog.Logger
	submitter       Submitter
	queries         Queries
	blobs           storage.BlobStore
	maxUploadBytes  int64
	maxSourcePixels int64

	rateLimiter            ratelimit.Limiter
	rateLimitSubjectHeader string

	metrics *metrics
	tracer  trace.Tracer
	mux     *http.ServeMux
}

func NewServer(logger *slog.Logger, submitter Submitter, queries Queries, blobs storage.BlobStore, cfg Config) *Server {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUploadBytes
	}
	if cfg.MaxSourcePixels <= 0 {
		cfg.MaxSourcePixels = pipeline.DefaultMaxSourcePixels
	}
	if cfg.RateLimitSubjectHeader == "" {
		cfg.RateLimitSubjectHeader = "X-Client-ID"
	}

	s := &Server{
		logger:                 logger.With("component", "api"),
		submitter:              submitter,
		queries:                queries,
		blobs:                  blobs,
		maxUploadBytes:         cfg.MaxUploadBytes,
		maxSourcePixels:        cfg.MaxSourcePixels,
		rateLimiter:            cfg.RateLimiter,
		rateLimitSubjectHeader: cfg.RateLimitSubjectHeader,
		metrics:                newMetrics(),
		tracer:                 telemetry.Tracer("api"),
		mux:                    http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.instrument(s.withRateLimit(s.mux))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("GET /health", s.handleHealthz)
	s.mux.Handle("GET /metrics", s.metrics.handler())

	s.mux.HandleFunc("POST /thumbnails", s.handleCreateThumbnail)
	s.mux.HandleFunc("POST /thumbnails/{$}", s.handleCreateThumbnail)
	s.mux.HandleFunc("GET /jobs", s.handleListJobs)
	s.mux.HandleFunc("GET /jobs/{$}", s.handleListJobs)
	s.mux.HandleFunc("GET /jobs/{id}", s.handleGetJob)
	s.mux.HandleFunc("GET /jobs/{id}/thumbnail", s.handleGetThumbnail)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateThumbnail(w http.ResponseWriter, r *http.Request) {
	upload, err := s.readUpload(w, r)
	if err != nil {
		s.rejectSubmission(w, err)
		return
	}
	params, err := parseThumbnailParams(r)
	if err != nil {
		s.rejectSubmission(w, err)
		return
	}
	webhookURL, err := parseWebhookURL(r.FormValue("webhook_url"))
	if err != nil {
		s.rejectSubmission(w, err)
		return
	}

	jobID := id.New()
	annotateJob(r.Context(), jobID)
	sourceKey := domain.SourceKey(jobID, domain.ExtensionForFormat(upload.format))
	if err := s.blobs.Put(r.Context(), sourceKey, upload.data, upload.contentType); err != nil {
		s.logger.Error("store upload", "job_id", jobID, "source_key", sourceKey, "error", err)
		s.metrics.submissions.WithLabelValues(submitError).Inc()
		writeError(w, http.StatusInternalServerError, "failed to store upload")
		return
	}

	job, err := s.submitter.Submit(r.Context(), orchestrator.SubmitRequest{
		JobID:      jobID,
		SourceKey:  sourceKey,
		Params:     params,
		WebhookURL: webhookURL,
	})

	var (
		validationErr *domain.ValidationError
		dispatchErr   *domain.DispatchError
	)
	switch {
	case errors.As(err, &validationErr):
		s.discardSource(sourceKey)
		s.rejectSubmission(w, validationErr)
		return
	case errors.As(err, &dispatchErr):
		s.discardSource(sourceKey)
		s.metrics.submissions.WithLabelValues(submitDispatchFailed).Inc()
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"job_id": job.ID,
			"status": job.Status,
			"error":  "thumbnail job could not be dispatched, try again later",
		})
		return
	case err != nil:
		s.logger.Error("submit job", "job_id", jobID, "error", err)
		s.discardSource(sourceKey)
		s.metrics.submissions.WithLabelValues(submitError).Inc()
		writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	s.metrics.submissions.WithLabelValues(submitAccepted).Inc()
	s.metrics.uploadBytes.WithLabelValues(upload.format).Observe(float64(len(upload.data)))
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":  job.ID,
		"status":  job.Status,
		"message": "thumbnail job accepted",
	})
}

func (s *Server) discardSource(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.blobs.Delete(ctx, key); err != nil {
		s.logger.Warn("discard upload", "source_key", key, "error", err)
	}
}

func (s *Server) rejectSubmission(w http.ResponseWriter, err error) {
	s.metrics.submissions.WithLabelValues(submitInvalid).Inc()
	writeError(w, http.StatusBadRequest, err.Error())
}

type upload struct {
	data        []byte
	contentType string
	format      string
}

func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) (upload, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes+(1<<20))
	if err := r.ParseMultipartForm(s.maxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return upload{}, fmt.Errorf("upload exceeds %d bytes", s.maxUploadBytes)
		}
		return upload{}, fmt.Errorf("invalid multipart form: %w", err)
	}

	file, _, err := r.FormFile("image")
	if errors.Is(err, http.ErrMissingFile) {
		file, _, err = r.FormFile("file")
	}
	if err != nil {
		return upload{}, errors.New("missing image file")
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, s.maxUploadBytes+1))
	if err != nil {
		return upload{}, fmt.Errorf("read upload: %w", err)
	}
	if len(data) == 0 {
		return upload{}, errors.New("image file is empty")
	}
	if int64(len(data)) > s.maxUploadBytes {
		return upload{}, fmt.Errorf("upload exceeds %d bytes", s.maxUploadBytes)
	}

	mtype := mimetype.Detect(data)
	format, ok := domain.FormatForContentType(mtype.String())
	if !ok {
		return upload{}, fmt.Errorf("unsupported image type %s", mtype.String())
	}
	if err := pipeline.CheckSourceSize(data, s.maxSourcePixels); err != nil {
		return upload{}, domain.NewValidationError("%s", err.Error())
	}
	return upload{data: data, contentType: mtype.String(), format: format}, nil
}

func parseThumbnailParams(r *http.Request) (domain.ThumbnailParams, error) {
	var (
		p   domain.ThumbnailParams
		err error
	)

	size := r.FormValue("size")
	if size == "" {
		size = r.FormValue("length")
	}
	if p.Width, err = formInt(size, "size"); err != nil {
		return p, err
	}
	p.Height = p.Width

	if v := r.FormValue("width"); v != "" {
		if p.Width, err = formInt(v, "width"); err != nil {
			return p, err
		}
	}
	if v := r.FormValue("height"); v != "" {
		if p.Height, err = formInt(v, "height"); err != nil {
			return p, err
		}
	}
	if p.Quality, err = formInt(r.FormValue("quality"), "quality"); err != nil {
		return p, err
	}
	p.Format = r.FormValue("format")

	p = p.Normalize()
	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}

func formInt(value, field string) (int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", field)
	}
	if n < 1 {
		return 0, fmt.Errorf("%s must be positive", field)
	}
	return n, nil
}

func parseWebhookURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", errors.New("webhook_url must be an absolute http(s) URL")
	}
	return u.String(), nil
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if !id.Valid(jobID) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	job, err := s.queries.GetJob(r.Context(), jobID)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("get job", "job_id", jobID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	writeJSON(w, http.StatusOK, newJobView(job))
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.queries.ListJobs(r.Context())
	if err != nil {
		s.logger.Error("list jobs", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	views := make([]jobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, newJobView(job))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": views})
}

func (s *Server) handleGetThumbnail(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if !id.Valid(jobID) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	annotateJob(r.Context(), jobID)

	thumbnailURL, err := s.queries.GetResultURL(r.Context(), jobID)
	var notReady *domain.NotReadyError
	switch {
	case errors.Is(err, domain.ErrResultMissing):
		s.metrics.resultURLs.WithLabelValues("missing").Inc()
		writeError(w, http.StatusNotFound, "thumbnail not found")
		return
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
		return
	case errors.As(err, &notReady):
		s.metrics.resultURLs.WithLabelValues("not_ready").Inc()
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"job_id": jobID,
			"status": notReady.Status,
			"error":  "thumbnail is not ready",
		})
		return
	case err != nil:
		s.logger.Error("get thumbnail url", "job_id", jobID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load thumbnail")
		return
	}

	s.metrics.resultURLs.WithLabelValues("issued").Inc()
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":        jobID,
		"thumbnail_url": thumbnailURL,
		"expires_in":    int(s.queries.PresignTTL().Seconds()),
	})
}

type jobView struct {
	JobID        string                 `json:"job_id"`
	Status       domain.JobStatus       `json:"status"`
	AttemptCount int                    `json:"attempt_count"`
	MaxAttempts  int                    `json:"max_attempts"`
	Params       domain.ThumbnailParams `json:"params"`
	Result       *domain.Result         `json:"result,omitempty"`
	Error        *domain.ErrorInfo      `json:"error,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

func newJobView(job domain.Job) jobView {
	return jobView{
		JobID:        job.ID,
		Status:       job.Status,
		AttemptCount: job.AttemptCount,
		MaxAttempts:  job.MaxAttempts,
		Params:       job.Params,
		Result:       job.Result,
		Error:        job.Error,
		CreatedAt:    job.CreatedAt,
		UpdatedAt:    job.UpdatedAt,
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
