package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type jobView struct {
	JobID        string `json:"job_id"`
	Status       string `json:"status"`
	AttemptCount int    `json:"attempt_count"`
	MaxAttempts  int    `json:"max_attempts"`
	Params       struct {
		Width   int    `json:"width"`
		Height  int    `json:"height"`
		Format  string `json:"format"`
		Quality int    `json:"quality"`
	} `json:"params"`
	Result *struct {
		Key         string `json:"key"`
		ContentType string `json:"content_type"`
	} `json:"result,omitempty"`
	Error *struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (j jobView) terminal() bool {
	return j.Status == "succeeded" || j.Status == "failed"
}

type submitResponse struct {
	JobID   string `json:"job_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

type thumbnailResponse struct {
	JobID        string `json:"job_id"`
	ThumbnailURL string `json:"thumbnail_url"`
	ExpiresIn    int    `json:"expires_in"`
}

type apiError struct {
	StatusCode int
	Message    string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("api returned %d: %s", e.StatusCode, e.Message)
}

type client struct {
	baseURL string
	http    *http.Client
}

func newClient(baseURL string, timeout time.Duration) *client {
	return &client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

type submitOptions struct {
	Size       int
	Width      int
	Height     int
	Format     string
	Quality    int
	WebhookURL string
}

func (c *client) submit(ctx context.Context, path string, opts submitOptions) (submitResponse, error) {
	f, err := os.Open(path)
	if err != nil {
		return submitResponse{}, err
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("image", filepath.Base(path))
	if err != nil {
		return submitResponse{}, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return submitResponse{}, fmt.Errorf("read %s: %w", path, err)
	}

	fields := map[string]string{"format": opts.Format, "webhook_url": opts.WebhookURL}
	for name, v := range map[string]int{"size": opts.Size, "width": opts.Width, "height": opts.Height, "quality": opts.Quality} {
		if v > 0 {
			fields[name] = fmt.Sprint(v)
		}
	}
	for name, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(name, v); err != nil {
			return submitResponse{}, err
		}
	}
	if err := mw.Close(); err != nil {
		return submitResponse{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/thumbnails/", &body)
	if err != nil {
		return submitResponse{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out submitResponse
	return out, c.do(req, &out)
}

func (c *client) job(ctx context.Context, id string) (jobView, error) {
	var out jobView
	return out, c.get(ctx, "/jobs/"+url.PathEscape(id), &out)
}

func (c *client) jobs(ctx context.Context) ([]jobView, error) {
	var out struct {
		Jobs []jobView `json:"jobs"`
	}
	return out.Jobs, c.get(ctx, "/jobs/", &out)
}

func (c *client) thumbnail(ctx context.Context, id string) (thumbnailResponse, error) {
	var out thumbnailResponse
	return out, c.get(ctx, "/jobs/"+url.PathEscape(id)+"/thumbnail", &out)
}

func (c *client) wait(ctx context.Context, id string, interval time.Duration) (jobView, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		job, err := c.job(ctx, id)
		if err != nil {
			return job, err
		}
		if job.terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(data, &body)
		if body.Error == "" {
			body.Error = strings.TrimSpace(string(data))
		}
		return &apiError{StatusCode: resp.StatusCode, Message: body.Error}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
