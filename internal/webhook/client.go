package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/thumbflow/internal/backoff"
	"github.com/google/uuid"
)

const (
	HeaderSignature = "X-Thumbflow-Signature"
	HeaderTimestamp = "X-Thumbflow-Timestamp"
	HeaderEvent     = "X-Thumbflow-Event"
	HeaderDelivery  = "X-Thumbflow-Delivery"
)

type Config struct {
	SigningSecret  string
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Logger         *slog.Logger
}

type Client struct {
	http        *http.Client
	secret      string
	maxAttempts int
	backoff     backoff.Exponential
	logger      *slog.Logger
}

type StatusError struct {
	StatusCode int
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook receiver answered %d", e.StatusCode)
}

func (e *StatusError) Temporary() bool {
	switch {
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= 400 && e.StatusCode < 500:
		return false
	default:
		return true
	}
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		http:        &http.Client{Timeout: cfg.Timeout},
		secret:      cfg.SigningSecret,
		maxAttempts: max(cfg.MaxAttempts, 1),
		backoff:     backoff.NewExponential(cfg.InitialBackoff, max(cfg.MaxBackoff, cfg.InitialBackoff)),
		logger:      logger.With("component", "webhook"),
	}
}

type delivery struct {
	id        string
	endpoint  string
	event     string
	timestamp string
	signature string
	body      []byte
}

func (c *Client) Send(ctx context.Context, endpoint, event string, payload any) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	d := delivery{
		id:        uuid.NewString(),
		endpoint:  endpoint,
		event:     event,
		timestamp: strconv.FormatInt(time.Now().UTC().Unix(), 10),
		body:      body,
	}
	d.signature = Sign(c.secret, d.timestamp, body)

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		lastErr = c.post(ctx, d)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var status *StatusError
		if errors.As(lastErr, &status) && !status.Temporary() {
			return fmt.Errorf("webhook %s rejected: %w", d.id, lastErr)
		}
		if attempt == c.maxAttempts {
			break
		}

		wait := c.backoff.Delay(attempt - 1)
		if status != nil && status.RetryAfter > wait {
			wait = min(status.RetryAfter, c.backoff.Max)
		}
		c.logger.Debug("webhook attempt failed", "delivery", d.id, "attempt", attempt, "retry_in", wait, "error", lastErr)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}

	return fmt.Errorf("webhook %s failed after %d attempts: %w", d.id, c.maxAttempts, lastErr)
}

func (c *Client) post(ctx context.Context, d delivery) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(d.body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "thumbflow-webhook/1")
	req.Header.Set(HeaderTimestamp, d.timestamp)
	req.Header.Set(HeaderSignature, d.signature)
	req.Header.Set(HeaderEvent, d.event)
	req.Header.Set(HeaderDelivery, d.id)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	status := &StatusError{StatusCode: resp.StatusCode}
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
		status.RetryAfter = time.Duration(secs) * time.Second
	}
	return status
}

func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func Verify(secret, timestamp string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, timestamp, body)), []byte(signature))
}
