// Package ratelimit implements token buckets keyed by client subject.
package ratelimit

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"
)

const DefaultKeyPrefix = "thumbflow:ratelimit"

type Decision struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	RetryAfter time.Duration
}

type Limiter interface {
	Allow(ctx context.Context, subject string) (Decision, error)
}

// Policy refills Capacity tokens evenly over Window.
type Policy struct {
	Capacity int
	Window   time.Duration
}

func (p Policy) validate() error {
	if p.Capacity <= 0 {
		return errors.New("capacity must be positive")
	}
	if p.Window <= 0 {
		return errors.New("window must be positive")
	}
	return nil
}

func (p Policy) refillPerMS() float64 {
	return float64(p.Capacity) / float64(max(p.Window.Milliseconds(), 1))
}

func (p Policy) take(tokens float64, lastMS, nowMS int64) (float64, Decision) {
	rate := p.refillPerMS()
	tokens = min(float64(p.Capacity), tokens+float64(max(nowMS-lastMS, 0))*rate)

	d := Decision{Limit: int64(p.Capacity)}
	if tokens >= 1 {
		tokens--
		d.Allowed = true
	} else {
		d.RetryAfter = time.Duration(math.Ceil((1-tokens)/rate)) * time.Millisecond
	}
	d.Remaining = int64(math.Floor(tokens))
	return tokens, d
}

func subjectKey(subject string) string {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "anonymous"
	}
	return subject
}
