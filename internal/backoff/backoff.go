// Package backoff computes retry delays for failed thumbnail attempts.
package backoff

import (
	"math"
	"time"
)

type Strategy interface {
	Delay(attemptCount int) time.Duration
}

// Exponential yields Base * 2^attemptCount, capped at Max.
type Exponential struct {
	Base time.Duration
	Max  time.Duration
}

func NewExponential(base, maxDelay time.Duration) Exponential {
	return Exponential{Base: base, Max: maxDelay}
}

func (e Exponential) Delay(attemptCount int) time.Duration {
	if e.Base <= 0 {
		return 0
	}
	if attemptCount < 0 {
		attemptCount = 0
	}

	d := float64(e.Base) * math.Pow(2, float64(attemptCount))
	if e.Max > 0 && d > float64(e.Max) {
		return e.Max
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

type Constant struct {
	Interval time.Duration
}

func (c Constant) Delay(int) time.Duration {
	return c.Interval
}
