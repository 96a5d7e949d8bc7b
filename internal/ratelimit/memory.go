package ratelimit

import (
	"context"
	"sync"
	"time"
)

type MemoryTokenBucket struct {
	policy Policy
	now    func() time.Time

	mu        sync.Mutex
	buckets   map[string]*memoryBucket
	lastSweep time.Time
}

type memoryBucket struct {
	tokens float64
	lastMS int64
}

func NewMemoryTokenBucket(p Policy) (*MemoryTokenBucket, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	return &MemoryTokenBucket{
		policy:  p,
		now:     time.Now,
		buckets: make(map[string]*memoryBucket),
	}, nil
}

func (l *MemoryTokenBucket) Allow(_ context.Context, subject string) (Decision, error) {
	key := subjectKey(subject)
	now := l.now()
	nowMS := now.UnixMilli()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweep(now)

	b, ok := l.buckets[key]
	if !ok {
		b = &memoryBucket{tokens: float64(l.policy.Capacity), lastMS: nowMS}
		l.buckets[key] = b
	}
	var d Decision
	b.tokens, d = l.policy.take(b.tokens, b.lastMS, nowMS)
	b.lastMS = nowMS
	return d, nil
}

func (l *MemoryTokenBucket) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < l.policy.Window {
		return
	}
	l.lastSweep = now
	cutoff := now.Add(-l.policy.Window).UnixMilli()
	for key, b := range l.buckets {
		if b.lastMS <= cutoff {
			delete(l.buckets, key)
		}
	}
}
