package queue

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrChannelUnavailable = errors.New("task channel unavailable")

	ErrLeaseLost = errors.New("task lease lost")

	ErrChannelClosed = errors.New("task channel closed")
)

// Channel delivers tasks at least once and never rewrites DeliveryAttempt.
type Channel interface {
	Enqueue(ctx context.Context, task Task, delay time.Duration) error
	Dequeue(ctx context.Context) (*Lease, error)
	Ack(ctx context.Context, lease *Lease) error
	Nack(ctx context.Context, lease *Lease, delay time.Duration) error
	Close() error
}

type Lease struct {
	ID   string
	Task Task

	token any
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrChannelUnavailable, err)
}
