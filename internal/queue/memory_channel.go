package queue

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"
)

type memoryMessage struct {
	id        string
	seq       uint64
	task      Task
	visibleAt time.Time
	leased    bool
	deadline  time.Time
	lease     uint64
}

type MemoryChannel struct {
	mu         sync.Mutex
	visibility time.Duration
	seq        uint64
	leases     uint64
	messages   map[string]*memoryMessage
	wake       chan struct{}
	closed     bool
	now        func() time.Time
}

func NewMemoryChannel(visibility time.Duration) *MemoryChannel {
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	return &MemoryChannel{
		visibility: visibility,
		messages:   make(map[string]*memoryMessage),
		wake:       make(chan struct{}),
		now:        time.Now,
	}
}

func (c *MemoryChannel) Enqueue(ctx context.Context, task Task, delay time.Duration) error {
	if err := ctx.Err(); err != nil {
		return unavailable("enqueue task", err)
	}
	if _, err := EncodeTask(task); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return unavailable("enqueue task", ErrChannelClosed)
	}

	c.seq++
	id := "mem-" + strconv.FormatUint(c.seq, 10)
	c.messages[id] = &memoryMessage{
		id:        id,
		seq:       c.seq,
		task:      task,
		visibleAt: c.now().Add(max(delay, 0)),
	}
	c.broadcastLocked()
	return nil
}

func (c *MemoryChannel) Dequeue(ctx context.Context) (*Lease, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, ErrChannelClosed
		}

		now := c.now()
		msg, next := c.nextVisibleLocked(now)
		if msg != nil {
			c.leases++
			msg.leased = true
			msg.lease = c.leases
			msg.deadline = now.Add(c.visibility)
			lease := &Lease{ID: msg.id, Task: msg.task, token: msg.lease}
			c.mu.Unlock()
			return lease, nil
		}
		wake := c.wake
		c.mu.Unlock()

		wait := time.Hour
		if !next.IsZero() {
			wait = max(next.Sub(now), time.Millisecond)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-wake:
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (c *MemoryChannel) nextVisibleLocked(now time.Time) (*memoryMessage, time.Time) {
	var (
		ready []*memoryMessage
		next  time.Time
	)
	for _, msg := range c.messages {
		at := msg.visibleAt
		if msg.leased {
			at = msg.deadline
		}
		if !at.After(now) {
			ready = append(ready, msg)
			continue
		}
		if next.IsZero() || at.Before(next) {
			next = at
		}
	}
	if len(ready) == 0 {
		return nil, next
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].seq < ready[j].seq })
	return ready[0], time.Time{}
}

func (c *MemoryChannel) Ack(_ context.Context, lease *Lease) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	msg, err := c.heldLocked(lease)
	if err != nil {
		return err
	}
	delete(c.messages, msg.id)
	return nil
}

func (c *MemoryChannel) Nack(_ context.Context, lease *Lease, delay time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	msg, err := c.heldLocked(lease)
	if err != nil {
		return err
	}
	msg.leased = false
	msg.visibleAt = c.now().Add(max(delay, 0))
	c.broadcastLocked()
	return nil
}

func (c *MemoryChannel) heldLocked(lease *Lease) (*memoryMessage, error) {
	if lease == nil {
		return nil, fmt.Errorf("nil lease")
	}
	msg, ok := c.messages[lease.ID]
	if !ok || !msg.leased || msg.lease != lease.token {
		return nil, fmt.Errorf("message %s: %w", lease.ID, ErrLeaseLost)
	}
	return msg, nil
}

func (c *MemoryChannel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

func (c *MemoryChannel) Tasks() []Task {
	c.mu.Lock()
	msgs := make([]*memoryMessage, 0, len(c.messages))
	for _, msg := range c.messages {
		msgs = append(msgs, msg)
	}
	c.mu.Unlock()

	sort.Slice(msgs, func(i, j int) bool { return msgs[i].seq < msgs[j].seq })
	tasks := make([]Task, len(msgs))
	for i, msg := range msgs {
		tasks[i] = msg.task
	}
	return tasks
}

func (c *MemoryChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.broadcastLocked()
	}
	return nil
}

func (c *MemoryChannel) broadcastLocked() {
	close(c.wake)
	c.wake = make(chan struct{})
}
