package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

var errPublishNacked = errors.New("broker did not confirm publish")

type AMQPConfig struct {
	URL            string
	Queue          string
	Prefetch       int
	ReconnectDelay time.Duration
	Logger         *slog.Logger
}

// Delayed messages wait in a TTL queue that dead-letters into the work queue.
type AMQPChannel struct {
	url            string
	queue          string
	delayQueue     string
	prefetch       int
	reconnectDelay time.Duration
	logger         *slog.Logger

	mu     sync.Mutex
	conn   *amqp.Connection
	pub    *amqp.Channel
	sub    *amqp.Channel
	closed bool

	deliveries chan amqp.Delivery
	done       chan struct{}
	closeOnce  sync.Once
	startOnce  sync.Once
	started    chan struct{}
	startErr   error
}

func NewAMQPChannel(cfg AMQPConfig) (*AMQPChannel, error) {
	if cfg.Queue == "" {
		cfg.Queue = "thumbnails"
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 2 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &AMQPChannel{
		url:            cfg.URL,
		queue:          cfg.Queue,
		delayQueue:     cfg.Queue + ".delay",
		prefetch:       cfg.Prefetch,
		reconnectDelay: cfg.ReconnectDelay,
		logger:         logger.With("component", "amqp", "queue", cfg.Queue),
		deliveries:     make(chan amqp.Delivery),
		done:           make(chan struct{}),
		started:        make(chan struct{}),
	}

	c.mu.Lock()
	_, err := c.publisherLocked()
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	c.logger.Info("rabbitmq channel ready")
	return c, nil
}

func (c *AMQPChannel) connectLocked() (*amqp.Connection, error) {
	if c.closed {
		return nil, ErrChannelClosed
	}
	if c.conn != nil && !c.conn.IsClosed() {
		return c.conn, nil
	}

	conn, err := amqp.Dial(c.url)
	if err != nil {
		return nil, unavailable("dial rabbitmq", err)
	}
	c.conn, c.pub, c.sub = conn, nil, nil
	go c.watch(conn)
	return conn, nil
}

func (c *AMQPChannel) watch(conn *amqp.Connection) {
	reason, ok := <-conn.NotifyClose(make(chan *amqp.Error, 1))
	if !ok || reason == nil {
		return
	}
	c.logger.Warn("rabbitmq connection lost", "error", reason)

	for {
		select {
		case <-c.done:
			return
		case <-time.After(c.reconnectDelay):
		}

		c.mu.Lock()
		_, err := c.publisherLocked()
		c.mu.Unlock()
		if err == nil {
			c.logger.Info("rabbitmq reconnected")
			return
		}
		if errors.Is(err, ErrChannelClosed) {
			return
		}
		c.logger.Warn("rabbitmq reconnect failed", "error", err)
	}
}

func (c *AMQPChannel) publisherLocked() (*amqp.Channel, error) {
	conn, err := c.connectLocked()
	if err != nil {
		return nil, err
	}
	if c.pub != nil && !c.pub.IsClosed() {
		return c.pub, nil
	}

	pub, err := conn.Channel()
	if err != nil {
		return nil, unavailable("open publish channel", err)
	}
	if err := c.declare(pub); err != nil {
		_ = pub.Close()
		return nil, err
	}
	if err := pub.Confirm(false); err != nil {
		_ = pub.Close()
		return nil, unavailable("enable publisher confirms", err)
	}
	c.pub = pub
	return pub, nil
}

func (c *AMQPChannel) declare(ch *amqp.Channel) error {
	if _, err := ch.QueueDeclare(
		c.queue, // name
		true,    // durable
		false,   // auto-delete
		false,   // exclusive
		false,   // no-wait
		nil,     // arguments
	); err != nil {
		return unavailable("declare work queue", err)
	}

	if _, err := ch.QueueDeclare(
		c.delayQueue,
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": c.queue,
		},
	); err != nil {
		return unavailable("declare delay queue", err)
	}
	return nil
}

func (c *AMQPChannel) Start() error {
	c.startOnce.Do(func() {
		var src <-chan amqp.Delivery
		src, c.startErr = c.subscribe()
		if c.startErr == nil {
			go c.forward(src)
		}
		close(c.started)
	})
	return c.startErr
}

func (c *AMQPChannel) subscribe() (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.publisherLocked(); err != nil {
		return nil, err
	}
	sub, err := c.conn.Channel()
	if err != nil {
		return nil, unavailable("open consume channel", err)
	}
	if err := sub.Qos(c.prefetch, 0, false); err != nil {
		_ = sub.Close()
		return nil, unavailable("set prefetch", err)
	}

	deliveries, err := sub.Consume(
		c.queue, // queue
		"",      // consumer tag
		false,   // auto-ack
		false,   // exclusive
		false,   // no-local
		false,   // no-wait
		nil,     // args
	)
	if err != nil {
		_ = sub.Close()
		return nil, unavailable("consume work queue", err)
	}
	c.sub = sub
	return deliveries, nil
}

func (c *AMQPChannel) forward(src <-chan amqp.Delivery) {
	for {
		for d := range src {
			select {
			case c.deliveries <- d:
			case <-c.done:
				_ = d.Nack(false, true)
				return
			}
		}

		c.logger.Warn("rabbitmq consumer stopped, resubscribing")
		for {
			select {
			case <-c.done:
				return
			case <-time.After(c.reconnectDelay):
			}

			next, err := c.subscribe()
			if err == nil {
				src = next
				c.logger.Info("rabbitmq consumer resumed")
				break
			}
			if errors.Is(err, ErrChannelClosed) {
				return
			}
			c.logger.Warn("rabbitmq resubscribe failed", "error", err)
		}
	}
}

func (c *AMQPChannel) Enqueue(ctx context.Context, task Task, delay time.Duration) error {
	body, err := EncodeTask(task)
	if err != nil {
		return err
	}
	if err := c.publish(ctx, uuid.NewString(), body, delay); err != nil {
		return unavailable("enqueue task", err)
	}
	return nil
}

func (c *AMQPChannel) publish(ctx context.Context, id string, body []byte, delay time.Duration) error {
	msg := amqp.Publishing{
		MessageId:    id,
		ContentType:  "application/json",
		Type:         TypeGenerateThumbnail,
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
	}
	routingKey := c.queue
	if delay > 0 {
		routingKey = c.delayQueue
		msg.Expiration = strconv.FormatInt(max(delay.Milliseconds(), 1), 10)
	}

	c.mu.Lock()
	pub, err := c.publisherLocked()
	if err != nil {
		c.mu.Unlock()
		return err
	}
	confirm, err := pub.PublishWithDeferredConfirmWithContext(ctx, "", routingKey, false, false, msg)
	c.mu.Unlock()
	if err != nil {
		return err
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return errPublishNacked
	}
	return nil
}

func (c *AMQPChannel) Dequeue(ctx context.Context) (*Lease, error) {
	select {
	case <-c.started:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if c.startErr != nil {
		return nil, c.startErr
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrChannelClosed
	case d := <-c.deliveries:
		task, err := DecodeTask(d.Body)
		if err != nil {
			_ = d.Reject(false)
			return nil, fmt.Errorf("drop message %s: %w", d.MessageId, err)
		}
		id := d.MessageId
		if id == "" {
			id = strconv.FormatUint(d.DeliveryTag, 10)
		}
		return &Lease{ID: id, Task: task, token: d}, nil
	}
}

func (c *AMQPChannel) Ack(_ context.Context, lease *Lease) error {
	d, err := amqpDelivery(lease)
	if err != nil {
		return err
	}
	return settleError("ack task", lease, d.Ack(false))
}

func (c *AMQPChannel) Nack(ctx context.Context, lease *Lease, delay time.Duration) error {
	d, err := amqpDelivery(lease)
	if err != nil {
		return err
	}
	if delay <= 0 {
		return settleError("nack task", lease, d.Nack(false, true))
	}

	if err := c.publish(ctx, lease.ID, d.Body, delay); err != nil {
		_ = d.Nack(false, true)
		return unavailable("nack task", err)
	}
	return settleError("nack task", lease, d.Ack(false))
}

func amqpDelivery(lease *Lease) (amqp.Delivery, error) {
	d, ok := lease.token.(amqp.Delivery)
	if !ok {
		return amqp.Delivery{}, fmt.Errorf("message %s: foreign lease", lease.ID)
	}
	return d, nil
}

func settleError(op string, lease *Lease, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, amqp.ErrClosed) {
		// The broker requeues unacked deliveries of a closed channel.
		return fmt.Errorf("%s %s: %w", op, lease.ID, ErrLeaseLost)
	}
	return unavailable(op, err)
}

func (c *AMQPChannel) Close() error {
	c.closeOnce.Do(func() { close(c.done) })

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	var errs []error
	if c.sub != nil {
		errs = append(errs, c.sub.Close())
	}
	if c.pub != nil {
		errs = append(errs, c.pub.Close())
	}
	if c.conn != nil {
		errs = append(errs, c.conn.Close())
	}
	if err := errors.Join(errs...); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("close rabbitmq: %w", err)
	}
	return nil
}
