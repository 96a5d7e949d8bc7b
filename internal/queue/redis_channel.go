package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// The lease deadline doubles as the lease token.
var leaseScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(expired) do
	redis.call('ZREM', KEYS[2], id)
	redis.call('ZADD', KEYS[1], ARGV[1], id)
end
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
	return false
end
local id = ids[1]
redis.call('ZREM', KEYS[1], id)
local body = redis.call('GET', ARGV[3] .. id)
if not body then
	return {id, ''}
end
redis.call('ZADD', KEYS[2], ARGV[2], id)
return {id, body}
`)

var ackScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not score or tonumber(score) ~= tonumber(ARGV[2]) then
	return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('DEL', KEYS[2])
return 1
`)

var nackScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not score or tonumber(score) ~= tonumber(ARGV[2]) then
	return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return 1
`)

type RedisChannelConfig struct {
	Queue        string
	Visibility   time.Duration
	PollInterval time.Duration
}

type RedisChannel struct {
	rdb        *redis.Client
	visibility time.Duration
	poll       time.Duration
	readyKey   string
	flightKey  string
	msgPrefix  string
}

func NewRedisChannel(rdb *redis.Client, cfg RedisChannelConfig) *RedisChannel {
	if cfg.Queue == "" {
		cfg.Queue = "thumbnails"
	}
	if cfg.Visibility <= 0 {
		cfg.Visibility = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	prefix := "thumbflow:queue:" + cfg.Queue + ":"
	return &RedisChannel{
		rdb:        rdb,
		visibility: cfg.Visibility,
		poll:       cfg.PollInterval,
		readyKey:   prefix + "ready",
		flightKey:  prefix + "inflight",
		msgPrefix:  prefix + "msg:",
	}
}

func (c *RedisChannel) Enqueue(ctx context.Context, task Task, delay time.Duration) error {
	body, err := EncodeTask(task)
	if err != nil {
		return err
	}

	id := uuid.NewString()
	visibleAt := time.Now().Add(max(delay, 0)).UnixMilli()
	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, c.msgPrefix+id, body, 0)
		pipe.ZAdd(ctx, c.readyKey, redis.Z{Score: float64(visibleAt), Member: id})
		return nil
	})
	if err != nil {
		return unavailable("enqueue task", err)
	}
	return nil
}

func (c *RedisChannel) Dequeue(ctx context.Context) (*Lease, error) {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		lease, err := c.tryLease(ctx)
		if err != nil || lease != nil {
			return lease, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *RedisChannel) tryLease(ctx context.Context) (*Lease, error) {
	now := time.Now()
	deadline := strconv.FormatInt(now.Add(c.visibility).UnixMilli(), 10)

	res, err := leaseScript.Run(ctx, c.rdb,
		[]string{c.readyKey, c.flightKey},
		now.UnixMilli(), deadline, c.msgPrefix,
	).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, unavailable("lease task", err)
	}
	if len(res) != 2 || res[1] == "" {
		return nil, nil
	}

	task, err := DecodeTask([]byte(res[1]))
	if err != nil {
		// Poison message: drop it so it is not redelivered forever.
		_ = c.Ack(ctx, &Lease{ID: res[0], token: deadline})
		return nil, fmt.Errorf("drop message %s: %w", res[0], err)
	}
	return &Lease{ID: res[0], Task: task, token: deadline}, nil
}

func (c *RedisChannel) Ack(ctx context.Context, lease *Lease) error {
	ok, err := ackScript.Run(ctx, c.rdb,
		[]string{c.flightKey, c.msgPrefix + lease.ID},
		lease.ID, lease.token,
	).Int()
	if err != nil {
		return unavailable("ack task", err)
	}
	if ok == 0 {
		return fmt.Errorf("message %s: %w", lease.ID, ErrLeaseLost)
	}
	return nil
}

func (c *RedisChannel) Nack(ctx context.Context, lease *Lease, delay time.Duration) error {
	visibleAt := time.Now().Add(max(delay, 0)).UnixMilli()
	ok, err := nackScript.Run(ctx, c.rdb,
		[]string{c.flightKey, c.readyKey},
		lease.ID, lease.token, visibleAt,
	).Int()
	if err != nil {
		return unavailable("nack task", err)
	}
	if ok == 0 {
		return fmt.Errorf("message %s: %w", lease.ID, ErrLeaseLost)
	}
	return nil
}

func (c *RedisChannel) Close() error {
	return nil
}
