package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript is Policy.take run atomically on a hash.
var tokenBucketScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1]) or capacity
local ts = tonumber(state[2]) or now

tokens = math.min(capacity, tokens + math.max(0, now - ts) * rate)

local allowed = 0
local wait = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
else
  wait = math.ceil((1 - tokens) / rate)
end

redis.call("HSET", KEYS[1], "tokens", tokens, "ts", now)
redis.call("PEXPIRE", KEYS[1], ARGV[4])
return {allowed, math.floor(tokens), wait}
`)

type RedisTokenBucket struct {
	client redis.UniversalClient
	policy Policy
	prefix string
	now    func() time.Time
}

func NewRedisTokenBucket(client redis.UniversalClient, p Policy, prefix string) (*RedisTokenBucket, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(prefix) == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisTokenBucket{client: client, policy: p, prefix: prefix, now: time.Now}, nil
}

func (l *RedisTokenBucket) key(subject string) string {
	return l.prefix + ":" + subjectKey(subject)
}

func (l *RedisTokenBucket) Allow(ctx context.Context, subject string) (Decision, error) {
	reply, err := tokenBucketScript.Run(ctx, l.client,
		[]string{l.key(subject)},
		l.policy.Capacity,
		l.policy.refillPerMS(),
		l.now().UnixMilli(),
		(2 * l.policy.Window).Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %q: %w", subject, err)
	}
	if len(reply) != 3 {
		return Decision{}, fmt.Errorf("rate limit %q: unexpected script reply %v", subject, reply)
	}

	d := Decision{
		Allowed:   reply[0] == 1,
		Limit:     int64(l.policy.Capacity),
		Remaining: reply[1],
	}
	if !d.Allowed {
		d.RetryAfter = time.Duration(reply[2]) * time.Millisecond
	}
	return d, nil
}
