package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultKeyPrefix = "pixelstudio:ratelimit"

// Decision is the outcome of charging a bucket. Remaining is what is left
// after the charge, or the current level when it was refused.
type Decision struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	RetryAfter time.Duration
}

// Limiter charges cost tokens against the bucket for subject. Expensive
// operations (collaborator tools, batch starts) charge more than one.
type Limiter interface {
	Allow(ctx context.Context, subject string, cost int) (Decision, error)
}

// bucketParams is the refill configuration shared by both implementations.
type bucketParams struct {
	capacity    int64
	refillPerMS float64
	ttl         time.Duration
}

func newBucketParams(capacity int, window time.Duration) (bucketParams, error) {
	if capacity <= 0 {
		return bucketParams{}, errors.New("capacity must be positive")
	}
	if window <= 0 {
		return bucketParams{}, errors.New("window must be positive")
	}
	windowMS := max(window.Milliseconds(), 1)
	return bucketParams{
		capacity:    int64(capacity),
		refillPerMS: float64(capacity) / float64(windowMS),
		ttl:         2 * window,
	}, nil
}

// clampCost keeps a charge within [1, capacity] so a single request can never
// be refused forever.
func (p bucketParams) clampCost(cost int) int64 {
	return min(max(int64(cost), 1), p.capacity)
}

// refillScript stores {level, updated_ms} per subject hash. It returns
// {allowed, floor(level), retry_after_ms}.
var refillScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local state = redis.call("HMGET", KEYS[1], "level", "updated_ms")
local level = tonumber(state[1]) or capacity
local updated = tonumber(state[2]) or now

level = math.min(capacity, level + math.max(0, now - updated) * rate)

local allowed = 0
local wait = 0
if level >= cost then
  level = level - cost
  allowed = 1
else
  wait = math.ceil((cost - level) / rate)
end

redis.call("HSET", KEYS[1], "level", level, "updated_ms", now)
redis.call("PEXPIRE", KEYS[1], ttl)
return {allowed, math.floor(level), wait}
`)

// RedisTokenBucket shares buckets between API replicas.
type RedisTokenBucket struct {
	client    redis.UniversalClient
	params    bucketParams
	keyPrefix string
	now       func() time.Time
}

func NewRedisTokenBucket(client redis.UniversalClient, capacity int, window time.Duration, keyPrefix string) (*RedisTokenBucket, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	params, err := newBucketParams(capacity, window)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(keyPrefix) == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &RedisTokenBucket{
		client:    client,
		params:    params,
		keyPrefix: keyPrefix,
		now:       time.Now,
	}, nil
}

func (l *RedisTokenBucket) key(subject string) string {
	return l.keyPrefix + ":" + normalizeSubject(subject)
}

func (l *RedisTokenBucket) Allow(ctx context.Context, subject string, cost int) (Decision, error) {
	raw, err := refillScript.Run(ctx, l.client,
		[]string{l.key(subject)},
		l.params.capacity,
		l.params.refillPerMS,
		l.now().UTC().UnixMilli(),
		l.params.clampCost(cost),
		l.params.ttl.Milliseconds(),
	).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("run token bucket script: %w", err)
	}

	values, ok := raw.([]any)
	if !ok || len(values) != 3 {
		return Decision{}, fmt.Errorf("unexpected token bucket reply %T", raw)
	}
	var parsed [3]int64
	for i, v := range values {
		if parsed[i], err = toInt64(v); err != nil {
			return Decision{}, fmt.Errorf("token bucket reply field %d: %w", i, err)
		}
	}

	return Decision{
		Allowed:    parsed[0] == 1,
		Limit:      l.params.capacity,
		Remaining:  parsed[1],
		RetryAfter: time.Duration(parsed[2]) * time.Millisecond,
	}, nil
}

func toInt64(in any) (int64, error) {
	switch v := in.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case string:
		return strconv.ParseInt(v, 10, 64)
	default:
		return 0, fmt.Errorf("unsupported type %T", in)
	}
}

func normalizeSubject(subject string) string {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "anonymous"
	}
	return subject
}
