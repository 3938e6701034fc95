package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrLimiterUnavailable = errors.New("rate limiter unavailable")

const redisKeyPrefix = "vrl"

// limiterScript evaluates and updates one key atomically. Modes: check
// (read only), hit, fail. Returns {state, retry_after_ms}.
var limiterScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local period = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
local threshold = tonumber(ARGV[4])
local lockout = tonumber(ARGV[5])
local ttl = tonumber(ARGV[6])
local mode = ARGV[7]

local v = redis.call('HMGET', key, 'count', 'start', 'fails', 'locked')
local count = tonumber(v[1]) or 0
local start = tonumber(v[2]) or now
local fails = tonumber(v[3]) or 0
local locked = tonumber(v[4]) or 0
local lockout_on = threshold > 0 and lockout > 0

local function save()
	redis.call('HSET', key, 'count', count, 'start', start, 'fails', fails, 'locked', locked)
	redis.call('PEXPIRE', key, ttl)
end

if lockout_on and fails >= threshold then
	if now < locked + lockout then
		return {2, locked + lockout - now}
	end
	count = 0
	start = now
	fails = 0
	locked = 0
end
if now - start > period then
	count = 0
	start = now
end

if mode == 'fail' then
	if lockout_on then
		fails = fails + 1
		if fails >= threshold then
			locked = now
		end
	end
	save()
	if lockout_on and fails >= threshold then
		return {2, lockout}
	end
	if count >= max then
		return {1, start + period - now}
	end
	return {0, 0}
end

if count >= max then
	return {1, start + period - now}
end
if mode == 'hit' then
	count = count + 1
	save()
end
return {0, 0}
`)

type RedisOption func(*redisLimiter)

func WithRedisClock(now func() time.Time) RedisOption {
	return func(l *redisLimiter) {
		l.now = now
	}
}

func WithRedisTTL(ttl time.Duration) RedisOption {
	return func(l *redisLimiter) {
		l.ttl = ttl
	}
}

type redisLimiter struct {
	redis  redis.UniversalClient
	policy Policy
	ttl    time.Duration
	now    func() time.Time
}

// NewRedis shares counters between every instance using the same redis.
func NewRedis(client redis.UniversalClient, policy Policy, opts ...RedisOption) Limiter {
	l := &redisLimiter{
		redis:  client,
		policy: policy,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.ttl = entryTTL(policy, l.ttl)
	return l
}

func (l *redisLimiter) key(key string) string {
	return redisKeyPrefix + ":" + l.policy.Name + ":" + key
}

func (l *redisLimiter) Check(ctx context.Context, key string) (Decision, error) {
	return l.run(ctx, key, "check")
}

func (l *redisLimiter) Hit(ctx context.Context, key string) (Decision, error) {
	return l.run(ctx, key, "hit")
}

func (l *redisLimiter) Record(ctx context.Context, key string, success bool) (Decision, error) {
	if success {
		if err := l.redis.Del(ctx, l.key(key)).Err(); err != nil {
			return Decision{}, fmt.Errorf("%w: %v", ErrLimiterUnavailable, err)
		}
		return Decision{State: Allowed}, nil
	}
	return l.run(ctx, key, "fail")
}

func (l *redisLimiter) run(ctx context.Context, key, mode string) (Decision, error) {
	p := l.policy
	res, err := limiterScript.Run(ctx, l.redis, []string{l.key(key)},
		l.now().UnixMilli(),
		p.Period.Milliseconds(),
		p.MaxAttempts,
		p.LockoutThreshold,
		p.LockoutPeriod.Milliseconds(),
		l.ttl.Milliseconds(),
		mode,
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrLimiterUnavailable, err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("%w: unexpected script reply %v", ErrLimiterUnavailable, res)
	}
	return Decision{
		State:      State(res[0]),
		RetryAfter: time.Duration(res[1]) * time.Millisecond,
	}, nil
}
