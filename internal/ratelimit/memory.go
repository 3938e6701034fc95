package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const defaultMemorySize = 100000

type entry struct {
	count       int
	windowStart time.Time
	failures    int
	lockedAt    time.Time
}

type MemoryOption func(*memoryLimiter)

func WithClock(now func() time.Time) MemoryOption {
	return func(l *memoryLimiter) {
		l.now = now
	}
}

// WithCapacity bounds the number of tracked keys and how long an idle key
// is remembered.
func WithCapacity(size int, ttl time.Duration) MemoryOption {
	return func(l *memoryLimiter) {
		l.size = size
		l.ttl = ttl
	}
}

type memoryLimiter struct {
	mu      sync.Mutex
	policy  Policy
	entries *expirable.LRU[string, *entry]
	size    int
	ttl     time.Duration
	now     func() time.Time
}

// NewMemory keeps state in process. Counters are not shared between
// instances and are lost on restart.
func NewMemory(policy Policy, opts ...MemoryOption) Limiter {
	l := &memoryLimiter{
		policy: policy,
		size:   defaultMemorySize,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.size <= 0 {
		l.size = defaultMemorySize
	}
	l.entries = expirable.NewLRU[string, *entry](l.size, nil, entryTTL(policy, l.ttl))
	return l
}

func (l *memoryLimiter) Check(_ context.Context, key string) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries.Get(key)
	if !ok {
		return Decision{State: Allowed}, nil
	}
	snapshot := *e
	return l.evaluate(&snapshot, l.now()), nil
}

func (l *memoryLimiter) Hit(_ context.Context, key string) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	e := l.load(key, now)
	d := l.evaluate(e, now)
	if d.Allowed() {
		e.count++
	}
	l.entries.Add(key, e)
	return d, nil
}

func (l *memoryLimiter) Record(_ context.Context, key string, success bool) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if success {
		l.entries.Remove(key)
		return Decision{State: Allowed}, nil
	}
	now := l.now()
	e := l.load(key, now)
	l.evaluate(e, now)
	if l.policy.lockoutEnabled() {
		e.failures++
		if e.failures >= l.policy.LockoutThreshold {
			e.lockedAt = now
		}
	}
	l.entries.Add(key, e)
	return l.evaluate(e, now), nil
}

func (l *memoryLimiter) load(key string, now time.Time) *entry {
	if e, ok := l.entries.Get(key); ok {
		return e
	}
	return &entry{windowStart: now}
}

// evaluate applies lazy resets to e and reports its state.
func (l *memoryLimiter) evaluate(e *entry, now time.Time) Decision {
	p := l.policy
	if p.lockoutEnabled() && e.failures >= p.LockoutThreshold {
		until := e.lockedAt.Add(p.LockoutPeriod)
		if now.Before(until) {
			return Decision{State: Locked, RetryAfter: until.Sub(now)}
		}
		*e = entry{windowStart: now}
	}
	if now.Sub(e.windowStart) > p.Period {
		e.count = 0
		e.windowStart = now
	}
	if e.count >= p.MaxAttempts {
		return Decision{State: Throttled, RetryAfter: e.windowStart.Add(p.Period).Sub(now)}
	}
	return Decision{State: Allowed}
}
