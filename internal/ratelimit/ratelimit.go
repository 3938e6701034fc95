// Package ratelimit tracks attempts per composite key within a fixed window
// and escalates sustained failures to an extended lockout.
//
// A key is Open while fewer than MaxAttempts were counted in the current
// window, Throttled once the budget is spent, and Locked after
// LockoutThreshold consecutive failures. Locked is evaluated before the
// window and lasts LockoutPeriod from the failure that reached the threshold;
// afterwards the key starts over with a fresh window and zero failures. A
// successful attempt removes the key entirely.
package ratelimit

import (
	"context"
	"strings"
	"time"
)

type State int

const (
	Allowed State = iota
	Throttled
	Locked
)

func (s State) String() string {
	switch s {
	case Allowed:
		return "allowed"
	case Throttled:
		return "throttled"
	case Locked:
		return "locked"
	default:
		return "unknown"
	}
}

type Decision struct {
	State      State
	RetryAfter time.Duration
}

func (d Decision) Allowed() bool {
	return d.State == Allowed
}

// Policy configures one limiter. LockoutThreshold <= 0 disables lockout.
type Policy struct {
	Name             string
	Period           time.Duration
	MaxAttempts      int
	LockoutThreshold int
	LockoutPeriod    time.Duration
}

func (p Policy) lockoutEnabled() bool {
	return p.LockoutThreshold > 0 && p.LockoutPeriod > 0
}

var (
	SendPolicy = Policy{
		Name:        "send",
		Period:      time.Hour,
		MaxAttempts: 5,
	}
	VerifyPolicy = Policy{
		Name:             "verify",
		Period:           15 * time.Minute,
		MaxAttempts:      5,
		LockoutThreshold: 10,
		LockoutPeriod:    time.Hour,
	}
	VerifyEmailPolicy = Policy{
		Name:        "verify-email",
		Period:      15 * time.Minute,
		MaxAttempts: 5,
	}
)

// Limiter is safe for concurrent use. Every mutation of a key is a single
// atomic step.
type Limiter interface {
	// Check reports the state of key without counting an attempt.
	Check(ctx context.Context, key string) (Decision, error)
	// Hit counts one attempt when key is allowed.
	Hit(ctx context.Context, key string) (Decision, error)
	// Record closes an attempt. Success removes key, failure adds to the
	// consecutive failure streak.
	Record(ctx context.Context, key string, success bool) (Decision, error)
}

// Key joins client identity, email and operation.
func Key(clientIP, email, op string) string {
	if clientIP == "" {
		clientIP = "unknown"
	}
	return strings.Join([]string{clientIP, email, op}, ":")
}

const defaultEntryTTL = 24 * time.Hour

func entryTTL(p Policy, ttl time.Duration) time.Duration {
	if ttl <= 0 {
		ttl = defaultEntryTTL
	}
	floor := p.Period
	if p.LockoutPeriod > floor {
		floor = p.LockoutPeriod
	}
	if ttl < floor {
		return floor
	}
	return ttl
}
