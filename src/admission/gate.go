// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

// Package admission throttles incoming review tasks with a token bucket.
package admission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

var (
	// ErrRateLimited means no tokens were available and the caller did not
	// want to wait.
	ErrRateLimited = errors.New("admission: rate limited")
	// ErrTimeout means tokens did not become available within maxWait.
	ErrTimeout = errors.New("admission: timed out waiting for tokens")
)

const defaultBackoff = 100 * time.Millisecond

// Gate is a token bucket of fixed capacity refilled at a constant rate.
// Refill is lazy: tokens = min(capacity, tokens + elapsed*rate) is computed
// on every reservation. The limiter serializes its own state; Gate never
// holds it while sleeping.
type Gate struct {
	limiter  *rate.Limiter
	capacity int
	clock    Clock
	backoff  time.Duration
}

// Clock is the time source of a Gate. Refill, the wait deadline and the
// backoff pauses all run on it, so After must fire once d has passed on the
// clock Now reads.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

type Option func(*Gate)

// WithClock replaces the system clock.
func WithClock(c Clock) Option {
	return func(g *Gate) {
		if c != nil {
			g.clock = c
		}
	}
}

// WithBackoff sets the pause between attempts while waiting for tokens.
func WithBackoff(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.backoff = d
		}
	}
}

// NewGate returns a full bucket holding capacity tokens, refilled at
// refillPerSecond.
func NewGate(capacity int, refillPerSecond float64, opts ...Option) *Gate {
	if capacity < 0 {
		capacity = 0
	}
	if refillPerSecond < 0 {
		refillPerSecond = 0
	}
	g := &Gate{
		limiter:  rate.NewLimiter(rate.Limit(refillPerSecond), capacity),
		capacity: capacity,
		clock:    systemClock{},
		backoff:  defaultBackoff,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// PerMinute converts a requests-per-minute figure into a refill rate.
func PerMinute(n float64) float64 {
	return n / 60
}

// TryAcquire reserves n tokens. With maxWait == 0 it fails immediately with
// ErrRateLimited when the bucket is short; otherwise it retries after a short
// backoff until the tokens are taken or maxWait elapses (ErrTimeout).
func (g *Gate) TryAcquire(ctx context.Context, n int, maxWait time.Duration) error {
	if n <= 0 {
		return nil
	}
	if n > g.capacity {
		return fmt.Errorf("%w: %d tokens requested, capacity is %d", ErrRateLimited, n, g.capacity)
	}
	if g.limiter.AllowN(g.now(), n) {
		return nil
	}
	if maxWait <= 0 {
		return ErrRateLimited
	}

	deadline := g.now().Add(maxWait)
	for {
		remaining := deadline.Sub(g.now())
		if remaining <= 0 {
			return ErrTimeout
		}
		wait := min(g.backoff, remaining)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-g.clock.After(wait):
		}

		if g.limiter.AllowN(g.now(), n) {
			return nil
		}
	}
}

// Tokens reports the tokens currently available.
func (g *Gate) Tokens() float64 {
	return g.limiter.TokensAt(g.now())
}

func (g *Gate) Capacity() int {
	return g.capacity
}

func (g *Gate) now() time.Time {
	return g.clock.Now()
}

// Rate reports the refill rate in tokens per second.
func (g *Gate) Rate() float64 {
	return float64(g.limiter.Limit())
}
