// Package backoff implements the doubling retry wait used by the dispatcher.
//
// The wait starts at a base duration, doubles on each consecutive failure
// and is capped at base*maxMultiplier. Any success resets it to the base.
// There is no jitter: a single dispatcher per process has no thundering herd
// to spread out.
package backoff

import (
	"math"
	"time"
)

const (
	// DefaultBase is used when a non-positive base is given.
	DefaultBase = time.Second
	// DefaultMaxMultiplier is used when a non-positive multiplier is given.
	DefaultMaxMultiplier = 64
)

// Policy tracks the current wait. It is not safe for concurrent use; the
// dispatcher owns it from a single goroutine.
type Policy struct {
	base     time.Duration
	max      time.Duration
	current  time.Duration
	failures int
}

// New returns a Policy starting at base.
func New(base time.Duration, maxMultiplier int) *Policy {
	if base <= 0 {
		base = DefaultBase
	}
	if maxMultiplier <= 0 {
		maxMultiplier = DefaultMaxMultiplier
	}
	limit := time.Duration(math.MaxInt64)
	if time.Duration(maxMultiplier) <= limit/base {
		limit = base * time.Duration(maxMultiplier)
	}
	return &Policy{
		base:    base,
		max:     limit,
		current: base,
	}
}

// Base returns the reset value.
func (p *Policy) Base() time.Duration { return p.base }

// Max returns the cap.
func (p *Policy) Max() time.Duration { return p.max }

// Current returns the current wait.
func (p *Policy) Current() time.Duration { return p.current }

// Failures returns the number of consecutive failures since the last reset.
func (p *Policy) Failures() int { return p.failures }

// Fail records a failure and returns the new, doubled wait.
func (p *Policy) Fail() time.Duration {
	p.failures++
	next := p.current * 2
	if next > p.max || next < p.current {
		next = p.max
	}
	p.current = next
	return p.current
}

// Reset returns the wait to the base and reports whether it had grown.
func (p *Policy) Reset() bool {
	grown := p.current != p.base
	p.current = p.base
	p.failures = 0
	return grown
}
