package manager

import (
	"sync"
	"time"
)

// Default reconnect bounds.
const (
	DefaultMinBackoff = 1 * time.Second
	DefaultMaxBackoff = 60 * time.Second
)

// Backoff is a doubling delay between a floor and a ceiling.
type Backoff struct {
	mu      sync.Mutex
	current time.Duration
	min     time.Duration
	max     time.Duration
}

// NewBackoff returns a backoff starting at min and capped at max.
// Non-positive values fall back to the defaults.
func NewBackoff(min, max time.Duration) *Backoff {
	if min <= 0 {
		min = DefaultMinBackoff
	}
	if max < min {
		max = min
	}
	return &Backoff{current: min, min: min, max: max}
}

// Current returns the delay to wait before the next attempt.
func (b *Backoff) Current() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Fail doubles the delay, capped at the ceiling, and returns the new value.
func (b *Backoff) Fail() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	next := b.current * 2
	if next > b.max {
		next = b.max
	}
	b.current = next
	return next
}

// Reset returns the delay to the floor. Call after a successful connect.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = b.min
}
