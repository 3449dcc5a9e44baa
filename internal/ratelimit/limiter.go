// Package ratelimit implements the sliding-window limiter this signer
// applies per gossip peer, generalized from the teacher's password-attempt
// limiter (keyed by wallet id) to any string key. Its one user is the
// gossip TCP transport, which keys it by the sending peer's identity.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a sliding-window rate limiter, safe for concurrent use.
type Limiter struct {
	maxEvents int
	window    time.Duration
	events    map[string][]time.Time
	mu        sync.Mutex
}

// New returns a Limiter allowing at most maxEvents per window, per key.
func New(maxEvents int, window time.Duration) *Limiter {
	return &Limiter{
		maxEvents: maxEvents,
		window:    window,
		events:    make(map[string][]time.Time),
	}
}

// Allow reports whether an event for key is within the rate limit, and
// records it if so. Expired events outside the window are pruned first.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	valid := l.events[key][:0]
	for _, t := range l.events[key] {
		if now.Sub(t) < l.window {
			valid = append(valid, t)
		}
	}

	if len(valid) >= l.maxEvents {
		l.events[key] = valid
		return false
	}

	l.events[key] = append(valid, now)
	return true
}

// Remaining returns how many more events key may record in the current
// window.
func (l *Limiter) Remaining(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	count := 0
	for _, t := range l.events[key] {
		if now.Sub(t) < l.window {
			count++
		}
	}
	remaining := l.maxEvents - count
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Reset clears all recorded events for key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.events, key)
}
