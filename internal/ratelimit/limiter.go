// Package ratelimit gates outbound actions with two independent checks: a
// global sliding window of actions per minute and a per-conversation cooldown.
package ratelimit

import (
	"sync"
	"time"
)

// Window is the span of the global sliding window.
const Window = time.Minute

// Reason identifies the gate that rejected a check.
type Reason string

const (
	ReasonNone     Reason = ""
	ReasonGlobal   Reason = "rate_limited"
	ReasonCooldown Reason = "cooldown"
)

// Limiter holds the global action timestamps and the per-conversation
// last-action map. Check never mutates state; Mark records a completed action.
type Limiter struct {
	mu sync.Mutex

	perMinute int
	cooldown  time.Duration

	stamps []time.Time
	last   map[string]time.Time

	now func() time.Time
}

type Option func(*Limiter)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

func New(perMinute int, cooldown time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		last: map[string]time.Time{},
		now:  time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	l.Configure(perMinute, cooldown)
	return l
}

// Configure replaces the limits. Recorded history is kept.
func (l *Limiter) Configure(perMinute int, cooldown time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.perMinute = max(1, perMinute)
	l.cooldown = max(0, cooldown)
}

// Limits returns the active configuration.
func (l *Limiter) Limits() (perMinute int, cooldown time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.perMinute, l.cooldown
}

// Check reports whether an action on conversationID may run now.
func (l *Limiter) Check(conversationID string) (bool, Reason) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if l.countSinceLocked(now.Add(-Window)) >= l.perMinute {
		return false, ReasonGlobal
	}
	if at, ok := l.last[conversationID]; ok && now.Sub(at) < l.cooldown {
		return false, ReasonCooldown
	}
	return true, ReasonNone
}

// Mark records an action on conversationID in both gates.
func (l *Limiter) Mark(conversationID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.pruneLocked(now.Add(-Window))
	l.stamps = append(l.stamps, now)
	l.last[conversationID] = now

	// Entries older than both the window and the cooldown can no longer gate anything.
	horizon := now.Add(-max(Window, l.cooldown))
	for id, at := range l.last {
		if at.Before(horizon) {
			delete(l.last, id)
		}
	}
}

// InWindow returns how many actions the global window currently holds.
func (l *Limiter) InWindow() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.countSinceLocked(l.now().Add(-Window))
}

// countSinceLocked counts stamps strictly after cutoff without pruning.
func (l *Limiter) countSinceLocked(cutoff time.Time) int {
	n := 0
	for i := len(l.stamps) - 1; i >= 0; i-- {
		if !l.stamps[i].After(cutoff) {
			break
		}
		n++
	}
	return n
}

func (l *Limiter) pruneLocked(cutoff time.Time) {
	i := 0
	for i < len(l.stamps) && !l.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.stamps = append(l.stamps[:0], l.stamps[i:]...)
	}
}
