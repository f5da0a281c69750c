// Package ratelimit implements sliding-window call admission for
// quota-limited market data providers.
//
// Free-tier providers such as Alpha Vantage allow 5 requests per minute.
// The limiter is configured below that quota (4 per 60s by default) so a
// burst from several sessions never trips the provider's own throttling.
package ratelimit

import (
	"sync"
	"time"
)

const (
	DefaultMaxCalls = 4
	DefaultWindow   = 60 * time.Second
)

// Limiter admits at most MaxCalls recorded calls within any trailing Window.
//
// Reads (CanMakeCall, WaitTime) purge expired timestamps but otherwise do
// not change state; RecordCall is the only operation that consumes quota.
type Limiter struct {
	maxCalls int
	window   time.Duration
	now      func() time.Time

	mu    sync.Mutex
	calls []time.Time // ascending
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a limiter. Non-positive arguments fall back to the defaults.
func New(maxCalls int, window time.Duration, opts ...Option) *Limiter {
	if maxCalls < 1 {
		maxCalls = DefaultMaxCalls
	}
	if window <= 0 {
		window = DefaultWindow
	}
	l := &Limiter{
		maxCalls: maxCalls,
		window:   window,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CanMakeCall reports whether another call fits in the current window.
func (l *Limiter) CanMakeCall() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.purge(l.now())
	return len(l.calls) < l.maxCalls
}

// RecordCall consumes one unit of quota at the current time.
func (l *Limiter) RecordCall() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.purge(now)
	l.calls = append(l.calls, now)
}

// WaitTime returns how long until the oldest in-window call expires.
// Zero when no calls are recorded.
func (l *Limiter) WaitTime() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.purge(now)
	if len(l.calls) == 0 {
		return 0
	}
	wait := l.window - now.Sub(l.calls[0])
	if wait < 0 {
		return 0
	}
	return wait
}

// Remaining returns the number of calls still admissible in the window.
func (l *Limiter) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.purge(l.now())
	return l.maxCalls - len(l.calls)
}

// purge drops timestamps that have left the window. Caller holds mu.
func (l *Limiter) purge(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.calls) && !l.calls[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.calls = append(l.calls[:0], l.calls[i:]...)
	}
}
