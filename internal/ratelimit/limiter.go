// Package ratelimit implements a fixed-window request limiter keyed by
// source (subject id or client address).
//
// Fixed windows are an approximation: a burst straddling a window boundary
// can pass up to twice the configured limit. That trade was made knowingly;
// callers needing sliding-window accuracy should front this with an edge
// limiter.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrRateLimited is returned when a key has exhausted its window.
var ErrRateLimited = errors.New("rate limit exceeded")

type window struct {
	mu    sync.Mutex
	start time.Time
	count int
}

// Limiter tracks request counts per key within fixed time windows. Window
// state is created lazily on a key's first request. Different keys do not
// contend: the registry lock covers only map lookup, each window has its
// own mutex.
type Limiter struct {
	mu       sync.RWMutex
	windows  map[string]*window
	interval time.Duration
	limit    int
	exempt   map[string]bool

	now func() time.Time
}

// New creates a limiter allowing limit requests per key per interval.
func New(interval time.Duration, limit int) *Limiter {
	return &Limiter{
		windows:  make(map[string]*window),
		interval: interval,
		limit:    limit,
		exempt:   make(map[string]bool),
		now:      time.Now,
	}
}

// Exempt marks keys that are never counted. Health-check traffic is exempt
// by policy: liveness probes poll at high frequency.
func (l *Limiter) Exempt(keys ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, k := range keys {
		l.exempt[k] = true
	}
}

// Check records a request for key and reports whether it is allowed. The
// counter is capped at the limit rather than incremented indefinitely.
func (l *Limiter) Check(key string) error {
	l.mu.RLock()
	exempt := l.exempt[key]
	w := l.windows[key]
	l.mu.RUnlock()

	if exempt {
		return nil
	}
	if w == nil {
		l.mu.Lock()
		if w = l.windows[key]; w == nil {
			w = &window{}
			l.windows[key] = w
		}
		l.mu.Unlock()
	}

	now := l.now()
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.start.IsZero() || now.Sub(w.start) >= l.interval {
		w.start = now
		w.count = 1
		return nil
	}
	if w.count >= l.limit {
		return ErrRateLimited
	}
	w.count++
	return nil
}

// Sweep removes windows that have fully elapsed and returns how many were
// dropped. Without it the per-key map grows with every source ever seen.
func (l *Limiter) Sweep() int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, w := range l.windows {
		w.mu.Lock()
		stale := now.Sub(w.start) >= l.interval
		w.mu.Unlock()
		if stale {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}

// StartSweeper runs Sweep on the given cadence until ctx is cancelled.
func (l *Limiter) StartSweeper(ctx context.Context, every time.Duration) {
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.Sweep()
			}
		}
	}()
}
