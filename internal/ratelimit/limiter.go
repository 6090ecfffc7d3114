package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Window is the sliding window every provider quota is measured over.
const Window = time.Minute

// RateLimiter admits attempts against a keyed sliding-window quota. A limit of
// zero or less is unlimited.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int) (bool, error)
}

var _ RateLimiter = (*MemoryRateLimiter)(nil)

// MemoryRateLimiter is a process-local sliding window limiter. Each key owns
// its own lock; unrelated keys never contend.
type MemoryRateLimiter struct {
	windows sync.Map // key -> *window
	span    time.Duration
	now     func() time.Time
}

type window struct {
	mu     sync.Mutex
	stamps []time.Time
}

func NewMemoryRateLimiter() *MemoryRateLimiter {
	return newMemoryRateLimiter(Window, time.Now)
}

func newMemoryRateLimiter(span time.Duration, nowFn func() time.Time) *MemoryRateLimiter {
	if span <= 0 {
		span = Window
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &MemoryRateLimiter{span: span, now: nowFn}
}

func (l *MemoryRateLimiter) Allow(_ context.Context, key string, limit int) (bool, error) {
	normalized := strings.ToLower(strings.TrimSpace(key))
	if normalized == "" {
		return false, fmt.Errorf("rate limit key is required")
	}
	if limit <= 0 {
		return true, nil
	}

	v, _ := l.windows.LoadOrStore(normalized, &window{})
	w := v.(*window)

	w.mu.Lock()
	defer w.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.span)
	kept := w.stamps[:0]
	for _, ts := range w.stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.stamps = kept

	if len(w.stamps) >= limit {
		return false, nil
	}
	w.stamps = append(w.stamps, now)
	return true, nil
}
