package exchange

import (
	"context"
	"sync"
	"time"
)

// RateLimiter admits or refuses one more message from key.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Default inbound limit per verified sender.
const (
	DefaultRateLimit  = 60
	DefaultRateWindow = time.Minute
)

type window struct {
	start time.Time
	count int
}

// WindowLimiter is an in-memory fixed-window counter.
type WindowLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	windows map[string]*window
}

// NewWindowLimiter allows limit events per key in each window.
func NewWindowLimiter(limit int, d time.Duration) *WindowLimiter {
	return &WindowLimiter{
		limit:   limit,
		window:  d,
		now:     time.Now,
		windows: make(map[string]*window),
	}
}

func (l *WindowLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= l.window {
		if len(l.windows) > 10000 {
			l.prune(now)
		}
		w = &window{start: now}
		l.windows[key] = w
	}
	if w.count >= l.limit {
		return false, nil
	}
	w.count++
	return true, nil
}

func (l *WindowLimiter) prune(now time.Time) {
	for key, w := range l.windows {
		if now.Sub(w.start) >= l.window {
			delete(l.windows, key)
		}
	}
}
