package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxIdleKeys bounds the number of tracked senders before idle ones are forgotten.
const maxIdleKeys = 10000

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Memory is a per process token bucket limiter, allowing limit requests per window to each sender.
type Memory struct {
	limiters map[string]*entry
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
	window   time.Duration
	now      func() time.Time
}

// NewMemory returns a Memory limiter allowing limit requests per window, with bursts of up to limit.
func NewMemory(limit int, window time.Duration) *Memory {
	return &Memory{
		limiters: make(map[string]*entry),
		rate:     rate.Limit(float64(limit) / window.Seconds()),
		burst:    limit,
		window:   window,
		now:      time.Now,
	}
}

func (l *Memory) getLimiter(key string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, exists := l.limiters[key]
	if !exists {
		if len(l.limiters) >= maxIdleKeys {
			l.forgetIdle(now)
		}
		e = &entry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[key] = e
	}
	e.lastSeen = now
	return e.limiter
}

// forgetIdle drops the senders not seen for a whole window, whose buckets are full again anyway.
func (l *Memory) forgetIdle(now time.Time) {
	for k, e := range l.limiters {
		if now.Sub(e.lastSeen) > l.window {
			delete(l.limiters, k)
		}
	}
}

// Allow consumes one token of key's bucket.
func (l *Memory) Allow(_ context.Context, key string) (bool, error) {
	now := l.now()
	return l.getLimiter(key, now).AllowN(now, 1), nil
}

// Close does nothing.
func (l *Memory) Close() error { return nil }
