package ratelimit

import "time"

// SetClock replaces the clock of a limiter.
func SetClock(l any, now func() time.Time) {
	switch l := l.(type) {
	case *Memory:
		l.now = now
	case *Redis:
		l.now = now
	default:
		panic("limiter has no clock")
	}
}

// Tracked returns the number of senders tracked by a Memory limiter.
func (l *Memory) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// MaxIdleKeys is the number of tracked senders before idle ones are forgotten.
const MaxIdleKeys = maxIdleKeys
