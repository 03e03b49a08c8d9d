package ratelimit

import (
	"context"
	"sync"
	"time"

	"xbrl_api/gateway/internal/models"
)

type windowCounter struct {
	start time.Time
	count int64
}

func (w *windowCounter) bump(start time.Time) int64 {
	if !w.start.Equal(start) {
		w.start = start
		w.count = 0
	}
	w.count++
	return w.count
}

type keyCounters struct {
	minute windowCounter
	hour   windowCounter
	day    windowCounter
}

// MemoryLimiter keeps counters in process. Semantics match the Redis
// limiter; intended for single-instance deployments and tests.
type MemoryLimiter struct {
	mu       sync.Mutex
	counters map[string]*keyCounters
	now      func() time.Time
}

// NewMemoryLimiter creates an in-process limiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		counters: make(map[string]*keyCounters),
		now:      time.Now,
	}
}

// Check counts the request and evaluates all three windows under one lock.
func (l *MemoryLimiter) Check(_ context.Context, keyID string, limits models.RateLimits) (*Result, error) {
	if unlimited(limits) {
		return skipResult(limits), nil
	}

	now := l.now().UTC()
	minuteStart, hourStart, dayStart := windowStarts(now)

	l.mu.Lock()
	defer l.mu.Unlock()

	kc, ok := l.counters[keyID]
	if !ok {
		kc = &keyCounters{}
		l.counters[keyID] = kc
	}

	minute := kc.minute.bump(minuteStart)
	hour := kc.hour.bump(hourStart)
	day := kc.day.bump(dayStart)

	return evaluate(limits, minute, hour, day), nil
}

// Counts returns the current counter values for a key. Zeroes when the
// key has never been counted.
func (l *MemoryLimiter) Counts(keyID string) (minute, hour, day int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kc, ok := l.counters[keyID]
	if !ok {
		return 0, 0, 0
	}
	return kc.minute.count, kc.hour.count, kc.day.count
}
