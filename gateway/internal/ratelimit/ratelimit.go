// Package ratelimit enforces per-key request allowances over fixed
// minute, hour, and day windows. Counting and checking happen in one
// atomic step so concurrent requests cannot slip past a boundary.
package ratelimit

import (
	"context"
	"time"

	"xbrl_api/gateway/internal/models"
)

// Window names, in enforcement order.
const (
	WindowMinute = "minute"
	WindowHour   = "hour"
	WindowDay    = "day"
)

// Result is the outcome of one Check call.
type Result struct {
	// Allowed reports whether the request may proceed.
	Allowed bool
	// Skipped is set when every configured limit was non-positive, in
	// which case no counters were touched.
	Skipped bool
	// ExceededWindow names the first window over its limit, when denied.
	ExceededWindow string
	// Limits echoes the limits the check ran against.
	Limits models.RateLimits
	// Remaining holds the allowance left in each window after this
	// request was counted.
	Remaining models.RateLimits
}

// Limiter counts a request against a key and decides whether it fits.
type Limiter interface {
	Check(ctx context.Context, keyID string, limits models.RateLimits) (*Result, error)
}

// evaluate turns the post-increment counts into a Result. Windows are
// checked minute first, then hour, then day; the first exceeded window
// names the denial.
func evaluate(limits models.RateLimits, minute, hour, day int64) *Result {
	r := &Result{
		Allowed: true,
		Limits:  limits,
		Remaining: models.RateLimits{
			PerMinute: remaining(limits.PerMinute, minute),
			PerHour:   remaining(limits.PerHour, hour),
			PerDay:    remaining(limits.PerDay, day),
		},
	}
	// A non-positive limit disables that window.
	switch {
	case limits.PerMinute > 0 && minute > limits.PerMinute:
		r.Allowed = false
		r.ExceededWindow = WindowMinute
	case limits.PerHour > 0 && hour > limits.PerHour:
		r.Allowed = false
		r.ExceededWindow = WindowHour
	case limits.PerDay > 0 && day > limits.PerDay:
		r.Allowed = false
		r.ExceededWindow = WindowDay
	}
	return r
}

func remaining(limit, used int64) int64 {
	if left := limit - used; left > 0 {
		return left
	}
	return 0
}

// unlimited reports whether none of the windows carry a positive limit.
func unlimited(limits models.RateLimits) bool {
	return limits.PerMinute <= 0 && limits.PerHour <= 0 && limits.PerDay <= 0
}

// skipResult is returned without counting when limits are all disabled.
func skipResult(limits models.RateLimits) *Result {
	return &Result{Allowed: true, Skipped: true, Limits: limits}
}

// windowStarts returns the fixed-window bucket start times for now.
func windowStarts(now time.Time) (minute, hour, day time.Time) {
	minute = now.Truncate(time.Minute)
	hour = now.Truncate(time.Hour)
	day = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return
}
