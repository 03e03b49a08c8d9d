// Package models defines the core data structures shared across the gateway.
package models

import (
	"time"
)

// Key status values.
const (
	KeyStatusActive  = "active"
	KeyStatusRevoked = "revoked"
	KeyStatusExpired = "expired"
)

// Subscription status values.
const (
	SubStatusActive   = "active"
	SubStatusCanceled = "canceled"
	SubStatusPastDue  = "past_due"
)

// Plan identifiers.
const (
	PlanFree       = "free"
	PlanPro        = "pro"
	PlanEnterprise = "enterprise"
)

// KeyPrefix is the fixed prefix of every issued API key.
const KeyPrefix = "xbrl_live"

// APIKey is a stored API key record. The plaintext key is never persisted;
// only the HMAC-SHA256 digest of it survives issuance.
type APIKey struct {
	ID          string     `json:"id" db:"id"`
	UserID      string     `json:"user_id" db:"user_id"`
	KeyHash     string     `json:"-" db:"key_hash"`
	KeyPrefix   string     `json:"key_prefix" db:"key_prefix"`
	KeySuffix   string     `json:"key_suffix" db:"key_suffix"`
	Name        string     `json:"name" db:"name"`
	Status      string     `json:"status" db:"status"`
	IsActive    bool       `json:"is_active" db:"is_active"`
	RPMOverride int64      `json:"rpm_override,omitempty" db:"rpm_override"`
	RPHOverride int64      `json:"rph_override,omitempty" db:"rph_override"`
	RPDOverride int64      `json:"rpd_override,omitempty" db:"rpd_override"`
	ExpiresAt   *time.Time `json:"expires_at" db:"expires_at"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// MaskedKey returns the display form of the key, prefix plus last four
// characters, e.g. "xbrl_live...abcd".
func (k *APIKey) MaskedKey() string {
	return k.KeyPrefix + "..." + k.KeySuffix
}

// IsUsable reports whether the key may authenticate requests right now.
func (k *APIKey) IsUsable(now time.Time) bool {
	if !k.IsActive || k.Status != KeyStatusActive {
		return false
	}
	if k.ExpiresAt != nil && !k.ExpiresAt.After(now) {
		return false
	}
	return true
}

// Subscription ties a user to a plan tier.
type Subscription struct {
	ID        string     `json:"id" db:"id"`
	UserID    string     `json:"user_id" db:"user_id"`
	Plan      string     `json:"plan" db:"plan"`
	Status    string     `json:"status" db:"status"`
	ExpiresAt *time.Time `json:"expires_at" db:"expires_at"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
}

// IsCurrent reports whether the subscription grants its plan right now.
func (s *Subscription) IsCurrent(now time.Time) bool {
	if s.Status != SubStatusActive {
		return false
	}
	if s.ExpiresAt != nil && !s.ExpiresAt.After(now) {
		return false
	}
	return true
}

// RateLimits is the per-window request allowance applied to a key.
type RateLimits struct {
	PerMinute int64 `json:"per_minute"`
	PerHour   int64 `json:"per_hour"`
	PerDay    int64 `json:"per_day"`
}

// AuthContext is the resolved identity attached to an authenticated request.
type AuthContext struct {
	KeyID     string     `json:"key_id"`
	UserID    string     `json:"user_id"`
	Plan      string     `json:"plan"`
	Limits    RateLimits `json:"limits"`
	ExpiresAt *time.Time `json:"expires_at"`
	CachedAt  time.Time  `json:"cached_at"`
}

// IsValid reports whether the context still identifies a usable key.
func (a *AuthContext) IsValid(now time.Time) bool {
	if a.KeyID == "" || a.UserID == "" {
		return false
	}
	if a.ExpiresAt != nil && !a.ExpiresAt.After(now) {
		return false
	}
	return true
}

// UsageEvent is one recorded gateway request, buffered and flushed in
// batches by the usage recorder.
type UsageEvent struct {
	KeyID      string    `json:"key_id" db:"key_id"`
	UserID     string    `json:"user_id" db:"user_id"`
	Endpoint   string    `json:"endpoint" db:"endpoint"`
	Method     string    `json:"method" db:"method"`
	StatusCode int       `json:"status_code" db:"status_code"`
	Bytes      int64     `json:"bytes" db:"bytes"`
	LatencyMS  int64     `json:"latency_ms" db:"latency_ms"`
	Cost       float64   `json:"cost" db:"cost"`
	OccurredAt time.Time `json:"occurred_at" db:"occurred_at"`
}
