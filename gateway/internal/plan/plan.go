// Package plan resolves a user's subscription to an effective plan tier
// and the rate and storage limits that tier grants.
package plan

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"xbrl_api/gateway/internal/db"
	"xbrl_api/gateway/internal/models"
)

// Limits bundles everything a plan tier grants.
type Limits struct {
	Rate            models.RateLimits
	MaxStorageBytes int64
}

// Built-in tier definitions. Per-key overrides on an API key take
// precedence over these for rate limits.
var tierLimits = map[string]Limits{
	models.PlanFree: {
		Rate:            models.RateLimits{PerMinute: 60, PerHour: 1_000, PerDay: 10_000},
		MaxStorageBytes: 100_000,
	},
	models.PlanPro: {
		Rate:            models.RateLimits{PerMinute: 300, PerHour: 10_000, PerDay: 100_000},
		MaxStorageBytes: 2_000_000,
	},
	models.PlanEnterprise: {
		Rate:            models.RateLimits{PerMinute: 1_000, PerHour: 50_000, PerDay: 500_000},
		MaxStorageBytes: 10_000_000,
	},
}

// LimitsFor returns the limits for a plan name, falling back to the free
// tier for unknown names.
func LimitsFor(name string) Limits {
	if l, ok := tierLimits[name]; ok {
		return l
	}
	return tierLimits[models.PlanFree]
}

// Service resolves plans from the subscriptions table.
type Service struct {
	db *db.DB
}

// NewService creates a new plan service.
func NewService(database *db.DB) *Service {
	return &Service{db: database}
}

// ResolvePlan returns the user's effective plan name. The newest active
// subscription wins; rows with no expiry sort first, then later expiries.
// A user with no current subscription is on the free tier.
func (s *Service) ResolvePlan(ctx context.Context, userID string) (string, error) {
	query := s.db.Rebind(`SELECT plan, expires_at FROM subscriptions
	          WHERE user_id = ? AND status = 'active'
	          ORDER BY expires_at IS NOT NULL, expires_at DESC`)

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return "", errors.Wrap(err, "failed to query subscriptions")
	}
	defer rows.Close()

	now := time.Now()
	for rows.Next() {
		var plan string
		var expiresAt sql.NullTime
		if err := rows.Scan(&plan, &expiresAt); err != nil {
			return "", errors.Wrap(err, "failed to scan subscription")
		}
		if !expiresAt.Valid || expiresAt.Time.After(now) {
			return plan, nil
		}
	}
	if err := rows.Err(); err != nil {
		return "", errors.Wrap(err, "failed to iterate subscriptions")
	}

	return models.PlanFree, nil
}

// ResolveLimits resolves the user's plan and returns its limits alongside
// the plan name.
func (s *Service) ResolveLimits(ctx context.Context, userID string) (string, Limits, error) {
	name, err := s.ResolvePlan(ctx, userID)
	if err != nil {
		return "", Limits{}, err
	}
	return name, LimitsFor(name), nil
}
