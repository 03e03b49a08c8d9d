// Package auth authenticates API keys and resolves the plan context
// attached to each request.
package auth

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"xbrl_api/gateway/internal/config"
	"xbrl_api/gateway/internal/keys"
	"xbrl_api/gateway/internal/logger"
	"xbrl_api/gateway/internal/models"
	"xbrl_api/gateway/internal/plan"
)

const redisKeyPrefix = "auth:ctx:"

// Service authenticates keys against the store. When caching is opted
// into, an in-memory cache and an optional Redis cache shared across
// instances sit in front of the store; the default is a fresh store
// lookup and plan resolution on every call, so revocations and plan
// changes take effect immediately.
type Service struct {
	store    *keys.Store
	plans    *plan.Service
	redis    *redis.Client
	secret   string
	cache    map[string]*models.AuthContext
	cacheMu  sync.RWMutex
	cacheTTL time.Duration
	enabled  bool

	// CacheHitHook, when set, fires on every cache-served authentication.
	CacheHitHook func()

	now func() time.Time
}

// NewService creates a new authenticator. redisClient may be nil, in
// which case only the in-memory cache is used.
func NewService(store *keys.Store, plans *plan.Service, redisClient *redis.Client, secret string, cfg *config.AuthConfig) *Service {
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Service{
		store:    store,
		plans:    plans,
		redis:    redisClient,
		secret:   secret,
		cache:    make(map[string]*models.AuthContext),
		cacheTTL: ttl,
		enabled:  cfg.CacheEnabled,
		now:      time.Now,
	}
}

// Authenticate validates a plaintext API key and returns the resolved
// auth context. The plaintext is digested immediately and never retained.
func (s *Service) Authenticate(ctx context.Context, apiKey string) (*models.AuthContext, error) {
	if apiKey == "" {
		return nil, ErrMissingKey
	}
	if !keys.ValidFormat(apiKey) {
		return nil, ErrInvalidKey
	}

	keyHash := keys.Digest(s.secret, apiKey)
	now := s.now()

	if s.enabled {
		if authCtx := s.getFromCache(keyHash, now); authCtx != nil {
			s.cacheHit()
			return authCtx, nil
		}
		if authCtx := s.getFromRedis(ctx, keyHash, now); authCtx != nil {
			s.putToCache(keyHash, authCtx)
			s.cacheHit()
			return authCtx, nil
		}
	}

	key, err := s.store.GetByHash(ctx, keyHash)
	if err != nil {
		if errors.Is(err, keys.ErrKeyNotFound) {
			return nil, ErrInvalidKey
		}
		return nil, errors.Wrap(err, "failed to look up api key")
	}

	if !key.IsUsable(now) {
		if key.Status == models.KeyStatusRevoked || !key.IsActive {
			return nil, ErrRevokedKey
		}
		if key.ExpiresAt != nil && !key.ExpiresAt.After(now) {
			return nil, ErrExpiredKey
		}
		return nil, ErrInvalidKey
	}

	planName, limits, err := s.plans.ResolveLimits(ctx, key.UserID)
	if err != nil {
		// A broken subscriptions lookup must not take down the data
		// plane; the caller just runs on the free tier.
		logger.Warn("plan resolution failed, defaulting to free tier",
			zap.String("user_id", key.UserID), zap.Error(err))
		planName, limits = models.PlanFree, plan.LimitsFor(models.PlanFree)
	}

	authCtx := &models.AuthContext{
		KeyID:     key.ID,
		UserID:    key.UserID,
		Plan:      planName,
		Limits:    effectiveLimits(key, limits.Rate),
		ExpiresAt: key.ExpiresAt,
		CachedAt:  now,
	}

	if s.enabled {
		s.putToCache(keyHash, authCtx)
		s.putToRedis(ctx, keyHash, authCtx)
	}

	return authCtx, nil
}

// effectiveLimits applies per-key overrides on top of the plan's rate
// limits. A positive override replaces the plan value for that window.
func effectiveLimits(key *models.APIKey, planRate models.RateLimits) models.RateLimits {
	out := planRate
	if key.RPMOverride > 0 {
		out.PerMinute = key.RPMOverride
	}
	if key.RPHOverride > 0 {
		out.PerHour = key.RPHOverride
	}
	if key.RPDOverride > 0 {
		out.PerDay = key.RPDOverride
	}
	return out
}

func (s *Service) cacheHit() {
	if s.CacheHitHook != nil {
		s.CacheHitHook()
	}
}

// Invalidate removes a key's cached context, forcing the next request to
// hit the database. Called after revocation.
func (s *Service) Invalidate(ctx context.Context, keyHash string) {
	s.cacheMu.Lock()
	delete(s.cache, keyHash)
	s.cacheMu.Unlock()
	if s.redis != nil {
		s.redis.Del(ctx, redisKeyPrefix+keyHash)
	}
}

func (s *Service) getFromCache(keyHash string, now time.Time) *models.AuthContext {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()

	authCtx, ok := s.cache[keyHash]
	if !ok {
		return nil
	}
	if now.Sub(authCtx.CachedAt) > s.cacheTTL {
		return nil // Expired
	}
	if !authCtx.IsValid(now) {
		return nil
	}
	return authCtx
}

func (s *Service) putToCache(keyHash string, authCtx *models.AuthContext) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.cache[keyHash] = authCtx
}

func (s *Service) getFromRedis(ctx context.Context, keyHash string, now time.Time) *models.AuthContext {
	if s.redis == nil {
		return nil
	}
	data, err := s.redis.Get(ctx, redisKeyPrefix+keyHash).Bytes()
	if err != nil {
		return nil
	}
	var authCtx models.AuthContext
	if err := msgpack.Unmarshal(data, &authCtx); err != nil {
		logger.Warn("failed to decode cached auth context", zap.Error(err))
		return nil
	}
	if !authCtx.IsValid(now) {
		return nil
	}
	return &authCtx
}

func (s *Service) putToRedis(ctx context.Context, keyHash string, authCtx *models.AuthContext) {
	if s.redis == nil {
		return
	}
	data, err := msgpack.Marshal(authCtx)
	if err != nil {
		logger.Warn("failed to encode auth context", zap.Error(err))
		return
	}
	if err := s.redis.Set(ctx, redisKeyPrefix+keyHash, data, s.cacheTTL).Err(); err != nil {
		logger.Warn("failed to cache auth context", zap.Error(err))
	}
}

// Error definitions
var (
	ErrMissingKey = errors.New("API key is required")
	ErrInvalidKey = errors.New("invalid API key")
	ErrExpiredKey = errors.New("API key has expired")
	ErrRevokedKey = errors.New("API key has been revoked")
)
