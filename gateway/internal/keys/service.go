// Package keys issues, lists, and revokes API keys. A key is shown to the
// caller exactly once at issuance; afterwards only its digest and a masked
// form exist.
package keys

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"xbrl_api/gateway/internal/config"
	"xbrl_api/gateway/internal/logger"
	"xbrl_api/gateway/internal/models"
)

// Per-key rate limits written at issuance. A positive override on the key
// takes precedence over the plan's defaults at authentication time.
const (
	defaultRPM = 100
	defaultRPH = 10_000
	defaultRPD = 100_000
)

// IssuedKey is the one-time issuance result. Key holds the plaintext and
// must not be retained after the response is written.
type IssuedKey struct {
	Key    string         `json:"api_key"`
	Masked string         `json:"masked_key"`
	Record *models.APIKey `json:"record"`
}

// RateLimits returns the per-window allowances written onto the key.
func (k *IssuedKey) RateLimits() models.RateLimits {
	return models.RateLimits{
		PerMinute: k.Record.RPMOverride,
		PerHour:   k.Record.RPHOverride,
		PerDay:    k.Record.RPDOverride,
	}
}

// Service implements the key lifecycle.
type Service struct {
	store   *Store
	secret  string
	maxKeys int
	keyTTL  time.Duration
}

// NewService creates a key service from configuration.
func NewService(store *Store, cfg *config.KeysConfig) (*Service, error) {
	if cfg.DeriveSecret == "" {
		return nil, errors.New("keys: derive secret is required")
	}
	maxKeys := cfg.MaxActiveKeys
	if maxKeys <= 0 {
		maxKeys = 3
	}
	ttl := cfg.KeyTTL
	if ttl <= 0 {
		ttl = 365 * 24 * time.Hour
	}
	return &Service{
		store:   store,
		secret:  cfg.DeriveSecret,
		maxKeys: maxKeys,
		keyTTL:  ttl,
	}, nil
}

// Issue creates a new key for the user. Fails with ErrKeyLimitReached when
// the user already holds the maximum number of usable keys.
func (s *Service) Issue(ctx context.Context, userID, name string) (*IssuedKey, error) {
	if userID == "" {
		return nil, errors.New("keys: user id is required")
	}

	now := time.Now().UTC()
	active, err := s.store.CountActive(ctx, userID, now)
	if err != nil {
		return nil, err
	}
	if active >= s.maxKeys {
		return nil, ErrKeyLimitReached
	}

	plaintext, err := Generate()
	if err != nil {
		return nil, err
	}

	expiresAt := now.Add(s.keyTTL)
	key := &models.APIKey{
		ID:          uuid.NewString(),
		UserID:      userID,
		KeyHash:     Digest(s.secret, plaintext),
		KeyPrefix:   models.KeyPrefix,
		KeySuffix:   plaintext[len(plaintext)-4:],
		Name:        name,
		Status:      models.KeyStatusActive,
		IsActive:    true,
		RPMOverride: defaultRPM,
		RPHOverride: defaultRPH,
		RPDOverride: defaultRPD,
		ExpiresAt:   &expiresAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.store.Insert(ctx, key); err != nil {
		return nil, err
	}

	logger.Info("api key issued",
		zap.String("key_id", key.ID),
		zap.String("user_id", userID),
		zap.String("masked_key", key.MaskedKey()),
	)

	return &IssuedKey{
		Key:    plaintext,
		Masked: key.MaskedKey(),
		Record: key,
	}, nil
}

// Revoke deactivates one of the user's keys.
func (s *Service) Revoke(ctx context.Context, userID, keyID string) error {
	if err := s.store.Revoke(ctx, userID, keyID, time.Now().UTC()); err != nil {
		return err
	}
	logger.Info("api key revoked",
		zap.String("key_id", keyID),
		zap.String("user_id", userID),
	)
	return nil
}

// Get returns a single key record by id.
func (s *Service) Get(ctx context.Context, keyID string) (*models.APIKey, error) {
	return s.store.GetByID(ctx, keyID)
}

// List returns the user's keys, newest first. Plaintext is never part of
// the result.
func (s *Service) List(ctx context.Context, userID string) ([]*models.APIKey, error) {
	return s.store.ListByUser(ctx, userID)
}

// Error definitions
var (
	ErrKeyNotFound     = errors.New("api key not found")
	ErrKeyLimitReached = errors.New("active key limit reached; revoke an existing key to issue a new one")
)
