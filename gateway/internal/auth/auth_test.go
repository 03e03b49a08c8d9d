package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xbrl_api/gateway/internal/config"
	"xbrl_api/gateway/internal/db"
	"xbrl_api/gateway/internal/keys"
	"xbrl_api/gateway/internal/logger"
	"xbrl_api/gateway/internal/models"
	"xbrl_api/gateway/internal/plan"
)

const testSecret = "test-derive-secret"

func init() {
	logger.InitDefault()
}

type testEnv struct {
	db    *db.DB
	store *keys.Store
	keys  *keys.Service
	auth  *Service
}

func createTestEnv(t *testing.T, cacheEnabled bool) *testEnv {
	t.Helper()
	database, err := db.Open(context.Background(), &config.DatabaseConfig{
		Driver: "sqlite3",
		DSN:    ":memory:",
	})
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	store := keys.NewStore(database)
	require.NoError(t, store.InitSchema(context.Background()))

	keySvc, err := keys.NewService(store, &config.KeysConfig{DeriveSecret: testSecret})
	require.NoError(t, err)

	authSvc := NewService(store, plan.NewService(database), nil, testSecret, &config.AuthConfig{
		CacheTTL:     time.Minute,
		CacheEnabled: cacheEnabled,
	})

	return &testEnv{db: database, store: store, keys: keySvc, auth: authSvc}
}

func (e *testEnv) addSubscription(t *testing.T, userID, planName string, expiresAt *time.Time) {
	t.Helper()
	_, err := e.db.Exec(
		`INSERT INTO subscriptions (id, user_id, plan, status, expires_at, created_at)
		 VALUES (?, ?, ?, 'active', ?, ?)`,
		userID+"-"+planName, userID, planName, expiresAt, time.Now().UTC(),
	)
	require.NoError(t, err)
}

func TestAuthenticate(t *testing.T) {
	env := createTestEnv(t, false)
	ctx := context.Background()

	issued, err := env.keys.Issue(ctx, "user-1", "")
	require.NoError(t, err)

	authCtx, err := env.auth.Authenticate(ctx, issued.Key)
	require.NoError(t, err)
	assert.Equal(t, issued.Record.ID, authCtx.KeyID)
	assert.Equal(t, "user-1", authCtx.UserID)
	assert.Equal(t, models.PlanFree, authCtx.Plan)
}

func TestAuthenticateRejectsBadCredentials(t *testing.T) {
	env := createTestEnv(t, false)
	ctx := context.Background()

	t.Run("missing", func(t *testing.T) {
		_, err := env.auth.Authenticate(ctx, "")
		assert.ErrorIs(t, err, ErrMissingKey)
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := env.auth.Authenticate(ctx, "not-a-key")
		assert.ErrorIs(t, err, ErrInvalidKey)
	})

	t.Run("well-formed but unknown", func(t *testing.T) {
		unknown, err := keys.Generate()
		require.NoError(t, err)
		_, err = env.auth.Authenticate(ctx, unknown)
		assert.ErrorIs(t, err, ErrInvalidKey)
	})
}

func TestAuthenticateRevokedKey(t *testing.T) {
	env := createTestEnv(t, false)
	ctx := context.Background()

	issued, err := env.keys.Issue(ctx, "user-1", "")
	require.NoError(t, err)
	require.NoError(t, env.keys.Revoke(ctx, "user-1", issued.Record.ID))

	_, err = env.auth.Authenticate(ctx, issued.Key)
	assert.ErrorIs(t, err, ErrRevokedKey)
}

func TestAuthenticateExpiredKey(t *testing.T) {
	// A key past its expiry is rejected even while still flagged active.
	env := createTestEnv(t, false)
	ctx := context.Background()

	plaintext, err := keys.Generate()
	require.NoError(t, err)
	past := time.Now().UTC().Add(-time.Minute)
	now := time.Now().UTC()
	require.NoError(t, env.store.Insert(ctx, &models.APIKey{
		ID:        "expired-key",
		UserID:    "user-1",
		KeyHash:   keys.Digest(testSecret, plaintext),
		KeyPrefix: models.KeyPrefix,
		KeySuffix: plaintext[len(plaintext)-4:],
		Status:    models.KeyStatusActive,
		IsActive:  true,
		ExpiresAt: &past,
		CreatedAt: now,
		UpdatedAt: now,
	}))

	_, err = env.auth.Authenticate(ctx, plaintext)
	assert.ErrorIs(t, err, ErrExpiredKey)
}

func TestAuthenticatePlanResolution(t *testing.T) {
	env := createTestEnv(t, false)
	ctx := context.Background()

	issued, err := env.keys.Issue(ctx, "user-1", "")
	require.NoError(t, err)

	future := time.Now().UTC().Add(24 * time.Hour)
	env.addSubscription(t, "user-1", models.PlanPro, &future)

	authCtx, err := env.auth.Authenticate(ctx, issued.Key)
	require.NoError(t, err)
	assert.Equal(t, models.PlanPro, authCtx.Plan)

	// Per-key issuance overrides win over the plan's per-minute default.
	assert.Equal(t, int64(100), authCtx.Limits.PerMinute)
	assert.Equal(t, int64(10_000), authCtx.Limits.PerHour)
	assert.Equal(t, int64(100_000), authCtx.Limits.PerDay)
}

func TestAuthenticateLapsedSubscriptionFallsBackToFree(t *testing.T) {
	env := createTestEnv(t, false)
	ctx := context.Background()

	issued, err := env.keys.Issue(ctx, "user-1", "")
	require.NoError(t, err)

	past := time.Now().UTC().Add(-24 * time.Hour)
	env.addSubscription(t, "user-1", models.PlanEnterprise, &past)

	authCtx, err := env.auth.Authenticate(ctx, issued.Key)
	require.NoError(t, err)
	assert.Equal(t, models.PlanFree, authCtx.Plan)
}

func TestAuthenticatePlanLookupFailureFallsBackToFree(t *testing.T) {
	env := createTestEnv(t, false)
	ctx := context.Background()

	issued, err := env.keys.Issue(ctx, "user-1", "")
	require.NoError(t, err)

	_, err = env.db.Exec(`DROP TABLE subscriptions`)
	require.NoError(t, err)

	authCtx, err := env.auth.Authenticate(ctx, issued.Key)
	require.NoError(t, err)
	assert.Equal(t, models.PlanFree, authCtx.Plan)
}

func TestAuthenticateResolvesPlanFreshWithoutCache(t *testing.T) {
	// With caching off (the default), every call re-reads the key row and
	// resolves the plan, so a mid-flight upgrade shows up immediately.
	env := createTestEnv(t, false)
	ctx := context.Background()

	issued, err := env.keys.Issue(ctx, "user-1", "")
	require.NoError(t, err)

	authCtx, err := env.auth.Authenticate(ctx, issued.Key)
	require.NoError(t, err)
	assert.Equal(t, models.PlanFree, authCtx.Plan)

	future := time.Now().UTC().Add(24 * time.Hour)
	env.addSubscription(t, "user-1", models.PlanEnterprise, &future)

	authCtx, err = env.auth.Authenticate(ctx, issued.Key)
	require.NoError(t, err)
	assert.Equal(t, models.PlanEnterprise, authCtx.Plan)
}

func TestAuthenticateCacheHit(t *testing.T) {
	env := createTestEnv(t, true)
	ctx := context.Background()

	issued, err := env.keys.Issue(ctx, "user-1", "")
	require.NoError(t, err)

	var hits int
	env.auth.CacheHitHook = func() { hits++ }

	first, err := env.auth.Authenticate(ctx, issued.Key)
	require.NoError(t, err)

	// Drop the row behind the cache's back; a cached context still serves
	// until the TTL lapses.
	_, err = env.db.Exec(`DELETE FROM api_keys WHERE id = ?`, issued.Record.ID)
	require.NoError(t, err)

	second, err := env.auth.Authenticate(ctx, issued.Key)
	require.NoError(t, err)
	assert.Equal(t, first.KeyID, second.KeyID)
	assert.Equal(t, 1, hits)

	// Invalidation forces the next lookup to the database.
	env.auth.Invalidate(ctx, keys.Digest(testSecret, issued.Key))
	_, err = env.auth.Authenticate(ctx, issued.Key)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestEffectiveLimits(t *testing.T) {
	planRate := models.RateLimits{PerMinute: 300, PerHour: 10_000, PerDay: 100_000}

	t.Run("no overrides", func(t *testing.T) {
		got := effectiveLimits(&models.APIKey{}, planRate)
		assert.Equal(t, planRate, got)
	})

	t.Run("partial overrides", func(t *testing.T) {
		got := effectiveLimits(&models.APIKey{RPMOverride: 10, RPDOverride: 500}, planRate)
		assert.Equal(t, int64(10), got.PerMinute)
		assert.Equal(t, int64(10_000), got.PerHour)
		assert.Equal(t, int64(500), got.PerDay)
	})
}
