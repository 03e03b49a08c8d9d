package keys

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xbrl_api/gateway/internal/config"
	"xbrl_api/gateway/internal/db"
	"xbrl_api/gateway/internal/logger"
	"xbrl_api/gateway/internal/models"
)

func init() {
	logger.InitDefault()
}

func createTestStore(t *testing.T) *Store {
	t.Helper()
	database, err := db.Open(context.Background(), &config.DatabaseConfig{
		Driver: "sqlite3",
		DSN:    ":memory:",
	})
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	store := NewStore(database)
	require.NoError(t, store.InitSchema(context.Background()))
	return store
}

func TestInitSchemaIdempotent(t *testing.T) {
	store := createTestStore(t)
	// Runs on every startup against an already-initialized database.
	require.NoError(t, store.InitSchema(context.Background()))
}

func createTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(createTestStore(t), &config.KeysConfig{
		DeriveSecret:  "test-derive-secret",
		MaxActiveKeys: 3,
		KeyTTL:        365 * 24 * time.Hour,
	})
	require.NoError(t, err)
	return svc
}

func TestGenerate(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		key, err := Generate()
		require.NoError(t, err)
		assert.True(t, ValidFormat(key), "generated key %q should match the issued format", key)
		assert.False(t, seen[key], "keys must not repeat")
		seen[key] = true
	}
}

func TestValidFormat(t *testing.T) {
	assert.True(t, ValidFormat("xbrl_live_abcdefghijklmnopqrstuvwxyzABCDEF"))
	assert.False(t, ValidFormat("xbrl_live_short"))
	assert.False(t, ValidFormat("xbrl_test_abcdefghijklmnopqrstuvwxyzABCDEF"))
	assert.False(t, ValidFormat("xbrl_live_abcdefghijklmnopqrstuvwxyzABCDE!"))
	assert.False(t, ValidFormat(""))
}

func TestDigest(t *testing.T) {
	t.Run("deterministic", func(t *testing.T) {
		a := Digest("secret", "xbrl_live_aaaa")
		b := Digest("secret", "xbrl_live_aaaa")
		assert.Equal(t, a, b)
		assert.Len(t, a, 64) // hex-encoded SHA-256
	})

	t.Run("secret changes digest", func(t *testing.T) {
		a := Digest("secret-one", "xbrl_live_aaaa")
		b := Digest("secret-two", "xbrl_live_aaaa")
		assert.NotEqual(t, a, b)
	})

	t.Run("constant time compare", func(t *testing.T) {
		d := Digest("secret", "xbrl_live_aaaa")
		assert.True(t, DigestEqual(d, d))
		assert.False(t, DigestEqual(d, Digest("secret", "xbrl_live_bbbb")))
	})
}

func TestIssue(t *testing.T) {
	svc := createTestService(t)
	ctx := context.Background()

	issued, err := svc.Issue(ctx, "user-1", "primary")
	require.NoError(t, err)

	assert.True(t, ValidFormat(issued.Key))
	assert.Equal(t, models.KeyPrefix+"..."+issued.Key[len(issued.Key)-4:], issued.Masked)
	assert.Equal(t, models.KeyStatusActive, issued.Record.Status)
	assert.True(t, issued.Record.IsActive)
	require.NotNil(t, issued.Record.ExpiresAt)
	assert.True(t, issued.Record.ExpiresAt.After(time.Now().Add(364*24*time.Hour)))

	// Stored record holds the digest, never the plaintext.
	stored, err := svc.store.GetByID(ctx, issued.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, Digest("test-derive-secret", issued.Key), stored.KeyHash)
	assert.NotContains(t, stored.KeyHash, issued.Key)
}

func TestIssueKeyLimit(t *testing.T) {
	svc := createTestService(t)
	ctx := context.Background()

	var lastID string
	for i := 0; i < 3; i++ {
		issued, err := svc.Issue(ctx, "user-1", "")
		require.NoError(t, err)
		lastID = issued.Record.ID
	}

	_, err := svc.Issue(ctx, "user-1", "")
	assert.ErrorIs(t, err, ErrKeyLimitReached)

	// Another user is unaffected by the first user's cap.
	_, err = svc.Issue(ctx, "user-2", "")
	require.NoError(t, err)

	// Revoking frees a slot.
	require.NoError(t, svc.Revoke(ctx, "user-1", lastID))
	_, err = svc.Issue(ctx, "user-1", "")
	require.NoError(t, err)
}

func TestExpiredKeysDoNotCountTowardCap(t *testing.T) {
	store := createTestStore(t)
	svc, err := NewService(store, &config.KeysConfig{
		DeriveSecret:  "test-derive-secret",
		MaxActiveKeys: 3,
	})
	require.NoError(t, err)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Hour)
	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		key := &models.APIKey{
			ID:        "expired-" + string(rune('a'+i)),
			UserID:    "user-1",
			KeyHash:   Digest("test-derive-secret", "xbrl_live_expired"+string(rune('a'+i))),
			KeyPrefix: models.KeyPrefix,
			KeySuffix: "zzzz",
			Status:    models.KeyStatusActive,
			IsActive:  true,
			ExpiresAt: &past,
			CreatedAt: now,
			UpdatedAt: now,
		}
		require.NoError(t, store.Insert(ctx, key))
	}

	_, err = svc.Issue(ctx, "user-1", "")
	require.NoError(t, err, "expired keys must not block new issuance")
}

func TestGetByHashLegacySchema(t *testing.T) {
	// Tables from before the override and status columns still
	// authenticate through the reduced lookup.
	database, err := db.Open(context.Background(), &config.DatabaseConfig{
		Driver: "sqlite3",
		DSN:    ":memory:",
	})
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	_, err = database.Exec(`CREATE TABLE api_keys (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		key_hash TEXT NOT NULL UNIQUE,
		is_active BOOLEAN NOT NULL,
		expires_at TIMESTAMP NULL)`)
	require.NoError(t, err)

	hash := Digest("test-derive-secret", "xbrl_live_legacyaaaaaaaaaaaaaaaaaaaaaaaaaa")
	future := time.Now().UTC().Add(time.Hour)
	_, err = database.Exec(
		`INSERT INTO api_keys (id, user_id, key_hash, is_active, expires_at) VALUES (?, ?, ?, ?, ?)`,
		"legacy-key", "user-1", hash, true, future)
	require.NoError(t, err)

	store := NewStore(database)
	key, err := store.GetByHash(context.Background(), hash)
	require.NoError(t, err)
	assert.Equal(t, "legacy-key", key.ID)
	assert.Equal(t, "user-1", key.UserID)
	assert.Equal(t, models.KeyStatusActive, key.Status)
	assert.Zero(t, key.RPMOverride)
	assert.True(t, key.IsUsable(time.Now().UTC()))
}

func TestRevoke(t *testing.T) {
	svc := createTestService(t)
	ctx := context.Background()

	issued, err := svc.Issue(ctx, "user-1", "")
	require.NoError(t, err)

	t.Run("wrong owner", func(t *testing.T) {
		err := svc.Revoke(ctx, "user-2", issued.Record.ID)
		assert.ErrorIs(t, err, ErrKeyNotFound)
	})

	t.Run("unknown id", func(t *testing.T) {
		err := svc.Revoke(ctx, "user-1", "nope")
		assert.ErrorIs(t, err, ErrKeyNotFound)
	})

	t.Run("owner revokes", func(t *testing.T) {
		require.NoError(t, svc.Revoke(ctx, "user-1", issued.Record.ID))

		stored, err := svc.store.GetByID(ctx, issued.Record.ID)
		require.NoError(t, err)
		assert.Equal(t, models.KeyStatusRevoked, stored.Status)
		assert.False(t, stored.IsActive)

		// A second revoke is a miss.
		assert.ErrorIs(t, svc.Revoke(ctx, "user-1", issued.Record.ID), ErrKeyNotFound)
	})
}

func TestList(t *testing.T) {
	svc := createTestService(t)
	ctx := context.Background()

	first, err := svc.Issue(ctx, "user-1", "first")
	require.NoError(t, err)
	second, err := svc.Issue(ctx, "user-1", "second")
	require.NoError(t, err)

	list, err := svc.List(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	ids := []string{list[0].ID, list[1].ID}
	assert.Contains(t, ids, first.Record.ID)
	assert.Contains(t, ids, second.Record.ID)

	empty, err := svc.List(ctx, "user-9")
	require.NoError(t, err)
	assert.Empty(t, empty)
}
