package keys

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"xbrl_api/gateway/internal/db"
	"xbrl_api/gateway/internal/models"
)

// Store persists API key records.
type Store struct {
	db *db.DB
}

// NewStore creates a new key store.
func NewStore(database *db.DB) *Store {
	return &Store{db: database}
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS api_keys (
	id           VARCHAR(36) PRIMARY KEY,
	user_id      VARCHAR(64) NOT NULL,
	key_hash     VARCHAR(64) NOT NULL UNIQUE,
	key_prefix   VARCHAR(16) NOT NULL,
	key_suffix   VARCHAR(8)  NOT NULL,
	name         VARCHAR(128) NOT NULL DEFAULT '',
	status       VARCHAR(16) NOT NULL DEFAULT 'active',
	is_active    BOOLEAN NOT NULL DEFAULT TRUE,
	rpm_override BIGINT NOT NULL DEFAULT 0,
	rph_override BIGINT NOT NULL DEFAULT 0,
	rpd_override BIGINT NOT NULL DEFAULT 0,
	expires_at   TIMESTAMP NULL,
	last_used_at TIMESTAMP NULL,
	created_at   TIMESTAMP NOT NULL,
	updated_at   TIMESTAMP NOT NULL
)`

const subscriptionsSchemaSQL = `
CREATE TABLE IF NOT EXISTS subscriptions (
	id         VARCHAR(36) PRIMARY KEY,
	user_id    VARCHAR(64) NOT NULL,
	plan       VARCHAR(32) NOT NULL,
	status     VARCHAR(16) NOT NULL DEFAULT 'active',
	expires_at TIMESTAMP NULL,
	created_at TIMESTAMP NOT NULL
)`

// InitSchema creates the api_keys and subscriptions tables if missing.
// Statements run one Exec each; the mysql driver rejects multi-statement
// scripts unless multiStatements is enabled in the DSN.
func (s *Store) InitSchema(ctx context.Context) error {
	for _, stmt := range []string{schemaSQL, subscriptionsSchemaSQL} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "failed to initialize schema")
		}
	}
	if err := s.db.CreateIndexIfMissing(ctx, "idx_api_keys_user", "api_keys", "user_id"); err != nil {
		return err
	}
	return s.db.CreateIndexIfMissing(ctx, "idx_subscriptions_user", "subscriptions", "user_id")
}

const keyColumns = `id, user_id, key_hash, key_prefix, key_suffix, name, status, is_active,
	rpm_override, rph_override, rpd_override, expires_at, last_used_at, created_at, updated_at`

// Insert stores a new key record.
func (s *Store) Insert(ctx context.Context, key *models.APIKey) error {
	query := s.db.Rebind(`INSERT INTO api_keys (` + keyColumns + `)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := s.db.ExecContext(ctx, query,
		key.ID, key.UserID, key.KeyHash, key.KeyPrefix, key.KeySuffix, key.Name,
		key.Status, key.IsActive, key.RPMOverride, key.RPHOverride, key.RPDOverride,
		key.ExpiresAt, key.LastUsedAt, key.CreatedAt, key.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to insert api key")
	}
	return nil
}

// CountActive returns the number of usable keys a user currently holds.
// Expired keys do not count against the cap even when still flagged active.
func (s *Store) CountActive(ctx context.Context, userID string, now time.Time) (int, error) {
	query := s.db.Rebind(`SELECT COUNT(*) FROM api_keys
	          WHERE user_id = ? AND is_active = TRUE AND status = 'active'
	            AND (expires_at IS NULL OR expires_at > ?)`)

	var n int
	if err := s.db.QueryRowContext(ctx, query, userID, now).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "failed to count active keys")
	}
	return n, nil
}

// GetByHash retrieves a key record by its stored digest. When the table
// predates the override and status columns, the lookup retries with the
// portable subset instead of failing authentication.
func (s *Store) GetByHash(ctx context.Context, keyHash string) (*models.APIKey, error) {
	query := s.db.Rebind(`SELECT ` + keyColumns + ` FROM api_keys WHERE key_hash = ?`)
	key, err := s.scanOne(s.db.QueryRowContext(ctx, query, keyHash))
	if err != nil && db.IsColumnMissing(errors.Cause(err)) {
		return s.getByHashReduced(ctx, keyHash)
	}
	return key, err
}

func (s *Store) getByHashReduced(ctx context.Context, keyHash string) (*models.APIKey, error) {
	query := s.db.Rebind(`SELECT id, user_id, key_hash, is_active, expires_at
	          FROM api_keys WHERE key_hash = ?`)

	var key models.APIKey
	var expiresAt sql.NullTime
	err := s.db.QueryRowContext(ctx, query, keyHash).Scan(
		&key.ID, &key.UserID, &key.KeyHash, &key.IsActive, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrKeyNotFound
		}
		return nil, errors.Wrap(err, "failed to load api key")
	}

	if expiresAt.Valid {
		t := expiresAt.Time
		key.ExpiresAt = &t
	}
	key.KeyPrefix = models.KeyPrefix
	key.Status = models.KeyStatusRevoked
	if key.IsActive {
		key.Status = models.KeyStatusActive
	}
	return &key, nil
}

// GetByID retrieves a key record by id.
func (s *Store) GetByID(ctx context.Context, id string) (*models.APIKey, error) {
	query := s.db.Rebind(`SELECT ` + keyColumns + ` FROM api_keys WHERE id = ?`)
	return s.scanOne(s.db.QueryRowContext(ctx, query, id))
}

// ListByUser returns all of a user's keys, newest first.
func (s *Store) ListByUser(ctx context.Context, userID string) ([]*models.APIKey, error) {
	query := s.db.Rebind(`SELECT ` + keyColumns + ` FROM api_keys
	          WHERE user_id = ? ORDER BY created_at DESC`)

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list api keys")
	}
	defer rows.Close()

	var out []*models.APIKey
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

// Revoke deactivates a key owned by userID. Returns ErrKeyNotFound when
// no matching active key exists.
func (s *Store) Revoke(ctx context.Context, userID, keyID string, now time.Time) error {
	query := s.db.Rebind(`UPDATE api_keys
	          SET is_active = FALSE, status = 'revoked', updated_at = ?
	          WHERE id = ? AND user_id = ? AND status = 'active'`)

	result, err := s.db.ExecContext(ctx, query, now, keyID, userID)
	if err != nil {
		return errors.Wrap(err, "failed to revoke api key")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if n == 0 {
		return ErrKeyNotFound
	}
	return nil
}

// TouchLastUsed records the most recent use of a key.
func (s *Store) TouchLastUsed(ctx context.Context, keyID string, now time.Time) error {
	query := s.db.Rebind(`UPDATE api_keys SET last_used_at = ? WHERE id = ?`)
	if _, err := s.db.ExecContext(ctx, query, now, keyID); err != nil {
		return errors.Wrap(err, "failed to update last_used_at")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanOne(row *sql.Row) (*models.APIKey, error) {
	key, err := scanKey(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	return key, nil
}

func scanKey(row rowScanner) (*models.APIKey, error) {
	var key models.APIKey
	var expiresAt, lastUsedAt sql.NullTime

	err := row.Scan(
		&key.ID, &key.UserID, &key.KeyHash, &key.KeyPrefix, &key.KeySuffix, &key.Name,
		&key.Status, &key.IsActive, &key.RPMOverride, &key.RPHOverride, &key.RPDOverride,
		&expiresAt, &lastUsedAt, &key.CreatedAt, &key.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Wrap(err, "failed to scan api key")
	}

	if expiresAt.Valid {
		t := expiresAt.Time
		key.ExpiresAt = &t
	}
	if lastUsedAt.Valid {
		t := lastUsedAt.Time
		key.LastUsedAt = &t
	}
	return &key, nil
}
