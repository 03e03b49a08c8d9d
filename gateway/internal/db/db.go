// Package db opens and configures the SQL database connection shared by
// the key, plan, and usage stores. It supports MySQL, PostgreSQL, and
// SQLite behind one database/sql handle.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"    // MySQL driver
	_ "github.com/jackc/pgx/v5/stdlib"    // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3"       // SQLite driver
	"github.com/pkg/errors"

	"xbrl_api/gateway/internal/config"
)

// Dialect identifies the SQL dialect in use.
type Dialect string

const (
	DialectMySQL    Dialect = "mysql"
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// DB wraps a sql.DB with its dialect so stores can build portable queries.
type DB struct {
	*sql.DB
	Dialect Dialect
}

// Open connects to the configured database and verifies the connection.
func Open(ctx context.Context, cfg *config.DatabaseConfig) (*DB, error) {
	driver, dialect, err := resolveDriver(cfg.Driver)
	if err != nil {
		return nil, err
	}

	conn, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	if dialect == DialectSQLite {
		// SQLite: single connection to avoid database locking issues
		conn.SetMaxOpenConns(1)
		conn.SetMaxIdleConns(1)
	} else {
		conn.SetMaxOpenConns(cfg.MaxOpenConns)
		conn.SetMaxIdleConns(cfg.MaxIdleConns)
		conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "ping database")
	}

	return &DB{DB: conn, Dialect: dialect}, nil
}

func resolveDriver(name string) (driver string, dialect Dialect, err error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "mysql", "":
		return "mysql", DialectMySQL, nil
	case "postgres", "postgresql", "pgx":
		return "pgx", DialectPostgres, nil
	case "sqlite", "sqlite3":
		return "sqlite3", DialectSQLite, nil
	default:
		return "", "", errors.Errorf("unsupported database driver %q", name)
	}
}

// Rebind converts ? placeholders to the dialect's native form. MySQL and
// SQLite use ? directly; PostgreSQL needs $1, $2, ...
func (d *DB) Rebind(query string) string {
	if d.Dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// CreateIndexIfMissing creates a secondary index, tolerating one that
// already exists. MySQL has no IF NOT EXISTS form for CREATE INDEX, so
// its duplicate-name error is swallowed there instead.
func (d *DB) CreateIndexIfMissing(ctx context.Context, name, table, columns string) error {
	if d.Dialect == DialectMySQL {
		_, err := d.ExecContext(ctx,
			fmt.Sprintf("CREATE INDEX %s ON %s (%s)", name, table, columns))
		if err != nil && !IsDuplicateIndex(err) {
			return errors.Wrapf(err, "create index %s", name)
		}
		return nil
	}
	_, err := d.ExecContext(ctx,
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)", name, table, columns))
	if err != nil {
		return errors.Wrapf(err, "create index %s", name)
	}
	return nil
}

// IsDuplicateIndex reports whether err is MySQL's duplicate key name
// error (1061).
func IsDuplicateIndex(err error) bool {
	return err != nil && strings.Contains(err.Error(), "Error 1061")
}

// IsColumnMissing reports whether err indicates an unknown column, which
// the query gateway uses to retry a narrow search with a broader one.
func IsColumnMissing(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "42703") || // postgres undefined_column
		strings.Contains(msg, "Error 1054") || // mysql unknown column
		strings.Contains(msg, "no such column") // sqlite
}
