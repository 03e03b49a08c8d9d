package query

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xbrl_api/gateway/internal/config"
	"xbrl_api/gateway/internal/db"
	"xbrl_api/gateway/internal/logger"
)

func init() {
	logger.InitDefault()
}

func createTestService(t *testing.T, schema string, seed ...string) *Service {
	t.Helper()
	database, err := db.Open(context.Background(), &config.DatabaseConfig{
		Driver: "sqlite3",
		DSN:    ":memory:",
	})
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	_, err = database.Exec(schema)
	require.NoError(t, err)
	for _, stmt := range seed {
		_, err = database.Exec(stmt)
		require.NoError(t, err)
	}

	return NewService(database, &config.QueryConfig{MaxLimit: 100, DefaultLimit: 20})
}

const companiesSchema = `CREATE TABLE companies (
	id INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	ticker TEXT NOT NULL,
	sector TEXT,
	market_cap INTEGER
)`

func seedCompanies() []string {
	return []string{
		`INSERT INTO companies (id, name, ticker, sector, market_cap) VALUES
		 (1, 'Acme Holdings', 'ACME', 'industrial', 5000),
		 (2, 'Beta Industrial', 'BETA', 'industrial', 12000),
		 (3, 'Gamma Pharma', 'GAMA', 'health', 800)`,
	}
}

func TestRunAllowlist(t *testing.T) {
	// No database at all: a disallowed table must be rejected before any
	// SQL is built or executed, so these calls never touch the handle.
	svc := NewService(nil, &config.QueryConfig{MaxLimit: 100, DefaultLimit: 20})

	_, err := svc.Run(context.Background(), &Request{Table: "api_keys"})
	assert.ErrorIs(t, err, ErrTableNotAllowed)

	_, err = svc.Run(context.Background(), &Request{Table: "usage_events"})
	assert.ErrorIs(t, err, ErrTableNotAllowed)

	_, err = svc.Run(context.Background(), &Request{Table: "companies; DROP TABLE companies"})
	assert.ErrorIs(t, err, ErrTableNotAllowed)
}

func TestRunFilters(t *testing.T) {
	svc := createTestService(t, companiesSchema, seedCompanies()...)
	ctx := context.Background()

	t.Run("bare value is equality", func(t *testing.T) {
		rows, err := svc.Run(ctx, &Request{
			Table:   "companies",
			Filters: map[string]any{"ticker": "ACME"},
		})
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, "Acme Holdings", rows[0]["name"])
	})

	t.Run("eq operator", func(t *testing.T) {
		rows, err := svc.Run(ctx, &Request{
			Table:   "companies",
			Filters: map[string]any{"sector": map[string]any{"$eq": "health"}},
		})
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, "Gamma Pharma", rows[0]["name"])
	})

	t.Run("range operators combine", func(t *testing.T) {
		rows, err := svc.Run(ctx, &Request{
			Table: "companies",
			Filters: map[string]any{
				"market_cap": map[string]any{"$gte": 1000},
				"sector":     "industrial",
			},
		})
		require.NoError(t, err)
		require.Len(t, rows, 2)
	})

	t.Run("range on one column", func(t *testing.T) {
		rows, err := svc.Run(ctx, &Request{
			Table:   "companies",
			Filters: map[string]any{"market_cap": map[string]any{"$gte": 1000, "$lte": 6000}},
		})
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, "Acme Holdings", rows[0]["name"])
	})

	t.Run("lte operator", func(t *testing.T) {
		rows, err := svc.Run(ctx, &Request{
			Table:   "companies",
			Filters: map[string]any{"market_cap": map[string]any{"$lte": 900}},
		})
		require.NoError(t, err)
		require.Len(t, rows, 1)
	})

	t.Run("ilike is case-insensitive", func(t *testing.T) {
		rows, err := svc.Run(ctx, &Request{
			Table:   "companies",
			Filters: map[string]any{"name": map[string]any{"$ilike": "%acme%"}},
		})
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, "Acme Holdings", rows[0]["name"])
	})

	t.Run("in operator", func(t *testing.T) {
		rows, err := svc.Run(ctx, &Request{
			Table:   "companies",
			Filters: map[string]any{"ticker": map[string]any{"$in": []any{"ACME", "GAMA"}}},
		})
		require.NoError(t, err)
		require.Len(t, rows, 2)
	})
}

func TestRunSelectList(t *testing.T) {
	svc := createTestService(t, companiesSchema, seedCompanies()...)
	ctx := context.Background()

	t.Run("named columns only", func(t *testing.T) {
		rows, err := svc.Run(ctx, &Request{
			Table:   "companies",
			Select:  "name, ticker",
			Filters: map[string]any{"ticker": "ACME"},
		})
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, "Acme Holdings", rows[0]["name"])
		assert.NotContains(t, rows[0], "sector")
	})

	t.Run("star selects everything", func(t *testing.T) {
		rows, err := svc.Run(ctx, &Request{
			Table:   "companies",
			Select:  "*",
			Filters: map[string]any{"ticker": "ACME"},
		})
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Contains(t, rows[0], "sector")
	})

	t.Run("malformed column is rejected", func(t *testing.T) {
		_, err := svc.Run(ctx, &Request{
			Table:  "companies",
			Select: "name, ticker; DROP TABLE companies",
		})
		assert.ErrorIs(t, err, ErrBadSelect)
	})
}

func TestRunRejectsBadFilters(t *testing.T) {
	svc := createTestService(t, companiesSchema, seedCompanies()...)
	ctx := context.Background()

	t.Run("unknown operator", func(t *testing.T) {
		_, err := svc.Run(ctx, &Request{
			Table:   "companies",
			Filters: map[string]any{"name": map[string]any{"$regex": ".*"}},
		})
		assert.ErrorIs(t, err, ErrBadFilter)
	})

	t.Run("bad column name", func(t *testing.T) {
		_, err := svc.Run(ctx, &Request{
			Table:   "companies",
			Filters: map[string]any{"name; --": "x"},
		})
		assert.ErrorIs(t, err, ErrBadFilter)
	})

	t.Run("empty in list", func(t *testing.T) {
		_, err := svc.Run(ctx, &Request{
			Table:   "companies",
			Filters: map[string]any{"ticker": map[string]any{"$in": []any{}}},
		})
		assert.ErrorIs(t, err, ErrBadFilter)
	})

	t.Run("empty operator object", func(t *testing.T) {
		_, err := svc.Run(ctx, &Request{
			Table:   "companies",
			Filters: map[string]any{"market_cap": map[string]any{}},
		})
		assert.ErrorIs(t, err, ErrBadFilter)
	})
}

func TestRunLimitClamp(t *testing.T) {
	seed := []string{`INSERT INTO companies (id, name, ticker) VALUES
		(1,'a','A'),(2,'b','B'),(3,'c','C'),(4,'d','D'),(5,'e','E')`}
	svc := createTestService(t, companiesSchema, seed...)
	svc.maxLimit = 3
	svc.defaultLimit = 2
	ctx := context.Background()

	rows, err := svc.Run(ctx, &Request{Table: "companies", Limit: 50})
	require.NoError(t, err)
	assert.Len(t, rows, 3, "limit above the cap clamps to the cap")

	rows, err = svc.Run(ctx, &Request{Table: "companies"})
	require.NoError(t, err)
	assert.Len(t, rows, 2, "missing limit uses the default")
}

func TestSearchCompaniesBroadRetry(t *testing.T) {
	// The schema lacks company_name, so the narrow search fails with a
	// missing-column error and the broad one answers.
	svc := createTestService(t, companiesSchema, seedCompanies()...)

	rows, err := svc.SearchCompanies(context.Background(), "industrial", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Beta Industrial", rows[0]["name"])
}

func TestSearchCompaniesMatchesTicker(t *testing.T) {
	svc := createTestService(t, companiesSchema, seedCompanies()...)

	rows, err := svc.SearchCompanies(context.Background(), "gama", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Gamma Pharma", rows[0]["name"])
}

func TestSearchCompaniesNarrowColumns(t *testing.T) {
	schema := `CREATE TABLE companies (
		id INTEGER PRIMARY KEY, company_name TEXT NOT NULL, ticker_code TEXT NOT NULL)`
	svc := createTestService(t, schema,
		`INSERT INTO companies (id, company_name, ticker_code) VALUES (1, 'Acme Holdings', 'ACME')`)

	rows, err := svc.SearchCompanies(context.Background(), "acme", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Acme Holdings", rows[0]["company_name"])
}

func TestRunMetadataTable(t *testing.T) {
	schema := `CREATE TABLE markdown_files_metadata (
		id INTEGER PRIMARY KEY,
		path TEXT NOT NULL,
		company_id INTEGER,
		size_bytes INTEGER
	)`
	svc := createTestService(t, schema,
		`INSERT INTO markdown_files_metadata (id, path, company_id, size_bytes) VALUES
		 (1, 'reports/acme/2025.md', 1, 2048),
		 (2, 'reports/beta/2025.md', 2, 4096)`)

	rows, err := svc.Run(context.Background(), &Request{
		Table:   "markdown_files_metadata",
		Filters: map[string]any{"company_id": 2},
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "reports/beta/2025.md", rows[0]["path"])
}
