// Package query executes constrained read-only queries against the
// financial data tables on behalf of authenticated callers.
package query

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"xbrl_api/gateway/internal/config"
	"xbrl_api/gateway/internal/db"
	"xbrl_api/gateway/internal/logger"
)

// Tables callers may query. Everything else is rejected before any SQL
// is built.
var allowedTables = map[string]bool{
	"companies":               true,
	"markdown_files_metadata": true,
}

// identPattern restricts table and column names to plain identifiers.
var identPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Request is one query against an allowed table. Select is a comma list
// of column names, empty or "*" for all. Filter values are either a bare
// value (equality) or an operator object such as {"$ilike": "%acme%"}.
type Request struct {
	Table   string         `json:"table"`
	Select  string         `json:"select"`
	Filters map[string]any `json:"filters"`
	Limit   int            `json:"limit"`
}

// Service builds and runs allowlisted queries.
type Service struct {
	db           *db.DB
	maxLimit     int
	defaultLimit int
}

// NewService creates a query service.
func NewService(database *db.DB, cfg *config.QueryConfig) *Service {
	maxLimit := cfg.MaxLimit
	if maxLimit <= 0 {
		maxLimit = 100
	}
	defaultLimit := cfg.DefaultLimit
	if defaultLimit <= 0 {
		defaultLimit = 20
	}
	return &Service{db: database, maxLimit: maxLimit, defaultLimit: defaultLimit}
}

// Run validates and executes the request, returning rows as generic maps.
func (s *Service) Run(ctx context.Context, req *Request) ([]map[string]any, error) {
	if !allowedTables[req.Table] {
		return nil, ErrTableNotAllowed
	}

	columns, err := buildSelect(req.Select)
	if err != nil {
		return nil, err
	}
	where, args, err := s.buildWhere(req.Filters)
	if err != nil {
		return nil, err
	}

	limit := s.clampLimit(req.Limit)
	sql := fmt.Sprintf("SELECT %s FROM %s%s LIMIT %d", columns, req.Table, where, limit)

	return s.queryRows(ctx, sql, args)
}

// buildSelect validates the column-selection list. Empty or "*" selects
// everything.
func buildSelect(sel string) (string, error) {
	sel = strings.TrimSpace(sel)
	if sel == "" || sel == "*" {
		return "*", nil
	}
	parts := strings.Split(sel, ",")
	for i, p := range parts {
		p = strings.TrimSpace(p)
		if !identPattern.MatchString(p) {
			return "", errors.Wrapf(ErrBadSelect, "invalid column %q", p)
		}
		parts[i] = p
	}
	return strings.Join(parts, ", "), nil
}

// SearchCompanies runs a case-insensitive match on name and ticker.
// Deployments differ in which columns the companies table carries, so a
// miss on the preferred columns falls back to broader ones.
func (s *Service) SearchCompanies(ctx context.Context, q string, limit int) ([]map[string]any, error) {
	limit = s.clampLimit(limit)
	pattern := "%" + q + "%"

	narrow := fmt.Sprintf("SELECT * FROM companies WHERE %s OR %s LIMIT %d",
		s.caseInsensitiveMatch("company_name"), s.caseInsensitiveMatch("ticker_code"), limit)
	rows, err := s.queryRows(ctx, narrow, []any{pattern, pattern})
	if err == nil {
		return rows, nil
	}
	if !db.IsColumnMissing(errors.Cause(err)) {
		return nil, err
	}

	logger.Debug("preferred company columns missing, retrying broad search", zap.Error(err))
	broad := fmt.Sprintf("SELECT * FROM companies WHERE %s OR %s LIMIT %d",
		s.caseInsensitiveMatch("name"), s.caseInsensitiveMatch("ticker"), limit)
	return s.queryRows(ctx, broad, []any{pattern, pattern})
}

func (s *Service) clampLimit(limit int) int {
	if limit <= 0 {
		return s.defaultLimit
	}
	if limit > s.maxLimit {
		return s.maxLimit
	}
	return limit
}

func (s *Service) caseInsensitiveMatch(column string) string {
	if s.db.Dialect == db.DialectPostgres {
		return column + " ILIKE ?"
	}
	return "LOWER(" + column + ") LIKE LOWER(?)"
}

// buildWhere translates the filter object into a WHERE clause. Conditions
// are ANDed in a stable order.
func (s *Service) buildWhere(filters map[string]any) (string, []any, error) {
	if len(filters) == 0 {
		return "", nil, nil
	}

	columns := make([]string, 0, len(filters))
	for col := range filters {
		columns = append(columns, col)
	}
	sort.Strings(columns)

	var conds []string
	var args []any
	for _, col := range columns {
		if !identPattern.MatchString(col) {
			return "", nil, errors.Wrapf(ErrBadFilter, "invalid column %q", col)
		}
		cond, condArgs, err := s.buildCondition(col, filters[col])
		if err != nil {
			return "", nil, err
		}
		conds = append(conds, cond)
		args = append(args, condArgs...)
	}

	return " WHERE " + strings.Join(conds, " AND "), args, nil
}

// buildCondition translates one column's filter. Operator objects may
// combine operators, e.g. {"$gte": 1000, "$lte": 2000}; they AND together.
func (s *Service) buildCondition(col string, value any) (string, []any, error) {
	ops, ok := value.(map[string]any)
	if !ok {
		// Bare value means equality.
		return col + " = ?", []any{value}, nil
	}
	if len(ops) == 0 {
		return "", nil, errors.Wrapf(ErrBadFilter, "empty filter on %q", col)
	}

	names := make([]string, 0, len(ops))
	for name := range ops {
		names = append(names, name)
	}
	sort.Strings(names)

	var conds []string
	var args []any
	for _, name := range names {
		operand := ops[name]
		switch name {
		case "$eq":
			conds = append(conds, col+" = ?")
			args = append(args, operand)
		case "$gte":
			conds = append(conds, col+" >= ?")
			args = append(args, operand)
		case "$lte":
			conds = append(conds, col+" <= ?")
			args = append(args, operand)
		case "$ilike":
			pattern, ok := operand.(string)
			if !ok {
				return "", nil, errors.Wrapf(ErrBadFilter, "$ilike on %q needs a string pattern", col)
			}
			conds = append(conds, s.caseInsensitiveMatch(col))
			args = append(args, pattern)
		case "$in":
			list, ok := operand.([]any)
			if !ok || len(list) == 0 {
				return "", nil, errors.Wrapf(ErrBadFilter, "$in on %q needs a non-empty list", col)
			}
			placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(list)), ", ")
			conds = append(conds, col+" IN ("+placeholders+")")
			args = append(args, list...)
		default:
			return "", nil, errors.Wrapf(ErrBadFilter, "unknown operator %q on %q", name, col)
		}
	}
	return strings.Join(conds, " AND "), args, nil
}

func (s *Service) queryRows(ctx context.Context, sqlText string, args []any) ([]map[string]any, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(sqlText), args...)
	if err != nil {
		return nil, errors.Wrap(err, "query failed")
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read columns")
	}

	out := make([]map[string]any, 0, 16)
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, errors.Wrap(err, "failed to scan row")
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Error definitions
var (
	ErrTableNotAllowed = errors.New("table is not queryable")
	ErrBadSelect       = errors.New("invalid select list")
	ErrBadFilter       = errors.New("invalid filter")
)
