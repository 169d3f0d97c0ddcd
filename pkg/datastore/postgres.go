package datastore

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aixgo-dev/clinicflow/pkg/query"
)

// pgxQuerier is the subset of *pgxpool.Pool the executor uses.
type pgxQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresExecutor runs queries through a pgx connection pool.
type PostgresExecutor struct {
	db   pgxQuerier
	pool *pgxpool.Pool
}

// NewPostgresExecutor connects a pool to dsn.
func NewPostgresExecutor(ctx context.Context, dsn string) (*PostgresExecutor, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	// Queries run in read-only transactions at the session level.
	cfg.ConnConfig.RuntimeParams["default_transaction_read_only"] = "on"

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &PostgresExecutor{db: pool, pool: pool}, nil
}

// Execute implements Executor.
func (p *PostgresExecutor) Execute(ctx context.Context, q *query.Query) (*Result, error) {
	sql, args, err := compileSQL(q)
	if err != nil {
		return nil, err
	}

	switch q.Operation {
	case query.OpCount:
		var n int64
		if err := p.db.QueryRow(ctx, sql, args...).Scan(&n); err != nil {
			return nil, fmt.Errorf("count %s: %w", q.Table, err)
		}
		return &Result{Count: int(n)}, nil
	case query.OpSum:
		var n int64
		var total float64
		if err := p.db.QueryRow(ctx, sql, args...).Scan(&n, &total); err != nil {
			return nil, fmt.Errorf("sum %s: %w", q.Table, err)
		}
		return &Result{Count: int(n), Aggregate: total}, nil
	}

	rows, err := p.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", q.Table, err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, fmt.Errorf("collect %s: %w", q.Table, err)
	}
	return &Result{Rows: out, Count: len(out)}, nil
}

// Ping checks connectivity.
func (p *PostgresExecutor) Ping(ctx context.Context) error {
	if p.pool == nil {
		return nil
	}
	return p.pool.Ping(ctx)
}

// Close releases the pool.
func (p *PostgresExecutor) Close() error {
	if p.pool != nil {
		p.pool.Close()
	}
	return nil
}

var sqlOps = map[query.Comparator]string{
	query.CmpEq:    "=",
	query.CmpGte:   ">=",
	query.CmpLte:   "<=",
	query.CmpLt:    "<",
	query.CmpILike: "ILIKE",
}

// compileSQL renders q as a single parameterized statement. Identifiers
// come from the catalog and are quoted; every value is a $n parameter.
func compileSQL(q *query.Query) (string, []any, error) {
	table, ok := query.LookupTable(q.Table)
	if !ok {
		return "", nil, fmt.Errorf("compile: unknown table %q", q.Table)
	}
	ident := func(name string) string { return pgx.Identifier{name}.Sanitize() }

	var b strings.Builder
	switch q.Operation {
	case query.OpSelect:
		cols := make([]string, len(q.Fields))
		for i, f := range q.Fields {
			cols[i] = ident(f)
		}
		b.WriteString("SELECT " + strings.Join(cols, ", "))
	case query.OpCount:
		b.WriteString("SELECT COUNT(*)")
	case query.OpSum:
		b.WriteString("SELECT COUNT(*), COALESCE(SUM(" + ident(q.AggregateField) + "), 0)::float8")
	default:
		return "", nil, fmt.Errorf("compile: operation %q is not read-only", q.Operation)
	}
	b.WriteString(" FROM " + pgx.Identifier{table.Schema, table.Name}.Sanitize())

	args := make([]any, 0, len(q.Filters))
	for i, p := range q.Filters {
		if i == 0 {
			b.WriteString(" WHERE ")
		} else {
			b.WriteString(" AND ")
		}
		if p.Cmp == query.CmpFuzzy {
			// similarity() needs the pg_trgm extension.
			term, ok := p.Value.(string)
			if !ok {
				return "", nil, fmt.Errorf("compile: fuzzy on %s needs a string term", p.Field)
			}
			args = append(args, query.ContainsPattern(term), term)
			col := ident(p.Field)
			b.WriteString("(" + col + " ILIKE $" + strconv.Itoa(len(args)-1) +
				" OR similarity(" + col + ", $" + strconv.Itoa(len(args)) + ") >= " +
				strconv.FormatFloat(query.FuzzyThreshold, 'f', -1, 64) + ")")
			continue
		}
		op, ok := sqlOps[p.Cmp]
		if !ok {
			return "", nil, fmt.Errorf("compile: comparator %q", p.Cmp)
		}
		args = append(args, p.Value)
		b.WriteString(ident(p.Field) + " " + op + " $" + strconv.Itoa(len(args)))
	}

	if q.Operation == query.OpSelect {
		if q.Order != nil {
			dir := "ASC"
			if q.Order.Desc {
				dir = "DESC"
			}
			b.WriteString(" ORDER BY " + ident(q.Order.Field) + " " + dir)
		}
		b.WriteString(" LIMIT " + strconv.Itoa(q.Limit))
	}
	return b.String(), args, nil
}
