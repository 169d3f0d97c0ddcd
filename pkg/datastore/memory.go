package datastore

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aixgo-dev/clinicflow/pkg/query"
)

// MemoryExecutor evaluates queries over in-process rows. It backs the
// demo configuration and tests.
type MemoryExecutor struct {
	mu     sync.RWMutex
	tables map[string][]map[string]any
}

// NewMemoryExecutor creates an executor seeded with tables.
func NewMemoryExecutor(tables map[string][]map[string]any) *MemoryExecutor {
	if tables == nil {
		tables = make(map[string][]map[string]any)
	}
	return &MemoryExecutor{tables: tables}
}

// LoadFixtures reads a YAML document of table name to row list.
func LoadFixtures(path string) (*MemoryExecutor, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: fixture path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("read fixtures: %w", err)
	}
	var tables map[string][]map[string]any
	if err := yaml.Unmarshal(data, &tables); err != nil {
		return nil, fmt.Errorf("parse fixtures: %w", err)
	}
	for name := range tables {
		if _, ok := query.LookupTable(name); !ok {
			return nil, fmt.Errorf("fixtures: unknown table %q", name)
		}
	}
	return NewMemoryExecutor(tables), nil
}

// Insert appends rows to table.
func (m *MemoryExecutor) Insert(table string, rows ...map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables[table] = append(m.tables[table], rows...)
}

// Execute implements Executor.
func (m *MemoryExecutor) Execute(ctx context.Context, q *query.Query) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []map[string]any
	for _, row := range m.tables[q.Table] {
		ok, err := matchAll(row, q.Filters)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, row)
		}
	}

	switch q.Operation {
	case query.OpCount:
		return &Result{Count: len(matched)}, nil
	case query.OpSum:
		var total float64
		for _, row := range matched {
			if f, ok := toFloat(row[q.AggregateField]); ok {
				total += f
			}
		}
		return &Result{Count: len(matched), Aggregate: total}, nil
	case query.OpSelect:
	default:
		return nil, fmt.Errorf("memory executor: unsupported operation %q", q.Operation)
	}

	if q.Order != nil {
		field, desc := q.Order.Field, q.Order.Desc
		sort.SliceStable(matched, func(i, j int) bool {
			c := compare(matched[i][field], matched[j][field])
			if desc {
				return c > 0
			}
			return c < 0
		})
	}
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}

	rows := make([]map[string]any, 0, len(matched))
	for _, row := range matched {
		out := make(map[string]any, len(q.Fields))
		for _, f := range q.Fields {
			out[f] = row[f]
		}
		rows = append(rows, out)
	}
	return &Result{Rows: rows, Count: len(rows)}, nil
}

func matchAll(row map[string]any, preds []query.Predicate) (bool, error) {
	for _, p := range preds {
		v, present := row[p.Field]
		if !present {
			return false, nil
		}
		switch p.Cmp {
		case query.CmpEq:
			if compare(v, p.Value) != 0 {
				return false, nil
			}
		case query.CmpGte:
			if compare(v, p.Value) < 0 {
				return false, nil
			}
		case query.CmpLte:
			if compare(v, p.Value) > 0 {
				return false, nil
			}
		case query.CmpLt:
			if compare(v, p.Value) >= 0 {
				return false, nil
			}
		case query.CmpILike:
			pattern, ok := p.Value.(string)
			if !ok {
				return false, fmt.Errorf("ilike on %s needs a string pattern", p.Field)
			}
			if !likeMatch(fmt.Sprint(v), pattern) {
				return false, nil
			}
		case query.CmpFuzzy:
			term, ok := p.Value.(string)
			if !ok {
				return false, fmt.Errorf("fuzzy on %s needs a string term", p.Field)
			}
			if !query.FuzzyMatch(fmt.Sprint(v), term) {
				return false, nil
			}
		default:
			return false, fmt.Errorf("unsupported comparator %q", p.Cmp)
		}
	}
	return true, nil
}

// compare orders two scalars, coercing numbers and ISO timestamps.
func compare(a, b any) int {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return 1
			default:
				return 0
			}
		}
	}
	if ta, ok := toTime(a); ok {
		if tb, ok := toTime(b); ok {
			return ta.Compare(tb)
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case float64:
		return x, true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toTime(v any) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x, true
	case string:
		for _, layout := range []string{time.RFC3339, "2006-01-02 15:04", "2006-01-02"} {
			if t, err := time.Parse(layout, x); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

// likeMatch applies a case-insensitive SQL LIKE pattern with backslash escapes.
func likeMatch(s, pattern string) bool {
	var b strings.Builder
	b.WriteString("(?is)^")
	escaped := false
	for _, r := range pattern {
		switch {
		case escaped:
			b.WriteString(regexp.QuoteMeta(string(r)))
			escaped = false
		case r == '\\':
			escaped = true
		case r == '%':
			b.WriteString(".*")
		case r == '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	re, err := regexp.Compile(b.String())
	if err != nil {
		return false
	}
	return re.MatchString(s)
}
