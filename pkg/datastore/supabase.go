package datastore

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/supabase-community/postgrest-go"
	"github.com/supabase-community/supabase-go"

	"github.com/aixgo-dev/clinicflow/pkg/query"
)

// SupabaseConfig holds Supabase connection settings.
type SupabaseConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
}

// SupabaseExecutor runs queries through the PostgREST API of a Supabase
// project. Each catalog schema gets its own client.
type SupabaseExecutor struct {
	cfg SupabaseConfig

	mu      sync.Mutex
	clients map[string]*supabase.Client
}

// NewSupabaseExecutor validates cfg and returns an executor.
func NewSupabaseExecutor(cfg SupabaseConfig) (*SupabaseExecutor, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("supabase URL is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("supabase API key is required")
	}
	return &SupabaseExecutor{cfg: cfg, clients: make(map[string]*supabase.Client)}, nil
}

func (s *SupabaseExecutor) client(schema string) (*supabase.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[schema]; ok {
		return c, nil
	}
	c, err := supabase.NewClient(s.cfg.URL, s.cfg.APIKey, &supabase.ClientOptions{Schema: schema})
	if err != nil {
		return nil, fmt.Errorf("failed to create supabase client: %w", err)
	}
	s.clients[schema] = c
	return c, nil
}

// Execute implements Executor. The PostgREST client takes no context, so
// the call runs in its own goroutine and Execute returns ctx.Err() once ctx
// is done; a late reply is discarded.
func (s *SupabaseExecutor) Execute(ctx context.Context, q *query.Query) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	req, err := compileRest(q)
	if err != nil {
		return nil, err
	}
	c, err := s.client(req.Schema)
	if err != nil {
		return nil, err
	}

	fb := c.From(req.Table).Select(req.Columns, req.Count, false)
	for _, f := range req.Filters {
		switch f.Op {
		case "eq":
			fb = fb.Eq(f.Column, f.Value)
		case "gte":
			fb = fb.Gte(f.Column, f.Value)
		case "lte":
			fb = fb.Lte(f.Column, f.Value)
		case "lt":
			fb = fb.Lt(f.Column, f.Value)
		case "ilike":
			fb = fb.Ilike(f.Column, f.Value)
		}
	}
	if req.Order != nil {
		fb = fb.Order(req.Order.Column, &postgrest.OrderOpts{Ascending: req.Order.Ascending})
	}
	fb = fb.Limit(req.Limit, "")

	type restReply struct {
		rows  []map[string]any
		count int64
		err   error
	}
	done := make(chan restReply, 1)
	go func() {
		var r restReply
		r.count, r.err = fb.ExecuteTo(&r.rows)
		done <- r
	}()

	var rows []map[string]any
	var count int64
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("supabase %s.%s: %w", req.Schema, req.Table, ctx.Err())
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("supabase %s.%s: %w", req.Schema, req.Table, r.err)
		}
		rows, count = r.rows, r.count
	}

	switch q.Operation {
	case query.OpCount:
		return &Result{Count: int(count)}, nil
	case query.OpSum:
		res := &Result{Count: int(count)}
		if len(rows) > 0 {
			if f, ok := toFloat(rows[0]["sum"]); ok {
				res.Aggregate = f
			}
		}
		return res, nil
	}
	return &Result{Rows: rows, Count: len(rows)}, nil
}

type restFilter struct {
	Column string
	Op     string
	Value  string
}

type restOrder struct {
	Column    string
	Ascending bool
}

// restRequest is a PostgREST read built from a query.
type restRequest struct {
	Schema  string
	Table   string
	Columns string
	Count   string
	Filters []restFilter
	Order   *restOrder
	Limit   int
}

func compileRest(q *query.Query) (*restRequest, error) {
	table, ok := query.LookupTable(q.Table)
	if !ok {
		return nil, fmt.Errorf("compile: unknown table %q", q.Table)
	}
	req := &restRequest{Schema: table.Schema, Table: table.Name, Limit: q.Limit}

	switch q.Operation {
	case query.OpSelect:
		req.Columns = strings.Join(q.Fields, ",")
	case query.OpCount:
		req.Columns, req.Count, req.Limit = "id", "exact", 1
	case query.OpSum:
		req.Columns, req.Count, req.Limit = q.AggregateField+".sum()", "exact", 1
	default:
		return nil, fmt.Errorf("compile: operation %q is not read-only", q.Operation)
	}

	for _, p := range q.Filters {
		v, err := restValue(p.Value)
		if err != nil {
			return nil, fmt.Errorf("compile %s: %w", p.Field, err)
		}
		op := string(p.Cmp)
		if p.Cmp == query.CmpFuzzy {
			// PostgREST exposes no trigram operator; fall back to substring.
			op, v = string(query.CmpILike), query.ContainsPattern(v)
		}
		req.Filters = append(req.Filters, restFilter{Column: p.Field, Op: op, Value: v})
	}
	if q.Operation == query.OpSelect && q.Order != nil {
		req.Order = &restOrder{Column: q.Order.Field, Ascending: !q.Order.Desc}
	}
	return req, nil
}

func restValue(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case int:
		return strconv.Itoa(x), nil
	case int32:
		return strconv.FormatInt(int64(x), 10), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(x), nil
	case time.Time:
		return x.UTC().Format(time.RFC3339), nil
	default:
		return "", fmt.Errorf("unsupported value type %T", v)
	}
}
