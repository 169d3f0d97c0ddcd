package query

import (
	"errors"
	"fmt"
	"time"
)

// Validation failures. A *ValidationError wraps exactly one of these.
var (
	ErrNotReadOnly     = errors.New("query is not read-only")
	ErrUnknownShape    = errors.New("query shape is not registered")
	ErrTableNotAllowed = errors.New("table not allowed")
	ErrFieldNotAllowed = errors.New("field not allowed")
	ErrUnboundValue    = errors.New("predicate value is not a bindable scalar")
	ErrRowCap          = errors.New("row cap missing or above maximum")
	ErrScopeMissing    = errors.New("own-records scope predicate missing")
)

// ValidationError describes why a query was rejected.
type ValidationError struct {
	Reason error
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return "query rejected: " + e.Reason.Error()
	}
	return fmt.Sprintf("query rejected: %s: %s", e.Reason, e.Detail)
}

func (e *ValidationError) Unwrap() error { return e.Reason }

func reject(reason error, format string, args ...any) error {
	return &ValidationError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Validate statically checks q before execution. It never inspects data.
// requireScope demands an own-records predicate unless the shape reads
// shared reference data.
func Validate(q *Query, wl Whitelist, requireScope bool) error {
	if q == nil {
		return reject(ErrUnknownShape, "nil query")
	}
	if !q.Operation.ReadOnly() {
		return reject(ErrNotReadOnly, "operation %q", q.Operation)
	}

	shape, ok := LookupShape(q.Shape)
	if !ok {
		return reject(ErrUnknownShape, "%q", q.Shape)
	}
	table, ok := LookupTable(q.Table)
	if !ok || q.Table != shape.Table || q.Operation != shape.Operation {
		return reject(ErrTableNotAllowed, "%q does not match shape %s", q.Table, q.Shape)
	}
	if q.Domain != table.Domain {
		return reject(ErrTableNotAllowed, "%q is not in domain %q", q.Table, q.Domain)
	}
	if !wl.HasTable(q.Table) {
		return reject(ErrTableNotAllowed, "%q", q.Table)
	}

	allowed := func(f string) bool { return table.HasField(f) && wl.Allows(q.Table, f) }

	switch q.Operation {
	case OpSelect:
		if len(q.Fields) == 0 {
			return reject(ErrFieldNotAllowed, "select without fields")
		}
	case OpSum:
		if !allowed(q.AggregateField) {
			return reject(ErrFieldNotAllowed, "%s.%s", q.Table, q.AggregateField)
		}
	}
	for _, f := range q.Fields {
		if !allowed(f) {
			return reject(ErrFieldNotAllowed, "%s.%s", q.Table, f)
		}
	}
	if q.Order != nil && !allowed(q.Order.Field) {
		return reject(ErrFieldNotAllowed, "order by %s.%s", q.Table, q.Order.Field)
	}

	scopes := 0
	for _, p := range q.Filters {
		if !p.Cmp.valid() {
			return reject(ErrFieldNotAllowed, "comparator %q", p.Cmp)
		}
		if p.Scope {
			if p.Field != shape.OwnerField || p.Cmp != CmpEq || !table.HasField(p.Field) {
				return reject(ErrScopeMissing, "malformed scope predicate on %s", p.Field)
			}
			scopes++
		} else if !allowed(p.Field) {
			return reject(ErrFieldNotAllowed, "filter on %s.%s", q.Table, p.Field)
		}
		if !bindable(p.Value) {
			return reject(ErrUnboundValue, "%s has %T", p.Field, p.Value)
		}
	}

	if q.Limit <= 0 || q.Limit > MaxRowCap {
		return reject(ErrRowCap, "limit %d, maximum %d", q.Limit, MaxRowCap)
	}
	if requireScope && !shape.Shared && scopes != 1 {
		return reject(ErrScopeMissing, "%d scope predicates on %s", scopes, q.Table)
	}
	return nil
}

func bindable(v any) bool {
	switch v.(type) {
	case string, bool, int, int32, int64, float64, time.Time:
		return true
	default:
		return false
	}
}
