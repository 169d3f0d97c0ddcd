// Package query builds and statically checks the bounded read-only
// queries the engine is allowed to run.
//
// Queries are structured values, never text. Every user-supplied value is
// carried as a bound Predicate value and only catalog identifiers appear
// in column or table positions.
package query

import (
	"github.com/aixgo-dev/clinicflow/pkg/conversation"
)

// MaxRowCap is the largest row limit any query may carry.
const MaxRowCap = 100

// Operation is the statement class of a query.
type Operation string

const (
	OpSelect Operation = "select"
	OpCount  Operation = "count"
	OpSum    Operation = "sum"

	// Mutating classes exist so the validator can name what it rejects.
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
	OpDDL    Operation = "ddl"
)

// ReadOnly reports whether op only reads data.
func (op Operation) ReadOnly() bool {
	switch op {
	case OpSelect, OpCount, OpSum:
		return true
	default:
		return false
	}
}

// Comparator is a filter operator.
type Comparator string

const (
	CmpEq    Comparator = "eq"
	CmpGte   Comparator = "gte"
	CmpLte   Comparator = "lte"
	CmpLt    Comparator = "lt"
	CmpILike Comparator = "ilike"
	// CmpFuzzy matches a substring or a similar spelling; see FuzzyMatch.
	// Its value is the raw term, not a pattern.
	CmpFuzzy Comparator = "fuzzy"
)

func (c Comparator) valid() bool {
	switch c {
	case CmpEq, CmpGte, CmpLte, CmpLt, CmpILike, CmpFuzzy:
		return true
	default:
		return false
	}
}

// Predicate is one filter. Value is always bound as a parameter.
type Predicate struct {
	Field string     `json:"field"`
	Cmp   Comparator `json:"cmp"`
	Value any        `json:"value"`
	// Scope marks the predicate that enforces own-records scope.
	Scope bool `json:"scope,omitempty"`
}

// Order is a single ORDER BY term.
type Order struct {
	Field string `json:"field"`
	Desc  bool   `json:"desc,omitempty"`
}

// Query is a synthesized, parameterized read.
type Query struct {
	Shape          conversation.Intent `json:"shape"`
	Domain         conversation.Domain `json:"domain"`
	Operation      Operation           `json:"operation"`
	Table          string              `json:"table"`
	Fields         []string            `json:"fields,omitempty"`
	Filters        []Predicate         `json:"filters,omitempty"`
	Order          *Order              `json:"order,omitempty"`
	AggregateField string              `json:"aggregate_field,omitempty"`
	Limit          int                 `json:"limit"`
}

// ScopePredicate returns the own-records predicate, if present.
func (q *Query) ScopePredicate() (Predicate, bool) {
	for _, p := range q.Filters {
		if p.Scope {
			return p, true
		}
	}
	return Predicate{}, false
}
