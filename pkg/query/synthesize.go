package query

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aixgo-dev/clinicflow/pkg/conversation"
)

// ErrInvalidRequest is returned when a classification cannot be turned
// into a query. Callers treat it as a clarify or invalid-request outcome.
var ErrInvalidRequest = errors.New("invalid request")

const dateLayout = "2006-01-02"

// Request is the input of Synthesize.
type Request struct {
	Intent   conversation.Intent
	Entities map[string]string
	// OwnRecordsOnly restricts results to rows owned by SubjectID.
	OwnRecordsOnly bool
	SubjectID      string
	Whitelist      Whitelist
	// Limit is the requested row cap. Zero means MaxRowCap.
	Limit int
}

// Synthesize maps an intent and its entities onto the closed shape table.
// Entity values only ever become bound predicate values; entities that do
// not match a filter of the shape are ignored, and under own-records scope
// entities targeting the owner column are replaced by the scope predicate.
func Synthesize(req Request) (*Query, error) {
	shape, ok := LookupShape(req.Intent)
	if !ok {
		return nil, fmt.Errorf("%w: no query shape for intent %q", ErrInvalidRequest, req.Intent)
	}
	table, ok := LookupTable(shape.Table)
	if !ok {
		return nil, fmt.Errorf("%w: table %q not in catalog", ErrInvalidRequest, shape.Table)
	}

	q := &Query{
		Shape:     shape.Intent,
		Domain:    table.Domain,
		Operation: shape.Operation,
		Table:     shape.Table,
	}

	if shape.Operation == OpSelect {
		for _, f := range shape.Fields {
			if req.Whitelist.Allows(shape.Table, f) {
				q.Fields = append(q.Fields, f)
			}
		}
		if len(q.Fields) == 0 {
			return nil, fmt.Errorf("%w: no visible fields for %s", ErrInvalidRequest, shape.Intent)
		}
	}
	if shape.Operation == OpSum {
		q.AggregateField = shape.AggregateField
	}
	if shape.Order != nil && req.Whitelist.Allows(shape.Table, shape.Order.Field) {
		o := *shape.Order
		q.Order = &o
	}

	scoped := req.OwnRecordsOnly && !shape.Shared
	for _, fs := range shape.filters {
		raw, ok := req.Entities[fs.Entity]
		if !ok || strings.TrimSpace(raw) == "" {
			continue
		}
		if scoped && fs.Field == shape.OwnerField {
			continue
		}
		if !req.Whitelist.Allows(shape.Table, fs.Field) {
			continue
		}
		v, err := bindValue(fs.Kind, raw)
		if err != nil {
			return nil, fmt.Errorf("%w: entity %s: %v", ErrInvalidRequest, fs.Entity, err)
		}
		q.Filters = append(q.Filters, Predicate{Field: fs.Field, Cmp: fs.Cmp, Value: v})
	}

	if scoped {
		if shape.OwnerField == "" {
			return nil, fmt.Errorf("%w: %s cannot be limited to own records", ErrInvalidRequest, shape.Intent)
		}
		subject, err := parseID(req.SubjectID)
		if err != nil {
			return nil, fmt.Errorf("%w: caller has no owned records", ErrInvalidRequest)
		}
		q.Filters = append(q.Filters, Predicate{Field: shape.OwnerField, Cmp: CmpEq, Value: subject, Scope: true})
	}

	switch {
	case shape.Operation != OpSelect:
		q.Limit = 1
	case req.Limit <= 0 || req.Limit > MaxRowCap:
		q.Limit = MaxRowCap
	default:
		q.Limit = req.Limit
	}
	return q, nil
}

func bindValue(kind valueKind, raw string) (any, error) {
	raw = strings.TrimSpace(raw)
	switch kind {
	case kindID:
		return parseID(raw)
	case kindText:
		return raw, nil
	case kindPattern:
		return ContainsPattern(raw), nil
	case kindDate, kindDayStart:
		return time.Parse(dateLayout, raw)
	case kindDayEnd:
		d, err := time.Parse(dateLayout, raw)
		if err != nil {
			return nil, err
		}
		return d.AddDate(0, 0, 1), nil
	default:
		return nil, fmt.Errorf("unsupported value kind %d", kind)
	}
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("not a record id: %q", raw)
	}
	return id, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
