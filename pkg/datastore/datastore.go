// Package datastore runs validated queries against a domain's record store.
package datastore

import (
	"context"
	"errors"
	"fmt"

	"github.com/aixgo-dev/clinicflow/pkg/conversation"
	"github.com/aixgo-dev/clinicflow/pkg/query"
)

// ErrNoExecutor is returned when no executor is registered for a domain.
var ErrNoExecutor = errors.New("no executor for domain")

// Result is the outcome of one query. Zero rows is a valid result.
type Result struct {
	Rows      []map[string]any `json:"rows,omitempty"`
	Count     int              `json:"count"`
	Aggregate float64          `json:"aggregate,omitempty"`
}

// Executor runs a query that has already passed query.Validate.
type Executor interface {
	Execute(ctx context.Context, q *query.Query) (*Result, error)
}

// Registry maps each domain to its executor.
type Registry struct {
	executors map[conversation.Domain]Executor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[conversation.Domain]Executor)}
}

// Register sets the executor for domain.
func (r *Registry) Register(domain conversation.Domain, e Executor) {
	r.executors[domain] = e
}

// Executor returns the executor for domain.
func (r *Registry) Executor(domain conversation.Domain) (Executor, error) {
	e, ok := r.executors[domain]
	if !ok || e == nil {
		return nil, fmt.Errorf("%w: %q", ErrNoExecutor, domain)
	}
	return e, nil
}

// Execute dispatches q to the executor of its domain.
func (r *Registry) Execute(ctx context.Context, q *query.Query) (*Result, error) {
	e, err := r.Executor(q.Domain)
	if err != nil {
		return nil, err
	}
	return e.Execute(ctx, q)
}

// Close closes every registered executor that holds resources.
func (r *Registry) Close() error {
	var errs []error
	seen := make(map[Executor]bool)
	for _, e := range r.executors {
		if seen[e] {
			continue
		}
		seen[e] = true
		if c, ok := e.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
