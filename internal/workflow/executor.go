// Package workflow runs conversational turns: it selects the channel
// subgraph, loads and saves the thread checkpoint and drives the stages.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	tracing "github.com/aixgo-dev/clinicflow/internal/observability"
	"github.com/aixgo-dev/clinicflow/internal/nodes"
	"github.com/aixgo-dev/clinicflow/internal/router"
	"github.com/aixgo-dev/clinicflow/pkg/conversation"
	"github.com/aixgo-dev/clinicflow/pkg/observability"
	"github.com/aixgo-dev/clinicflow/pkg/security"
)

// Request validation errors. Nothing else is returned to callers.
var (
	ErrEmptyMessage    = errors.New("message cannot be empty")
	ErrInvalidThreadID = errors.New("invalid thread id")
)

// Config bounds the engine's resources.
type Config struct {
	MaxConcurrentTurns int           `yaml:"max_concurrent_turns"`
	QueueTimeout       time.Duration `yaml:"queue_timeout"`
	StoreTimeout       time.Duration `yaml:"store_timeout"`
	HistoryWindow      int           `yaml:"history_window"`
	// Retention is how long an untouched thread keeps its memory.
	Retention time.Duration `yaml:"retention"`
}

// DefaultConfig returns the default limits.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentTurns: 64,
		QueueTimeout:       2 * time.Second,
		StoreTimeout:       2 * time.Second,
		HistoryWindow:      20,
		Retention:          720 * time.Hour,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConcurrentTurns <= 0 {
		c.MaxConcurrentTurns = d.MaxConcurrentTurns
	}
	if c.QueueTimeout <= 0 {
		c.QueueTimeout = d.QueueTimeout
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = d.StoreTimeout
	}
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = d.HistoryWindow
	}
	if c.Retention <= 0 {
		c.Retention = d.Retention
	}
	return c
}

// Request is one inbound message.
type Request struct {
	Origin  conversation.Origin
	User    conversation.UserContext
	Message string
	// ThreadID is optional. Empty starts a new thread.
	ThreadID string
}

// Response is the reply to a Request.
type Response struct {
	Text     string `json:"response"`
	ThreadID string `json:"thread_id"`
	// Degraded is set when the turn ran without conversation memory.
	Degraded bool   `json:"degraded,omitempty"`
	Outcome  string `json:"-"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig sets the resource limits.
func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithAudit sets the audit recorder for persistence events.
func WithAudit(a security.AuditRecorder) Option {
	return func(e *Engine) {
		if a != nil {
			e.audit = a
		}
	}
}

// WithMessages sets the busy and fallback texts.
func WithMessages(m nodes.Messages) Option {
	return func(e *Engine) { e.messages = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithIDGenerator replaces the thread id generator.
func WithIDGenerator(gen func() string) Option {
	return func(e *Engine) {
		if gen != nil {
			e.newID = gen
		}
	}
}

// Engine executes turns. It is safe for concurrent use.
type Engine struct {
	router   *router.Router
	store    conversation.Store
	cfg      Config
	logger   *slog.Logger
	audit    security.AuditRecorder
	messages nodes.Messages
	now      func() time.Time
	newID    func() string

	pool     *semaphore.Weighted
	locks    *keyedMutex
	inflight atomic.Int64
}

// New creates an engine over the router and checkpoint store.
func New(r *router.Router, store conversation.Store, opts ...Option) (*Engine, error) {
	if r == nil {
		return nil, errors.New("workflow: router must not be nil")
	}
	if store == nil {
		return nil, errors.New("workflow: store must not be nil")
	}
	e := &Engine{
		router:   r,
		store:    store,
		cfg:      DefaultConfig(),
		logger:   slog.Default(),
		audit:    security.NopRecorder{},
		messages: nodes.DefaultMessages(),
		now:      time.Now,
		newID:    uuid.NewString,
		locks:    newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.cfg = e.cfg.withDefaults()
	e.messages = e.messages.WithDefaults()
	e.pool = semaphore.NewWeighted(int64(e.cfg.MaxConcurrentTurns))
	return e, nil
}

// Config returns the effective limits.
func (e *Engine) Config() Config {
	return e.cfg
}

// Invoke runs one turn. Errors are returned only for invalid requests or
// when ctx ends before the turn completes; the turn itself keeps running
// in that case.
func (e *Engine) Invoke(ctx context.Context, req Request) (*Response, error) {
	g, err := e.router.Select(req.Origin)
	if err != nil {
		return nil, err
	}
	msg := strings.TrimSpace(req.Message)
	if msg == "" {
		return nil, ErrEmptyMessage
	}
	if req.ThreadID != "" {
		if err := conversation.ValidateThreadID(req.ThreadID); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidThreadID, err)
		}
	}

	qctx, cancel := context.WithTimeout(ctx, e.cfg.QueueTimeout)
	err = e.pool.Acquire(qctx, 1)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e.logger.Warn("worker pool saturated", "origin", req.Origin)
		observability.RecordTurn(string(req.Origin), "busy")
		return &Response{Text: e.messages.Busy, ThreadID: req.ThreadID, Outcome: "busy"}, nil
	}
	observability.SetInflightTurns(int(e.inflight.Add(1)))

	done := make(chan *Response, 1)
	go func() {
		defer func() {
			observability.SetInflightTurns(int(e.inflight.Add(-1)))
			e.pool.Release(1)
		}()
		done <- e.runTurn(context.WithoutCancel(ctx), g, req, msg)
	}()

	select {
	case resp := <-done:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Drain waits until every in-flight turn has finished or ctx ends.
func (e *Engine) Drain(ctx context.Context) error {
	n := int64(e.cfg.MaxConcurrentTurns)
	if err := e.pool.Acquire(ctx, n); err != nil {
		return fmt.Errorf("drain turns: %w", err)
	}
	e.pool.Release(n)
	return nil
}

func (e *Engine) runTurn(ctx context.Context, g *router.Subgraph, req Request, msg string) (resp *Response) {
	threadID := req.ThreadID
	if threadID == "" {
		threadID = e.newID()
	}
	origin := string(req.Origin)

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("turn panicked", "origin", origin, "thread", threadID, "panic", r)
			observability.RecordTurn(origin, "fallback")
			resp = &Response{Text: e.messages.Fallback, ThreadID: threadID, Outcome: "fallback"}
		}
	}()

	ctx, span := tracing.StartSpanWithOtel(ctx, "workflow.invoke",
		trace.WithAttributes(tracing.TurnAttributes(origin, threadID)...))
	defer span.End()

	key := conversation.Key{Origin: req.Origin, ThreadID: threadID}
	unlock := e.locks.Lock(key.String())
	defer unlock()

	cp, degraded := e.load(ctx, key, req.User)

	t := &nodes.Turn{
		Origin:   req.Origin,
		ThreadID: cp.ThreadID,
		User:     req.User,
		Message:  msg,
		History:  append([]conversation.Turn(nil), cp.History...),
		Profile:  g.Profile,
	}
	e.drive(ctx, g, t)

	now := e.now()
	cp.Append(conversation.Turn{Role: conversation.TurnUser, Content: t.Message, At: now}, e.cfg.HistoryWindow)
	cp.Append(conversation.Turn{Role: conversation.TurnAssistant, Content: t.Reply, At: now}, e.cfg.HistoryWindow)
	cp.LastTouchedAt = now
	if !degraded {
		e.save(ctx, cp)
	}

	span.SetAttributes(
		attribute.String("clinicflow.intent", string(t.Intent)),
		attribute.String("clinicflow.outcome", t.Outcome),
		attribute.Bool("clinicflow.degraded", degraded),
	)
	observability.RecordTurn(origin, t.Outcome)
	return &Response{Text: t.Reply, ThreadID: cp.ThreadID, Degraded: degraded, Outcome: t.Outcome}
}

// load returns the checkpoint to continue from. Absent, expired and
// foreign checkpoints yield a fresh one; a store failure yields a fresh
// one in degraded mode.
func (e *Engine) load(ctx context.Context, key conversation.Key, user conversation.UserContext) (*conversation.Checkpoint, bool) {
	now := e.now()
	fresh := func(threadID string) *conversation.Checkpoint {
		return &conversation.Checkpoint{
			Origin:        key.Origin,
			ThreadID:      threadID,
			OwnerID:       user.UserID,
			CreatedAt:     now,
			LastTouchedAt: now,
		}
	}

	sctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	cp, err := e.store.Get(sctx, key)
	cancel()
	switch {
	case errors.Is(err, conversation.ErrNotFound):
		observability.RecordCheckpointOp("get", "miss")
		return fresh(key.ThreadID), false
	case err != nil:
		observability.RecordCheckpointOp("get", "error")
		observability.RecordDegradedTurn()
		e.logger.Warn("checkpoint load failed, continuing without memory", "thread", key, "err", security.RedactSecrets(err.Error()))
		e.audit.Record(ctx, security.AuditEvent{
			Kind:     security.AuditPersistenceDegraded,
			UserID:   user.UserID,
			Role:     string(user.Role),
			Origin:   string(key.Origin),
			ThreadID: key.ThreadID,
			Reason:   "checkpoint load failed",
		})
		return fresh(key.ThreadID), true
	}
	observability.RecordCheckpointOp("get", "hit")

	if cp.Origin != key.Origin || cp.OwnerID != user.UserID {
		id := e.newID()
		e.logger.Info("thread belongs to another owner, starting a new one", "thread", key, "new_thread", id)
		return fresh(id), false
	}
	if now.Sub(cp.LastTouchedAt) > e.cfg.Retention {
		e.logger.Debug("thread expired, starting without memory", "thread", key)
		return fresh(key.ThreadID), false
	}
	return cp.Clone(), false
}

func (e *Engine) save(ctx context.Context, cp *conversation.Checkpoint) {
	sctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	defer cancel()
	if err := e.store.Put(sctx, cp); err != nil {
		observability.RecordCheckpointOp("put", "error")
		e.logger.Warn("checkpoint save failed", "thread", cp.Key(), "err", security.RedactSecrets(err.Error()))
		return
	}
	observability.RecordCheckpointOp("put", "ok")
}

// drive runs the subgraph from its start until a terminal stage finishes.
func (e *Engine) drive(ctx context.Context, g *router.Subgraph, t *nodes.Turn) {
	maxSteps := 2 * len(g.Steps)
	id := g.Start
	for n := 0; ; n++ {
		if n > maxSteps {
			e.logger.Error("step limit exceeded", "thread", t.ThreadID, "path", t.Path)
			e.fallback(t)
			return
		}
		step, ok := g.Step(id)
		if !ok {
			if id == nodes.StageHandleError {
				e.fallback(t)
				return
			}
			t.Stage = id
			t.Fail(nodes.CategoryUnavailable, fmt.Errorf("no step %q", id))
			id = nodes.StageHandleError
			continue
		}

		switch e.runStep(ctx, step, t) {
		case nodes.Advance:
			if step.Next == "" {
				return
			}
			id = step.Next
		case nodes.ShortCircuit:
			id = nodes.StageRespond
		case nodes.Fail:
			if step.ID == nodes.StageHandleError {
				e.fallback(t)
				return
			}
			if t.Failure == nil {
				t.Fail(nodes.CategoryUnavailable, errors.New("stage failed without a cause"))
			}
			id = nodes.StageHandleError
		case nodes.Finish:
			return
		}
	}
}

func (e *Engine) runStep(ctx context.Context, step *nodes.Step, t *nodes.Turn) (out nodes.Outcome) {
	t.Stage = step.ID
	t.Path = append(t.Path, step.ID)

	sctx, span := tracing.StartSpanWithOtel(ctx, "node."+string(step.ID))
	cancel := func() {}
	if step.Timeout > 0 {
		sctx, cancel = context.WithTimeout(sctx, step.Timeout)
	}
	start := time.Now()
	defer func() {
		cancel()
		if r := recover(); r != nil {
			e.logger.Error("node panicked", "node", step.ID, "thread", t.ThreadID, "panic", r)
			out = t.Fail(nodes.CategoryUnavailable, fmt.Errorf("panic in %s: %v", step.ID, r))
		}
		observability.RecordNode(string(step.ID), time.Since(start))
		span.SetAttributes(attribute.String("clinicflow.outcome", out.String()))
		span.End()
	}()
	return step.Handler(sctx, t)
}

func (e *Engine) fallback(t *nodes.Turn) {
	t.Reply = e.messages.Fallback
	t.Outcome = "fallback"
}
