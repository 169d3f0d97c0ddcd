package security

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/aixgo-dev/clinicflow/pkg/observability"
)

// AuditKind names a security-relevant event.
type AuditKind string

const (
	AuditAuthzDenied         AuditKind = "authz.denied"
	AuditValidationRejected  AuditKind = "validation.rejected"
	AuditConsentMissing      AuditKind = "consent.missing"
	AuditPersistenceDegraded AuditKind = "persistence.degraded"
	AuditAuthnFailed         AuditKind = "authn.failed"
	AuditRateLimited         AuditKind = "ratelimit.exceeded"
	AuditPromptInjection     AuditKind = "prompt.injection"
	AuditGuardrailBlocked    AuditKind = "guardrail.blocked"
)

// AuditEvent represents a security audit event. It never carries message
// text or query values.
type AuditEvent struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Kind      AuditKind         `json:"kind"`
	UserID    string            `json:"user_id,omitempty"`
	Role      string            `json:"role,omitempty"`
	Origin    string            `json:"origin,omitempty"`
	ThreadID  string            `json:"thread_id,omitempty"`
	Intent    string            `json:"intent,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// AuditRecorder accepts audit events without blocking the caller.
type AuditRecorder interface {
	Record(ctx context.Context, ev AuditEvent)
}

// AuditSink persists audit events. Write may be retried.
type AuditSink interface {
	Write(ctx context.Context, ev *AuditEvent) error
	Close() error
}

// NopRecorder discards every event.
type NopRecorder struct{}

// Record implements AuditRecorder.
func (NopRecorder) Record(context.Context, AuditEvent) {}

// DispatcherConfig tunes the audit dispatcher.
type DispatcherConfig struct {
	BufferSize   int
	MaxAttempts  int
	Backoff      time.Duration
	WriteTimeout time.Duration
}

// DefaultDispatcherConfig returns the default queue and retry policy.
func DefaultDispatcherConfig() DispatcherConfig {
	var c DispatcherConfig
	c.applyDefaults()
	return c
}

func (c *DispatcherConfig) applyDefaults() {
	if c.BufferSize <= 0 {
		c.BufferSize = 1024
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.Backoff <= 0 {
		c.Backoff = 100 * time.Millisecond
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 2 * time.Second
	}
}

// Dispatcher is a fire-and-forget AuditRecorder. Events are queued and
// written by a single worker that retries failed writes with exponential
// backoff. A full queue drops the event.
type Dispatcher struct {
	sink   AuditSink
	cfg    DispatcherConfig
	logger *slog.Logger

	queue chan AuditEvent
	done  chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewDispatcher starts a dispatcher writing to sink.
func NewDispatcher(sink AuditSink, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		sink:   sink,
		cfg:    cfg,
		logger: logger,
		queue:  make(chan AuditEvent, cfg.BufferSize),
		done:   make(chan struct{}),
	}
	go d.run()
	return d
}

// Record implements AuditRecorder. It never blocks.
func (d *Dispatcher) Record(_ context.Context, ev AuditEvent) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		observability.RecordAuditEvent("dropped")
		return
	}
	select {
	case d.queue <- ev:
	default:
		observability.RecordAuditEvent("dropped")
		d.logger.Warn("audit queue full, event dropped", "kind", ev.Kind)
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for ev := range d.queue {
		d.deliver(ev)
	}
}

func (d *Dispatcher) deliver(ev AuditEvent) {
	backoff := d.cfg.Backoff
	var err error
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.WriteTimeout)
		err = d.sink.Write(ctx, &ev)
		cancel()
		if err == nil {
			observability.RecordAuditEvent("written")
			return
		}
		if attempt < d.cfg.MaxAttempts {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	observability.RecordAuditEvent("failed")
	d.logger.Error("audit write failed", "kind", ev.Kind, "id", ev.ID, "attempts", d.cfg.MaxAttempts, "err", err)
}

// Close stops accepting events, drains the queue and closes the sink.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	<-d.done
	return d.sink.Close()
}

// MemorySink keeps events in memory.
type MemorySink struct {
	mu     sync.RWMutex
	events []AuditEvent
}

// NewMemorySink creates an empty sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Write implements AuditSink.
func (m *MemorySink) Write(_ context.Context, ev *AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, *ev)
	return nil
}

// Events returns a copy of the stored events.
func (m *MemorySink) Events() []AuditEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]AuditEvent, len(m.events))
	copy(out, m.events)
	return out
}

// Close implements AuditSink.
func (m *MemorySink) Close() error { return nil }

// LogSink writes events as structured log records.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink on logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "audit")}
}

// Write implements AuditSink.
func (l *LogSink) Write(ctx context.Context, ev *AuditEvent) error {
	l.logger.LogAttrs(ctx, slog.LevelInfo, "audit",
		slog.String("id", ev.ID),
		slog.String("kind", string(ev.Kind)),
		slog.Time("at", ev.Timestamp),
		slog.String("user", ev.UserID),
		slog.String("role", ev.Role),
		slog.String("origin", ev.Origin),
		slog.String("thread", ev.ThreadID),
		slog.String("intent", ev.Intent),
		slog.String("reason", ev.Reason),
	)
	return nil
}

// Close implements AuditSink.
func (l *LogSink) Close() error { return nil }

// RedisStreamSink appends events to a Redis stream with XADD.
type RedisStreamSink struct {
	client *redis.Client
	stream string
	maxLen int64
	owns   bool
}

// NewRedisStreamSink connects to addr and writes to stream, trimming it
// to roughly maxLen entries when maxLen is positive.
func NewRedisStreamSink(addr, password string, db int, stream string, maxLen int64) (*RedisStreamSink, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	s := NewRedisStreamSinkFromClient(client, stream, maxLen)
	s.owns = true
	return s, nil
}

// NewRedisStreamSinkFromClient wraps an existing client. The client is not
// closed by Close.
func NewRedisStreamSinkFromClient(client *redis.Client, stream string, maxLen int64) *RedisStreamSink {
	if stream == "" {
		stream = "clinicflow:audit"
	}
	return &RedisStreamSink{client: client, stream: stream, maxLen: maxLen}
}

// Write implements AuditSink.
func (r *RedisStreamSink) Write(ctx context.Context, ev *AuditEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: r.stream,
		Values: map[string]any{"kind": string(ev.Kind), "event": payload},
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}
	if err := r.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	return nil
}

// Close implements AuditSink.
func (r *RedisStreamSink) Close() error {
	if r.owns {
		return r.client.Close()
	}
	return nil
}
