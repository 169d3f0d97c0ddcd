package security

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakySink struct {
	mu       sync.Mutex
	failures int
	attempts int
	written  []AuditEvent
	closed   bool
}

func (f *flakySink) Write(_ context.Context, ev *AuditEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.failures > 0 {
		f.failures--
		return errors.New("sink unavailable")
	}
	f.written = append(f.written, *ev)
	return nil
}

func (f *flakySink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func TestDispatcher_DeliversAndFillsDefaults(t *testing.T) {
	sink := NewMemorySink()
	d := NewDispatcher(sink, DispatcherConfig{}, nil)

	d.Record(context.Background(), AuditEvent{Kind: AuditAuthzDenied, UserID: "u1", Role: "reception", Intent: "patients.medical", Reason: "not_permitted"})
	require.NoError(t, d.Close())

	events := sink.Events()
	require.Len(t, events, 1)
	assert.Equal(t, AuditAuthzDenied, events[0].Kind)
	assert.NotEmpty(t, events[0].ID)
	assert.False(t, events[0].Timestamp.IsZero())
}

func TestDispatcher_RetriesOutOfBand(t *testing.T) {
	sink := &flakySink{failures: 2}
	d := NewDispatcher(sink, DispatcherConfig{MaxAttempts: 3, Backoff: time.Millisecond}, nil)

	start := time.Now()
	d.Record(context.Background(), AuditEvent{Kind: AuditValidationRejected})
	assert.Less(t, time.Since(start), 50*time.Millisecond, "Record must not wait for the sink")

	require.NoError(t, d.Close())
	assert.Equal(t, 3, sink.attempts)
	assert.Len(t, sink.written, 1)
	assert.True(t, sink.closed)
}

func TestDispatcher_GivesUpAfterMaxAttempts(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	sink := &flakySink{failures: 10}
	d := NewDispatcher(sink, DispatcherConfig{MaxAttempts: 2, Backoff: time.Millisecond}, logger)

	d.Record(context.Background(), AuditEvent{Kind: AuditConsentMissing})
	require.NoError(t, d.Close())

	assert.Equal(t, 2, sink.attempts)
	assert.Empty(t, sink.written)
	assert.Contains(t, buf.String(), "audit write failed")
}

type blockingSink struct {
	release chan struct{}
	MemorySink
}

func (b *blockingSink) Write(ctx context.Context, ev *AuditEvent) error {
	<-b.release
	return b.MemorySink.Write(ctx, ev)
}

func TestDispatcher_FullQueueDrops(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{})}
	d := NewDispatcher(sink, DispatcherConfig{BufferSize: 1}, nil)

	// One event is held by the worker, one fills the queue, the rest drop.
	for i := 0; i < 10; i++ {
		d.Record(context.Background(), AuditEvent{Kind: AuditAuthzDenied})
	}
	close(sink.release)
	require.NoError(t, d.Close())

	n := len(sink.Events())
	assert.GreaterOrEqual(t, n, 1)
	assert.LessOrEqual(t, n, 2)
}

func TestDispatcher_RecordAfterClose(t *testing.T) {
	sink := NewMemorySink()
	d := NewDispatcher(sink, DispatcherConfig{}, nil)
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())

	assert.NotPanics(t, func() {
		d.Record(context.Background(), AuditEvent{Kind: AuditAuthzDenied})
	})
	assert.Empty(t, sink.Events())
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(slog.New(slog.NewJSONHandler(&buf, nil)))
	require.NoError(t, sink.Write(context.Background(), &AuditEvent{ID: "e1", Kind: AuditPersistenceDegraded, ThreadID: "t1"}))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "audit", rec["msg"])
	assert.Equal(t, "persistence.degraded", rec["kind"])
	assert.Equal(t, "t1", rec["thread"])
}

func TestRedisStreamSink(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	sink := NewRedisStreamSinkFromClient(client, "", 100)
	ev := &AuditEvent{ID: "e1", Kind: AuditAuthzDenied, UserID: "u9", Timestamp: time.Date(2025, 3, 4, 9, 0, 0, 0, time.UTC)}
	require.NoError(t, sink.Write(context.Background(), ev))
	require.NoError(t, sink.Close())

	msgs, err := client.XRange(context.Background(), "clinicflow:audit", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "authz.denied", msgs[0].Values["kind"])

	var got AuditEvent
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Values["event"].(string)), &got))
	assert.Equal(t, "u9", got.UserID)

	// The client is still usable after closing a borrowed-client sink.
	require.NoError(t, client.Ping(context.Background()).Err())
}

func TestRedisStreamSink_ThroughDispatcher(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	d := NewDispatcher(NewRedisStreamSinkFromClient(client, "audit", 0), DispatcherConfig{}, nil)
	for i := 0; i < 5; i++ {
		d.Record(context.Background(), AuditEvent{Kind: AuditValidationRejected})
	}
	require.NoError(t, d.Close())

	n, err := client.XLen(context.Background(), "audit").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
}

func TestNewRedisStreamSink_Unreachable(t *testing.T) {
	_, err := NewRedisStreamSink("127.0.0.1:1", "", 0, "audit", 0)
	require.Error(t, err)
}
