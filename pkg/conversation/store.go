package conversation

import (
	"context"
	"errors"
	"time"
)

// Common errors for checkpoint storage.
var (
	// ErrNotFound is returned when no checkpoint exists for a key.
	ErrNotFound = errors.New("checkpoint not found")
	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = errors.New("checkpoint store is closed")
)

// Store persists thread checkpoints.
// Implementations must be safe for concurrent use. Callers serialize
// writes for the same key.
type Store interface {
	// Get returns the checkpoint for key, or ErrNotFound.
	Get(ctx context.Context, key Key) (*Checkpoint, error)

	// Put creates or overwrites the checkpoint under cp.Key().
	Put(ctx context.Context, cp *Checkpoint) error

	// Sweep deletes checkpoints last touched before olderThan and
	// returns how many were removed.
	Sweep(ctx context.Context, olderThan time.Time) (int, error)

	// Close releases any resources held by the store.
	Close() error
}

// Pinger is implemented by stores that can report connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

func validateCheckpoint(cp *Checkpoint) error {
	if cp == nil {
		return errors.New("checkpoint is nil")
	}
	if !cp.Origin.Valid() {
		return errors.New("checkpoint origin is not a known origin")
	}
	return ValidateThreadID(cp.ThreadID)
}

func validateKey(key Key) error {
	if !key.Origin.Valid() {
		return errors.New("key origin is not a known origin")
	}
	return ValidateThreadID(key.ThreadID)
}
