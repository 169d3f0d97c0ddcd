package conversation

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps checkpoints in process memory. Useful for tests and the local REPL.
type MemoryStore struct {
	mu          sync.RWMutex
	checkpoints map[Key]*Checkpoint
	closed      bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{checkpoints: make(map[Key]*Checkpoint)}
}

// Get returns a copy of the stored checkpoint.
func (s *MemoryStore) Get(_ context.Context, key Key) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	cp, ok := s.checkpoints[key]
	if !ok {
		return nil, ErrNotFound
	}
	// Deep copy to prevent external mutations
	return cp.Clone(), nil
}

// Put stores a copy of cp.
func (s *MemoryStore) Put(_ context.Context, cp *Checkpoint) error {
	if err := validateCheckpoint(cp); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	s.checkpoints[cp.Key()] = cp.Clone()
	return nil
}

// Sweep removes checkpoints last touched before olderThan.
func (s *MemoryStore) Sweep(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}
	removed := 0
	for k, cp := range s.checkpoints {
		if cp.LastTouchedAt.Before(olderThan) {
			delete(s.checkpoints, k)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of stored checkpoints.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.checkpoints)
}

// Close marks the store closed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
