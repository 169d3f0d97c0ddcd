package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// FileStore persists one JSON file per thread under baseDir/<origin>/.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates the directory layout and returns a store rooted at baseDir.
func NewFileStore(baseDir string) (*FileStore, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, errors.New("conversation: file store directory must not be empty")
	}
	for _, o := range KnownOrigins {
		if err := os.MkdirAll(filepath.Join(baseDir, string(o)), 0700); err != nil {
			return nil, fmt.Errorf("create checkpoint directory: %w", err)
		}
	}
	return &FileStore{baseDir: baseDir}, nil
}

// Get reads the checkpoint file for key.
func (s *FileStore) Get(_ context.Context, key Key) (*Checkpoint, error) {
	if err := validateKey(key); err != nil {
		return nil, fmt.Errorf("invalid key: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	//nolint:gosec // G304: path is built from a validated origin and escaped thread id
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read checkpoint file: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}

// Put writes the checkpoint atomically through a temp file.
func (s *FileStore) Put(_ context.Context, cp *Checkpoint) error {
	if err := validateCheckpoint(cp); err != nil {
		return fmt.Errorf("invalid checkpoint: %w", err)
	}

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	target := s.path(cp.Key())
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write checkpoint file: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("commit checkpoint file: %w", err)
	}
	return nil
}

// Sweep deletes files whose checkpoint was last touched before olderThan.
func (s *FileStore) Sweep(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, o := range KnownOrigins {
		dir := filepath.Join(s.baseDir, string(o))
		entries, err := os.ReadDir(dir)
		if err != nil {
			return removed, fmt.Errorf("read checkpoint directory: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
				continue
			}
			p := filepath.Join(dir, entry.Name())
			//nolint:gosec // G304: path comes from ReadDir of our own directory
			data, err := os.ReadFile(p)
			if err != nil {
				continue
			}
			var cp Checkpoint
			if err := json.Unmarshal(data, &cp); err != nil {
				continue
			}
			if cp.LastTouchedAt.Before(olderThan) {
				if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
					return removed, fmt.Errorf("remove checkpoint file: %w", err)
				}
				removed++
			}
		}
	}
	return removed, nil
}

// Close is a no-op for the file store.
func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) path(key Key) string {
	return filepath.Join(s.baseDir, string(key.Origin), url.PathEscape(key.ThreadID)+".json")
}
