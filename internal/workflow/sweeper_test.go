package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/clinicflow/pkg/conversation"
)

type brokenSweepStore struct {
	*conversation.MemoryStore
}

func (brokenSweepStore) Sweep(context.Context, time.Time) (int, error) {
	return 0, errors.New("scan timeout")
}

func TestNewSweeper_Validation(t *testing.T) {
	store := conversation.NewMemoryStore()
	_, err := NewSweeper(nil, time.Hour, "", nil)
	require.Error(t, err)
	_, err = NewSweeper(store, 0, "", nil)
	require.Error(t, err)
	_, err = NewSweeper(store, time.Hour, "every tuesday", nil)
	require.Error(t, err)

	s, err := NewSweeper(store, time.Hour, "", nil)
	require.NoError(t, err)
	assert.NotNil(t, s)
}

func TestSweeper_RunOnce(t *testing.T) {
	ctx := context.Background()
	store := conversation.NewMemoryStore()
	put := func(id string, touched time.Time) {
		require.NoError(t, store.Put(ctx, &conversation.Checkpoint{
			Origin: conversation.OriginWebApp, ThreadID: id, OwnerID: "u1", CreatedAt: touched, LastTouchedAt: touched,
		}))
	}
	put("old", base.Add(-31*24*time.Hour))
	put("recent", base.Add(-time.Hour))

	s, err := NewSweeper(store, 720*time.Hour, DefaultSweepSchedule, nil)
	require.NoError(t, err)
	s.now = func() time.Time { return base }

	n, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, store.Len())
	_, err = store.Get(ctx, conversation.Key{Origin: conversation.OriginWebApp, ThreadID: "recent"})
	assert.NoError(t, err)
}

func TestSweeper_RunOnceError(t *testing.T) {
	s, err := NewSweeper(brokenSweepStore{conversation.NewMemoryStore()}, time.Hour, "", nil)
	require.NoError(t, err)
	_, err = s.RunOnce(context.Background())
	assert.ErrorContains(t, err, "scan timeout")
}

func TestSweeper_StartStop(t *testing.T) {
	s, err := NewSweeper(conversation.NewMemoryStore(), time.Hour, "@every 1s", nil)
	require.NoError(t, err)
	s.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
}

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		active  = map[string]int{}
		overlap bool
	)
	for i := 0; i < 50; i++ {
		key := []string{"a", "b"}[i%2]
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock(key)
			mu.Lock()
			active[key]++
			if active[key] > 1 {
				overlap = true
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			active[key]--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	assert.False(t, overlap)
	assert.Zero(t, k.Len())
}
