package conversation

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMiniredis(t *testing.T, ttl time.Duration) (*miniredis.Miniredis, *RedisStore) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStoreFromClient(client, "test:", ttl)

	t.Cleanup(func() {
		_ = store.Close()
	})
	return mr, store
}

func TestRedisStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		_, s := setupMiniredis(t, 0)
		return s
	})
}

func TestRedisStore_KeyExpiresAfterTTL(t *testing.T) {
	mr, s := setupMiniredis(t, time.Hour)
	ctx := context.Background()

	cp := sampleCheckpoint(OriginPatientMessaging, "5215550001", baseTime)
	require.NoError(t, s.Put(ctx, cp))
	assert.True(t, mr.Exists("test:checkpoint:whatsapp_patient/5215550001"))

	mr.FastForward(2 * time.Hour)

	_, err := s.Get(ctx, cp.Key())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStore_SweepPrunesIndex(t *testing.T) {
	mr, s := setupMiniredis(t, 0)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, sampleCheckpoint(OriginWebApp, "a", baseTime.Add(-72*time.Hour))))
	require.NoError(t, s.Put(ctx, sampleCheckpoint(OriginWebApp, "b", baseTime)))

	n, err := s.Sweep(ctx, baseTime.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	members, err := mr.ZMembers("test:checkpoints:touched")
	require.NoError(t, err)
	assert.Equal(t, []string{"test:checkpoint:webapp/b"}, members)
}

func TestRedisStore_Closed(t *testing.T) {
	_, s := setupMiniredis(t, 0)
	require.NoError(t, s.Close())

	_, err := s.Get(context.Background(), Key{Origin: OriginWebApp, ThreadID: "x"})
	assert.ErrorIs(t, err, ErrStoreClosed)
	assert.ErrorIs(t, s.Ping(context.Background()), ErrStoreClosed)
}
