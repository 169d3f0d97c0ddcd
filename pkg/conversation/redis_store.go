package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "clinicflow:"

// RedisStore keeps checkpoints in Redis. Each checkpoint is a string key
// with an expiry equal to the retention window. A sorted set indexed by
// last-touched time drives Sweep.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	mu     sync.RWMutex
	closed bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string `yaml:"addr"`
	// Password is the Redis password (optional).
	Password string `yaml:"password"`
	// DB is the Redis database number.
	DB int `yaml:"db"`
	// Prefix is the key prefix (default: "clinicflow:").
	Prefix string `yaml:"prefix"`
	// PoolSize is the connection pool size (default: 10).
	PoolSize int `yaml:"pool_size"`
}

// NewRedisStore connects to Redis and verifies the connection.
// ttl is applied as the key expiry; zero keeps keys until swept.
func NewRedisStore(cfg RedisConfig, ttl time.Duration) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisStoreFromClient(client, cfg.Prefix, ttl), nil
}

// NewRedisStoreFromClient wraps an existing client. Used with miniredis in tests.
func NewRedisStoreFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) checkpointKey(key Key) string {
	return s.prefix + "checkpoint:" + key.String()
}

func (s *RedisStore) indexKey() string {
	return s.prefix + "checkpoints:touched"
}

func (s *RedisStore) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Get loads the checkpoint for key.
func (s *RedisStore) Get(ctx context.Context, key Key) (*Checkpoint, error) {
	if s.isClosed() {
		return nil, ErrStoreClosed
	}
	if err := validateKey(key); err != nil {
		return nil, fmt.Errorf("invalid key: %w", err)
	}

	data, err := s.client.Get(ctx, s.checkpointKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}

// Put writes the checkpoint and updates the sweep index in one pipeline.
func (s *RedisStore) Put(ctx context.Context, cp *Checkpoint) error {
	if s.isClosed() {
		return ErrStoreClosed
	}
	if err := validateCheckpoint(cp); err != nil {
		return fmt.Errorf("invalid checkpoint: %w", err)
	}

	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	k := s.checkpointKey(cp.Key())
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, k, data, s.ttl)
	pipe.ZAdd(ctx, s.indexKey(), redis.Z{
		Score:  float64(cp.LastTouchedAt.Unix()),
		Member: k,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// Sweep deletes every checkpoint whose index score is before olderThan.
// Index members whose key already expired are pruned as well.
func (s *RedisStore) Sweep(ctx context.Context, olderThan time.Time) (int, error) {
	if s.isClosed() {
		return 0, ErrStoreClosed
	}

	members, err := s.client.ZRangeByScore(ctx, s.indexKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(olderThan.Unix(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan sweep index: %w", err)
	}
	if len(members) == 0 {
		return 0, nil
	}

	removed, err := s.client.Del(ctx, members...).Result()
	if err != nil {
		return 0, fmt.Errorf("delete checkpoints: %w", err)
	}

	zmembers := make([]any, len(members))
	for i, m := range members {
		zmembers[i] = m
	}
	if err := s.client.ZRem(ctx, s.indexKey(), zmembers...).Err(); err != nil {
		return int(removed), fmt.Errorf("prune sweep index: %w", err)
	}
	return int(removed), nil
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	if s.isClosed() {
		return ErrStoreClosed
	}
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}
