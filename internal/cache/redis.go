package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Brownie44l1/segdist/internal/config"
	"github.com/Brownie44l1/segdist/internal/tally"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps encoded tallies in Redis so that several machines can
// share one cache. Entries are written with SET NX: the first writer for a
// key wins and later writers leave it untouched.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore connects to Redis. The connection is verified by Prepare.
func NewRedisStore(cfg config.RedisConfig) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	return &RedisStore{rdb: rdb, prefix: cfg.Prefix, ttl: cfg.TTL}
}

func (s *RedisStore) redisKey(key Key) string {
	return s.prefix + key.Name()
}

func (s *RedisStore) Load(ctx context.Context, key Key) (*tally.Matrix, error) {
	data, err := s.rdb.Get(ctx, s.redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", s.redisKey(key), err)
	}
	m, err := DecodeNPY(data)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", s.redisKey(key), err)
	}
	return m, nil
}

func (s *RedisStore) Prepare(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

func (s *RedisStore) Save(ctx context.Context, key Key, m *tally.Matrix) error {
	var buf bytes.Buffer
	if err := EncodeNPY(&buf, m); err != nil {
		return err
	}
	if err := s.rdb.SetNX(ctx, s.redisKey(key), buf.Bytes(), s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", s.redisKey(key), err)
	}
	return nil
}

// Close closes the underlying Redis connection.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
