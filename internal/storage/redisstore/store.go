package redisstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/embedchat/widgetcore/internal/storage"
	"github.com/redis/go-redis/v9"
)

// Config holds redis connection settings
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Store is a redis-backed storage backend for deployments where several
// widget hosts share one conversation store (kiosks, server-rendered
// embeds).
type Store struct {
	rdb *redis.Client
}

// New connects to redis and verifies the connection
func New(cfg Config) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Store{rdb: rdb}, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get key: %w", err)
	}
	return data, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	return s.rdb.Set(ctx, key, value, 0).Err()
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, key).Err()
}

// Keys enumerates keys under a prefix with SCAN so large stores are not
// blocked by a KEYS call.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	pattern := prefix + "*"
	var cursor uint64
	var keys []string

	for {
		batch, next, err := s.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan keys: %w", err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

func (s *Store) Close() error {
	return s.rdb.Close()
}
