package chunkkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore persists keys in redis with TTL eviction, for multi-instance
// deployments where the register and verify calls may land on different
// server processes.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a RedisStore on an existing client.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisStore{client: client, ttl: ttl}
}

func storageKey(key string) string {
	return "chunkkey:" + key
}

// Save persists a key.
func (s *RedisStore) Save(ctx context.Context, k Key) error {
	data, err := json.Marshal(k)
	if err != nil {
		return fmt.Errorf("failed to marshal chunk key: %w", err)
	}
	if err := s.client.Set(ctx, storageKey(k.Key), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store chunk key: %w", err)
	}
	return nil
}

// Lookup returns the key record, or ErrInvalidKey.
func (s *RedisStore) Lookup(ctx context.Context, key string) (*Key, error) {
	data, err := s.client.Get(ctx, storageKey(key)).Result()
	if err == redis.Nil {
		return nil, ErrInvalidKey
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lookup chunk key: %w", err)
	}

	var k Key
	if err := json.Unmarshal([]byte(data), &k); err != nil {
		return nil, fmt.Errorf("failed to parse chunk key: %w", err)
	}
	return &k, nil
}

// Delete removes a key and reports whether it existed.
func (s *RedisStore) Delete(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Del(ctx, storageKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to delete chunk key: %w", err)
	}
	return n > 0, nil
}
