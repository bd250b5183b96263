package competition

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const recordTTL = 24 * time.Hour

// RedisStore resolves competition records from redis, where the web layer
// mirrors them for the duration of a duel.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a RedisStore on an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func recordKey(id string) string {
	return "competition:" + id
}

// Get returns the record for id, or ErrNotFound.
func (s *RedisStore) Get(ctx context.Context, id string) (*Record, error) {
	data, err := s.client.Get(ctx, recordKey(id)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get competition %s: %w", id, err)
	}

	var rec Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("failed to parse competition %s: %w", id, err)
	}
	return &rec, nil
}

// Put mirrors a record into redis with a TTL so stale duels age out.
func (s *RedisStore) Put(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal competition %s: %w", rec.ID, err)
	}
	if err := s.client.Set(ctx, recordKey(rec.ID), data, recordTTL).Err(); err != nil {
		return fmt.Errorf("failed to store competition %s: %w", rec.ID, err)
	}
	return nil
}
