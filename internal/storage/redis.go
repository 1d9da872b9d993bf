package storage

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDedupStore keeps dedup keys in redis with their own expiry.
type RedisDedupStore struct {
	rdb *redis.Client
}

func NewRedisDedupStore(rdb *redis.Client) *RedisDedupStore {
	return &RedisDedupStore{rdb: rdb}
}

func (s *RedisDedupStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *RedisDedupStore) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

func (s *RedisDedupStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
