package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "rvagent:"

type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(addr string) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{Addr: addr}),
	}
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Routes have no TTL; they live until the server refreshes them.
func (r *RedisStore) SetRoute(ctx context.Context, opType, route string) error {
	return r.client.Set(ctx, keyPrefix+"route:"+opType, route, 0).Err()
}

func (r *RedisStore) GetRoute(ctx context.Context, opType string) (string, error) {
	result, err := r.client.Get(ctx, keyPrefix+"route:"+opType).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return result, err
}

func (r *RedisStore) ClaimProcessed(ctx context.Context, operationID string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, keyPrefix+"processed:"+operationID, "1", ttl).Result()
}

func (r *RedisStore) SetResultStatus(ctx context.Context, resultID, status string, ttl time.Duration) error {
	return r.client.Set(ctx, keyPrefix+"result:"+resultID, status, ttl).Err()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
