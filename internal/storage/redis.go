package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisClient struct {
	client *redis.Client
}

func NewRedisClient(ctx context.Context, redisURL string) (*RedisClient, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisClient{client: client}, nil
}

func (r *RedisClient) Close() error {
	return r.client.Close()
}

// ClaimTouch reserves the presence-touch slot for a user. It returns true
// when the slot was free, meaning the caller should write the heartbeat to
// the database; while the key lives, further touches are throttled away.
func (r *RedisClient) ClaimTouch(ctx context.Context, userID int64, ttl time.Duration) (bool, error) {
	key := fmt.Sprintf("presence:touch:%d", userID)
	return r.client.SetNX(ctx, key, 1, ttl).Result()
}

// ForgetTouch drops the throttle slot so the next touch writes through.
// Used by tests and by explicit state resets.
func (r *RedisClient) ForgetTouch(ctx context.Context, userID int64) error {
	key := fmt.Sprintf("presence:touch:%d", userID)
	return r.client.Del(ctx, key).Err()
}
