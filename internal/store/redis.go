package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore holds the short-lived counters behind rate limiting and IP
// blocking. Durable records never go through Redis.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis store.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Client returns the underlying Redis client.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// windowKey buckets key by the window the instant falls into.
func windowKey(key string, now time.Time, window time.Duration) string {
	secs := int64(window.Seconds())
	if secs < 1 {
		secs = 1
	}
	return fmt.Sprintf("%s:%d", key, now.Unix()/secs)
}

// RecordHit adds one hit to the sliding window for key and returns how many
// hits were already inside the window before this one.
func (s *RedisStore) RecordHit(ctx context.Context, key string, window time.Duration, now time.Time) (int64, error) {
	wk := windowKey(key, now, window)
	windowStart := now.Add(-window)

	pipe := s.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, wk, "-inf", fmt.Sprintf("%d", windowStart.UnixMilli()))
	countCmd := pipe.ZCard(ctx, wk)
	pipe.ZAdd(ctx, wk, redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: fmt.Sprintf("%d", now.UnixNano()),
	})
	pipe.Expire(ctx, wk, window*2)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return countCmd.Val(), nil
}

func violationsKey(ip string) string {
	return "violations:ip:" + ip
}

func blockedKey(ip string) string {
	return "blocked:ip:" + ip
}

// IncrViolations bumps the hourly violation counter for ip.
func (s *RedisStore) IncrViolations(ctx context.Context, ip string) (int64, error) {
	key := violationsKey(ip)
	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	s.client.Expire(ctx, key, time.Hour)
	return count, nil
}

// IsBlocked reports whether ip is currently blocked.
func (s *RedisStore) IsBlocked(ctx context.Context, ip string) bool {
	exists, _ := s.client.Exists(ctx, blockedKey(ip)).Result()
	return exists > 0
}

// Block blocks ip for duration, recording reason as the value.
func (s *RedisStore) Block(ctx context.Context, ip string, duration time.Duration, reason string) error {
	return s.client.Set(ctx, blockedKey(ip), reason, duration).Err()
}

// Unblock removes a block on ip.
func (s *RedisStore) Unblock(ctx context.Context, ip string) error {
	return s.client.Del(ctx, blockedKey(ip)).Err()
}
