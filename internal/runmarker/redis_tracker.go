package runmarker

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// markerTTL outlives the day it marks so late ticks across a timezone edge
// still see it.
const markerTTL = 48 * time.Hour

// RedisTracker shares day markers between every server instance pointed at
// the same redis.
type RedisTracker struct {
	client *redis.Client
}

func NewRedisTracker(addr string, password string, db int) *RedisTracker {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisTracker{client: client}
}

func (t *RedisTracker) Ping(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}

func (t *RedisTracker) Close() error {
	return t.client.Close()
}

func (t *RedisTracker) Claim(ctx context.Context, job string, day string) (bool, error) {
	return t.client.SetNX(ctx, markerKey(job, day), time.Now().UTC().Format(time.RFC3339), markerTTL).Result()
}

func (t *RedisTracker) Release(ctx context.Context, job string, day string) error {
	return t.client.Del(ctx, markerKey(job, day)).Err()
}
