package redisx

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

func New(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
}

func Exists(ctx context.Context, rdb *redis.Client, key string) (bool, error) {
	n, err := rdb.Exists(ctx, key).Result()
	return n > 0, err
}

// Seen reports whether id was already marked for scope. A nil client never
// dedups, so callers work without Redis in tests and local runs.
func Seen(ctx context.Context, rdb *redis.Client, scope, id string) (bool, error) {
	if rdb == nil || id == "" {
		return false, nil
	}
	return Exists(ctx, rdb, fmt.Sprintf(KeyDedup, scope, id))
}

// MarkSeen records id for scope until TTLDedup expires.
func MarkSeen(ctx context.Context, rdb *redis.Client, scope, id string) error {
	if rdb == nil || id == "" {
		return nil
	}
	return rdb.Set(ctx, fmt.Sprintf(KeyDedup, scope, id), "1", TTLDedup).Err()
}
