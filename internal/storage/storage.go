// Package storage keeps analysis runs, their chart artifacts and daily token
// usage in Redis.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL applies when a store is created with ttlHours <= 0.
const DefaultTTL = 24 * time.Hour

// ErrNotFound is returned when a run or artifact key does not exist (or has expired).
var ErrNotFound = errors.New("not found")

// NewRedisClient connects to addr and checks the connection with a PING.
// addr may carry a redis:// prefix.
func NewRedisClient(ctx context.Context, addr string) (*redis.Client, error) {
	addr = strings.TrimPrefix(strings.TrimPrefix(addr, "redis://"), "rediss://")
	if addr == "" {
		addr = "localhost:6379"
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis at %s: %w", addr, err)
	}
	return rdb, nil
}

func ttlFromHours(hours int) time.Duration {
	if hours <= 0 {
		return DefaultTTL
	}
	return time.Duration(hours) * time.Hour
}
