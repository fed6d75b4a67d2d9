package debounce

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis debounces across processes with SET NX and a TTL.
type Redis struct {
	client redis.UniversalClient
	window time.Duration
	prefix string
}

// NewRedis wraps an existing client.
func NewRedis(client redis.UniversalClient, window time.Duration, prefix string) *Redis {
	if prefix == "" {
		prefix = "lessonforge:debounce:"
	}
	return &Redis{client: client, window: window, prefix: prefix}
}

// DialRedis connects using a redis:// URL and verifies the connection.
func DialRedis(ctx context.Context, url string, window time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return NewRedis(client, window, ""), nil
}

func (r *Redis) Allow(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.prefix+key, time.Now().UnixMilli(), r.window).Result()
	if err != nil {
		return false, fmt.Errorf("debounce %s: %w", key, err)
	}
	return ok, nil
}

// Close releases the client.
func (r *Redis) Close() error {
	return r.client.Close()
}
