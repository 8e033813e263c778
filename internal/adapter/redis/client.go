package redis

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Options configures the Redis connection. An empty Addr means Redis is not
// used and callers should fall back to the in-memory implementations.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// NewClient constructs a go-redis client, or nil when no address is set.
func NewClient(opts Options) *redis.Client {
	if opts.Addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
}

// Ping validates the connection.
func Ping(ctx context.Context, client *redis.Client) error {
	if client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return client.Ping(ctx).Err()
}
