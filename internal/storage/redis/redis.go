// Package redis provides the shared cache client used for reconnect
// tokens, confirmation tokens, and clustered rate-limit windows.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dkirby-ms/tilemud-sub004/internal/config"
)

// Client wraps a go-redis client with health-check and lifecycle methods.
type Client struct {
	rdb *redis.Client
}

// NewClient connects to the shared cache described by cfg.
//
// Precondition: cfg.Addr must be reachable.
// Postcondition: Returns a pinged Client or a non-nil error.
func NewClient(ctx context.Context, cfg config.RedisConfig) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return &Client{rdb: rdb}, nil
}

// Health checks that the cache is reachable within the given timeout.
//
// Postcondition: Returns nil if the cache responds within the timeout.
func (c *Client) Health(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.rdb.Ping(ctx).Err()
}

// Close releases the client's resources.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// RDB returns the underlying go-redis client for use by services.
func (c *Client) RDB() *redis.Client {
	return c.rdb
}
