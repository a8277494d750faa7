// Package redis implements the shared Redis client used by the Redis-backed
// idempotency cache and the Pulse event mirror: connection setup and a
// health pinger for the worker health endpoint.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"goa.design/clue/health"
)

type (
	// Options configures Connect.
	Options struct {
		// Addr is the host:port of the Redis server. Required.
		Addr string
		// Password authenticates the connection. Optional.
		Password string
		// DB selects the logical database. Zero is the default database.
		DB int
		// DialTimeout bounds the initial connect and verification ping.
		// Defaults to defaultDialTimeout.
		DialTimeout time.Duration
	}

	// Client wraps a Redis connection with the health hook the worker
	// mounts. Feature clients that speak Redis directly obtain the
	// underlying connection through Redis.
	Client struct {
		redis *goredis.Client
	}
)

const (
	defaultDialTimeout = 10 * time.Second

	clientName = "redis"
)

var _ health.Pinger = (*Client)(nil)

// Connect dials Redis and verifies the connection with a ping.
func Connect(ctx context.Context, opts Options) (*Client, error) {
	if opts.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: opts.DialTimeout,
	})
	pingCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &Client{redis: rdb}, nil
}

// Name implements health.Pinger.
func (c *Client) Name() string { return clientName }

// Ping implements health.Pinger.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// Redis returns the underlying connection.
func (c *Client) Redis() *goredis.Client {
	return c.redis
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.redis.Close()
}
