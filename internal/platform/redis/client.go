// Package redis builds the shared go-redis client used by the blob store and
// the idempotency store.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"teamclock/internal/platform/config"
)

const connectTimeout = 5 * time.Second

// Client is a connected go-redis client.
type Client struct {
	*redis.Client
}

// New dials the server at cfg.URL and pings it. Zero-valued pool and timeout
// settings keep the go-redis defaults. An empty URL yields a nil client.
func New(ctx context.Context, cfg config.RedisConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	override(&opts.PoolSize, cfg.PoolSize)
	override(&opts.MinIdleConns, cfg.MinIdleConns)
	override(&opts.DialTimeout, cfg.DialTimeout)
	override(&opts.ReadTimeout, cfg.ReadTimeout)
	override(&opts.WriteTimeout, cfg.WriteTimeout)

	c := &Client{Client: redis.NewClient(opts)}

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := c.Health(pingCtx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", opts.Addr, err)
	}
	return c, nil
}

// Health pings the server.
func (c *Client) Health(ctx context.Context) error {
	return c.Ping(ctx).Err()
}

func override[T int | time.Duration](dst *T, v T) {
	if v > 0 {
		*dst = v
	}
}
