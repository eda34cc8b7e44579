// Package redis builds the shared go-redis client used by the verification cache
// and the rate limiter.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"halalledger/internal/platform/config"
)

const pingTimeout = 3 * time.Second

// Client is a go-redis client scoped to one ledger: every key it hands out is
// prefixed with the ledger id so several ledgers can share a Redis instance.
type Client struct {
	*redis.Client
	prefix string
}

// New connects to Redis. It returns nil, nil when no URL is configured; callers treat
// that as "cache disabled".
func New(ctx context.Context, cfg config.RedisConfig, ledgerID string) (*Client, error) {
	if cfg.URL == "" {
		return nil, nil
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.MinIdleConns > 0 {
		opts.MinIdleConns = cfg.MinIdleConns
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{Client: client, prefix: "halal-ledger:" + ledgerID + ":"}, nil
}

// Wrap scopes an existing go-redis client, for tests against a container.
func Wrap(c *redis.Client, ledgerID string) *Client {
	return &Client{Client: c, prefix: "halal-ledger:" + ledgerID + ":"}
}

// Key returns the namespaced key for parts joined by ':'.
func (c *Client) Key(parts ...string) string {
	key := c.prefix
	for i, p := range parts {
		if i > 0 {
			key += ":"
		}
		key += p
	}
	return key
}

// Health checks if the Redis connection is healthy.
func (c *Client) Health(ctx context.Context) error {
	return c.Ping(ctx).Err()
}
