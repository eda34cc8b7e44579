// Package cache keeps consumer verification reports in Redis.
//
// The cache is optional and advisory: the service re-checks the batch version of every
// hit, entries expire after a TTL, and commits delete the entry for their batch. A
// circuit breaker stops calling Redis while it is failing so an outage costs one
// timeout per cooldown instead of one per request.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"halalledger/internal/ledger/models"
	"halalledger/internal/ledger/service"
	redisclient "halalledger/internal/platform/redis"
	"halalledger/pkg/domain"
	"halalledger/pkg/platform/circuit"
	"halalledger/pkg/platform/sentinel"
)

const DefaultTTL = 5 * time.Minute

// VerifyCache implements service.VerifyCache and service.Sink.
type VerifyCache struct {
	client  *redisclient.Client
	ttl     time.Duration
	breaker *circuit.Breaker
	logger  *slog.Logger
}

type Option func(*VerifyCache)

func WithTTL(ttl time.Duration) Option {
	return func(c *VerifyCache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

func WithBreaker(b *circuit.Breaker) Option {
	return func(c *VerifyCache) {
		c.breaker = b
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *VerifyCache) {
		c.logger = logger
	}
}

func New(client *redisclient.Client, opts ...Option) *VerifyCache {
	c := &VerifyCache{
		client:  client,
		ttl:     DefaultTTL,
		breaker: circuit.New("verify-cache"),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *VerifyCache) key(id domain.BatchID) string {
	return c.client.Key("verify", id.String())
}

// Get returns sentinel.ErrNotFound on a miss and sentinel.ErrUnavailable while Redis
// is failing.
func (c *VerifyCache) Get(ctx context.Context, id domain.BatchID) (*service.Verification, error) {
	if !c.breaker.Allow() {
		return nil, fmt.Errorf("verify cache circuit open: %w", sentinel.ErrUnavailable)
	}
	data, err := c.client.Get(ctx, c.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		c.recordSuccess(ctx)
		return nil, fmt.Errorf("verification for %s: %w", id, sentinel.ErrNotFound)
	}
	if err != nil {
		c.recordFailure(ctx, err)
		return nil, fmt.Errorf("get verification: %w: %w", sentinel.ErrUnavailable, err)
	}
	c.recordSuccess(ctx)

	var v service.Verification
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode cached verification: %w", err)
	}
	return &v, nil
}

func (c *VerifyCache) Set(ctx context.Context, v *service.Verification) error {
	if !c.breaker.Allow() {
		return fmt.Errorf("verify cache circuit open: %w", sentinel.ErrUnavailable)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode verification: %w", err)
	}
	if err := c.client.Set(ctx, c.key(v.Batch.ID), data, c.ttl).Err(); err != nil {
		c.recordFailure(ctx, err)
		return fmt.Errorf("set verification: %w: %w", sentinel.ErrUnavailable, err)
	}
	c.recordSuccess(ctx)
	return nil
}

func (c *VerifyCache) Name() string { return "verify-cache" }

// Publish drops the cached report of the batch the event touches.
func (c *VerifyCache) Publish(ctx context.Context, e models.Event) error {
	id, ok := e.BatchID()
	if !ok {
		return nil
	}
	if !c.breaker.Allow() {
		return fmt.Errorf("verify cache circuit open: %w", sentinel.ErrUnavailable)
	}
	if err := c.client.Del(ctx, c.key(id)).Err(); err != nil {
		c.recordFailure(ctx, err)
		return fmt.Errorf("invalidate verification: %w", err)
	}
	c.recordSuccess(ctx)
	return nil
}

func (c *VerifyCache) recordFailure(ctx context.Context, err error) {
	if _, change := c.breaker.RecordFailure(); change.Opened {
		c.logger.WarnContext(ctx, "verify cache circuit opened", "error", err)
	}
}

func (c *VerifyCache) recordSuccess(ctx context.Context) {
	if _, change := c.breaker.RecordSuccess(); change.Closed {
		c.logger.InfoContext(ctx, "verify cache circuit closed")
	}
}
