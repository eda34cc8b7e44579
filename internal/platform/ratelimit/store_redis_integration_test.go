//go:build integration

package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	redisclient "halalledger/internal/platform/redis"
	"halalledger/pkg/testutil/containers"
)

type RedisStoreSuite struct {
	suite.Suite
	redis *containers.RedisContainer
	store *RedisStore
}

func TestRedisStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisStoreSuite))
}

func (s *RedisStoreSuite) SetupSuite() {
	s.redis = containers.GetManager().GetRedis(s.T())
}

func (s *RedisStoreSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
	s.store = NewRedisStore(redisclient.Wrap(s.redis.Client, "it"))
}

func (s *RedisStoreSuite) TestLimitIsShared() {
	ctx := context.Background()
	other := NewRedisStore(redisclient.Wrap(s.redis.Client, "it"))

	res, err := s.store.Allow(ctx, "write:principal:0xa", 2, time.Minute)
	s.Require().NoError(err)
	s.True(res.Allowed)
	s.Equal(1, res.Remaining)

	res, err = other.Allow(ctx, "write:principal:0xa", 2, time.Minute)
	s.Require().NoError(err)
	s.True(res.Allowed, "second replica sees the same window")
	s.Equal(0, res.Remaining)

	res, err = s.store.Allow(ctx, "write:principal:0xa", 2, time.Minute)
	s.Require().NoError(err)
	s.False(res.Allowed)
	s.Positive(res.RetryAfter)
}

func (s *RedisStoreSuite) TestWindowSlides() {
	ctx := context.Background()
	now := time.Now()
	s.store.now = func() time.Time { return now }

	_, err := s.store.Allow(ctx, "k", 1, time.Second)
	s.Require().NoError(err)
	res, err := s.store.Allow(ctx, "k", 1, time.Second)
	s.Require().NoError(err)
	s.False(res.Allowed)

	now = now.Add(1100 * time.Millisecond)
	res, err = s.store.Allow(ctx, "k", 1, time.Second)
	s.Require().NoError(err)
	s.True(res.Allowed)
}
