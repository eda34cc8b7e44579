package service

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"halalledger/internal/ledger/backend/memory"
	"halalledger/internal/ledger/models"
	"halalledger/internal/ledger/policy"
	dErrors "halalledger/pkg/domain-errors"
	"halalledger/pkg/platform/sentinel"
)

// gatedBackend reads one position per page and can fail or hold reads past a position.
type gatedBackend struct {
	*memory.Backend
	failAfter atomic.Uint64
	holdAfter atomic.Uint64
	held      chan struct{}
	release   chan struct{}
}

func newGatedBackend() *gatedBackend {
	return &gatedBackend{
		Backend: memory.New("test-ledger", memory.WithMaxRange(1)),
		held:    make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (g *gatedBackend) ReadEvents(ctx context.Context, from, to uint64) ([]models.Event, error) {
	if n := g.failAfter.Load(); n > 0 && to > n {
		return nil, sentinel.ErrUnavailable
	}
	if n := g.holdAfter.Load(); n > 0 && to > n {
		g.holdAfter.Store(0)
		close(g.held)
		<-g.release
	}
	return g.Backend.ReadEvents(ctx, from, to)
}

func newGatedService(t *testing.T) (*Service, *gatedBackend) {
	t.Helper()
	ctx := context.Background()
	b := newGatedBackend()
	svc := New(b, policy.Default())
	_, err := svc.Bootstrap(ctx, admin)
	require.NoError(t, err)
	_, err = svc.GrantRole(ctx, RoleCommand{Actor: admin, Principal: producer, Role: models.RoleProducer})
	require.NoError(t, err)
	_, err = svc.CreateBatch(ctx, CreateBatchCommand{Actor: producer, BatchID: "B1", ProductName: "Raisins"})
	require.NoError(t, err)
	require.Equal(t, uint64(3), svc.Head())
	return svc, b
}

func TestFailedRebuildKeepsReadModels(t *testing.T) {
	ctx := context.Background()
	svc, b := newGatedService(t)

	b.failAfter.Store(2)
	err := svc.Rebuild(ctx)
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeBackendRejected))

	assert.Equal(t, uint64(3), svc.Head())
	assert.True(t, svc.Exists(ctx, "B1"))
	assert.True(t, svc.HasRole(ctx, producer, models.RoleProducer))
	assert.Equal(t, 1, svc.CountBatches(ctx))

	b.failAfter.Store(0)
	require.NoError(t, svc.Rebuild(ctx))
	assert.Equal(t, uint64(3), svc.Head())
	assert.True(t, svc.Exists(ctx, "B1"))
}

func TestReadersSeePreviousModelsDuringRebuild(t *testing.T) {
	ctx := context.Background()
	svc, b := newGatedService(t)

	b.holdAfter.Store(1)
	done := make(chan error, 1)
	go func() { done <- svc.Rebuild(ctx) }()

	<-b.held
	assert.True(t, svc.Exists(ctx, "B1"), "replay in progress is not visible")
	assert.True(t, svc.HasRole(ctx, producer, models.RoleProducer))
	assert.Equal(t, uint64(3), svc.Head())

	close(b.release)
	require.NoError(t, <-done)
	assert.True(t, svc.Exists(ctx, "B1"))
}
