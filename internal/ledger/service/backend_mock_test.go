package service

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"halalledger/internal/ledger/backend"
	"halalledger/internal/ledger/backend/mocks"
	"halalledger/internal/ledger/metrics"
	"halalledger/internal/ledger/models"
	"halalledger/internal/ledger/policy"
	dErrors "halalledger/pkg/domain-errors"
	"halalledger/pkg/platform/audit"
	auditmemory "halalledger/pkg/platform/audit/store/memory"
	"halalledger/pkg/platform/sentinel"
)

// newMockedService returns a service over a mock backend that accepts the bootstrap
// grant and a producer grant, so tests only script the submission they care about.
func newMockedService(t *testing.T) (*Service, *mocks.MockBackend, *auditmemory.InMemoryStore) {
	ctrl := gomock.NewController(t)
	b := mocks.NewMockBackend(ctrl)
	store := auditmemory.NewInMemoryStore()

	var position uint64
	b.EXPECT().MaxRange().Return(uint64(backend.DefaultMaxRange)).AnyTimes()
	b.EXPECT().Head(gomock.Any()).DoAndReturn(func(context.Context) (uint64, error) {
		return position, nil
	}).AnyTimes()
	accept := func(_ context.Context, e models.Event) (models.Event, error) {
		position++
		return backend.Seal(e, "mock", position)
	}
	b.EXPECT().Submit(gomock.Any(), gomock.Any()).DoAndReturn(accept).Times(2)

	svc := New(b, policy.Default(), WithAuditPublisher(auditPublisherFunc(store.Append)))
	_, err := svc.Bootstrap(context.Background(), admin)
	require.NoError(t, err)
	_, err = svc.GrantRole(context.Background(), RoleCommand{Actor: admin, Principal: producer, Role: models.RoleProducer})
	require.NoError(t, err)
	return svc, b, store
}

func TestSubmitFailureMapping(t *testing.T) {
	tests := []struct {
		name        string
		submitErr   error
		wantCode    dErrors.Code
		wantAuditOf audit.AuditEvent
	}{
		{
			name:        "sequence already taken",
			submitErr:   fmt.Errorf("batch B1 sequence 1 (at 1): %w", sentinel.ErrConflict),
			wantCode:    dErrors.CodeBackendRejected,
			wantAuditOf: audit.EventCommitRejected,
		},
		{
			name:        "backend unavailable",
			submitErr:   fmt.Errorf("dial: %w", sentinel.ErrUnavailable),
			wantCode:    dErrors.CodeBackendRejected,
			wantAuditOf: audit.EventCommitRejected,
		},
		{
			name:      "deadline exceeded",
			submitErr: context.DeadlineExceeded,
			wantCode:  dErrors.CodeTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, b, store := newMockedService(t)
			b.EXPECT().Submit(gomock.Any(), gomock.Any()).Return(models.Event{}, tt.submitErr)

			_, err := svc.CreateBatch(context.Background(), CreateBatchCommand{Actor: producer, BatchID: "B1", ProductName: "Raisins"})
			require.Error(t, err)
			assert.True(t, dErrors.HasCode(err, tt.wantCode))
			assert.True(t, errors.Is(err, tt.submitErr))
			assert.False(t, svc.Exists(context.Background(), "B1"), "rejection leaves projection untouched")

			if tt.wantAuditOf != "" {
				events, err := store.ListRecent(context.Background(), 1)
				require.NoError(t, err)
				require.Len(t, events, 1)
				assert.Equal(t, string(tt.wantAuditOf), events[0].Action)
				assert.Equal(t, "B1", events[0].BatchID)
			}
		})
	}
}

func TestReadFailureDuringCatchUp(t *testing.T) {
	ctrl := gomock.NewController(t)
	b := mocks.NewMockBackend(ctrl)
	b.EXPECT().MaxRange().Return(uint64(10)).AnyTimes()
	b.EXPECT().Head(gomock.Any()).Return(uint64(4), nil)
	b.EXPECT().ReadEvents(gomock.Any(), uint64(1), uint64(4)).Return(nil, sentinel.ErrUnavailable)

	svc := New(b, policy.Default())
	_, err := svc.CreateBatch(context.Background(), CreateBatchCommand{Actor: producer, BatchID: "B1", ProductName: "Raisins"})
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeBackendRejected))
}

func TestCatchUpFillsGapBeforeOwnCommit(t *testing.T) {
	svc, b, _ := newMockedService(t)
	ctx := context.Background()

	// Another process commits position 3 between our catch-up and our submit.
	foreign, err := backend.Seal(models.Event{
		BatchSeq: 1,
		Payload:  models.Created{BatchID: "B0", ProductName: "Dates", Producer: producer, InitialStatus: "Produced"},
	}, "mock", 3)
	require.NoError(t, err)

	b.EXPECT().Submit(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, e models.Event) (models.Event, error) {
		return backend.Seal(e, "mock", 4)
	})
	b.EXPECT().ReadEvents(gomock.Any(), uint64(3), uint64(3)).Return([]models.Event{foreign}, nil)

	receipt, err := svc.CreateBatch(ctx, CreateBatchCommand{Actor: producer, BatchID: "B1", ProductName: "Raisins"})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), receipt.Event.Position)
	assert.Equal(t, uint64(4), svc.Head())
	assert.True(t, svc.Exists(ctx, "B0"))
}

func TestFoldFailureAfterCommitReturnsReceipt(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	b := mocks.NewMockBackend(ctrl)
	store := auditmemory.NewInMemoryStore()
	sink := &recordingSink{}
	m := metrics.NewWithRegistry(prometheus.NewRegistry())

	var head uint64
	b.EXPECT().MaxRange().Return(uint64(10)).AnyTimes()
	b.EXPECT().Head(gomock.Any()).DoAndReturn(func(context.Context) (uint64, error) {
		return head, nil
	}).AnyTimes()
	b.EXPECT().Submit(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, e models.Event) (models.Event, error) {
		head++
		return backend.Seal(e, "mock", head)
	}).Times(2)

	svc := New(b, policy.Default(),
		WithAuditPublisher(auditPublisherFunc(store.Append)),
		WithSinks(sink),
		WithMetrics(m),
	)
	_, err := svc.Bootstrap(ctx, admin)
	require.NoError(t, err)
	_, err = svc.GrantRole(ctx, RoleCommand{Actor: admin, Principal: producer, Role: models.RoleProducer})
	require.NoError(t, err)

	// Another process commits position 3 between our catch-up and our submit, and the
	// read that would fill the gap fails.
	foreign, err := backend.Seal(models.Event{
		BatchSeq: 1,
		Payload:  models.Created{BatchID: "B0", ProductName: "Dates", Producer: producer, InitialStatus: "Produced"},
	}, "mock", 3)
	require.NoError(t, err)
	var own models.Event
	b.EXPECT().Submit(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, e models.Event) (models.Event, error) {
		head = 4
		var sealErr error
		own, sealErr = backend.Seal(e, "mock", 4)
		return own, sealErr
	})
	b.EXPECT().ReadEvents(gomock.Any(), uint64(3), uint64(3)).Return(nil, sentinel.ErrUnavailable)

	receipt, err := svc.CreateBatch(ctx, CreateBatchCommand{Actor: producer, BatchID: "B1", ProductName: "Raisins"})
	require.NoError(t, err, "the event is in the log; the caller must not retry")
	require.True(t, receipt.Committed())
	assert.Equal(t, uint64(4), receipt.Event.Position)
	assert.Nil(t, receipt.Batch, "projection has not reached the event yet")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActionsRejected.WithLabelValues(ActionCreateBatch, string(dErrors.CodeBackendRejected))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FoldsDeferred))
	assert.Equal(t, []uint64{1, 2}, sink.positions())

	recent, err := store.ListRecent(ctx, 0)
	require.NoError(t, err)
	for _, e := range recent {
		assert.NotEqual(t, string(audit.EventCommitRejected), e.Action)
	}

	b.EXPECT().ReadEvents(gomock.Any(), uint64(3), uint64(4)).Return([]models.Event{foreign, own}, nil)
	require.NoError(t, svc.CatchUp(ctx))
	assert.Equal(t, uint64(4), svc.Head())
	assert.True(t, svc.Exists(ctx, "B1"))
	assert.Equal(t, []uint64{1, 2, 4}, sink.positions(), "own commit is published once folded; foreign is not")
}
