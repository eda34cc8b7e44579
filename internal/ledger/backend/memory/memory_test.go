package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"halalledger/internal/ledger/backend"
	"halalledger/internal/ledger/models"
	"halalledger/pkg/domain"
	"halalledger/pkg/platform/sentinel"
)

type MemoryBackendSuite struct {
	suite.Suite
	ctx     context.Context
	backend *Backend
}

func (s *MemoryBackendSuite) SetupTest() {
	s.ctx = context.Background()
	s.backend = New("halal-raisin", WithMaxRange(3))
}

func TestMemoryBackendSuite(t *testing.T) {
	suite.Run(t, new(MemoryBackendSuite))
}

func created(id string) models.Event {
	return models.Event{
		BatchSeq:  1,
		Timestamp: time.Now(),
		Payload:   models.Created{BatchID: domain.BatchID(id), ProductName: "Raisins", Producer: "0xp", InitialStatus: "Produced"},
	}
}

func (s *MemoryBackendSuite) TestSubmitAssignsCommitMetadata() {
	committed, err := s.backend.Submit(s.ctx, created("B1"))
	s.Require().NoError(err)

	s.Equal(uint64(1), committed.Position)
	s.Equal("halal-raisin", committed.LedgerID)
	s.True(models.VerifyRef(committed))

	head, err := s.backend.Head(s.ctx)
	s.Require().NoError(err)
	s.Equal(uint64(1), head)
}

func (s *MemoryBackendSuite) TestCompareAndCommit() {
	_, err := s.backend.Submit(s.ctx, created("B1"))
	s.Require().NoError(err)

	s.Run("sequence already taken", func() {
		_, err := s.backend.Submit(s.ctx, created("B1"))
		s.ErrorIs(err, sentinel.ErrConflict)
	})

	s.Run("sequence skipped", func() {
		_, err := s.backend.Submit(s.ctx, models.Event{BatchSeq: 3, Payload: models.StatusChanged{BatchID: "B1", NewStatus: "X", Actor: "0xp"}})
		s.ErrorIs(err, sentinel.ErrConflict)
	})

	s.Run("role events carry no sequence", func() {
		_, err := s.backend.Submit(s.ctx, models.Event{BatchSeq: 4, Payload: models.RoleGranted{Role: models.RoleAdmin, Principal: "0xa", Grantor: "system"}})
		s.Require().Error(err)
	})

	s.Run("rejections write nothing", func() {
		head, err := s.backend.Head(s.ctx)
		s.Require().NoError(err)
		s.Equal(uint64(1), head)
	})
}

func (s *MemoryBackendSuite) TestConcurrentSameSequenceOnlyOneWins() {
	_, err := s.backend.Submit(s.ctx, created("B1"))
	s.Require().NoError(err)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for _, to := range []string{"0xd1", "0xd2", "0xd3", "0xd4"} {
		wg.Add(1)
		go func(to string) {
			defer wg.Done()
			e := models.Event{BatchSeq: 2, Timestamp: time.Now(), Payload: models.Transferred{BatchID: "B1", From: "0xp", To: domain.Principal(to)}}
			if _, err := s.backend.Submit(s.ctx, e); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}(to)
	}
	wg.Wait()

	s.Equal(1, accepted)
}

func (s *MemoryBackendSuite) TestReadEvents() {
	for _, id := range []string{"A", "B", "C", "D", "E"} {
		_, err := s.backend.Submit(s.ctx, created(id))
		s.Require().NoError(err)
	}

	s.Run("inclusive range, from zero means start", func() {
		events, err := s.backend.ReadEvents(s.ctx, 0, 3)
		s.Require().NoError(err)
		s.Require().Len(events, 3)
		s.Equal(uint64(1), events[0].Position)
		s.Equal(uint64(3), events[2].Position)
	})

	s.Run("wider than max range", func() {
		_, err := s.backend.ReadEvents(s.ctx, 1, 5)
		s.ErrorIs(err, sentinel.ErrOutOfRange)
	})

	s.Run("beyond head is truncated", func() {
		events, err := s.backend.ReadEvents(s.ctx, 4, 6)
		s.Require().NoError(err)
		s.Len(events, 2)
	})

	s.Run("walk pages through everything", func() {
		var positions []uint64
		err := backend.Walk(s.ctx, s.backend, 0, func(e models.Event) error {
			positions = append(positions, e.Position)
			return nil
		})
		s.Require().NoError(err)
		s.Equal([]uint64{1, 2, 3, 4, 5}, positions)
	})
}

func (s *MemoryBackendSuite) TestCancelledContext() {
	ctx, cancel := context.WithCancel(s.ctx)
	cancel()
	_, err := s.backend.Submit(ctx, created("B1"))
	s.Require().Error(err)
	head, _ := s.backend.Head(s.ctx)
	s.Zero(head)
}
