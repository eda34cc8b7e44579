//go:build integration

package postgres_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/suite"

	"halalledger/internal/ledger/backend"
	"halalledger/internal/ledger/backend/postgres"
	"halalledger/internal/ledger/models"
	"halalledger/pkg/domain"
	"halalledger/pkg/platform/sentinel"
	"halalledger/pkg/testutil/containers"
)

type PostgresBackendSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	backend  *postgres.Backend
}

func TestPostgresBackendSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresBackendSuite))
}

func (s *PostgresBackendSuite) SetupSuite() {
	mgr := containers.GetManager()
	s.postgres = mgr.GetPostgres(s.T())
	s.backend = postgres.New(s.postgres.DB, "halal-raisin", postgres.WithMaxRange(10))
	s.Require().NoError(s.backend.Migrate(context.Background()))
}

func (s *PostgresBackendSuite) SetupTest() {
	s.Require().NoError(s.postgres.TruncateTables(context.Background(), "ledger_events"))
}

func created(id string) models.Event {
	return models.Event{
		BatchSeq:  1,
		Timestamp: time.Now(),
		Payload:   models.Created{BatchID: domain.BatchID(id), ProductName: "Raisins", Producer: "0xp", InitialStatus: "Produced"},
	}
}

// TestRoundTripPreservesRef verifies committed events read back with a verifiable ref.
func (s *PostgresBackendSuite) TestRoundTripPreservesRef() {
	ctx := context.Background()

	committed, err := s.backend.Submit(ctx, created("B1"))
	s.Require().NoError(err)
	s.Equal(uint64(1), committed.Position)

	events, err := s.backend.ReadEvents(ctx, 0, 5)
	s.Require().NoError(err)
	s.Require().Len(events, 1)
	s.Equal(committed.Ref, events[0].Ref)
	s.True(models.VerifyRef(events[0]), "ref must survive the database round trip")
	s.Equal(committed.Payload, events[0].Payload)
}

// TestConcurrentSameSequence verifies exactly one of many racing submissions wins.
func (s *PostgresBackendSuite) TestConcurrentSameSequence() {
	ctx := context.Background()
	_, err := s.backend.Submit(ctx, created("B1"))
	s.Require().NoError(err)

	const goroutines = 20
	var (
		wg        sync.WaitGroup
		accepted  atomic.Int32
		conflicts atomic.Int32
	)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e := models.Event{
				BatchSeq:  2,
				Timestamp: time.Now(),
				Payload:   models.Transferred{BatchID: "B1", From: "0xp", To: domain.Principal("0xd" + string(rune('a'+i)))},
			}
			_, err := s.backend.Submit(ctx, e)
			switch {
			case err == nil:
				accepted.Add(1)
			case errors.Is(err, sentinel.ErrConflict):
				conflicts.Add(1)
			}
		}(i)
	}
	wg.Wait()

	s.Equal(int32(1), accepted.Load())
	s.Equal(int32(goroutines-1), conflicts.Load())

	head, err := s.backend.Head(ctx)
	s.Require().NoError(err)
	s.Equal(uint64(2), head, "positions stay gapless after rejected commits")
}

// TestPagedWalk verifies range limits and paging.
func (s *PostgresBackendSuite) TestPagedWalk() {
	ctx := context.Background()
	for i := 0; i < 25; i++ {
		_, err := s.backend.Submit(ctx, created("B"+string(rune('A'+i))))
		s.Require().NoError(err)
	}

	_, err := s.backend.ReadEvents(ctx, 1, 11)
	s.ErrorIs(err, sentinel.ErrOutOfRange)

	count := 0
	s.Require().NoError(backend.Walk(ctx, s.backend, 0, func(e models.Event) error {
		count++
		s.Equal(uint64(count), e.Position)
		return nil
	}))
	s.Equal(25, count)
}

// TestListenerSurvivesDroppedConnection verifies a terminated LISTEN session is
// re-established and later commits still reach the callback.
func (s *PostgresBackendSuite) TestListenerSurvivesDroppedConnection() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, s.postgres.DSN)
	s.Require().NoError(err)
	defer pool.Close()

	positions := make(chan uint64, 16)
	listener := postgres.NewListener(pool, "halal-raisin", nil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = listener.Run(ctx, func(_ context.Context, position uint64) error {
			positions <- position
			return nil
		})
	}()

	listening := func() bool {
		var n int
		err := s.postgres.DB.QueryRowContext(ctx, `SELECT count(*) FROM pg_stat_activity
			WHERE query LIKE 'LISTEN %' AND pid <> pg_backend_pid()`).Scan(&n)
		return err == nil && n > 0
	}
	s.Require().Eventually(listening, 10*time.Second, 50*time.Millisecond)

	_, err = s.backend.Submit(ctx, created("B1"))
	s.Require().NoError(err)
	s.Equal(uint64(1), s.receive(positions))

	_, err = s.postgres.DB.ExecContext(ctx, `SELECT pg_terminate_backend(pid) FROM pg_stat_activity
		WHERE query LIKE 'LISTEN %' AND pid <> pg_backend_pid()`)
	s.Require().NoError(err)

	s.Equal(uint64(0), s.receive(positions), "reconnect triggers a catch-up")

	_, err = s.backend.Submit(ctx, created("B2"))
	s.Require().NoError(err)
	s.Equal(uint64(2), s.receive(positions))

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.Fail("listener did not stop after cancel")
	}
}

func (s *PostgresBackendSuite) receive(positions <-chan uint64) uint64 {
	select {
	case p := <-positions:
		return p
	case <-time.After(15 * time.Second):
		s.FailNow("no commit notification received")
		return 0
	}
}
