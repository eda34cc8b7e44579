package timeline

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"halalledger/internal/ledger/backend/memory"
	"halalledger/internal/ledger/models"
	"halalledger/pkg/domain"
	dErrors "halalledger/pkg/domain-errors"
)

const (
	producer    = domain.Principal("0x70c7e3a1b9d0000000000000000000000a1b2f4a")
	distributor = domain.Principal("0xd15700000000000000000000000000000000beef")
	authority   = domain.Principal("0xa11700000000000000000000000000000000cafe")
)

// shuffledSource delays every read by a random amount so pages complete out of order.
type shuffledSource struct {
	*memory.Backend
}

func (s *shuffledSource) ReadEvents(ctx context.Context, from, to uint64) ([]models.Event, error) {
	time.Sleep(time.Duration(rand.IntN(5)) * time.Millisecond)
	return s.Backend.ReadEvents(ctx, from, to)
}

// overlappingSource returns one extra position on each side of the requested range.
// It advertises a narrower page width than the backend it wraps.
type overlappingSource struct {
	*memory.Backend
	width uint64
}

func (s *overlappingSource) MaxRange() uint64 { return s.width }

func (s *overlappingSource) ReadEvents(ctx context.Context, from, to uint64) ([]models.Event, error) {
	if from > 1 {
		from--
	}
	head, _ := s.Head(ctx)
	if to < head {
		to++
	}
	return s.Backend.ReadEvents(ctx, from, to)
}

type failingSource struct {
	*memory.Backend
}

func (s *failingSource) ReadEvents(ctx context.Context, from, to uint64) ([]models.Event, error) {
	return nil, errors.New("node unavailable")
}

type TimelineSuite struct {
	suite.Suite
	ctx     context.Context
	backend *memory.Backend
}

func TestTimelineSuite(t *testing.T) {
	suite.Run(t, new(TimelineSuite))
}

func (s *TimelineSuite) SetupTest() {
	s.ctx = context.Background()
	s.backend = memory.New("test-ledger", memory.WithMaxRange(2))
	s.seed()
}

func (s *TimelineSuite) submit(seq uint64, p models.Payload) {
	_, err := s.backend.Submit(s.ctx, models.Event{
		BatchSeq:  seq,
		Timestamp: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
		Payload:   p,
	})
	s.Require().NoError(err)
}

// seed interleaves two batches so that the raisin history spans several pages:
//
//	1 created B1, 2 created B2, 3 cert B1, 4 status B2, 5 status B1, 6 transfer B1
func (s *TimelineSuite) seed() {
	s.submit(1, models.Created{BatchID: "B1", ProductName: "Raisins", Producer: producer, InitialStatus: "Produced"})
	s.submit(1, models.Created{BatchID: "B2", ProductName: "Dates", Producer: producer, InitialStatus: "Produced"})
	s.submit(2, models.CertificateSet{BatchID: "B1", CertRef: "JAKIM-2025-001", Authority: authority})
	s.submit(2, models.StatusChanged{BatchID: "B2", NewStatus: "Packed", Actor: producer})
	s.submit(3, models.StatusChanged{BatchID: "B1", NewStatus: "Shipped", Actor: producer})
	s.submit(4, models.Transferred{BatchID: "B1", From: producer, To: distributor})
}

func positions(entries []Entry) []uint64 {
	out := make([]uint64, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Position)
	}
	return out
}

func (s *TimelineSuite) TestBuildFullHistory() {
	tl, err := New(s.backend).Build(s.ctx, "B1", 0, 0)
	s.Require().NoError(err)

	s.False(tl.Partial)
	s.NoError(tl.Err())
	s.Equal(uint64(1), tl.From)
	s.Equal(uint64(6), tl.To)
	s.Equal([]uint64{1, 3, 5, 6}, positions(tl.Entries))

	s.Equal("Batch created: Raisins", tl.Entries[0].Description)
	s.Equal("Halal certificate recorded: JAKIM-2025-001", tl.Entries[1].Description)
	s.Equal("Status updated to: Shipped", tl.Entries[2].Description)
	s.Equal("Transferred to 0xd157...beef", tl.Entries[3].Description)
	s.Equal("0x70c7...2f4a", tl.Entries[0].ActorDisplay)
	s.Equal(authority, tl.Entries[1].Actor)
	for _, e := range tl.Entries {
		s.NotEmpty(e.Ref)
	}
}

func (s *TimelineSuite) TestOrderingIndependentOfPageCompletion() {
	src := &shuffledSource{Backend: s.backend}
	r := New(src, WithConcurrency(3))

	for range 20 {
		tl, err := r.Build(s.ctx, "B1", 0, 0)
		s.Require().NoError(err)
		s.Equal([]uint64{1, 3, 5, 6}, positions(tl.Entries))
	}
}

func (s *TimelineSuite) TestOverlappingReadsAreDeduplicated() {
	s.backend = memory.New("test-ledger", memory.WithMaxRange(100))
	s.seed()

	tl, err := New(&overlappingSource{Backend: s.backend, width: 2}).Build(s.ctx, "B1", 2, 5)
	s.Require().NoError(err)
	s.Equal([]uint64{3, 5}, positions(tl.Entries), "positions outside the range are dropped")
}

func (s *TimelineSuite) TestPartialVisibility() {
	tl, err := New(s.backend).Build(s.ctx, "B1", 3, 6)
	s.Require().NoError(err)

	s.True(tl.Partial)
	s.Equal([]uint64{3, 5, 6}, positions(tl.Entries))
	s.True(dErrors.HasCode(tl.Err(), dErrors.CodePartialVisibility))
}

func (s *TimelineSuite) TestEmptyRangeYieldsNoEntries() {
	tl, err := New(s.backend).Build(s.ctx, "B1", 5, 4)
	s.Require().NoError(err)
	s.Empty(tl.Entries)
}

func (s *TimelineSuite) TestUpperBoundPastHeadIsClamped() {
	tl, err := New(s.backend).Build(s.ctx, "B1", 1, math.MaxUint64)
	s.Require().NoError(err)
	s.Equal(uint64(6), tl.To)
	s.Equal([]uint64{1, 3, 5, 6}, positions(tl.Entries))
	s.False(tl.Partial)

	c := New(s.backend).Cursor("B1", 1, 1<<62)
	pages := 0
	for {
		_, ok, err := c.Next(s.ctx)
		s.Require().NoError(err)
		if !ok {
			break
		}
		pages++
	}
	s.Equal(3, pages)
}

func (s *TimelineSuite) TestPageFailureIsBackendRejected() {
	_, err := New(&failingSource{Backend: s.backend}).Build(s.ctx, "B1", 0, 0)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeBackendRejected))
}

func (s *TimelineSuite) TestCursorPagesLazily() {
	c := New(s.backend).Cursor("B1", 0, 0)

	var got []uint64
	pages := 0
	for {
		entries, ok, err := c.Next(s.ctx)
		s.Require().NoError(err)
		if !ok {
			break
		}
		pages++
		got = append(got, positions(entries)...)
	}
	s.Equal(3, pages, "six events in pages of two")
	s.Equal([]uint64{1, 3, 5, 6}, got)
	s.False(c.Partial())

	c.Reset()
	entries, ok, err := c.Next(s.ctx)
	s.Require().NoError(err)
	s.True(ok)
	s.Equal([]uint64{1}, positions(entries))
}

func (s *TimelineSuite) TestCursorSeesNewHeadAfterReset() {
	c := New(s.backend).Cursor("B1", 5, 0)
	for {
		_, ok, err := c.Next(s.ctx)
		s.Require().NoError(err)
		if !ok {
			break
		}
	}
	s.True(c.Partial())

	s.submit(5, models.StatusChanged{BatchID: "B1", NewStatus: "Received", Actor: distributor})
	c.Reset()

	var got []uint64
	for {
		entries, ok, err := c.Next(s.ctx)
		s.Require().NoError(err)
		if !ok {
			break
		}
		got = append(got, positions(entries)...)
	}
	s.Equal([]uint64{5, 6, 7}, got)
}

func TestDescribeRoleEvents(t *testing.T) {
	granted := models.Event{Payload: models.RoleGranted{Role: models.RoleAdmin, Principal: "alice", Grantor: domain.SystemPrincipal}}
	revoked := models.Event{Payload: models.RoleRevoked{Role: models.RoleRetailer, Principal: "bob", Revoker: "alice"}}

	assert.Equal(t, "Role admin granted to alice", Describe(granted))
	assert.Equal(t, "Role retailer revoked from bob", Describe(revoked))

	entry := ToEntry(granted)
	require.Equal(t, domain.SystemPrincipal, entry.Actor)
}
