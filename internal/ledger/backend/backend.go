// Package backend defines the contract between the ledger core and the substrate that
// durably orders events, plus helpers shared by the concrete backends.
package backend

import (
	"context"
	"fmt"
	"time"

	"halalledger/internal/ledger/models"
	"halalledger/pkg/platform/sentinel"
)

//go:generate mockgen -source=backend.go -destination=mocks/backend_mock.go -package=mocks Backend

// Backend durably orders events.
//
// Submit commits one event and returns it with Position, LedgerID and Ref assigned.
// Batch events carry the next per-batch sequence; if that sequence was already taken
// Submit fails with sentinel.ErrConflict and nothing is written.
//
// ReadEvents returns committed events with from <= position <= to, ascending. from == 0
// reads from the first event. Ranges wider than MaxRange fail with sentinel.ErrOutOfRange;
// callers page. Head returns the last committed position, 0 when empty.
type Backend interface {
	Submit(ctx context.Context, e models.Event) (models.Event, error)
	ReadEvents(ctx context.Context, from, to uint64) ([]models.Event, error)
	Head(ctx context.Context) (uint64, error)
	MaxRange() uint64
}

// DefaultMaxRange is the page width used when a backend is configured without one.
const DefaultMaxRange = 1000

// Range is an inclusive span of log positions.
type Range struct {
	From uint64
	To   uint64
}

// Pages splits [from, to] into chunks of at most width positions. from == 0 is
// treated as 1. An empty slice is returned when to < from.
func Pages(from, to, width uint64) []Range {
	if from == 0 {
		from = 1
	}
	if width == 0 {
		width = DefaultMaxRange
	}
	if to < from {
		return nil
	}
	pages := make([]Range, 0, (to-from)/width+1)
	for start := from; start <= to; start += width {
		end := start + width - 1
		if end > to || end < start {
			end = to
		}
		pages = append(pages, Range{From: start, To: end})
		if end == to {
			break
		}
	}
	return pages
}

// CheckRange normalizes from and validates the width against max.
func CheckRange(from, to, max uint64) (uint64, error) {
	if from == 0 {
		from = 1
	}
	if to >= from && to-from+1 > max {
		return 0, fmt.Errorf("range %d..%d exceeds %d positions: %w", from, to, max, sentinel.ErrOutOfRange)
	}
	return from, nil
}

// Walk reads [from, head] page by page and calls fn for every event in order.
func Walk(ctx context.Context, b Backend, from uint64, fn func(models.Event) error) error {
	head, err := b.Head(ctx)
	if err != nil {
		return fmt.Errorf("read head: %w", err)
	}
	for _, page := range Pages(from, head, b.MaxRange()) {
		events, err := b.ReadEvents(ctx, page.From, page.To)
		if err != nil {
			return fmt.Errorf("read events %d..%d: %w", page.From, page.To, err)
		}
		for _, e := range events {
			if err := fn(e); err != nil {
				return err
			}
		}
	}
	return nil
}

// Seal stamps commit metadata on an accepted event and derives its ref.
// Timestamps are truncated to microseconds so the ref survives a database round trip.
func Seal(e models.Event, ledgerID string, position uint64) (models.Event, error) {
	e.LedgerID = ledgerID
	e.Position = position
	e.Timestamp = e.Timestamp.UTC().Truncate(time.Microsecond)
	ref, err := models.ComputeRef(e)
	if err != nil {
		return models.Event{}, err
	}
	e.Ref = ref
	return e, nil
}

// CheckSequence validates the shape of a submission's batch sequence.
func CheckSequence(e models.Event) error {
	_, isBatch := e.BatchID()
	switch {
	case isBatch && e.BatchSeq == 0:
		return fmt.Errorf("%s event requires a batch sequence", e.Kind())
	case !isBatch && e.BatchSeq != 0:
		return fmt.Errorf("%s event must not carry a batch sequence", e.Kind())
	case e.Kind() == models.KindCreated && e.BatchSeq != 1:
		return fmt.Errorf("created event must carry batch sequence 1")
	}
	return nil
}
