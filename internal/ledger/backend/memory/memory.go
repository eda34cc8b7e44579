// Package memory is an in-process Backend. It orders events in a slice and enforces
// the per-batch compare-and-commit with a sequence map. Nothing survives a restart.
package memory

import (
	"context"
	"fmt"
	"sync"

	"halalledger/internal/ledger/backend"
	"halalledger/internal/ledger/models"
	"halalledger/pkg/domain"
	"halalledger/pkg/platform/sentinel"
)

// Backend is safe for concurrent use.
type Backend struct {
	mu       sync.RWMutex
	ledgerID string
	maxRange uint64
	events   []models.Event
	seq      map[domain.BatchID]uint64
}

type Option func(*Backend)

// WithMaxRange overrides the read page width.
func WithMaxRange(n uint64) Option {
	return func(b *Backend) {
		if n > 0 {
			b.maxRange = n
		}
	}
}

// New creates an empty backend for ledgerID.
func New(ledgerID string, opts ...Option) *Backend {
	b := &Backend{
		ledgerID: ledgerID,
		maxRange: backend.DefaultMaxRange,
		seq:      make(map[domain.BatchID]uint64),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Backend) Submit(ctx context.Context, e models.Event) (models.Event, error) {
	if err := ctx.Err(); err != nil {
		return models.Event{}, err
	}
	if err := backend.CheckSequence(e); err != nil {
		return models.Event{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	id, isBatch := e.BatchID()
	if isBatch && b.seq[id]+1 != e.BatchSeq {
		return models.Event{}, fmt.Errorf("batch %s sequence %d (at %d): %w", id, e.BatchSeq, b.seq[id], sentinel.ErrConflict)
	}

	committed, err := backend.Seal(e, b.ledgerID, uint64(len(b.events))+1)
	if err != nil {
		return models.Event{}, err
	}
	b.events = append(b.events, committed)
	if isBatch {
		b.seq[id] = e.BatchSeq
	}
	return committed, nil
}

func (b *Backend) ReadEvents(ctx context.Context, from, to uint64) ([]models.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	from, err := backend.CheckRange(from, to, b.maxRange)
	if err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	head := uint64(len(b.events))
	if to > head {
		to = head
	}
	if from > to {
		return []models.Event{}, nil
	}
	out := make([]models.Event, to-from+1)
	copy(out, b.events[from-1:to])
	return out, nil
}

func (b *Backend) Head(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return uint64(len(b.events)), nil
}

func (b *Backend) MaxRange() uint64 {
	return b.maxRange
}
