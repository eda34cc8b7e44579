// Package batch holds the current-state record of every batch, keyed by id.
package batch

import (
	"fmt"

	"halalledger/internal/ledger/models"
	"halalledger/pkg/domain"
	"halalledger/pkg/platform/sentinel"
)

// Store is the batch projection table. It is not safe for concurrent use: the
// projection guards it together with the indices so readers never observe one
// updated without the other.
type Store struct {
	batches map[domain.BatchID]*models.Batch
	order   []domain.BatchID
}

// New returns an empty store.
func New() *Store {
	return &Store{batches: make(map[domain.BatchID]*models.Batch)}
}

// Get returns a copy of the batch or sentinel.ErrNotFound.
func (s *Store) Get(id domain.BatchID) (*models.Batch, error) {
	b, ok := s.batches[id]
	if !ok {
		return nil, fmt.Errorf("batch %s: %w", id, sentinel.ErrNotFound)
	}
	return b.Clone(), nil
}

// Exists reports whether id has been created.
func (s *Store) Exists(id domain.BatchID) bool {
	_, ok := s.batches[id]
	return ok
}

// Insert adds a new batch. Returns sentinel.ErrAlreadyUsed when the id is taken.
func (s *Store) Insert(b *models.Batch) error {
	if _, ok := s.batches[b.ID]; ok {
		return fmt.Errorf("batch %s: %w", b.ID, sentinel.ErrAlreadyUsed)
	}
	s.batches[b.ID] = b.Clone()
	s.order = append(s.order, b.ID)
	return nil
}

// Replace overwrites an existing batch. Returns sentinel.ErrNotFound for unknown ids.
func (s *Store) Replace(b *models.Batch) error {
	if _, ok := s.batches[b.ID]; !ok {
		return fmt.Errorf("batch %s: %w", b.ID, sentinel.ErrNotFound)
	}
	s.batches[b.ID] = b.Clone()
	return nil
}

// Count returns the number of batches ever created.
func (s *Store) Count() int {
	return len(s.order)
}

// ListIDs returns ids in creation order. limit <= 0 means no limit.
func (s *Store) ListIDs(start, limit int) []domain.BatchID {
	return Page(s.order, start, limit)
}

// GetMany returns copies of the batches that exist, in request order.
// Unknown ids are skipped.
func (s *Store) GetMany(ids []domain.BatchID) []*models.Batch {
	out := make([]*models.Batch, 0, len(ids))
	for _, id := range ids {
		if b, ok := s.batches[id]; ok {
			out = append(out, b.Clone())
		}
	}
	return out
}

// Page slices items[start:start+limit] with bounds clamped and returns a copy.
// limit <= 0 means the rest of the slice.
func Page[T any](items []T, start, limit int) []T {
	if start < 0 {
		start = 0
	}
	if start >= len(items) {
		return []T{}
	}
	end := len(items)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	out := make([]T, end-start)
	copy(out, items[start:end])
	return out
}
