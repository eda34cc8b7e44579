// Package projection folds committed events into the batch store and its indices.
//
// Store and indices are updated under a single write lock so readers see every index
// either before or after an event, never in between. Events must be applied in log
// order without gaps; positions at or below the applied head are ignored so catch-up
// reads may overlap.
package projection

import (
	"errors"
	"fmt"
	"sync"

	"halalledger/internal/ledger/index"
	"halalledger/internal/ledger/models"
	"halalledger/internal/ledger/store/batch"
	"halalledger/pkg/domain"
	dErrors "halalledger/pkg/domain-errors"
	"halalledger/pkg/platform/sentinel"
)

// ErrGap is returned when an event skips past the next expected position.
var ErrGap = errors.New("event position is not contiguous with projection head")

// Projection is the current-state view. Safe for concurrent use.
type Projection struct {
	mu      sync.RWMutex
	batches *batch.Store
	index   *index.Index
	head    uint64
}

// New returns an empty projection.
func New() *Projection {
	return &Projection{batches: batch.New(), index: index.New()}
}

// Head returns the position of the last applied event, 0 when none.
func (p *Projection) Head() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.head
}

// Apply folds one committed event. It returns false when the event was already applied.
// An event that contradicts the current state is a CodeInvariantViolation: the log was
// validated at commit time, so disagreement means the projection is corrupt and needs a rebuild.
func (p *Projection) Apply(e models.Event) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e.Position <= p.head {
		return false, nil
	}
	if e.Position != p.head+1 {
		return false, fmt.Errorf("apply position %d at head %d: %w", e.Position, p.head, ErrGap)
	}
	if err := p.apply(e); err != nil {
		return false, err
	}
	p.head = e.Position
	return true, nil
}

func (p *Projection) apply(e models.Event) error {
	switch ev := e.Payload.(type) {
	case models.Created:
		b := &models.Batch{
			ID:           ev.BatchID,
			ProductName:  ev.ProductName,
			Producer:     ev.Producer,
			CurrentOwner: ev.Producer,
			Status:       ev.InitialStatus,
			CreatedAt:    e.Timestamp,
			UpdatedAt:    e.Timestamp,
			Version:      1,
		}
		if err := p.batches.Insert(b); err != nil {
			return invariant(e, err)
		}
		p.index.Created(b.ID, b.Producer, b.Status)
	case models.CertificateSet:
		return p.mutate(e, ev.BatchID, func(b *models.Batch) {
			b.ApplyCertificate(ev.CertRef, e.Timestamp)
		})
	case models.StatusChanged:
		return p.mutate(e, ev.BatchID, func(b *models.Batch) {
			old := b.Status
			b.ApplyStatus(ev.NewStatus, e.Timestamp)
			p.index.StatusChanged(b.ID, old, b.Status)
		})
	case models.Transferred:
		return p.mutate(e, ev.BatchID, func(b *models.Batch) {
			b.ApplyTransfer(ev.To, e.Timestamp)
			p.index.OwnerChanged(b.ID, ev.From, ev.To)
		})
	case models.RoleGranted, models.RoleRevoked:
		// Role events advance the head; the role registry folds them.
	default:
		return dErrors.Newf(dErrors.CodeInvariantViolation, "unhandled event kind %q at position %d", e.Kind(), e.Position)
	}
	return nil
}

func (p *Projection) mutate(e models.Event, id domain.BatchID, fn func(b *models.Batch)) error {
	b, err := p.batches.Get(id)
	if err != nil {
		return invariant(e, err)
	}
	if e.BatchSeq != 0 && e.BatchSeq != b.Version+1 {
		return dErrors.Newf(dErrors.CodeInvariantViolation,
			"event %d carries batch sequence %d, batch %s is at version %d", e.Position, e.BatchSeq, id, b.Version)
	}
	fn(b)
	return p.batches.Replace(b)
}

func invariant(e models.Event, err error) error {
	id, _ := e.BatchID()
	return dErrors.Wrap(err, dErrors.CodeInvariantViolation,
		fmt.Sprintf("event %d (%s) does not fit projection", e.Position, e.Kind())).
		With(string(e.Kind()), id.String(), e.Actor().String())
}

// -----------------------------------------------------------------------------
// Reads
// -----------------------------------------------------------------------------

// Get returns a copy of the batch. Errors: CodeNotFound.
func (p *Projection) Get(id domain.BatchID) (*models.Batch, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	b, err := p.batches.Get(id)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.New(dErrors.CodeNotFound, "batch not found").With("get", id.String(), "")
	}
	return b, err
}

func (p *Projection) Exists(id domain.BatchID) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.batches.Exists(id)
}

func (p *Projection) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.batches.Count()
}

func (p *Projection) ListIDs(start, limit int) []domain.BatchID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.batches.ListIDs(start, limit)
}

func (p *Projection) GetMany(ids []domain.BatchID) []*models.Batch {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.batches.GetMany(ids)
}

func (p *Projection) ListByCreator(creator domain.Principal, start, limit int) []domain.BatchID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.index.ByCreator(creator, start, limit)
}

func (p *Projection) CountByCreator(creator domain.Principal) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.index.CountByCreator(creator)
}

func (p *Projection) ListByOwner(owner domain.Principal, start, limit int) []domain.BatchID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.index.ByOwner(owner, start, limit)
}

func (p *Projection) ListByStatus(status string, start, limit int) []domain.BatchID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.index.ByStatus(status, start, limit)
}
