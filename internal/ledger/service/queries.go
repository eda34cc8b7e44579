package service

import (
	"context"
	"errors"
	"time"

	"halalledger/internal/ledger/models"
	"halalledger/internal/ledger/timeline"
	"halalledger/pkg/domain"
	dErrors "halalledger/pkg/domain-errors"
	"halalledger/pkg/platform/sentinel"
)

// Reads serve the projection and may trail the backend by events other processes
// committed since the last catch-up.

// Get returns the batch. Errors: CodeNotFound.
func (s *Service) Get(_ context.Context, id domain.BatchID) (*models.Batch, error) {
	return s.view().projection.Get(id)
}

func (s *Service) Exists(_ context.Context, id domain.BatchID) bool {
	return s.view().projection.Exists(id)
}

func (s *Service) CountBatches(_ context.Context) int {
	return s.view().projection.Count()
}

// ListBatchIDs pages batch ids in creation order. limit <= 0 returns the rest.
func (s *Service) ListBatchIDs(_ context.Context, start, limit int) []domain.BatchID {
	return s.view().projection.ListIDs(start, limit)
}

// GetMany returns the known batches among ids, in request order.
func (s *Service) GetMany(_ context.Context, ids []domain.BatchID) []*models.Batch {
	return s.view().projection.GetMany(ids)
}

func (s *Service) ListByCreator(_ context.Context, creator domain.Principal, start, limit int) []domain.BatchID {
	return s.view().projection.ListByCreator(creator, start, limit)
}

func (s *Service) CountByCreator(_ context.Context, creator domain.Principal) int {
	return s.view().projection.CountByCreator(creator)
}

func (s *Service) ListByOwner(_ context.Context, owner domain.Principal, start, limit int) []domain.BatchID {
	return s.view().projection.ListByOwner(owner, start, limit)
}

func (s *Service) ListByStatus(_ context.Context, status string, start, limit int) []domain.BatchID {
	return s.view().projection.ListByStatus(status, start, limit)
}

func (s *Service) HasRole(_ context.Context, p domain.Principal, role models.Role) bool {
	return s.view().roles.HasRole(p, role)
}

// Roles lists the roles p holds in canonical order.
func (s *Service) Roles(_ context.Context, p domain.Principal) []models.Role {
	return s.view().roles.Roles(p).Sorted()
}

func (s *Service) Members(_ context.Context, role models.Role) []domain.Principal {
	return s.view().roles.Members(role)
}

// Timeline reconstructs the history of a known batch over [from, to].
// Errors: CodeNotFound for unknown batches; a partial result is returned with
// Partial set rather than as an error.
func (s *Service) Timeline(ctx context.Context, id domain.BatchID, from, to uint64) (*timeline.Timeline, error) {
	if !s.view().projection.Exists(id) {
		return nil, dErrors.New(dErrors.CodeNotFound, "batch not found").With("timeline", id.String(), "")
	}
	return s.timeline.Build(ctx, id, from, to)
}

// Cursor returns a lazy page-by-page walk of a batch history.
func (s *Service) Cursor(id domain.BatchID, from, to uint64) *timeline.Cursor {
	return s.timeline.Cursor(id, from, to)
}

// Verification is the consumer-facing report for one batch.
type Verification struct {
	Batch          *models.Batch    `json:"batch"`
	HalalCertified bool             `json:"halal_certified"`
	Timeline       []timeline.Entry `json:"timeline"`
	Head           uint64           `json:"head"`
	GeneratedAt    time.Time        `json:"generated_at"`
}

// Verify reports the batch, whether it carries a halal certificate and its full
// history up to the projection head. Cached reports are served only while the batch
// version they were built from is still current.
func (s *Service) Verify(ctx context.Context, id domain.BatchID) (*Verification, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.Verify")
	defer span.End()

	current, err := s.view().projection.Get(id)
	if err != nil {
		return nil, err
	}

	if v := s.cachedVerification(ctx, current); v != nil {
		return v, nil
	}

	head := s.view().projection.Head()
	tl, err := s.timeline.Build(ctx, id, 1, head)
	if err != nil {
		return nil, err
	}
	v := &Verification{
		Batch:          current,
		HalalCertified: current.IsCertified(),
		Timeline:       tl.Entries,
		Head:           head,
		GeneratedAt:    time.Now().UTC(),
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, v); err != nil {
			s.logger.WarnContext(ctx, "failed to cache verification", "batch_id", id, "error", err)
		}
	}
	return v, nil
}

func (s *Service) cachedVerification(ctx context.Context, current *models.Batch) *Verification {
	if s.cache == nil {
		return nil
	}
	v, err := s.cache.Get(ctx, current.ID)
	switch {
	case err == nil && v.Batch != nil && v.Batch.Version == current.Version:
		s.countCache("hit")
		return v
	case err == nil, errors.Is(err, sentinel.ErrNotFound):
		s.countCache("miss")
	default:
		s.countCache("error")
		s.logger.WarnContext(ctx, "verification cache unavailable", "batch_id", current.ID, "error", err)
	}
	return nil
}

func (s *Service) countCache(result string) {
	if s.metrics != nil {
		s.metrics.IncrementVerifyCache(result)
	}
}
