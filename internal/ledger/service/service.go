// Package service is the ledger's event processor.
//
// Every mutating action runs authorize -> validate -> commit while holding the lock
// shard for its batch id (or principal, for role changes). The projection is caught up
// with the backend before validation, so a process sharing a backend with others still
// validates against the latest committed state; the backend's per-batch compare-and-commit
// settles the remaining races. Committed events are folded into the projection and the
// role registry under syncMu in log order, then fanned out to sinks.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"halalledger/internal/ledger/backend"
	"halalledger/internal/ledger/metrics"
	"halalledger/internal/ledger/models"
	"halalledger/internal/ledger/policy"
	"halalledger/internal/ledger/projection"
	"halalledger/internal/ledger/roles"
	"halalledger/internal/ledger/timeline"
	"halalledger/pkg/domain"
	dErrors "halalledger/pkg/domain-errors"
	"halalledger/pkg/platform/audit"
	"halalledger/pkg/platform/shardlock"
	"halalledger/pkg/requestcontext"
)

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Sink receives events committed by this process, in log order. Failures are logged
// and counted; they never fail the action that produced the event.
type Sink interface {
	Name() string
	Publish(ctx context.Context, e models.Event) error
}

// VerifyCache stores verification reports. Get returns an error wrapping
// sentinel.ErrNotFound on a miss.
type VerifyCache interface {
	Get(ctx context.Context, id domain.BatchID) (*Verification, error)
	Set(ctx context.Context, v *Verification) error
}

// Service is safe for concurrent use.
type Service struct {
	backend  backend.Backend
	policy   *policy.Policy
	state    atomic.Pointer[readModels]
	timeline *timeline.Reconstructor
	locks    *shardlock.Table

	// syncMu serializes folding committed events into the read models and swapping them.
	syncMu sync.Mutex
	// unfolded holds positions this process committed but could not fold yet. The
	// catch-up that folds them publishes them to sinks. Guarded by syncMu.
	unfolded map[uint64]models.Event

	lockTimeout    time.Duration
	logger         *slog.Logger
	auditPublisher AuditPublisher
	metrics        *metrics.Metrics
	tracer         trace.Tracer
	sinks          []Sink
	cache          VerifyCache
}

// readModels is the projection and role registry folded from one replay of the log.
// Rebuild builds a fresh pair and swaps it in whole.
type readModels struct {
	projection *projection.Projection
	roles      *roles.Registry
}

func newReadModels() *readModels {
	return &readModels{projection: projection.New(), roles: roles.New()}
}

type Option func(s *Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithAuditPublisher(publisher AuditPublisher) Option {
	return func(s *Service) {
		s.auditPublisher = publisher
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(s *Service) {
		s.tracer = t
	}
}

// WithSinks registers fan-out targets for committed events.
func WithSinks(sinks ...Sink) Option {
	return func(s *Service) {
		s.sinks = append(s.sinks, sinks...)
	}
}

func WithVerifyCache(c VerifyCache) Option {
	return func(s *Service) {
		s.cache = c
	}
}

// WithLockTimeout bounds each action when the caller's context has no deadline.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Service) {
		s.lockTimeout = d
	}
}

// New constructs a Service with an empty projection. Call Rebuild before serving.
func New(b backend.Backend, p *policy.Policy, opts ...Option) *Service {
	if p == nil {
		p = policy.Default()
	}
	s := &Service{
		backend:     b,
		policy:      p,
		unfolded:    make(map[uint64]models.Event),
		lockTimeout: shardlock.DefaultTimeout,
		logger:      slog.Default(),
		tracer:      otel.Tracer("halalledger/internal/ledger/service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.state.Store(newReadModels())
	s.locks = shardlock.New(shardlock.DefaultShards, s.lockTimeout)
	s.timeline = timeline.New(b,
		timeline.WithLogger(s.logger),
		timeline.WithMetrics(s.metrics),
		timeline.WithTracer(s.tracer),
	)
	return s
}

// Policy returns the stage policy in force.
func (s *Service) Policy() *policy.Policy {
	return s.policy
}

// Head returns the position of the last event folded into the projection.
func (s *Service) Head() uint64 {
	return s.view().projection.Head()
}

func (s *Service) view() *readModels {
	return s.state.Load()
}

// -----------------------------------------------------------------------------
// Log synchronization
// -----------------------------------------------------------------------------

// Rebuild replays the whole log into fresh read models and swaps them in once the
// replay succeeds. Readers keep the previous models until then, and a failed replay
// leaves them untouched. Sinks are not notified of replayed events.
func (s *Service) Rebuild(ctx context.Context) error {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "ledger.Rebuild")
	defer span.End()

	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	fresh := newReadModels()
	err := backend.Walk(ctx, s.backend, 1, func(e models.Event) error {
		return s.fold(ctx, fresh, e, false)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rebuild failed")
		if s.metrics != nil {
			s.metrics.SetHead(s.view().projection.Head())
		}
		return s.syncError(err, "rebuild")
	}
	s.state.Store(fresh)
	s.publishUnfolded(ctx, fresh.projection.Head())

	head := fresh.projection.Head()
	span.SetAttributes(attribute.Int64("head", int64(head)))
	if s.metrics != nil {
		s.metrics.ObserveRebuild(start)
	}
	s.logAudit(ctx, audit.EventLedgerRebuilt, audit.Event{Reason: fmt.Sprintf("replayed to position %d", head)},
		"head", head,
		"batches", fresh.projection.Count(),
		"duration", time.Since(start),
	)
	return nil
}

// CatchUp folds events committed since the projection head, by this or another
// process sharing the backend. Caught-up events are not published to sinks unless
// this process committed them and could not fold them at the time.
func (s *Service) CatchUp(ctx context.Context) error {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	if err := s.catchUpLocked(ctx, 0); err != nil {
		return s.syncError(err, "catch_up")
	}
	return nil
}

// catchUpLocked folds events after the projection head up to limit, or up to the
// backend head when limit is 0. Callers hold syncMu.
func (s *Service) catchUpLocked(ctx context.Context, limit uint64) error {
	to := limit
	if to == 0 {
		head, err := s.backend.Head(ctx)
		if err != nil {
			return fmt.Errorf("read head: %w", err)
		}
		to = head
	}
	rm := s.view()
	from := rm.projection.Head() + 1
	for _, page := range backend.Pages(from, to, s.backend.MaxRange()) {
		events, err := s.backend.ReadEvents(ctx, page.From, page.To)
		if err != nil {
			return fmt.Errorf("read events %d..%d: %w", page.From, page.To, err)
		}
		for _, e := range events {
			_, ownCommit := s.unfolded[e.Position]
			if err := s.fold(ctx, rm, e, ownCommit); err != nil {
				return err
			}
			delete(s.unfolded, e.Position)
		}
	}
	return nil
}

// applyCommitted folds an event this process just committed, filling any gap left by
// concurrent committers first. On failure the position is remembered so that the next
// catch-up folds it and still publishes it to sinks.
func (s *Service) applyCommitted(ctx context.Context, e models.Event) error {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	s.unfolded[e.Position] = e
	if e.Position > s.view().projection.Head()+1 {
		if err := s.catchUpLocked(ctx, e.Position-1); err != nil {
			return s.syncError(err, "apply")
		}
	}
	if err := s.fold(ctx, s.view(), e, true); err != nil {
		return s.syncError(err, "apply")
	}
	delete(s.unfolded, e.Position)
	return nil
}

// publishUnfolded publishes, in log order, this process's commits up to head that a
// replay folded without publishing. Callers hold syncMu.
func (s *Service) publishUnfolded(ctx context.Context, head uint64) {
	positions := make([]uint64, 0, len(s.unfolded))
	for pos := range s.unfolded {
		if pos <= head {
			positions = append(positions, pos)
		}
	}
	slices.Sort(positions)
	for _, pos := range positions {
		s.publish(ctx, s.unfolded[pos])
		delete(s.unfolded, pos)
	}
}

// fold applies one event to rm. Callers hold syncMu.
func (s *Service) fold(ctx context.Context, rm *readModels, e models.Event, publish bool) error {
	applied, err := rm.projection.Apply(e)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	rm.roles.Apply(e)
	if s.metrics != nil {
		s.metrics.SetHead(e.Position)
	}
	if publish {
		s.publish(ctx, e)
	}
	return nil
}

func (s *Service) publish(ctx context.Context, e models.Event) {
	for _, sink := range s.sinks {
		if err := sink.Publish(ctx, e); err != nil {
			s.logger.WarnContext(ctx, "sink rejected committed event",
				"sink", sink.Name(),
				"position", e.Position,
				"kind", e.Kind(),
				"error", err,
			)
			if s.metrics != nil {
				s.metrics.IncrementSinkFailure(sink.Name())
			}
		}
	}
}

func (s *Service) syncError(err error, action string) error {
	if dErrors.HasCode(err, dErrors.CodeInvariantViolation) {
		s.logger.Error("projection diverged from log; rebuild required", "action", action, "error", err)
		return err
	}
	if isContextErr(err) {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "log synchronization cancelled")
	}
	return dErrors.Wrap(err, dErrors.CodeBackendRejected, "failed to read the event log")
}

// -----------------------------------------------------------------------------
// Commit pipeline
// -----------------------------------------------------------------------------

// Receipt describes a successful action. Event is the zero value when the action was
// an idempotent no-op (re-granting a held role).
type Receipt struct {
	Event models.Event  `json:"event"`
	Batch *models.Batch `json:"batch,omitempty"`
}

// Committed reports whether the action appended an event.
func (r *Receipt) Committed() bool {
	return r != nil && r.Event.Committed()
}

// execute runs build under the lock for key and commits the event it returns.
// build returning a zero event means nothing to commit.
func (s *Service) execute(ctx context.Context, action, key string, id domain.BatchID, actor domain.Principal,
	build func(ctx context.Context) (models.Event, error)) (*Receipt, error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "ledger."+action, trace.WithAttributes(
		attribute.String("batch_id", id.String()),
		attribute.String("actor", actor.String()),
	))
	defer span.End()

	receipt := &Receipt{}
	err := s.locks.Run(ctx, key, func(ctx context.Context) error {
		if err := s.CatchUp(ctx); err != nil {
			return err
		}
		e, err := build(ctx)
		if err != nil {
			return err
		}
		if e.Payload == nil {
			return nil
		}
		committed, err := s.submit(ctx, e)
		if err != nil {
			return err
		}
		// The event is in the log from here on; a fold failure is not a rejection.
		receipt.Event = committed
		if err := s.applyCommitted(ctx, committed); err != nil {
			s.logger.WarnContext(ctx, "committed event not folded yet; next catch-up applies it",
				"action", action,
				"position", committed.Position,
				"batch_id", id,
				"error", err,
			)
			if s.metrics != nil {
				s.metrics.IncrementFoldDeferred()
			}
		}
		return nil
	})
	if err != nil {
		return nil, s.reject(ctx, span, action, id, actor, err)
	}

	rm := s.view()
	if id != "" && rm.projection.Head() >= receipt.Event.Position {
		if b, err := rm.projection.Get(id); err == nil {
			receipt.Batch = b
		}
	}
	if receipt.Committed() {
		span.SetAttributes(attribute.Int64("position", int64(receipt.Event.Position)))
		if s.metrics != nil {
			s.metrics.IncrementCommitted(string(receipt.Event.Kind()))
			s.metrics.ObserveCommit(start)
		}
		s.logger.InfoContext(ctx, "event committed",
			"action", action,
			"kind", receipt.Event.Kind(),
			"position", receipt.Event.Position,
			"batch_id", id,
			"actor", actor,
			"request_id", requestcontext.RequestID(ctx),
		)
	}
	return receipt, nil
}

func (s *Service) submit(ctx context.Context, e models.Event) (models.Event, error) {
	committed, err := s.backend.Submit(ctx, e)
	if err == nil {
		return committed, nil
	}
	if isContextErr(err) {
		return models.Event{}, dErrors.Wrap(err, dErrors.CodeTimeout, "commit cancelled before the backend accepted it")
	}
	return models.Event{}, dErrors.Wrap(err, dErrors.CodeBackendRejected, "backend rejected the event")
}

// reject decorates err with the action context and records the rejection.
func (s *Service) reject(ctx context.Context, span trace.Span, action string, id domain.BatchID, actor domain.Principal, err error) error {
	var de *dErrors.Error
	if !errors.As(err, &de) {
		de = dErrors.Wrap(err, dErrors.CodeInternal, "ledger action failed")
	}
	de = de.With(action, id.String(), actor.String())

	span.RecordError(de)
	span.SetStatus(codes.Error, string(de.Code))
	if s.metrics != nil {
		s.metrics.IncrementRejected(action, string(de.Code))
	}

	base := audit.Event{
		Principal: actor.String(),
		BatchID:   id.String(),
		Reason:    string(de.Code),
	}
	switch de.Code {
	case dErrors.CodeUnauthorized:
		base.Decision = "denied"
		base.Severity = audit.SeverityWarning
		s.logAudit(ctx, audit.EventActionDenied, base, "action", action, "batch_id", id, "actor", actor)
	case dErrors.CodeBackendRejected:
		base.Decision = "rejected"
		base.Severity = audit.SeverityInfo
		s.logAudit(ctx, audit.EventCommitRejected, base, "action", action, "batch_id", id, "actor", actor)
	case dErrors.CodeInternal, dErrors.CodeInvariantViolation:
		s.logger.ErrorContext(ctx, "ledger action failed", "action", action, "batch_id", id, "actor", actor, "error", de)
	default:
		s.logger.InfoContext(ctx, "ledger action rejected", "action", action, "batch_id", id, "actor", actor, "code", de.Code)
	}
	return de
}

// logAudit logs event and forwards it to the audit publisher with request metadata.
func (s *Service) logAudit(ctx context.Context, event audit.AuditEvent, base audit.Event, attributes ...any) {
	requestID := requestcontext.RequestID(ctx)
	if requestID != "" {
		attributes = append(attributes, "request_id", requestID)
	}
	args := append(attributes, "event", string(event), "log_type", "audit")
	s.logger.InfoContext(ctx, string(event), args...)
	if s.auditPublisher == nil {
		return
	}
	base.Action = string(event)
	base.RequestID = requestID
	base.IP = requestcontext.ClientIP(ctx)
	base.UserAgent = requestcontext.UserAgent(ctx)
	if err := s.auditPublisher.Emit(ctx, base); err != nil {
		s.logger.WarnContext(ctx, "failed to emit audit event", "event", string(event), "error", err)
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
