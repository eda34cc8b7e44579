// Package timeline rebuilds the human-readable history of one batch from the log.
//
// The requested range is split into backend-sized pages which are fetched
// concurrently. Results are merged by log position, never by completion order, and
// overlapping reads are de-duplicated. A history whose creation event falls outside the
// visible range is returned but flagged partial.
package timeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"halalledger/internal/ledger/backend"
	"halalledger/internal/ledger/metrics"
	"halalledger/internal/ledger/models"
	"halalledger/pkg/domain"
	dErrors "halalledger/pkg/domain-errors"
)

// Source is the read side of a backend.
type Source interface {
	ReadEvents(ctx context.Context, from, to uint64) ([]models.Event, error)
	Head(ctx context.Context) (uint64, error)
	MaxRange() uint64
}

// Entry is one line of a batch history.
type Entry struct {
	Position     uint64           `json:"position"`
	Kind         models.Kind      `json:"kind"`
	Actor        domain.Principal `json:"actor"`
	ActorDisplay string           `json:"actor_display"`
	Description  string           `json:"description"`
	Ref          string           `json:"ref"`
	Timestamp    time.Time        `json:"timestamp"`
}

// Timeline is the reconstructed history of one batch over [From, To].
type Timeline struct {
	BatchID domain.BatchID `json:"batch_id"`
	From    uint64         `json:"from"`
	To      uint64         `json:"to"`
	Entries []Entry        `json:"entries"`
	Partial bool           `json:"partial"`
}

// Err returns a CodePartialVisibility error when the creation event was not visible.
func (t *Timeline) Err() error {
	if !t.Partial {
		return nil
	}
	return dErrors.New(dErrors.CodePartialVisibility, "creation event not visible in the requested range").
		With("timeline", t.BatchID.String(), "")
}

const defaultConcurrency = 4

// Reconstructor builds timelines. Safe for concurrent use.
type Reconstructor struct {
	source      Source
	concurrency int
	logger      *slog.Logger
	metrics     *metrics.Metrics
	tracer      trace.Tracer
}

type Option func(*Reconstructor)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Reconstructor) {
		r.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reconstructor) {
		r.metrics = m
	}
}

// WithConcurrency bounds the number of pages fetched at once.
func WithConcurrency(n int) Option {
	return func(r *Reconstructor) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(r *Reconstructor) {
		r.tracer = t
	}
}

// New constructs a Reconstructor over src.
func New(src Source, opts ...Option) *Reconstructor {
	r := &Reconstructor{
		source:      src,
		concurrency: defaultConcurrency,
		logger:      slog.Default(),
		tracer:      otel.Tracer("halalledger/internal/ledger/timeline"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Build reconstructs the history of id over [from, to]. from == 0 starts at the first
// position; to == 0, or any to past the head, means the current head.
func (r *Reconstructor) Build(ctx context.Context, id domain.BatchID, from, to uint64) (*Timeline, error) {
	start := time.Now()
	ctx, span := r.tracer.Start(ctx, "timeline.Build", trace.WithAttributes(
		attribute.String("batch_id", id.String()),
	))
	defer span.End()

	from, to, err := r.bounds(ctx, from, to)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	pages := backend.Pages(from, to, r.source.MaxRange())
	span.SetAttributes(attribute.Int("pages", len(pages)))

	results := make([][]models.Event, len(pages))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, page := range pages {
		g.Go(func() error {
			events, err := r.source.ReadEvents(gctx, page.From, page.To)
			if err != nil {
				return fmt.Errorf("read events %d..%d: %w", page.From, page.To, err)
			}
			results[i] = events
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "page fetch failed")
		return nil, dErrors.Wrap(err, dErrors.CodeBackendRejected, "failed to read log range").With("timeline", id.String(), "")
	}

	entries, sawCreated := collect(id, from, to, results...)
	tl := &Timeline{BatchID: id, From: from, To: to, Entries: entries, Partial: !sawCreated}
	if tl.Partial {
		r.logger.WarnContext(ctx, "partial timeline", "batch_id", id, "from", from, "to", to)
	}
	if r.metrics != nil {
		r.metrics.ObserveTimeline(start, tl.Partial)
	}
	span.SetAttributes(attribute.Int("entries", len(entries)), attribute.Bool("partial", tl.Partial))
	return tl, nil
}

func (r *Reconstructor) bounds(ctx context.Context, from, to uint64) (uint64, uint64, error) {
	return clampToHead(ctx, r.source, from, to)
}

// clampToHead resolves from == 0 to the first position and caps to at the current head,
// so a caller-supplied upper bound never sizes the page plan beyond the log.
func clampToHead(ctx context.Context, src Source, from, to uint64) (uint64, uint64, error) {
	if from == 0 {
		from = 1
	}
	head, err := src.Head(ctx)
	if err != nil {
		return 0, 0, dErrors.Wrap(err, dErrors.CodeBackendRejected, "failed to read log head")
	}
	if to == 0 || to > head {
		to = head
	}
	return from, to, nil
}

// collect merges pages by position, drops duplicates and events outside [from, to],
// and keeps only events referencing id.
func collect(id domain.BatchID, from, to uint64, pages ...[]models.Event) ([]Entry, bool) {
	seen := make(map[uint64]struct{})
	var merged []models.Event
	for _, page := range pages {
		for _, e := range page {
			if e.Position < from || e.Position > to {
				continue
			}
			if _, dup := seen[e.Position]; dup {
				continue
			}
			seen[e.Position] = struct{}{}
			if bid, ok := e.BatchID(); ok && bid == id {
				merged = append(merged, e)
			}
		}
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Position < merged[j].Position })

	entries := make([]Entry, 0, len(merged))
	sawCreated := false
	for _, e := range merged {
		if e.Kind() == models.KindCreated {
			sawCreated = true
		}
		entries = append(entries, ToEntry(e))
	}
	return entries, sawCreated
}

// ToEntry renders one batch event.
func ToEntry(e models.Event) Entry {
	actor := e.Actor()
	return Entry{
		Position:     e.Position,
		Kind:         e.Kind(),
		Actor:        actor,
		ActorDisplay: actor.Short(),
		Description:  Describe(e),
		Ref:          e.Ref,
		Timestamp:    e.Timestamp,
	}
}

// Describe returns the one-line description shown to consumers.
func Describe(e models.Event) string {
	switch p := e.Payload.(type) {
	case models.Created:
		return fmt.Sprintf("Batch created: %s", p.ProductName)
	case models.CertificateSet:
		return fmt.Sprintf("Halal certificate recorded: %s", p.CertRef)
	case models.StatusChanged:
		return fmt.Sprintf("Status updated to: %s", p.NewStatus)
	case models.Transferred:
		return fmt.Sprintf("Transferred to %s", p.To.Short())
	case models.RoleGranted:
		return fmt.Sprintf("Role %s granted to %s", p.Role, p.Principal.Short())
	case models.RoleRevoked:
		return fmt.Sprintf("Role %s revoked from %s", p.Role, p.Principal.Short())
	default:
		return string(e.Kind())
	}
}
