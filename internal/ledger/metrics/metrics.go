package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the ledger module.
// Tracks commits by kind, rejections by action and code, and the critical path durations.
type Metrics struct {
	EventsCommitted  *prometheus.CounterVec
	ActionsRejected  *prometheus.CounterVec
	CommitDuration   prometheus.Histogram
	RebuildDuration  prometheus.Histogram
	ProjectionHead   prometheus.Gauge
	TimelinePartial  prometheus.Counter
	TimelineDuration prometheus.Histogram
	VerifyCache      *prometheus.CounterVec
	SinkFailures     *prometheus.CounterVec
	FoldsDeferred    prometheus.Counter
}

var latencyBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}

// New registers the ledger metrics with the default registry. Call once per process.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry registers the ledger metrics with reg. Tests pass a fresh registry.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsCommitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "halal_ledger_events_committed_total",
			Help: "Total number of events committed to the ledger, by kind",
		}, []string{"kind"}),
		ActionsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "halal_ledger_actions_rejected_total",
			Help: "Total number of rejected ledger actions, by action and error code",
		}, []string{"action", "code"}),
		CommitDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "halal_ledger_commit_duration_seconds",
			Help:    "Duration of authorize-validate-commit for one action",
			Buckets: latencyBuckets,
		}),
		RebuildDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "halal_ledger_rebuild_duration_seconds",
			Help:    "Duration of a full projection rebuild from the log",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 60},
		}),
		ProjectionHead: factory.NewGauge(prometheus.GaugeOpts{
			Name: "halal_ledger_projection_head",
			Help: "Log position of the last event folded into the projection",
		}),
		TimelinePartial: factory.NewCounter(prometheus.CounterOpts{
			Name: "halal_ledger_timeline_partial_total",
			Help: "Total number of timelines returned without their creation event",
		}),
		TimelineDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "halal_ledger_timeline_duration_seconds",
			Help:    "Duration of timeline reconstruction",
			Buckets: latencyBuckets,
		}),
		VerifyCache: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "halal_ledger_verify_cache_total",
			Help: "Verification cache lookups, by result (hit, miss, error)",
		}, []string{"result"}),
		SinkFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "halal_ledger_sink_failures_total",
			Help: "Committed events a sink failed to accept, by sink",
		}, []string{"sink"}),
		FoldsDeferred: factory.NewCounter(prometheus.CounterOpts{
			Name: "halal_ledger_folds_deferred_total",
			Help: "Events committed by this process whose fold was left to the next catch-up",
		}),
	}
}

// IncrementCommitted records a committed event.
func (m *Metrics) IncrementCommitted(kind string) {
	m.EventsCommitted.WithLabelValues(kind).Inc()
}

// IncrementRejected records a rejected action.
func (m *Metrics) IncrementRejected(action, code string) {
	m.ActionsRejected.WithLabelValues(action, code).Inc()
}

// ObserveCommit records the duration of an action.
// Call with time.Now() at the start of the operation.
func (m *Metrics) ObserveCommit(start time.Time) {
	m.CommitDuration.Observe(time.Since(start).Seconds())
}

// ObserveRebuild records the duration of a rebuild.
func (m *Metrics) ObserveRebuild(start time.Time) {
	m.RebuildDuration.Observe(time.Since(start).Seconds())
}

// SetHead records the projection head.
func (m *Metrics) SetHead(position uint64) {
	m.ProjectionHead.Set(float64(position))
}

// ObserveTimeline records a reconstruction and whether it was partial.
func (m *Metrics) ObserveTimeline(start time.Time, partial bool) {
	m.TimelineDuration.Observe(time.Since(start).Seconds())
	if partial {
		m.TimelinePartial.Inc()
	}
}

// IncrementVerifyCache records a cache lookup result.
func (m *Metrics) IncrementVerifyCache(result string) {
	m.VerifyCache.WithLabelValues(result).Inc()
}

// IncrementSinkFailure records a fan-out failure.
func (m *Metrics) IncrementSinkFailure(sink string) {
	m.SinkFailures.WithLabelValues(sink).Inc()
}

// IncrementFoldDeferred records a committed event whose fold failed.
func (m *Metrics) IncrementFoldDeferred() {
	m.FoldsDeferred.Inc()
}
