// Package metrics provides Prometheus instrumentation for the sync and
// verification pipeline, plus a query service for aggregated per-quest stats.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder holds the Prometheus instruments for the pipeline.
type Recorder struct {
	watchEventsTotal    *prometheus.CounterVec
	excludedEventsTotal *prometheus.CounterVec
	batchesFlushedTotal *prometheus.CounterVec
	batchSize           *prometheus.HistogramVec
	verificationsTotal  *prometheus.CounterVec
	verificationScore   *prometheus.HistogramVec
	stepsCompletedTotal *prometheus.CounterVec
	broadcastRecipients prometheus.Histogram
	droppedSendsTotal   prometheus.Counter
	ledgerTxDuration    prometheus.Histogram
}

// NewRecorder registers the pipeline instruments on the default registry.
func NewRecorder() *Recorder {
	return &Recorder{
		watchEventsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "questsync_watch_events_total",
				Help: "Raw filesystem events accepted into a project buffer",
			},
			[]string{"project_id", "kind"},
		),
		excludedEventsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "questsync_excluded_events_total",
				Help: "Filesystem events dropped by exclusion rules before buffering",
			},
			[]string{"project_id"},
		),
		batchesFlushedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "questsync_batches_flushed_total",
				Help: "Debounced change batches flushed per project",
			},
			[]string{"project_id"},
		),
		batchSize: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "questsync_batch_size_events",
				Help:    "Events per flushed batch",
				Buckets: prometheus.ExponentialBuckets(1, 2, 10),
			},
			[]string{"project_id"},
		),
		verificationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "questsync_verifications_total",
				Help: "Verification runs by step kind, quest, and outcome",
			},
			[]string{"step_kind", "quest_id", "outcome"},
		),
		verificationScore: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "questsync_verification_score",
				Help:    "Verification scores by step kind",
				Buckets: prometheus.LinearBuckets(0, 10, 11),
			},
			[]string{"step_kind"},
		),
		stepsCompletedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "questsync_steps_completed_total",
				Help: "Authoritative step completions recorded by the ledger",
			},
			[]string{"quest_id"},
		),
		broadcastRecipients: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "questsync_broadcast_recipients",
				Help:    "Recipients per room broadcast",
				Buckets: prometheus.LinearBuckets(0, 5, 10),
			},
		),
		droppedSendsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "questsync_dropped_sends_total",
				Help: "Best-effort sends dropped because no live transport accepted them",
			},
		),
		ledgerTxDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "questsync_ledger_tx_duration_seconds",
				Help:    "Duration of ledger check-then-set transactions",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
}

// ObserveWatchEvent records one buffered filesystem event.
func (r *Recorder) ObserveWatchEvent(projectID, kind string) {
	r.watchEventsTotal.WithLabelValues(projectID, kind).Inc()
}

// ObserveExcludedEvent records one event dropped by exclusion rules.
func (r *Recorder) ObserveExcludedEvent(projectID string) {
	r.excludedEventsTotal.WithLabelValues(projectID).Inc()
}

// ObserveBatchFlush records one flushed batch and its size.
func (r *Recorder) ObserveBatchFlush(projectID string, size int) {
	r.batchesFlushedTotal.WithLabelValues(projectID).Inc()
	r.batchSize.WithLabelValues(projectID).Observe(float64(size))
}

// ObserveVerification records one verification run.
func (r *Recorder) ObserveVerification(stepKind, questID string, success bool, score int) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	r.verificationsTotal.WithLabelValues(stepKind, questID, outcome).Inc()
	r.verificationScore.WithLabelValues(stepKind).Observe(float64(score))
}

// ObserveStepCompleted records one authoritative step completion.
func (r *Recorder) ObserveStepCompleted(questID string) {
	r.stepsCompletedTotal.WithLabelValues(questID).Inc()
}

// ObserveBroadcast records the fan-out size of one room broadcast.
func (r *Recorder) ObserveBroadcast(recipients int) {
	r.broadcastRecipients.Observe(float64(recipients))
}

// ObserveDroppedSend records one best-effort send that found no transport.
func (r *Recorder) ObserveDroppedSend() {
	r.droppedSendsTotal.Inc()
}

// ObserveLedgerTx records the duration of one check-then-set unit.
func (r *Recorder) ObserveLedgerTx(d time.Duration) {
	r.ledgerTxDuration.Observe(d.Seconds())
}
