// Package metrics defines the Prometheus metric collectors used across the
// indexing pipeline and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the pipeline.
type Metrics struct {
	BundlesTotal              *prometheus.CounterVec
	ContributionsWrittenTotal *prometheus.CounterVec
	AggregatesWrittenTotal    prometheus.Counter
	TalliesPublishedTotal     prometheus.Counter
	DuplicateNotificationsTotal prometheus.Counter
	WriteConflictsTotal       *prometheus.CounterVec
	WriteErrorsTotal          prometheus.Counter
	WriteRetriesTotal         prometheus.Counter
	ConsistencyRetriesTotal   prometheus.Counter
	AggregationLoops          prometheus.Histogram
	ContributeDuration        prometheus.Histogram
	AggregateDuration         *prometheus.HistogramVec
}

// New creates all collectors and registers them on reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BundlesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bundles_total",
				Help: "Bundles processed by catalog and action (index, delete).",
			},
			[]string{"catalog", "action"},
		),
		ContributionsWrittenTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "contributions_written_total",
				Help: "Contribution documents committed, by write mode.",
			},
			[]string{"mode"},
		),
		AggregatesWrittenTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "aggregates_written_total",
				Help: "Aggregate documents committed.",
			},
		),
		TalliesPublishedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tallies_published_total",
				Help: "Tally events published to the aggregation queue.",
			},
		),
		DuplicateNotificationsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "duplicate_notifications_total",
				Help: "Bundle notifications skipped via the duplicate marker.",
			},
		),
		WriteConflictsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "write_conflicts_total",
				Help: "Optimistic-version conflicts, by document kind.",
			},
			[]string{"kind"},
		),
		WriteErrorsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "write_errors_total",
				Help: "Non-conflict store errors during writes.",
			},
		),
		WriteRetriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "write_retries_total",
				Help: "Per-document local write retries.",
			},
		),
		ConsistencyRetriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "consistency_retries_total",
				Help: "Aggregations aborted because the contribution read lagged the tally.",
			},
		),
		AggregationLoops: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "aggregation_loop_iterations",
				Help:    "Read-modify-write iterations needed per aggregation.",
				Buckets: []float64{1, 2, 3, 5, 8},
			},
		),
		ContributeDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "contribute_duration_seconds",
				Help:    "Latency of the contribute phase per bundle.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
		),
		AggregateDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "aggregate_duration_seconds",
				Help:    "Latency of the aggregate phase, by outcome.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"outcome"},
		),
	}

	reg.MustRegister(
		m.BundlesTotal,
		m.ContributionsWrittenTotal,
		m.AggregatesWrittenTotal,
		m.TalliesPublishedTotal,
		m.DuplicateNotificationsTotal,
		m.WriteConflictsTotal,
		m.WriteErrorsTotal,
		m.WriteRetriesTotal,
		m.ConsistencyRetriesTotal,
		m.AggregationLoops,
		m.ContributeDuration,
		m.AggregateDuration,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
