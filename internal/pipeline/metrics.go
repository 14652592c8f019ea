package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for ingestion runs.
type Metrics struct {
	// Runs by terminal status ("done", "failed")
	Runs *prometheus.CounterVec

	// Failures by error kind
	Failures *prometheus.CounterVec

	// Ledger events inserted vs re-observed
	Events *prometheus.CounterVec

	// Blob storage decisions by outcome ("saved", "duplicate", "skipped", "error")
	Captures *prometheus.CounterVec

	// Runs whose period table hash changed
	PeriodChanges prometheus.Counter

	RunLatency prometheus.Histogram
}

// NewMetrics creates the run metrics registered with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "usage_ledger_runs_total",
			Help: "Total ingestion runs by terminal status",
		}, []string{"status"}),

		Failures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "usage_ledger_failures_total",
			Help: "Total failed runs by error kind",
		}, []string{"kind"}),

		Events: f.NewCounterVec(prometheus.CounterOpts{
			Name: "usage_ledger_events_total",
			Help: "Ledger events observed by result",
		}, []string{"result"}), // result: "inserted", "duplicate"

		Captures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "usage_ledger_captures_total",
			Help: "Raw capture storage outcomes",
		}, []string{"outcome"}),

		PeriodChanges: f.NewCounter(prometheus.CounterOpts{
			Name: "usage_ledger_period_changes_total",
			Help: "Runs whose reporting period table hash changed",
		}),

		RunLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "usage_ledger_run_duration_seconds",
			Help:    "Duration of a full ingestion run",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
	}
}

// ObserveRun records a finished run.
func (m *Metrics) ObserveRun(status string, d time.Duration) {
	if m != nil {
		m.Runs.WithLabelValues(status).Inc()
		m.RunLatency.Observe(d.Seconds())
	}
}

// IncrementFailure records a failed run by kind.
func (m *Metrics) IncrementFailure(kind string) {
	if m != nil {
		m.Failures.WithLabelValues(kind).Inc()
	}
}

// AddEvents records inserted and duplicate counts of one batch.
func (m *Metrics) AddEvents(inserted, duplicate int) {
	if m != nil {
		m.Events.WithLabelValues("inserted").Add(float64(inserted))
		m.Events.WithLabelValues("duplicate").Add(float64(duplicate))
	}
}

// IncrementCapture records a blob storage outcome.
func (m *Metrics) IncrementCapture(outcome string) {
	if m != nil {
		m.Captures.WithLabelValues(outcome).Inc()
	}
}

// IncrementPeriodChange records a run whose table hash changed.
func (m *Metrics) IncrementPeriodChange() {
	if m != nil {
		m.PeriodChanges.Inc()
	}
}
