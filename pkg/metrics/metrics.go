// Package metrics holds the Prometheus collectors of the ledger. They are
// registered on Registry and exported as a node_exporter textfile.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry collects every ledger metric.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	EventsAppended = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_events_appended_total",
		Help: "Total number of events appended to the log, labelled by event type.",
	}, []string{"event_type"})

	AppendsRejected = factory.NewCounter(prometheus.CounterOpts{
		Name: "ledger_appends_rejected_total",
		Help: "Total number of append calls rejected before anything was written.",
	})

	EventsApplied = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_projection_events_total",
		Help: "Total number of events examined by a projection rebuild.",
	}, []string{"projection"})

	RebuildDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_projection_rebuild_duration_seconds",
		Help:    "Projection rebuild latency, labelled by projection and mode.",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 10},
	}, []string{"projection", "mode"})

	RebuildFailures = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_projection_rebuild_failures_total",
		Help: "Total number of rebuilds that rolled back.",
	}, []string{"projection", "mode"})

	LatestSequence = factory.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_latest_sequence",
		Help: "Highest sequence number in the event log.",
	})

	ProjectionLag = factory.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_transaction_projection_lag_events",
		Help: "Events in the log not yet applied to the transaction projection.",
	})
)

// Projection names used as label values.
const (
	ProjectionTransactions = "transactions"
	ProjectionBudgets      = "budgets"
)

// ObserveRebuild records one rebuild of projection.
func ObserveRebuild(projection string, full bool, started time.Time, examined int, err error) {
	mode := "incremental"
	if full {
		mode = "full"
	}
	if err != nil {
		RebuildFailures.WithLabelValues(projection, mode).Inc()
		return
	}
	RebuildDuration.WithLabelValues(projection, mode).Observe(time.Since(started).Seconds())
	EventsApplied.WithLabelValues(projection).Add(float64(examined))
}

// WriteTextfile writes the current values of Registry to path in the
// Prometheus text format. The file is replaced atomically.
func WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, Registry); err != nil {
		return fmt.Errorf("failed to write metrics to %s: %w", path, err)
	}
	return nil
}
