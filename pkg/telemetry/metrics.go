package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SweepRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "specguild",
		Subsystem: "scheduler",
		Name:      "sweep_runs_total",
		Help:      "Sweep runs, labelled by job and outcome.",
	}, []string{"job", "outcome"})

	SweepItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "specguild",
		Subsystem: "scheduler",
		Name:      "sweep_items_total",
		Help:      "Items changed by sweeps (failures processed, workers settled, specs moved, workers dispatched).",
	}, []string{"job"})

	SweepDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "specguild",
		Subsystem: "scheduler",
		Name:      "sweep_duration_seconds",
		Help:      "Sweep run time in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	}, []string{"job"})

	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "specguild",
		Subsystem: "events",
		Name:      "published_total",
		Help:      "Events published on the bus, by type.",
	}, []string{"type"})
)

// ObserveSweep records one sweep run.
func ObserveSweep(job string, d time.Duration, items int, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	SweepRuns.WithLabelValues(job, outcome).Inc()
	SweepDurationSeconds.WithLabelValues(job).Observe(d.Seconds())
	if items > 0 {
		SweepItems.WithLabelValues(job).Add(float64(items))
	}
}
