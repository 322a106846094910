package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Calibration pipeline counters and histograms, partitioned by stage.

var (
	RunsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "codacal",
		Subsystem: "pipeline",
		Name:      "runs_started_total",
		Help:      "Total calibration runs started",
	})

	RunsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "codacal",
		Subsystem: "pipeline",
		Name:      "runs_finished_total",
		Help:      "Total calibration runs finished, by terminal state",
	}, []string{"state"})

	StageItemsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "codacal",
		Subsystem: "stage",
		Name:      "items_completed_total",
		Help:      "Work items that finished a stage successfully",
	}, []string{"stage"})

	StageItemsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "codacal",
		Subsystem: "stage",
		Name:      "items_failed_total",
		Help:      "Work items recorded as failures",
	}, []string{"stage"})

	Failures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "codacal",
		Subsystem: "stage",
		Name:      "failures_total",
		Help:      "Recorded failures by stage and kind",
	}, []string{"stage", "kind"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "codacal",
		Subsystem: "stage",
		Name:      "duration_seconds",
		Help:      "Wall time of one pipeline stage",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
	}, []string{"stage"})

	BandsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "codacal",
		Subsystem: "pipeline",
		Name:      "bands_failed_total",
		Help:      "Bands that failed at a stage",
	}, []string{"stage"})

	RunProgress = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "codacal",
		Subsystem: "stage",
		Name:      "progress_ratio",
		Help:      "Fraction of the current stage's items in a terminal state",
	}, []string{"stage"})
)
