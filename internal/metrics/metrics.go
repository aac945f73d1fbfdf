package metrics

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	acquisitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sisupload",
			Subsystem: "lock",
			Name:      "acquisitions_total",
			Help:      "Lock acquisition attempts by result.",
		}, []string{"host", "result"},
	)
	savingThrows = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sisupload",
			Subsystem: "lock",
			Name:      "saving_throws_total",
			Help:      "Automatic recoveries from a crashed or timed out previous run.",
		}, []string{"host", "reason"},
	)
	uploads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sisupload",
			Subsystem: "import",
			Name:      "uploads_total",
			Help:      "SIS import jobs started per CSV stem.",
		}, []string{"host", "stem"},
	)
	outcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sisupload",
			Subsystem: "import",
			Name:      "outcomes_total",
			Help:      "Recorded run outcomes (completed, timed_out, illegal_state).",
		}, []string{"host", "outcome"},
	)
	pollWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sisupload",
			Subsystem: "import",
			Name:      "poll_wait_seconds",
			Help:      "Time spent waiting for the previous import to finish.",
			Buckets:   []float64{0, 5, 15, 30, 60, 120, 300, 600, 1000},
		}, []string{"host"},
	)
	lastJobID = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "sisupload",
			Subsystem: "import",
			Name:      "last_job_id",
			Help:      "Id of the most recently started SIS import job.",
		}, []string{"host"},
	)
	lastRun = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "sisupload",
			Subsystem: "run",
			Name:      "last_finished_timestamp_seconds",
			Help:      "Unix time the last run finished, by result.",
		}, []string{"host", "result"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{acquisitions, savingThrows, uploads, outcomes, pollWait, lastJobID, lastRun}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// WriteTextfile writes everything g gathers to path in the text exposition
// format, for node_exporter's textfile collector. Batch runs exit before a
// scrape could reach them, so this is how their metrics get out.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create metrics dir: %w", err)
	}
	return prometheus.WriteToTextfile(path, g)
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncAcquisition(host, result string) {
	if regOK.Load() {
		acquisitions.WithLabelValues(host, result).Inc()
	}
}

func IncSavingThrow(host, reason string) {
	if regOK.Load() {
		savingThrows.WithLabelValues(host, reason).Inc()
	}
}

func IncUpload(host, stem string, jobID int) {
	if regOK.Load() {
		uploads.WithLabelValues(host, stem).Inc()
		lastJobID.WithLabelValues(host).Set(float64(jobID))
	}
}

func IncOutcome(host, outcome string) {
	if regOK.Load() {
		outcomes.WithLabelValues(host, outcome).Inc()
	}
}

func ObservePollWait(host string, d time.Duration) {
	if regOK.Load() {
		pollWait.WithLabelValues(host).Observe(d.Seconds())
	}
}

func SetLastRun(host, result string, at time.Time) {
	if regOK.Load() {
		lastRun.WithLabelValues(host, result).Set(float64(at.Unix()))
	}
}
