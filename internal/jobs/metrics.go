package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for background jobs.
type Metrics struct {
	runs       *prometheus.CounterVec
	failures   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	staleHolds prometheus.Gauge
	purged     prometheus.Counter
	notified   *prometheus.CounterVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the job metrics against the provided registerer. When the
// registerer is nil the default Prometheus registerer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Tracker provides lifecycle instrumentation helpers for a single job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track spawns a tracker for the given job name.
func (m *Metrics) Track(job string) *Tracker {
	if m == nil {
		return &Tracker{job: job, start: time.Now()}
	}
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End finalises the tracker, recording duration, success/failure counts and
// returning the provided error untouched.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	status := "success"
	if err != nil {
		status = "failure"
		t.metrics.failures.WithLabelValues(t.job).Inc()
	}
	t.metrics.runs.WithLabelValues(t.job, status).Inc()
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

// SetStaleHolds publishes the number of pending holds found by the last scan.
func (m *Metrics) SetStaleHolds(count int) {
	if m == nil {
		return
	}
	m.staleHolds.Set(float64(count))
}

// AddPurged counts expired idempotency records removed.
func (m *Metrics) AddPurged(count int64) {
	if m == nil || count <= 0 {
		return
	}
	m.purged.Add(float64(count))
}

// AddNotified counts transition notifications delivered, by target status.
func (m *Metrics) AddNotified(status string) {
	if m == nil {
		return
	}
	m.notified.WithLabelValues(status).Inc()
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobcore_jobs_total",
		Help: "Total job executions partitioned by job name and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobcore_jobs_failures_total",
		Help: "Total failures observed for background jobs.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "jobcore_job_duration_seconds",
		Help:    "Duration in seconds of background job executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	staleHolds := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "jobcore_stale_holds",
		Help: "Pending escrow holds older than the configured threshold.",
	})
	purged := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobcore_idempotency_purged_total",
		Help: "Expired idempotency records removed by the purge job.",
	})
	notified := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobcore_transition_notifications_total",
		Help: "Transition notifications handed to the notifier, by target status.",
	}, []string{"status"})
	registerer.MustRegister(runs, failures, duration, staleHolds, purged, notified)
	return &Metrics{runs: runs, failures: failures, duration: duration, staleHolds: staleHolds, purged: purged, notified: notified}
}
