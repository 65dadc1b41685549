package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder is the Session/Metrics Recorder (spec.md §4.9): Prometheus-backed
// counters and histograms covering job/step execution, retries, cache
// behavior, and checkpoint activity. Grounded on the teacher's
// graph/metrics.go PrometheusMetrics, generalized from per-node/per-run
// labels to this engine's job/step vocabulary.
type Recorder struct {
	jobsStarted      *prometheus.CounterVec
	jobsCompleted    *prometheus.CounterVec
	stepLatency      *prometheus.HistogramVec
	stepRetries      *prometheus.CounterVec
	cacheHits        *prometheus.CounterVec
	checkpoints      *prometheus.CounterVec
	activeJobs       prometheus.Gauge
	jobDurationTotal *prometheus.HistogramVec

	enabled bool
}

// NewRecorder creates and registers every metric with registry. Pass
// prometheus.DefaultRegisterer for the global registry, or a fresh
// prometheus.NewRegistry() for test isolation.
func NewRecorder(registry prometheus.Registerer) *Recorder {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	r := &Recorder{enabled: true}

	r.jobsStarted = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "strategyengine",
		Name:      "jobs_started_total",
		Help:      "Jobs that entered the Running state",
	}, []string{"strategy_name"})

	r.jobsCompleted = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "strategyengine",
		Name:      "jobs_completed_total",
		Help:      "Jobs that reached a terminal state",
	}, []string{"strategy_name", "status"})

	r.stepLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "strategyengine",
		Name:      "step_latency_ms",
		Help:      "Step execution duration in milliseconds",
		Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 60000},
	}, []string{"strategy_name", "action_type", "status"})

	r.stepRetries = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "strategyengine",
		Name:      "step_retries_total",
		Help:      "Step retry attempts",
	}, []string{"strategy_name", "action_type"})

	r.cacheHits = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "strategyengine",
		Name:      "mapping_cache_lookups_total",
		Help:      "Mapping cache lookups by outcome",
	}, []string{"outcome"}) // hit, miss

	r.checkpoints = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "strategyengine",
		Name:      "checkpoints_written_total",
		Help:      "Checkpoints written by type",
	}, []string{"checkpoint_type"})

	r.activeJobs = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "strategyengine",
		Name:      "active_jobs",
		Help:      "Jobs currently in the Running or Paused state",
	})

	r.jobDurationTotal = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "strategyengine",
		Name:      "job_duration_seconds",
		Help:      "Total wall-clock duration of a job from start to terminal state",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 16), // 1s .. ~18h
	}, []string{"strategy_name", "status"})

	return r
}

func (r *Recorder) RecordJobStarted(strategyName string) {
	if r == nil || !r.enabled {
		return
	}
	r.jobsStarted.WithLabelValues(strategyName).Inc()
	r.activeJobs.Inc()
}

func (r *Recorder) RecordJobTerminal(strategyName string, status Status, duration time.Duration) {
	if r == nil || !r.enabled {
		return
	}
	r.jobsCompleted.WithLabelValues(strategyName, string(status)).Inc()
	r.jobDurationTotal.WithLabelValues(strategyName, string(status)).Observe(duration.Seconds())
	r.activeJobs.Dec()
}

func (r *Recorder) RecordStepLatency(strategyName, actionType string, d time.Duration, status Status) {
	if r == nil || !r.enabled {
		return
	}
	r.stepLatency.WithLabelValues(strategyName, actionType, string(status)).Observe(float64(d.Milliseconds()))
}

func (r *Recorder) RecordStepRetry(strategyName, actionType string) {
	if r == nil || !r.enabled {
		return
	}
	r.stepRetries.WithLabelValues(strategyName, actionType).Inc()
}

func (r *Recorder) RecordCacheLookup(hit bool) {
	if r == nil || !r.enabled {
		return
	}
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	r.cacheHits.WithLabelValues(outcome).Inc()
}

func (r *Recorder) RecordCheckpoint(t CheckpointType) {
	if r == nil || !r.enabled {
		return
	}
	r.checkpoints.WithLabelValues(string(t)).Inc()
}

// Disable/Enable mirror the teacher's test-friendly toggle.
func (r *Recorder) Disable() { r.enabled = false }
func (r *Recorder) Enable()  { r.enabled = true }
