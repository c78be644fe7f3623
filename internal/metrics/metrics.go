// Package metrics provides Prometheus metrics for frigate-reel runs.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	// Run metrics
	Runs           *prometheus.CounterVec
	RunDuration    *prometheus.HistogramVec
	LastRunSuccess *prometheus.GaugeVec

	// Extraction metrics
	TasksDispatched    *prometheus.CounterVec
	ExtractionDuration *prometheus.HistogramVec
	ExtractionFailures *prometheus.CounterVec

	// Assembly metrics
	UnitsEmitted   *prometheus.CounterVec
	SamplesDropped *prometheus.CounterVec
	EncodeDuration *prometheus.HistogramVec
	OutputBytes    *prometheus.HistogramVec

	// Pipeline metrics
	WorkerQueueDepth prometheus.Gauge
	SequencerPending prometheus.Gauge
	InFlightTasks    prometheus.Gauge

	// Error metrics
	StorageErrors *prometheus.CounterVec
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"` // e.g. ":9090"
}

var defaultMetrics *Metrics

// Init registers the metrics with the default registry. Call this once at
// startup.
func Init(namespace string) *Metrics {
	return InitWith(prometheus.DefaultRegisterer, namespace)
}

// InitWith registers the metrics with reg. Tests pass a fresh registry.
func InitWith(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = "frigate_reel"
	}
	f := promauto.With(reg)

	m := &Metrics{
		Runs: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total number of runs by mode and outcome",
			},
			[]string{"mode", "status"},
		),
		RunDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Wall time of a whole run",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~4.5h
			},
			[]string{"mode"},
		),
		LastRunSuccess: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_run_success_timestamp_seconds",
				Help:      "Unix time of the last successful run",
			},
			[]string{"mode"},
		),
		TasksDispatched: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_dispatched_total",
				Help:      "Total number of extraction tasks handed to workers",
			},
			[]string{"mode"},
		),
		ExtractionDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "extraction_duration_seconds",
				Help:      "Time to extract one frame or segment",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
			},
			[]string{"mode"},
		),
		ExtractionFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "extraction_failures_total",
				Help:      "Total number of failed extraction tasks",
			},
			[]string{"mode", "reason"},
		),
		UnitsEmitted: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "units_emitted_total",
				Help:      "Total number of output positions released in order",
			},
			[]string{"mode"},
		),
		SamplesDropped: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "samples_dropped_total",
				Help:      "Total number of samples left out of an output",
			},
			[]string{"mode", "reason"},
		),
		EncodeDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "encode_duration_seconds",
				Help:      "Time to finish an output encode",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~400s
			},
			[]string{"layout"},
		),
		OutputBytes: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "output_bytes",
				Help:      "Size of published outputs in bytes",
				Buckets:   prometheus.ExponentialBuckets(64*1024, 2, 14), // 64KB to ~1GB
			},
			[]string{"mode"},
		),
		WorkerQueueDepth: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_queue_depth",
				Help:      "Current number of tasks in the worker queue",
			},
		),
		SequencerPending: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sequencer_pending",
				Help:      "Number of output positions buffered in the sequencer",
			},
		),
		InFlightTasks: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "in_flight_tasks",
				Help:      "Number of extraction tasks currently running",
			},
		),
		StorageErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_errors_total",
				Help:      "Total number of output publishing errors",
			},
			[]string{"backend"},
		),
	}

	defaultMetrics = m
	return m
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// Handler returns the HTTP handler serving /metrics and /health.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func StartServer(address string) error {
	return http.ListenAndServe(address, Handler())
}

// Labels is a convenience type for metric labels.
type Labels struct {
	Mode    string
	Layout  string
	Backend string
}

// IncRuns counts a finished run.
func (m *Metrics) IncRuns(l Labels, status string) {
	m.Runs.WithLabelValues(l.Mode, status).Inc()
}

// ObserveRunDuration records the wall time of a run.
func (m *Metrics) ObserveRunDuration(l Labels, seconds float64) {
	m.RunDuration.WithLabelValues(l.Mode).Observe(seconds)
}

// SetLastRunSuccess records when a run last succeeded.
func (m *Metrics) SetLastRunSuccess(l Labels, unix float64) {
	m.LastRunSuccess.WithLabelValues(l.Mode).Set(unix)
}

// IncTasksDispatched increments the dispatched task counter.
func (m *Metrics) IncTasksDispatched(l Labels) {
	m.TasksDispatched.WithLabelValues(l.Mode).Inc()
}

// ObserveExtractionDuration records the time spent on one task.
func (m *Metrics) ObserveExtractionDuration(l Labels, seconds float64) {
	m.ExtractionDuration.WithLabelValues(l.Mode).Observe(seconds)
}

// IncExtractionFailures counts a failed task.
func (m *Metrics) IncExtractionFailures(l Labels, reason string) {
	m.ExtractionFailures.WithLabelValues(l.Mode, reason).Inc()
}

// IncUnitsEmitted increments the emitted position counter.
func (m *Metrics) IncUnitsEmitted(l Labels) {
	m.UnitsEmitted.WithLabelValues(l.Mode).Inc()
}

// AddSamplesDropped adds n dropped samples.
func (m *Metrics) AddSamplesDropped(l Labels, reason string, n float64) {
	m.SamplesDropped.WithLabelValues(l.Mode, reason).Add(n)
}

// ObserveEncodeDuration records the time to finish an encode.
func (m *Metrics) ObserveEncodeDuration(l Labels, seconds float64) {
	m.EncodeDuration.WithLabelValues(l.Layout).Observe(seconds)
}

// ObserveOutputBytes records the size of a published output.
func (m *Metrics) ObserveOutputBytes(l Labels, bytes float64) {
	m.OutputBytes.WithLabelValues(l.Mode).Observe(bytes)
}

// SetWorkerQueueDepth sets the current worker queue depth.
func (m *Metrics) SetWorkerQueueDepth(depth float64) {
	m.WorkerQueueDepth.Set(depth)
}

// SetSequencerPending sets the number of buffered positions.
func (m *Metrics) SetSequencerPending(pending float64) {
	m.SequencerPending.Set(pending)
}

// AddInFlightTasks adjusts the running task gauge by delta.
func (m *Metrics) AddInFlightTasks(delta float64) {
	m.InFlightTasks.Add(delta)
}

// IncStorageErrors increments the storage errors counter.
func (m *Metrics) IncStorageErrors(l Labels) {
	m.StorageErrors.WithLabelValues(l.Backend).Inc()
}
