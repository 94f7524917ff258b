// Package metrics provides Prometheus metrics for the mirror.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the mirror.
type Metrics struct {
	// Partitioning
	PartitionRuns    *prometheus.CounterVec
	CapacityFailures prometheus.Counter
	BatchesPlanned   *prometheus.HistogramVec
	MakespanBytes    *prometheus.GaugeVec

	// Batch metrics
	BatchesProcessed *prometheus.CounterVec
	BatchDuration    *prometheus.HistogramVec
	BatchBytes       *prometheus.HistogramVec
	InFlightBatches  prometheus.Gauge

	// Job metrics
	JobsProcessed *prometheus.CounterVec
	BytesCopied   *prometheus.CounterVec
	JobDuration   *prometheus.HistogramVec

	// Streaming
	ProgressSignals prometheus.Counter
	StreamErrors    *prometheus.CounterVec

	// Error metrics
	RetryAttempts *prometheus.CounterVec
	StorageErrors *prometheus.CounterVec
	LedgerErrors  prometheus.Counter
}

var defaultMetrics *Metrics

// Init registers the global metrics on the default registry.
// Call this once at startup.
func Init(namespace string) *Metrics {
	defaultMetrics = New(prometheus.DefaultRegisterer, namespace)
	return defaultMetrics
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// New creates metrics registered on reg.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = "mirror"
	}
	f := promauto.With(reg)

	return &Metrics{
		PartitionRuns: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "partition_runs_total",
				Help:      "Total number of catalog partitioning runs",
			},
			[]string{"sink", "outcome"},
		),
		CapacityFailures: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "capacity_failures_total",
				Help:      "Partitioning runs rejected because a batch exceeded its host's free space",
			},
		),
		BatchesPlanned: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batches_planned",
				Help:      "Number of batches produced per partitioning run",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1 to 2048
			},
			[]string{"sink"},
		),
		MakespanBytes: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "makespan_bytes",
				Help:      "Bytes in the largest batch of the last partitioning run",
			},
			[]string{"sink"},
		),
		BatchesProcessed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_processed_total",
				Help:      "Total number of batches processed",
			},
			[]string{"sink", "outcome"},
		),
		BatchDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_duration_seconds",
				Help:      "Time to transfer a batch",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14), // 0.1s to ~27m
			},
			[]string{"sink"},
		),
		BatchBytes: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_bytes",
				Help:      "Size of batches in bytes",
				Buckets:   prometheus.ExponentialBuckets(1<<20, 4, 10), // 1MB to ~256GB
			},
			[]string{"sink"},
		),
		InFlightBatches: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "in_flight_batches",
				Help:      "Number of batches currently being transferred",
			},
		),
		JobsProcessed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_processed_total",
				Help:      "Total number of jobs by outcome (copied, skipped, failed)",
			},
			[]string{"sink", "outcome"},
		),
		BytesCopied: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_copied_total",
				Help:      "Total bytes read from the source and written to sinks",
			},
			[]string{"sink"},
		),
		JobDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "Time to transfer a single job",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 16), // 10ms to ~5m
			},
			[]string{"sink"},
		),
		ProgressSignals: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "progress_signals_total",
				Help:      "Liveness signals emitted by streaming copies",
			},
		),
		StreamErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stream_errors_total",
				Help:      "Streaming copies aborted by a read or write failure",
			},
			[]string{"op"},
		),
		RetryAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_total",
				Help:      "Total number of retry attempts",
			},
			[]string{"operation"},
		),
		StorageErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_errors_total",
				Help:      "Total number of storage errors",
			},
			[]string{"backend"},
		),
		LedgerErrors: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ledger_errors_total",
				Help:      "Total number of run ledger write errors",
			},
		),
	}
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func StartServer(address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return http.ListenAndServe(address, mux)
}

// Labels is a convenience type for metric labels.
type Labels struct {
	Sink      string
	Outcome   string
	Backend   string
	Operation string
}

// Outcomes.
const (
	OutcomeOK      = "ok"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
	OutcomeCopied  = "copied"
)

// ObservePartitionRun records one partitioning run.
func (m *Metrics) ObservePartitionRun(l Labels, batches int, makespan int64) {
	m.PartitionRuns.WithLabelValues(l.Sink, l.Outcome).Inc()
	if l.Outcome != OutcomeOK {
		return
	}
	m.BatchesPlanned.WithLabelValues(l.Sink).Observe(float64(batches))
	m.MakespanBytes.WithLabelValues(l.Sink).Set(float64(makespan))
}

// IncCapacityFailures increments the capacity failure counter.
func (m *Metrics) IncCapacityFailures() {
	m.CapacityFailures.Inc()
}

// ObserveBatch records a finished batch.
func (m *Metrics) ObserveBatch(l Labels, bytes int64, seconds float64) {
	m.BatchesProcessed.WithLabelValues(l.Sink, l.Outcome).Inc()
	m.BatchDuration.WithLabelValues(l.Sink).Observe(seconds)
	if l.Outcome == OutcomeOK {
		m.BatchBytes.WithLabelValues(l.Sink).Observe(float64(bytes))
	}
}

// AddInFlightBatches adjusts the in-flight gauge by delta.
func (m *Metrics) AddInFlightBatches(delta float64) {
	m.InFlightBatches.Add(delta)
}

// ObserveJob records a finished job.
func (m *Metrics) ObserveJob(l Labels, bytes int64, seconds float64) {
	m.JobsProcessed.WithLabelValues(l.Sink, l.Outcome).Inc()
	if l.Outcome == OutcomeCopied {
		m.BytesCopied.WithLabelValues(l.Sink).Add(float64(bytes))
		m.JobDuration.WithLabelValues(l.Sink).Observe(seconds)
	}
}

// IncProgressSignals increments the progress signal counter.
func (m *Metrics) IncProgressSignals() {
	m.ProgressSignals.Inc()
}

// IncStreamErrors increments the stream error counter for op.
func (m *Metrics) IncStreamErrors(op string) {
	m.StreamErrors.WithLabelValues(op).Inc()
}

// IncRetryAttempts increments the retry attempts counter.
func (m *Metrics) IncRetryAttempts(l Labels) {
	m.RetryAttempts.WithLabelValues(l.Operation).Inc()
}

// IncStorageErrors increments the storage errors counter.
func (m *Metrics) IncStorageErrors(l Labels) {
	m.StorageErrors.WithLabelValues(l.Backend).Inc()
}

// IncLedgerErrors increments the run ledger error counter.
func (m *Metrics) IncLedgerErrors() {
	m.LedgerErrors.Inc()
}
