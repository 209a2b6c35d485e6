package metrics

import (
	"context"
	"errors"
	"log"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "batchkeeper"

var (
	// Registry is a dedicated Prometheus registry for all Batchkeeper metrics.
	Registry = prometheus.NewRegistry()

	// RunsTotal counts wrapper runs by job and outcome.
	RunsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Total number of wrapped batch runs",
		},
		[]string{"job", "outcome"}, // succeeded | child-failed | lock-failed | restore-failed
	)

	// RunDuration measures wall time of whole wrapper runs.
	RunDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_ms",
			Help:      "Duration of wrapped batch runs in milliseconds",
			Buckets:   []float64{10, 50, 100, 500, 1000, 5000, 30000, 60000, 300000, 1800000, 3600000},
		},
		[]string{"job"},
	)

	// LockTransitions counts config permission flips.
	LockTransitions = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_transitions_total",
			Help:      "Config file permission transitions",
		},
		[]string{"state"}, // locked | restored
	)

	// RestoreFailures counts chmod-back failures, the case that leaves a
	// config file read-only after the run.
	RestoreFailures = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restore_failures_total",
			Help:      "Failed attempts to restore config file permissions",
		},
	)

	// TamperEvents counts config modifications observed while locked.
	TamperEvents = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tamper_events_total",
			Help:      "Config file modifications observed during a locked run",
		},
		[]string{"job", "op"}, // write | create | remove | rename
	)

	// SnapshotTotal counts config snapshot captures.
	SnapshotTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_total",
			Help:      "Total number of config snapshot captures",
		},
		[]string{"job", "outcome"},
	)

	// SnapshotDuration tracks snapshot capture latency.
	SnapshotDuration = promauto.With(Registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "snapshot_duration_ms",
			Help:      "Duration of config snapshot captures in milliseconds",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
	)

	// StorageSavedBytesTotal accumulates bytes saved by delta storage.
	StorageSavedBytesTotal = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_saved_bytes_total",
			Help:      "Cumulative bytes saved by storing deltas instead of full configs",
		},
	)

	// StorageSavedRatio tracks the current savings ratio (0.0 - 1.0).
	StorageSavedRatio = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "storage_saved_ratio",
			Help:      "Current storage savings ratio (saved_bytes / total_written_bytes)",
		},
	)

	// DeltasTotal counts delta writes grouped by algorithm.
	DeltasTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deltas_total",
			Help:      "Number of config deltas written",
		},
		[]string{"algorithm"}, // bsdiff
	)

	// SubmissionsTotal counts scheduler submissions.
	SubmissionsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Batch script submissions to the scheduler",
		},
		[]string{"outcome"}, // accepted | rejected
	)

	// StoreSizeBytes tracks journal store footprint.
	StoreSizeBytes = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_size_bytes",
			Help:      "On-disk size of the journal store",
		},
		[]string{"type"}, // journal | snapshots
	)

	// WrapperInfo exposes static information about the running wrapper.
	WrapperInfo = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "wrapper_info",
			Help:      "Static information about the wrapper",
		},
		[]string{"os", "arch", "version", "scheduler"},
	)

	// Up is a liveness gauge for the wrapper.
	Up = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "up",
			Help:      "1 if the wrapper is running and healthy",
		},
	)
)

var (
	totalWrittenBytes atomic.Int64
	totalSavedBytes   atomic.Int64
)

func init() {
	Registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	Registry.MustRegister(prometheus.NewGoCollector())
	Up.Set(1)
}

// SetWrapperInfo publishes a single info metric for the running wrapper.
func SetWrapperInfo(osName, arch, version, scheduler string) {
	if osName == "" {
		osName = runtime.GOOS
	}
	if arch == "" {
		arch = runtime.GOARCH
	}
	if scheduler == "" {
		scheduler = "unknown"
	}
	if version == "" {
		version = "dev"
	}
	WrapperInfo.WithLabelValues(osName, arch, version, scheduler).Set(1)
}

// ObserveRun records timing and outcome for a finished wrapper run.
func ObserveRun(start time.Time, job, outcome string) {
	elapsed := float64(time.Since(start)) / float64(time.Millisecond)
	RunDuration.WithLabelValues(job).Observe(elapsed)
	RunsTotal.WithLabelValues(job, outcome).Inc()
}

// ObserveLockTransition counts a permission flip on the config file.
func ObserveLockTransition(state string) {
	LockTransitions.WithLabelValues(state).Inc()
}

// ObserveTamper records a config modification seen while locked.
func ObserveTamper(job, op string) {
	TamperEvents.WithLabelValues(job, op).Inc()
}

// ObserveSnapshot records timing and outcome for a config capture.
func ObserveSnapshot(start time.Time, job, outcome string) {
	elapsed := float64(time.Since(start)) / float64(time.Millisecond)
	SnapshotDuration.Observe(elapsed)
	SnapshotTotal.WithLabelValues(job, outcome).Inc()
}

// ObserveStorageSavings updates storage delta counters and ratios.
func ObserveStorageSavings(originalBytes, compressedBytes int64) {
	if originalBytes <= 0 || compressedBytes < 0 {
		return
	}

	saved := originalBytes - compressedBytes
	written := totalWrittenBytes.Add(originalBytes)

	if saved > 0 {
		totalSavedBytes.Add(saved)
		StorageSavedBytesTotal.Add(float64(saved))
	}

	if written > 0 {
		currentSaved := totalSavedBytes.Load()
		StorageSavedRatio.Set(float64(currentSaved) / float64(written))
	}
}

// ObserveSubmission counts a scheduler submission attempt's outcome.
func ObserveSubmission(accepted bool) {
	if accepted {
		SubmissionsTotal.WithLabelValues("accepted").Inc()
		return
	}
	SubmissionsTotal.WithLabelValues("rejected").Inc()
}

// AddDeltas increments the delta counter for a specific algorithm.
func AddDeltas(algorithm string, count int) {
	if count <= 0 {
		return
	}
	DeltasTotal.WithLabelValues(algorithm).Add(float64(count))
}

// SetStoreSize reports store footprint by category.
func SetStoreSize(kind string, sizeBytes int64) {
	if sizeBytes < 0 {
		return
	}
	StoreSizeBytes.WithLabelValues(kind).Set(float64(sizeBytes))
}

// SetUp toggles the liveness gauge.
func SetUp(healthy bool) {
	if healthy {
		Up.Set(1)
		return
	}
	Up.Set(0)
}

// Serve starts the /metrics HTTP endpoint on the provided address.
func Serve(ctx context.Context, addr string, logger *log.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = log.Default()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(Registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))

	srv := &http.Server{Addr: addr, Handler: mux}

	idleClosed := make(chan struct{})
	go func() {
		defer close(idleClosed)
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()

	logger.Printf("[Metrics] Prometheus endpoint listening on %s", addr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		<-idleClosed
		return nil
	}

	return err
}
