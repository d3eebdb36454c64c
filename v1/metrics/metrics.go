package metrics

import "github.com/prometheus/client_golang/prometheus"

// Outcome labels used by AcquireCounter.
const (
	OutcomeAcquired = "acquired"
	OutcomeTimedOut = "timed_out"
	OutcomeFailed   = "failed"
	OutcomeError    = "error"
)

var (
	// AcquireCounter counts lock attempts by mode and outcome.
	AcquireCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "timedflock_acquire_total",
		Help: "Total number of lock acquisition attempts",
	}, []string{"mode", "outcome"})
	// WaitHistogram observes how long Acquire blocked, by outcome.
	WaitHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "timedflock_acquire_wait_seconds",
		Help:    "Time spent waiting in Acquire",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})
	// HeldGauge reports the number of locks currently held by this process.
	HeldGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "timedflock_held",
		Help: "Current number of locks held through live workers",
	})
	// WorkerKillCounter counts workers terminated by force.
	WorkerKillCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "timedflock_worker_kills_total",
		Help: "Total number of lock workers killed on timeout or release grace expiry",
	})
	// ReleaseGraceCounter counts releases whose worker outlived the grace period.
	ReleaseGraceCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "timedflock_release_grace_exceeded_total",
		Help: "Total number of releases that had to kill the worker",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterLockMetrics registers the timedflock collectors on reg.
func RegisterLockMetrics(reg prometheus.Registerer) {
	reg.MustRegister(AcquireCounter, WaitHistogram, HeldGauge, WorkerKillCounter, ReleaseGraceCounter)
}
