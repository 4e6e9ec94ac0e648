package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Instance metrics
	InstancesActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "instancer_instances_active",
			Help: "Number of live instances by challenge",
		},
		[]string{"challenge"},
	)

	ManagedResources = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "instancer_managed_resources",
			Help: "Number of managed runtime resources by kind",
		},
		[]string{"kind"},
	)

	InstancesCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "instancer_instances_created_total",
			Help: "Total number of instances provisioned by challenge",
		},
		[]string{"challenge"},
	)

	InstancesFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "instancer_instances_failed_total",
			Help: "Total number of failed provisioning attempts by challenge",
		},
		[]string{"challenge"},
	)

	InstancesDestroyedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "instancer_instances_destroyed_total",
			Help: "Total number of instances destroyed by reason",
		},
		[]string{"reason"},
	)

	ProvisionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "instancer_provision_duration_seconds",
			Help:    "Time taken to provision an instance in seconds",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
		},
		[]string{"challenge"},
	)

	RollbackFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "instancer_rollback_failures_total",
			Help: "Total number of rollbacks that left resources behind",
		},
	)

	// Admission metrics
	AdmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "instancer_admissions_total",
			Help: "Total number of instance requests by result",
		},
		[]string{"result"},
	)

	AdmissionLockWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "instancer_admission_lock_wait_seconds",
			Help:    "Time spent waiting for the per-team admission lock",
			Buckets: prometheus.DefBuckets,
		},
	)

	RuntimeRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "instancer_runtime_retries_total",
			Help: "Total number of retries after the runtime was unavailable",
		},
	)

	// Reaper metrics
	ReaperCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "instancer_reaper_cycles_total",
			Help: "Total number of reaper cycles",
		},
	)

	ReaperCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "instancer_reaper_cycle_duration_seconds",
			Help:    "Time taken by one reaper cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReaperReapedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "instancer_reaper_reaped_total",
			Help: "Total number of expired or malformed instance groups reaped",
		},
	)

	ReaperErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "instancer_reaper_errors_total",
			Help: "Total number of groups the reaper failed to destroy",
		},
	)

	ReaperLingering = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "instancer_reaper_lingering_instances",
			Help: "Expired instance groups still present after the last reaper cycle",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "instancer_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "instancer_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	RateLimitedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "instancer_api_rate_limited_total",
			Help: "Total number of API requests rejected by the rate limiter",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(InstancesActive)
	prometheus.MustRegister(ManagedResources)
	prometheus.MustRegister(InstancesCreatedTotal)
	prometheus.MustRegister(InstancesFailedTotal)
	prometheus.MustRegister(InstancesDestroyedTotal)
	prometheus.MustRegister(ProvisionDuration)
	prometheus.MustRegister(RollbackFailuresTotal)
	prometheus.MustRegister(AdmissionsTotal)
	prometheus.MustRegister(AdmissionLockWait)
	prometheus.MustRegister(RuntimeRetriesTotal)
	prometheus.MustRegister(ReaperCyclesTotal)
	prometheus.MustRegister(ReaperCycleDuration)
	prometheus.MustRegister(ReaperReapedTotal)
	prometheus.MustRegister(ReaperErrorsTotal)
	prometheus.MustRegister(ReaperLingering)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(RateLimitedTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
