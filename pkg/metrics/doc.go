/*
Package metrics provides Prometheus metrics and health reporting for the
instancer.

All collectors are package variables registered with the default registry
at init and exposed through Handler on /metrics.

# Metric Families

Instances:

	instancer_instances_active{challenge}            gauge, set by Collector
	instancer_managed_resources{kind}                gauge, set by Collector
	instancer_instances_created_total{challenge}     counter
	instancer_instances_failed_total{challenge}      counter
	instancer_instances_destroyed_total{reason}      counter (stop, expired, rollback)
	instancer_provision_duration_seconds{challenge}  histogram
	instancer_rollback_failures_total                counter

Admission:

	instancer_admissions_total{result}               counter (existing, created, conflict, error)
	instancer_admission_lock_wait_seconds            histogram
	instancer_runtime_retries_total                  counter

Reaper:

	instancer_reaper_cycles_total                    counter
	instancer_reaper_cycle_duration_seconds          histogram
	instancer_reaper_reaped_total                    counter
	instancer_reaper_errors_total                    counter
	instancer_reaper_lingering_instances             gauge

API:

	instancer_api_requests_total{method,status}      counter
	instancer_api_request_duration_seconds{method}   histogram
	instancer_api_rate_limited_total                 counter

# Timing

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ProvisionDuration, ch.Name)

# Health

Components report their state with RegisterComponent or UpdateComponent.
/health is unhealthy as soon as any component is. /ready additionally
requires every name in CriticalComponents (runtime, catalog, api) to be
registered. /live answers 200 for as long as the process serves HTTP.

The Collector lists managed resources on an interval, derives the active
instance gauges from their labels and keeps the runtime component current.
*/
package metrics
