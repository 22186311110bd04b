/*
Package metrics exposes Prometheus collectors for the nanocl daemon together
with the health, readiness and liveness HTTP handlers.

Collectors are registered with the default registry in init() and are served
by Handler(). Timer measures an operation and records it in a histogram:

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ReconcileDuration, "apply")

Readiness waits for the store, projector and api components; the runtime
effector is optional and only affects /health.
*/
package metrics
