// Package metrics exposes jobhub's Prometheus collectors.
//
// Metrics are package-level variables registered at init and are safe for
// concurrent use from any component. Handler serves the text exposition
// format at /metrics; Timer is a small helper for timing an operation and
// recording it to a histogram.
//
//	timer := metrics.NewTimer()
//	// ... dispatch sub-task ...
//	timer.ObserveDuration(metrics.SchedulingLatency)
package metrics
