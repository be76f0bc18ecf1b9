/*
Package metrics exposes Loom's Prometheus instrumentation.

All collectors are package-level and registered in init; the HTTP server
mounts Handler() at /metrics. Gauges track fleet and task state totals,
counters and histograms cover scheduling, decomposition, evaluation, review,
checkpoint, API and event-bus activity.
*/
package metrics
