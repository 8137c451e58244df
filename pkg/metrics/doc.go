// Package metrics exposes the scheduler's Prometheus instrumentation: task
// lifecycle counters, execution duration histograms and queue depth gauges.
package metrics
