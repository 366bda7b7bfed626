// Package metrics provides Prometheus-backed metrics collection for the
// router, mirroring every recorded PerformanceMetric into counters and
// histograms for external dashboards and alerting.
package metrics
