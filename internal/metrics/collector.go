// Package metrics mirrors PerformanceMetric ingestion into Prometheus
// counters/histograms for external dashboards, alongside the in-process
// rolling windows the aggregator package keeps for routing/alerting
// decisions.
//
// This package is internal: it is one Mirror implementation among possibly
// several, not part of the router's public API.
package metrics

import (
	"go.uber.org/zap"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/modelrouter/core/types"
)

// Collector implements aggregator.Mirror, grounded on the teacher's own
// internal/metrics.Collector (same promauto idiom, same namespace
// parameter, same CounterVec/HistogramVec shape).
type Collector struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	tokensUsed      *prometheus.CounterVec
	cost            *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector registers the router's metric family under namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{
		logger: logger.With(zap.String("component", "metrics")),
		requestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "router_requests_total",
				Help:      "Total number of routed completion requests.",
			},
			[]string{"model", "task_type", "status", "error_type"},
		),
		requestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "router_request_duration_seconds",
				Help:      "Completion request duration in seconds.",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"model", "task_type"},
		),
		tokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "router_tokens_used_total",
				Help:      "Total tokens consumed per model.",
			},
			[]string{"model"},
		),
		cost: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "router_cost_total",
				Help:      "Total estimated cost per model.",
			},
			[]string{"model"},
		),
	}
}

// Observe implements aggregator.Mirror.
func (c *Collector) Observe(m types.PerformanceMetric) {
	status := "success"
	if !m.Success {
		status = "failure"
	}
	c.requestsTotal.WithLabelValues(string(m.Model), string(m.TaskType), status, string(m.ErrorType)).Inc()
	c.requestDuration.WithLabelValues(string(m.Model), string(m.TaskType)).Observe(m.TotalTime.Seconds())
	c.tokensUsed.WithLabelValues(string(m.Model)).Add(float64(m.TokensUsed))
	c.cost.WithLabelValues(string(m.Model)).Add(m.Cost)
}
