// Package aggregator ingests per-request PerformanceMetrics, maintains
// rolling-window percentiles and per-model EMA success rate, and
// evaluates alert rules that can disable a model.
//
// Grounded structurally on the corpus's metrics.Collector (constructor
// shape, zap logger field, promauto-style counters mirrored alongside).
// The in-process rolling-window percentile/EMA/alert-rule machinery below
// is original: Prometheus counters alone don't give a synchronous,
// in-process AggregatedMetrics snapshot, and PromQL-side quantile
// computation can't drive the Router's same-process routing decisions or
// the alert engine's disable_model action.
package aggregator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/modelrouter/core/capability"
	"github.com/modelrouter/core/types"
)

var windowDurations = map[types.AggregationWindow]time.Duration{
	types.Window1m:  time.Minute,
	types.Window5m:  5 * time.Minute,
	types.Window15m: 15 * time.Minute,
	types.Window1h:  time.Hour,
	types.Window6h:  6 * time.Hour,
	types.Window24h: 24 * time.Hour,
}

var allWindows = []types.AggregationWindow{
	types.Window1m, types.Window5m, types.Window15m, types.Window1h, types.Window6h, types.Window24h,
}

const retainRaw = 24 * time.Hour

// emaStats holds the exponential moving averages tracked per model,
// independent of the windowed aggregates (§4.6).
type emaStats struct {
	rate    float64
	avgTime float64
	avgCost float64
	seen    bool
}

// Mirror receives a copy of every ingested metric for external reporting
// (e.g. Prometheus); optional.
type Mirror interface {
	Observe(m types.PerformanceMetric)
}

// ImmediateAlertSink receives alerts that bypass windowing entirely.
type ImmediateAlertSink interface {
	Fire(alert types.Alert)
}

// record pairs a metric with the wall-clock time it was ingested, since
// the data model's PerformanceMetric itself carries no timestamp.
type record struct {
	metric     types.PerformanceMetric
	recordedAt time.Time
}

// Aggregator implements §4.6.
type Aggregator struct {
	mu     sync.Mutex
	raw    []record
	ema    map[types.Model]*emaStats
	clock  func() time.Time
	logger *zap.Logger
	mirror Mirror

	registry      *capability.Registry
	rules         []AlertRule
	immediateSink ImmediateAlertSink
	// active holds every currently-observable alert, keyed by rule ID for
	// windowed rules (one entry, replaced on resolve) and by alert ID for
	// immediate alerts (one entry per occurrence, since there is no
	// resolve edge for a one-shot condition).
	active map[string]*types.Alert

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds an Aggregator. registry may be nil if the disable_model
// action is never needed (e.g. in isolated tests).
func New(registry *capability.Registry, clock func() time.Time, logger *zap.Logger) *Aggregator {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		ema:      make(map[types.Model]*emaStats),
		clock:    clock,
		logger:   logger,
		registry: registry,
		rules:    DefaultRules(),
		active:   make(map[string]*types.Alert),
	}
}

// WithMirror attaches an external metrics mirror (Prometheus).
func (a *Aggregator) WithMirror(m Mirror) *Aggregator {
	a.mirror = m
	return a
}

// WithImmediateSink attaches a delivery target for immediate alerts
// (errorType=CRITICAL, totalTime>30s); optional, since the immediate alert
// is already recorded into ActiveAlerts() regardless of a sink being set.
func (a *Aggregator) WithImmediateSink(s ImmediateAlertSink) *Aggregator {
	a.immediateSink = s
	return a
}

// WithRules replaces the alert rule set.
func (a *Aggregator) WithRules(rules []AlertRule) *Aggregator {
	a.rules = rules
	return a
}

// Record ingests one metric. Single-writer-per-request: callers must not
// record the same request twice. Immediate alerts (errorType=CRITICAL,
// totalTime>30s) bypass windowing entirely.
func (a *Aggregator) Record(m types.PerformanceMetric) {
	now := a.clock()

	a.mu.Lock()
	a.raw = append(a.raw, record{metric: m, recordedAt: now})
	a.updateEMA(m)
	a.mu.Unlock()

	if a.mirror != nil {
		a.mirror.Observe(m)
	}

	if m.ErrorType == types.ErrorCode("CRITICAL") {
		a.fireImmediate(m, types.SeverityCritical, "error_type=CRITICAL", now)
	}
	if m.TotalTime > 30*time.Second {
		a.fireImmediate(m, types.SeverityHigh, "total_time>30s", now)
	}
}

func (a *Aggregator) updateEMA(m types.PerformanceMetric) {
	e, ok := a.ema[m.Model]
	if !ok {
		e = &emaStats{}
		a.ema[m.Model] = e
	}
	successVal := 0.0
	if m.Success {
		successVal = 100.0
	}
	if !e.seen {
		e.rate = successVal
		e.avgTime = float64(m.TotalTime)
		e.avgCost = m.Cost
		e.seen = true
		return
	}
	e.rate = 0.9*e.rate + 0.1*successVal
	e.avgTime = 0.9*e.avgTime + 0.1*float64(m.TotalTime)
	e.avgCost = 0.9*e.avgCost + 0.1*m.Cost
}

// SuccessRate implements router.SuccessRateProvider.
func (a *Aggregator) SuccessRate(m types.Model) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.ema[m]
	if !ok {
		return 75 // neutral prior until any metric observed
	}
	return e.rate
}

// Aggregate computes AggregatedMetrics for one (model,window) over the
// retained raw metrics.
func (a *Aggregator) Aggregate(model types.Model, window types.AggregationWindow) types.AggregatedMetrics {
	now := a.clock()
	dur := windowDurations[window]
	cutoff := now.Add(-dur)

	a.mu.Lock()
	var latencies []time.Duration
	var successCount, failCount int
	var totalCost, confidenceSum float64
	errCounts := make(map[types.ErrorCode]int)
	for _, rec := range a.raw {
		if rec.metric.Model != model || rec.recordedAt.Before(cutoff) {
			continue
		}
		m := rec.metric
		latencies = append(latencies, m.TotalTime)
		if m.Success {
			successCount++
		} else {
			failCount++
			errCounts[m.ErrorType]++
		}
		totalCost += m.Cost
		confidenceSum += m.Confidence
	}
	a.mu.Unlock()

	total := successCount + failCount
	out := types.AggregatedMetrics{Model: model, Window: window, RequestCount: total, SuccessCount: successCount, FailureCount: failCount}
	if total == 0 {
		return out
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	out.P50Latency = percentile(latencies, 0.50)
	out.P95Latency = percentile(latencies, 0.95)
	out.P99Latency = percentile(latencies, 0.99)
	out.SuccessRate = float64(successCount) / float64(total) * 100
	out.ErrorRate = float64(failCount) / float64(total)
	out.TotalCost = totalCost
	out.AvgCost = totalCost / float64(total)
	out.AvgConfidence = confidenceSum / float64(total)
	out.ThroughputRPS = float64(total) / dur.Seconds()
	out.TopErrors = topErrors(errCounts)
	return out
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func topErrors(counts map[types.ErrorCode]int) []types.ErrorCode {
	type pair struct {
		code  types.ErrorCode
		count int
	}
	pairs := make([]pair, 0, len(counts))
	for c, n := range counts {
		pairs = append(pairs, pair{c, n})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].count > pairs[j].count })
	out := make([]types.ErrorCode, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, p.code)
	}
	return out
}

// StartAggregationLoop runs the minute-cadence flush that drops raw
// metrics older than 24h (§4.6).
func (a *Aggregator) StartAggregationLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	a.mu.Lock()
	if a.stopCh != nil {
		a.mu.Unlock()
		return
	}
	a.stopCh = make(chan struct{})
	a.doneCh = make(chan struct{})
	a.mu.Unlock()

	go func() {
		defer close(a.doneCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-a.stopCh:
				return
			case <-ticker.C:
				a.flush()
			}
		}
	}()
}

func (a *Aggregator) flush() {
	cutoff := a.clock().Add(-retainRaw)
	a.mu.Lock()
	defer a.mu.Unlock()
	kept := a.raw[:0:0]
	for _, rec := range a.raw {
		if rec.recordedAt.Before(cutoff) {
			continue
		}
		kept = append(kept, rec)
	}
	a.raw = kept

	// Immediate alerts have no resolve edge, so they're swept on the same
	// retention window as raw metrics instead of accumulating forever.
	for id, alert := range a.active {
		if strings.HasPrefix(alert.RuleID, immediateRulePrefix) && alert.FiredAt.Before(cutoff) {
			delete(a.active, id)
		}
	}
}

// Stop halts the aggregation loop, if started.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	stopCh := a.stopCh
	doneCh := a.doneCh
	a.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	<-doneCh
}

// immediateRulePrefix tags the RuleIDs of alerts created by fireImmediate
// so flush can tell them apart from windowed-rule alerts when sweeping stale
// entries out of active.
const immediateRulePrefix = "immediate:"

func (a *Aggregator) fireImmediate(m types.PerformanceMetric, severity types.AlertSeverity, reason string, now time.Time) {
	alert := types.Alert{
		ID:       fmt.Sprintf("immediate_%s_%d", m.Model, now.UnixNano()),
		RuleID:   immediateRulePrefix + reason,
		Severity: severity,
		State:    types.AlertFiring,
		FiredAt:  now,
		Measured: map[string]float64{"total_time_ms": float64(m.TotalTime.Milliseconds())},
	}

	a.mu.Lock()
	a.active[alert.ID] = &alert
	a.mu.Unlock()

	a.logger.Warn("immediate alert fired", zap.String("reason", reason), zap.String("model", string(m.Model)))
	if a.immediateSink != nil {
		a.immediateSink.Fire(alert)
	}
}
