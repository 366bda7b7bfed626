package aggregator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/modelrouter/core/types"
)

// AlertMetric is the closed set of metrics an alert rule can watch.
type AlertMetric string

const (
	MetricErrorRate     AlertMetric = "error_rate"
	MetricResponseTime  AlertMetric = "response_time"
	MetricCostPerRequest AlertMetric = "cost_per_request"
	MetricSuccessRate   AlertMetric = "success_rate"
	MetricThroughput    AlertMetric = "throughput"
)

// AlertOperator is the closed set of threshold comparisons.
type AlertOperator string

const (
	OpGT AlertOperator = "gt"
	OpLT AlertOperator = "lt"
	OpGE AlertOperator = "ge"
	OpLE AlertOperator = "le"
	OpEQ AlertOperator = "eq"
)

// AlertAggregation is how raw samples in the window are reduced before
// comparison.
type AlertAggregation string

const (
	AggAvg   AlertAggregation = "avg"
	AggMax   AlertAggregation = "max"
	AggMin   AlertAggregation = "min"
	AggSum   AlertAggregation = "sum"
	AggCount AlertAggregation = "count"
)

// AlertAction is one side effect an alert rule can trigger when it fires.
type AlertAction string

const (
	ActionLog          AlertAction = "log"
	ActionWebhook      AlertAction = "webhook"
	ActionEmail        AlertAction = "email"
	ActionDisableModel AlertAction = "disable_model"
)

// AlertRule is one evaluated-every-30s rule (§4.6/§6 alerts.thresholds).
type AlertRule struct {
	ID            string
	Metric        AlertMetric
	Operator      AlertOperator
	Aggregation   AlertAggregation
	Threshold     float64
	WindowSeconds int
	Severity      types.AlertSeverity
	Actions       []AlertAction
	Enabled       bool
	Model         types.Model // empty = evaluate across all models
}

// DefaultRules mirrors §6's alerts.thresholds defaults.
func DefaultRules() []AlertRule {
	return []AlertRule{
		{
			ID: "default-error-rate", Metric: MetricErrorRate, Operator: OpGT, Aggregation: AggAvg,
			Threshold: 0.05, WindowSeconds: 300, Severity: types.SeverityHigh,
			Actions: []AlertAction{ActionLog, ActionDisableModel}, Enabled: true,
		},
		{
			ID: "default-response-time", Metric: MetricResponseTime, Operator: OpGT, Aggregation: AggAvg,
			Threshold: 10000, WindowSeconds: 300, Severity: types.SeverityMedium,
			Actions: []AlertAction{ActionLog}, Enabled: true,
		},
		{
			ID: "default-cost-per-request", Metric: MetricCostPerRequest, Operator: OpGT, Aggregation: AggAvg,
			Threshold: 0.5, WindowSeconds: 3600, Severity: types.SeverityLow,
			Actions: []AlertAction{ActionLog}, Enabled: true,
		},
	}
}

// evaluateRule computes the rule's aggregate over its window across the
// raw buffer and reports whether it breaches the threshold.
func (a *Aggregator) evaluateRule(rule AlertRule, now time.Time) (breach bool, measured float64) {
	cutoff := now.Add(-time.Duration(rule.WindowSeconds) * time.Second)

	a.mu.Lock()
	var values []float64
	for _, rec := range a.raw {
		if rec.recordedAt.Before(cutoff) {
			continue
		}
		if rule.Model != "" && rec.metric.Model != rule.Model {
			continue
		}
		values = append(values, sampleValue(rule.Metric, rec.metric))
	}
	a.mu.Unlock()

	if len(values) == 0 {
		return false, 0
	}
	measured = reduce(rule.Aggregation, values)
	return compare(rule.Operator, measured, rule.Threshold), measured
}

func sampleValue(metric AlertMetric, m types.PerformanceMetric) float64 {
	switch metric {
	case MetricErrorRate:
		if m.Success {
			return 0
		}
		return 1
	case MetricResponseTime:
		return float64(m.TotalTime.Milliseconds())
	case MetricCostPerRequest:
		return m.Cost
	case MetricSuccessRate:
		if m.Success {
			return 100
		}
		return 0
	case MetricThroughput:
		return 1
	default:
		return 0
	}
}

func reduce(agg AlertAggregation, values []float64) float64 {
	switch agg {
	case AggSum:
		var s float64
		for _, v := range values {
			s += v
		}
		return s
	case AggCount:
		return float64(len(values))
	case AggMax:
		m := values[0]
		for _, v := range values {
			if v > m {
				m = v
			}
		}
		return m
	case AggMin:
		m := values[0]
		for _, v := range values {
			if v < m {
				m = v
			}
		}
		return m
	default: // avg
		var s float64
		for _, v := range values {
			s += v
		}
		return s / float64(len(values))
	}
}

func compare(op AlertOperator, measured, threshold float64) bool {
	switch op {
	case OpGT:
		return measured > threshold
	case OpLT:
		return measured < threshold
	case OpGE:
		return measured >= threshold
	case OpLE:
		return measured <= threshold
	case OpEQ:
		return measured == threshold
	default:
		return false
	}
}

// EvaluateAlerts runs one pass of every enabled rule: fires a new alert if
// breached and none is active, resolves an active alert otherwise.
// Triggering a rule twice without a resolve yields one active alert
// (§8 alert idempotence).
func (a *Aggregator) EvaluateAlerts(ctx context.Context) {
	now := a.clock()
	for _, rule := range a.rules {
		if !rule.Enabled {
			continue
		}
		breach, measured := a.evaluateRule(rule, now)

		a.mu.Lock()
		existing, hasActive := a.active[rule.ID]
		a.mu.Unlock()

		if breach && !hasActive {
			alert := &types.Alert{
				ID: fmt.Sprintf("%s_%d", rule.ID, now.UnixNano()), RuleID: rule.ID,
				Severity: rule.Severity, State: types.AlertFiring, FiredAt: now,
				Measured: map[string]float64{string(rule.Metric): measured},
			}
			a.mu.Lock()
			a.active[rule.ID] = alert
			a.mu.Unlock()
			a.runActions(rule, measured, now)
		} else if !breach && hasActive {
			resolvedAt := now
			existing.ResolvedAt = &resolvedAt
			existing.State = types.AlertResolved
			a.mu.Lock()
			delete(a.active, rule.ID)
			a.mu.Unlock()
		}
	}
}

func (a *Aggregator) runActions(rule AlertRule, measured float64, now time.Time) {
	for _, action := range rule.Actions {
		switch action {
		case ActionLog:
			a.logger.Warn("alert fired", zap.String("rule", rule.ID), zap.Float64("measured", measured))
		case ActionDisableModel:
			if a.registry == nil {
				continue
			}
			models := a.modelsToDisable(rule, now)
			for _, model := range models {
				a.registry.SetEnabled(model, false)
				a.logger.Warn("model disabled by alert", zap.String("rule", rule.ID), zap.String("model", string(model)))
			}
		case ActionWebhook, ActionEmail:
			// external delivery is an out-of-scope collaborator (§1);
			// the core only decides to fire, not how it's delivered.
		}
	}
}

// modelsToDisable resolves which model(s) ActionDisableModel should act
// on. A per-model rule (rule.Model set) always names exactly one. An
// evaluate-across-all rule (rule.Model empty, e.g. DefaultRules' own
// default-error-rate) instead re-aggregates the window per model and
// disables every model that individually breaches the threshold, so the
// telemetry->disable->router feedback loop (§2/§4.6) fires even when the
// rule that triggered it was never scoped to one model.
func (a *Aggregator) modelsToDisable(rule AlertRule, now time.Time) []types.Model {
	if rule.Model != "" {
		return []types.Model{rule.Model}
	}

	cutoff := now.Add(-time.Duration(rule.WindowSeconds) * time.Second)
	a.mu.Lock()
	byModel := make(map[types.Model][]float64)
	for _, rec := range a.raw {
		if rec.recordedAt.Before(cutoff) {
			continue
		}
		byModel[rec.metric.Model] = append(byModel[rec.metric.Model], sampleValue(rule.Metric, rec.metric))
	}
	a.mu.Unlock()

	var out []types.Model
	for model, values := range byModel {
		if len(values) == 0 {
			continue
		}
		if compare(rule.Operator, reduce(rule.Aggregation, values), rule.Threshold) {
			out = append(out, model)
		}
	}
	return out
}

// ActiveAlerts returns a snapshot of currently firing alerts.
func (a *Aggregator) ActiveAlerts() []types.Alert {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]types.Alert, 0, len(a.active))
	for _, alert := range a.active {
		out = append(out, *alert)
	}
	return out
}

// StartAlertLoop runs EvaluateAlerts on a fixed cadence (default 30s).
func (a *Aggregator) StartAlertLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.EvaluateAlerts(ctx)
			}
		}
	}()
}
