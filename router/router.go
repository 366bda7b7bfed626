// Package router selects a primary model and ordered fallback list for a
// TaskContext, explains the decision, and estimates cost and time.
//
// # Architecture
//
//	TaskContext -> rule selector -> constraint overrides -> fallback list
//	                                          |
//	                                   confidence + cost/time estimate
//
// Selection is deterministic: two identical TaskContexts against identical
// registry state produce equal (primary, fallbacks); only the rationale
// string's appended decision counter may differ.
package router

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/modelrouter/core/capability"
	"github.com/modelrouter/core/types"
)

// SuccessRateProvider exposes the Aggregator's per-model EMA success rate
// (0-100) without the router depending on the aggregator package directly.
type SuccessRateProvider interface {
	SuccessRate(m types.Model) float64
}

// staticSuccessRate is used until an Aggregator is wired; every model
// starts at a neutral 75.
type staticSuccessRate struct{}

func (staticSuccessRate) SuccessRate(types.Model) float64 { return 75 }

// baseTokens is the static per-task-type token estimate used by the cost
// and time estimator.
var baseTokens = map[types.TaskType]int{
	types.TaskFormFilling:     200,
	types.TaskCustomWorkflow:  800,
	types.TaskCompanyResearch: 600,
	types.TaskDataExtraction:  300,
	types.TaskContactScraping: 250,
	types.TaskJobSearch:       350,
	types.TaskSummary:         500,
}

func complexityFactor(c types.Complexity) float64 {
	switch c {
	case types.ComplexityHigh:
		return 1.5
	case types.ComplexityMedium:
		return 1.0
	default:
		return 0.7
	}
}

// Router implements the rule-based selection of §4.2.
type Router struct {
	mu        sync.Mutex
	registry  *capability.Registry
	successRate SuccessRateProvider
	logger    *zap.Logger

	history map[string][]types.RouteDecision
	counter int
}

// New builds a Router over the given capability registry. A nil
// SuccessRateProvider defaults to a neutral constant rate.
func New(registry *capability.Registry, rates SuccessRateProvider, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	if rates == nil {
		rates = staticSuccessRate{}
	}
	return &Router{
		registry:    registry,
		successRate: rates,
		logger:      logger,
		history:     make(map[string][]types.RouteDecision),
	}
}

// ErrInvalidTaskContext is returned when the TaskContext fails validation
// (empty/unknown TaskType) rather than being silently routed.
type ErrInvalidTaskContext struct{ Reason string }

func (e *ErrInvalidTaskContext) Error() string { return "invalid task context: " + e.Reason }

// Route selects primary + fallbacks for the given TaskContext.
func (r *Router) Route(tc types.TaskContext) (types.RouteDecision, error) {
	if tc.Type == "" {
		return types.RouteDecision{}, &ErrInvalidTaskContext{Reason: "empty task type"}
	}
	if _, ok := baseTokens[tc.Type]; !ok {
		return types.RouteDecision{}, &ErrInvalidTaskContext{Reason: "unknown task type " + string(tc.Type)}
	}

	primary, rationale := r.applyRules(tc)
	primary, rationale = r.applyOverrides(tc, primary, rationale)

	fallbacks := r.buildFallbacks(primary, tc)
	confidence := r.estimateConfidence(primary, tc)
	estCost, estTime := r.estimate(primary, tc)

	r.mu.Lock()
	r.counter++
	key := fmt.Sprintf("%s|%s|%s", tc.Type, tc.AgentType, tc.Complexity)
	decision := types.RouteDecision{
		Primary:    primary,
		Fallbacks:  fallbacks,
		Rationale:  fmt.Sprintf("%s (decision #%d)", rationale, r.counter),
		Confidence: confidence,
		EstCost:    estCost,
		EstTime:    estTime,
	}
	hist := append(r.history[key], decision)
	if len(hist) > 100 {
		hist = hist[len(hist)-100:]
	}
	r.history[key] = hist
	r.mu.Unlock()

	return decision, nil
}

// History returns the bounded decision log for a given (type,agent,complexity)
// key, for introspection.
func (r *Router) History(taskType types.TaskType, agentType types.AgentType, complexity types.Complexity) []types.RouteDecision {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := fmt.Sprintf("%s|%s|%s", taskType, agentType, complexity)
	out := make([]types.RouteDecision, len(r.history[key]))
	copy(out, r.history[key])
	return out
}

// applyRules implements the ordered, monotonic rule selector (§4.2.1).
func (r *Router) applyRules(tc types.TaskContext) (types.Model, string) {
	switch {
	case tc.Type == types.TaskFormFilling || tc.AgentType == types.AgentNavigator:
		return types.ModelMistral7B, "navigation/form-filling rule"

	case tc.AgentType == types.AgentPlanner || tc.Type == types.TaskCustomWorkflow ||
		(tc.Type == types.TaskCompanyResearch && tc.Complexity == types.ComplexityHigh):
		return types.ModelLlama70B, "planning/multi-step rule"

	case tc.AgentType == types.AgentExtractor || tc.Type == types.TaskDataExtraction ||
		tc.Type == types.TaskContactScraping ||
		(tc.Type == types.TaskCompanyResearch && tc.Complexity == types.ComplexityLow):
		return types.ModelNemoRetriever, "factual retrieval rule"

	case tc.Type == types.TaskCustomWorkflow ||
		(tc.AgentType == types.AgentNavigator && tc.Complexity == types.ComplexityHigh):
		if tc.Complexity == types.ComplexityHigh {
			return types.ModelDeepseekCoder, "code generation rule (high complexity)"
		}
		return types.ModelCodeLlama, "code generation rule"

	case tc.Type == types.TaskSummary || tc.AgentType == types.AgentVerifier:
		if tc.Complexity == types.ComplexityHigh {
			return types.ModelMixtral8x7B, "summary/report rule (high complexity)"
		}
		return types.ModelLlama8B, "summary/report rule"

	default:
		return types.ModelLlama8B, "default rule"
	}
}

// applyOverrides implements the constraint overrides of §4.2.2. Overrides
// apply in the stated order and the first one that fires wins.
func (r *Router) applyOverrides(tc types.TaskContext, primary types.Model, rationale string) (types.Model, string) {
	if tc.BudgetLimit != nil && *tc.BudgetLimit < 0.01 {
		return types.ModelMistral7B, "budget override (<0.01)"
	}
	if tc.TimeLimit != nil && *tc.TimeLimit < 30*time.Second {
		return types.ModelNemoRetriever, "time-limit override (<30s)"
	}
	if tc.UserTier == types.TierEnterprise {
		return types.ModelClaude35Sonnet, "enterprise-tier override"
	}
	if tc.Priority == types.PriorityUrgent {
		return types.ModelMistral7B, "urgent-priority override"
	}
	return primary, rationale
}

// buildFallbacks implements §4.2.3: at most two distinct models, in the
// stated priority order, never containing the primary.
func (r *Router) buildFallbacks(primary types.Model, tc types.TaskContext) []types.Model {
	var out []types.Model
	add := func(m types.Model) {
		if len(out) >= 2 || m == primary {
			return
		}
		for _, existing := range out {
			if existing == m {
				return
			}
		}
		out = append(out, m)
	}

	add(types.ModelMistral7B)
	if tc.Priority == types.PriorityHigh || tc.Priority == types.PriorityUrgent {
		add(types.ModelClaude35Sonnet)
	}
	add(types.ModelLlama8B)
	return out
}

// estimateConfidence averages the primary's dominant capability dimension,
// its reliability, and its observed EMA success rate (§4.2 confidence).
func (r *Router) estimateConfidence(primary types.Model, tc types.TaskContext) int {
	vec, ok := r.registry.Lookup(primary)
	if !ok {
		return 0
	}
	dominant := dominantScore(vec, tc)
	rate := r.successRate.SuccessRate(primary)
	avg := (float64(dominant) + float64(vec.Reliability) + rate) / 3.0
	if avg > 100 {
		avg = 100
	}
	if avg < 0 {
		avg = 0
	}
	return int(avg)
}

func dominantScore(vec types.CapabilityVector, tc types.TaskContext) int {
	switch tc.Type {
	case types.TaskFormFilling:
		return vec.Navigation
	case types.TaskCustomWorkflow:
		return vec.Coding
	case types.TaskCompanyResearch, types.TaskDataExtraction, types.TaskContactScraping:
		return vec.Extraction
	case types.TaskSummary:
		return vec.Summarization
	default:
		return vec.Reasoning
	}
}

// estimate implements §4.2's cost/time formula.
func (r *Router) estimate(primary types.Model, tc types.TaskContext) (float64, time.Duration) {
	vec, ok := r.registry.Lookup(primary)
	if !ok {
		return 0, 0
	}
	tokens := float64(baseTokens[tc.Type])*complexityFactor(tc.Complexity) + float64(tc.ContextSize)
	estCost := tokens / 1000 * vec.Cost
	speed := float64(vec.Speed)
	if speed <= 0 {
		speed = 1
	}
	estTime := time.Duration(tokens/speed*1000) * time.Millisecond
	return estCost, estTime
}
