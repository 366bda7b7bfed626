package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelrouter/core/capability"
	"github.com/modelrouter/core/types"
)

func newTestRouter() *Router {
	return New(capability.DefaultRegistry(), nil, nil)
}

func TestRoute_EmptyTaskTypeIsInvalid(t *testing.T) {
	r := newTestRouter()
	_, err := r.Route(types.TaskContext{})
	require.Error(t, err)
	var invalid *ErrInvalidTaskContext
	require.ErrorAs(t, err, &invalid)
}

func TestRoute_RuleSelection(t *testing.T) {
	tests := []struct {
		name    string
		tc      types.TaskContext
		primary types.Model
	}{
		{"form filling", types.TaskContext{Type: types.TaskFormFilling}, types.ModelMistral7B},
		{"navigator agent", types.TaskContext{Type: types.TaskJobSearch, AgentType: types.AgentNavigator}, types.ModelMistral7B},
		{"planner agent", types.TaskContext{Type: types.TaskJobSearch, AgentType: types.AgentPlanner}, types.ModelLlama70B},
		{"custom workflow", types.TaskContext{Type: types.TaskCustomWorkflow}, types.ModelLlama70B},
		{"company research high complexity", types.TaskContext{Type: types.TaskCompanyResearch, Complexity: types.ComplexityHigh}, types.ModelLlama70B},
		{"company research low complexity", types.TaskContext{Type: types.TaskCompanyResearch, Complexity: types.ComplexityLow}, types.ModelNemoRetriever},
		{"data extraction", types.TaskContext{Type: types.TaskDataExtraction}, types.ModelNemoRetriever},
		{"extractor agent", types.TaskContext{Type: types.TaskJobSearch, AgentType: types.AgentExtractor}, types.ModelNemoRetriever},
		{"summary high complexity", types.TaskContext{Type: types.TaskSummary, Complexity: types.ComplexityHigh}, types.ModelMixtral8x7B},
		{"summary default", types.TaskContext{Type: types.TaskSummary}, types.ModelLlama8B},
		{"verifier agent", types.TaskContext{Type: types.TaskJobSearch, AgentType: types.AgentVerifier}, types.ModelLlama8B},
		{"default rule", types.TaskContext{Type: types.TaskJobSearch}, types.ModelLlama8B},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRouter()
			decision, err := r.Route(tt.tc)
			require.NoError(t, err)
			assert.Equal(t, tt.primary, decision.Primary)
		})
	}
}

func TestRoute_Overrides(t *testing.T) {
	budget := 0.05
	lowBudget := 0.001
	shortTime := 10 * time.Second

	tests := []struct {
		name    string
		tc      types.TaskContext
		primary types.Model
	}{
		{
			name:    "budget override wins",
			tc:      types.TaskContext{Type: types.TaskSummary, BudgetLimit: &lowBudget},
			primary: types.ModelMistral7B,
		},
		{
			name:    "time limit override",
			tc:      types.TaskContext{Type: types.TaskSummary, TimeLimit: &shortTime},
			primary: types.ModelNemoRetriever,
		},
		{
			name:    "enterprise tier override",
			tc:      types.TaskContext{Type: types.TaskSummary, UserTier: types.TierEnterprise, BudgetLimit: &budget},
			primary: types.ModelClaude35Sonnet,
		},
		{
			name:    "urgent priority override",
			tc:      types.TaskContext{Type: types.TaskSummary, Priority: types.PriorityUrgent, BudgetLimit: &budget},
			primary: types.ModelMistral7B,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRouter()
			decision, err := r.Route(tt.tc)
			require.NoError(t, err)
			assert.Equal(t, tt.primary, decision.Primary)
		})
	}
}

func TestRoute_FallbacksNeverContainPrimaryAndAreBoundedAndDistinct(t *testing.T) {
	r := newTestRouter()
	for _, priority := range []types.Priority{types.PriorityLow, types.PriorityMedium, types.PriorityHigh, types.PriorityUrgent} {
		decision, err := r.Route(types.TaskContext{Type: types.TaskSummary, Priority: priority})
		require.NoError(t, err)
		assert.LessOrEqual(t, len(decision.Fallbacks), 2)
		seen := map[types.Model]bool{}
		for _, m := range decision.Fallbacks {
			assert.NotEqual(t, decision.Primary, m)
			assert.False(t, seen[m], "fallback list must not repeat a model")
			seen[m] = true
		}
	}
}

func TestRoute_Determinism(t *testing.T) {
	r := newTestRouter()
	tc := types.TaskContext{Type: types.TaskCompanyResearch, AgentType: types.AgentExtractor, Complexity: types.ComplexityMedium}

	d1, err := r.Route(tc)
	require.NoError(t, err)
	d2, err := r.Route(tc)
	require.NoError(t, err)

	assert.Equal(t, d1.Primary, d2.Primary)
	assert.Equal(t, d1.Fallbacks, d2.Fallbacks)
	assert.Equal(t, d1.Confidence, d2.Confidence)
	assert.Equal(t, d1.EstCost, d2.EstCost)
	assert.Equal(t, d1.EstTime, d2.EstTime)
}

func TestHistory_BoundedAtOneHundred(t *testing.T) {
	r := newTestRouter()
	tc := types.TaskContext{Type: types.TaskSummary}
	for i := 0; i < 150; i++ {
		_, err := r.Route(tc)
		require.NoError(t, err)
	}
	hist := r.History(tc.Type, tc.AgentType, tc.Complexity)
	assert.Len(t, hist, 100)
}

func TestEstimate_ZeroForUnknownModel(t *testing.T) {
	r := New(capability.DefaultRegistry(), nil, nil)
	cost, dur := r.estimate(types.Model("UNKNOWN"), types.TaskContext{Type: types.TaskSummary})
	assert.Zero(t, cost)
	assert.Zero(t, dur)
}
