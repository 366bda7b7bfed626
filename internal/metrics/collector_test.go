package metrics

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/modelrouter/core/types"
)

var collectorNamespaceSeq uint64

func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("test_%d", seq)
}

func TestNewCollector(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.requestsTotal)
	assert.NotNil(t, collector.requestDuration)
	assert.NotNil(t, collector.tokensUsed)
	assert.NotNil(t, collector.cost)
}

func TestCollector_ObserveSuccess(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.Observe(types.PerformanceMetric{
		Model: types.ModelMistral7B, TaskType: types.TaskFormFilling,
		TotalTime: 200 * time.Millisecond, TokensUsed: 120, Cost: 0.002, Success: true,
	})

	count := testutil.ToFloat64(collector.requestsTotal.WithLabelValues(
		string(types.ModelMistral7B), string(types.TaskFormFilling), "success", ""))
	assert.Equal(t, float64(1), count)

	tokens := testutil.ToFloat64(collector.tokensUsed.WithLabelValues(string(types.ModelMistral7B)))
	assert.Equal(t, float64(120), tokens)
}

func TestCollector_ObserveFailure(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.Observe(types.PerformanceMetric{
		Model: types.ModelClaude35Sonnet, TaskType: types.TaskSummary,
		TotalTime: time.Second, Success: false, ErrorType: types.ErrServerError,
	})

	count := testutil.ToFloat64(collector.requestsTotal.WithLabelValues(
		string(types.ModelClaude35Sonnet), string(types.TaskSummary), "failure", string(types.ErrServerError)))
	assert.Equal(t, float64(1), count)
}

func TestCollector_AccumulatesCost(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	for i := 0; i < 3; i++ {
		collector.Observe(types.PerformanceMetric{Model: types.ModelGPT4o, Cost: 0.01, Success: true})
	}

	cost := testutil.ToFloat64(collector.cost.WithLabelValues(string(types.ModelGPT4o)))
	assert.InDelta(t, 0.03, cost, 1e-9)
}
