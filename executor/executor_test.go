package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelrouter/core/provider"
	"github.com/modelrouter/core/resilience/circuitbreaker"
	"github.com/modelrouter/core/types"
)

// fakeProvider returns a fixed response or error, counting calls.
type fakeProvider struct {
	name   string
	models []types.Model
	err    error
	resp   provider.ChatResponse
	calls  int
}

func (f *fakeProvider) Name() string            { return f.name }
func (f *fakeProvider) Models() []types.Model   { return f.models }
func (f *fakeProvider) Ping(ctx context.Context) bool { return f.err == nil }
func (f *fakeProvider) Complete(ctx context.Context, req provider.ChatRequest) (provider.ChatResponse, error) {
	f.calls++
	if f.err != nil {
		return provider.ChatResponse{}, f.err
	}
	return f.resp, nil
}

// fakeResolver implements ProviderResolver over an in-memory map.
type fakeResolver struct {
	providers map[types.Model]provider.Provider
	unhealthy map[types.Model]bool
	denied    map[types.Model]bool
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{
		providers: make(map[types.Model]provider.Provider),
		unhealthy: make(map[types.Model]bool),
		denied:    make(map[types.Model]bool),
	}
}

func (r *fakeResolver) ProviderFor(m types.Model) (provider.Provider, bool) {
	p, ok := r.providers[m]
	return p, ok
}
func (r *fakeResolver) Healthy(m types.Model) bool { return !r.unhealthy[m] }
func (r *fakeResolver) Allow(m types.Model) bool   { return !r.denied[m] }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxRetries = 1
	cfg.RequestTimeout = time.Second
	return cfg
}

func TestExecute_SucceedsOnPrimary(t *testing.T) {
	resolver := newFakeResolver()
	resolver.providers[types.ModelLlama8B] = &fakeProvider{name: "p1", resp: provider.ChatResponse{Content: "hi"}}

	e := New(resolver, nil, testConfig(), nil).WithSleep(func(time.Duration) {})
	decision := types.RouteDecision{Primary: types.ModelLlama8B}

	result, err := e.Execute(context.Background(), decision, provider.ChatRequest{}, types.TaskSummary, types.AgentVerifier, "req1")
	require.NoError(t, err)
	assert.Equal(t, types.ModelLlama8B, result.Model)
	assert.False(t, result.FallbackUsed)
	assert.Equal(t, "hi", result.Response.Content)
}

func TestExecute_FallsBackOnPrimaryFailure(t *testing.T) {
	resolver := newFakeResolver()
	resolver.providers[types.ModelLlama8B] = &fakeProvider{name: "p1", err: types.NewError(types.ErrServerError, "boom").WithRetryable(true)}
	resolver.providers[types.ModelMistral7B] = &fakeProvider{name: "p2", resp: provider.ChatResponse{Content: "fallback"}}

	e := New(resolver, nil, testConfig(), nil).WithSleep(func(time.Duration) {})
	decision := types.RouteDecision{Primary: types.ModelLlama8B, Fallbacks: []types.Model{types.ModelMistral7B}}

	result, err := e.Execute(context.Background(), decision, provider.ChatRequest{}, types.TaskSummary, types.AgentVerifier, "req1")
	require.NoError(t, err)
	assert.Equal(t, types.ModelMistral7B, result.Model)
	assert.True(t, result.FallbackUsed)
}

func TestExecute_SkipsUnhealthyProvider(t *testing.T) {
	resolver := newFakeResolver()
	resolver.unhealthy[types.ModelLlama8B] = true
	resolver.providers[types.ModelMistral7B] = &fakeProvider{name: "p2", resp: provider.ChatResponse{Content: "ok"}}

	e := New(resolver, nil, testConfig(), nil).WithSleep(func(time.Duration) {})
	decision := types.RouteDecision{Primary: types.ModelLlama8B, Fallbacks: []types.Model{types.ModelMistral7B}}

	result, err := e.Execute(context.Background(), decision, provider.ChatRequest{}, types.TaskSummary, types.AgentVerifier, "req1")
	require.NoError(t, err)
	assert.Equal(t, types.ModelMistral7B, result.Model)
}

func TestExecute_RateLimitedProviderIsSkipped(t *testing.T) {
	resolver := newFakeResolver()
	resolver.denied[types.ModelLlama8B] = true
	resolver.providers[types.ModelMistral7B] = &fakeProvider{name: "p2", resp: provider.ChatResponse{Content: "ok"}}

	e := New(resolver, nil, testConfig(), nil).WithSleep(func(time.Duration) {})
	decision := types.RouteDecision{Primary: types.ModelLlama8B, Fallbacks: []types.Model{types.ModelMistral7B}}

	result, err := e.Execute(context.Background(), decision, provider.ChatRequest{}, types.TaskSummary, types.AgentVerifier, "req1")
	require.NoError(t, err)
	assert.Equal(t, types.ModelMistral7B, result.Model)
}

func TestExecute_AllCandidatesFailReturnsLastError(t *testing.T) {
	resolver := newFakeResolver()
	resolver.providers[types.ModelLlama8B] = &fakeProvider{name: "p1", err: types.NewError(types.ErrValidationErr, "bad request")}

	e := New(resolver, nil, testConfig(), nil).WithSleep(func(time.Duration) {})
	decision := types.RouteDecision{Primary: types.ModelLlama8B}

	_, err := e.Execute(context.Background(), decision, provider.ChatRequest{}, types.TaskSummary, types.AgentVerifier, "req1")
	require.Error(t, err)
	assert.Equal(t, types.ErrValidationErr, types.GetErrorCode(err))
}

func TestExecute_NoProviderForModelIsNotFound(t *testing.T) {
	resolver := newFakeResolver()
	e := New(resolver, nil, testConfig(), nil).WithSleep(func(time.Duration) {})
	decision := types.RouteDecision{Primary: types.ModelLlama8B}

	_, err := e.Execute(context.Background(), decision, provider.ChatRequest{}, types.TaskSummary, types.AgentVerifier, "req1")
	require.Error(t, err)
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))
}

func TestExecute_NeverRepeatsAModelInTheAttemptSequence(t *testing.T) {
	resolver := newFakeResolver()
	failing := &fakeProvider{name: "p1", err: types.NewError(types.ErrServerError, "boom").WithRetryable(true)}
	resolver.providers[types.ModelLlama8B] = failing

	e := New(resolver, nil, testConfig(), nil).WithSleep(func(time.Duration) {})
	// Fallbacks repeat the primary; Execute attempts each model at most
	// once, so the repeat adds no calls beyond the primary's own retry.
	decision := types.RouteDecision{Primary: types.ModelLlama8B, Fallbacks: []types.Model{types.ModelLlama8B}}

	_, err := e.Execute(context.Background(), decision, provider.ChatRequest{}, types.TaskSummary, types.AgentVerifier, "req1")
	require.Error(t, err)
	assert.Equal(t, 2, failing.calls) // 1 initial + 1 retry (MaxRetries=1)
}

func TestExecute_RecordsMetricsOnSuccessAndFailure(t *testing.T) {
	resolver := newFakeResolver()
	resolver.providers[types.ModelLlama8B] = &fakeProvider{name: "p1", resp: provider.ChatResponse{Content: "hi"}}

	sink := &fakeSink{}
	e := New(resolver, sink, testConfig(), nil).WithSleep(func(time.Duration) {})
	decision := types.RouteDecision{Primary: types.ModelLlama8B}

	_, err := e.Execute(context.Background(), decision, provider.ChatRequest{}, types.TaskSummary, types.AgentVerifier, "req1")
	require.NoError(t, err)
	require.Len(t, sink.metrics, 1)
	assert.True(t, sink.metrics[0].Success)

	resolver.providers[types.ModelMistral7B] = &fakeProvider{name: "p2", err: types.NewError(types.ErrValidationErr, "bad request")}
	_, err = e.Execute(context.Background(), types.RouteDecision{Primary: types.ModelMistral7B}, provider.ChatRequest{}, types.TaskSummary, types.AgentVerifier, "req2")
	require.Error(t, err)
	require.Len(t, sink.metrics, 2)
	assert.False(t, sink.metrics[1].Success)
	assert.Equal(t, types.ErrValidationErr, sink.metrics[1].ErrorType)
}

type fakeSink struct{ metrics []types.PerformanceMetric }

func (f *fakeSink) Record(m types.PerformanceMetric) { f.metrics = append(f.metrics, m) }

func TestRateLimitWait_HonorsHintWhenBelowCap(t *testing.T) {
	err := types.NewError(types.ErrRateLimit, "slow down").WithRetryAfter(5 * time.Second)
	assert.Equal(t, 5*time.Second, rateLimitWait(err, 60*time.Second))
}

func TestRateLimitWait_CapsHintAboveCeiling(t *testing.T) {
	err := types.NewError(types.ErrRateLimit, "slow down").WithRetryAfter(2 * time.Minute)
	assert.Equal(t, 60*time.Second, rateLimitWait(err, 60*time.Second))
}

func TestRateLimitWait_FallsBackToCapWithoutHint(t *testing.T) {
	err := types.NewError(types.ErrRateLimit, "slow down")
	assert.Equal(t, 60*time.Second, rateLimitWait(err, 60*time.Second))
}

func TestExecute_RateLimitRetrySleepsForHintedDuration(t *testing.T) {
	resolver := newFakeResolver()
	failing := &fakeProvider{name: "p1", err: types.NewError(types.ErrRateLimit, "slow down").WithRetryable(true).WithRetryAfter(3 * time.Second)}
	resolver.providers[types.ModelLlama8B] = failing

	var slept []time.Duration
	cfg := testConfig()
	cfg.MaxRateLimitWait = 60 * time.Second
	e := New(resolver, nil, cfg, nil).WithSleep(func(d time.Duration) { slept = append(slept, d) })
	decision := types.RouteDecision{Primary: types.ModelLlama8B}

	_, err := e.Execute(context.Background(), decision, provider.ChatRequest{}, types.TaskSummary, types.AgentVerifier, "req1")
	require.Error(t, err)
	require.Len(t, slept, 1)
	assert.Equal(t, 3*time.Second, slept[0], "should sleep the provider's hinted wait, not the full 60s cap")
}

func TestExecute_CircuitBreakerOpenSkipsModel(t *testing.T) {
	resolver := newFakeResolver()
	failing := &fakeProvider{name: "p1", err: types.NewError(types.ErrServerError, "boom").WithRetryable(true)}
	resolver.providers[types.ModelLlama8B] = failing
	resolver.providers[types.ModelMistral7B] = &fakeProvider{name: "p2", resp: provider.ChatResponse{Content: "ok"}}

	cfg := testConfig()
	cfg.Breaker = &circuitbreaker.Config{Threshold: 1, Timeout: time.Second, ResetTimeout: time.Hour, HalfOpenMaxCalls: 1}
	e := New(resolver, nil, cfg, nil).WithSleep(func(time.Duration) {})
	decision := types.RouteDecision{Primary: types.ModelLlama8B, Fallbacks: []types.Model{types.ModelMistral7B}}

	// first call opens the breaker for ModelLlama8B
	_, err := e.Execute(context.Background(), decision, provider.ChatRequest{}, types.TaskSummary, types.AgentVerifier, "req1")
	require.NoError(t, err)

	callsBefore := failing.calls
	// second call: breaker should now be open, primary skipped entirely
	result, err := e.Execute(context.Background(), decision, provider.ChatRequest{}, types.TaskSummary, types.AgentVerifier, "req2")
	require.NoError(t, err)
	assert.Equal(t, types.ModelMistral7B, result.Model)
	assert.Equal(t, callsBefore, failing.calls, "breaker-open model must not be called again")
}
