// Package executor drives a RouteDecision through primary→fallbacks with
// retry, timeout, and circuit-breaking, reporting the first success or the
// last error describing the whole chain.
package executor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/modelrouter/core/provider"
	"github.com/modelrouter/core/resilience/circuitbreaker"
	"github.com/modelrouter/core/resilience/retry"
	"github.com/modelrouter/core/types"
)

// ProviderResolver maps a model to the provider hosting it and reports
// health, decoupling the executor from the provider registry's full API.
type ProviderResolver interface {
	ProviderFor(m types.Model) (provider.Provider, bool)
	Healthy(m types.Model) bool
	Allow(m types.Model) bool
}

// MetricSink receives a PerformanceMetric once per completed request,
// success or failure, regardless of outcome.
type MetricSink interface {
	Record(m types.PerformanceMetric)
}

// Config tunes the executor's retry/breaker knobs (§6 fallback.* schema).
type Config struct {
	MaxRetries      int
	RequestTimeout  time.Duration
	MaxRateLimitWait time.Duration
	Breaker         *circuitbreaker.Config
}

// DefaultConfig matches §4.4/§6 defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:       3,
		RequestTimeout:   30 * time.Second,
		MaxRateLimitWait: 60 * time.Second,
		Breaker:          circuitbreaker.DefaultConfig(),
	}
}

// Executor implements §4.4.
type Executor struct {
	resolver ProviderResolver
	breakers *circuitbreaker.Pool
	metrics  MetricSink
	cfg      Config
	logger   *zap.Logger

	sleep func(time.Duration)
}

// New builds an Executor. metrics may be nil (metrics are simply dropped).
func New(resolver ProviderResolver, metrics MetricSink, cfg Config, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.MaxRateLimitWait <= 0 {
		cfg.MaxRateLimitWait = 60 * time.Second
	}
	return &Executor{
		resolver: resolver,
		breakers: circuitbreaker.NewPool(cfg.Breaker, logger),
		metrics:  metrics,
		cfg:      cfg,
		logger:   logger,
		sleep:    time.Sleep,
	}
}

// WithSleep overrides the sleep function used for rate-limit/backoff
// waits, for deterministic tests.
func (e *Executor) WithSleep(sleep func(time.Duration)) *Executor {
	e.sleep = sleep
	return e
}

// Result is the outcome of one successful attempt.
type Result struct {
	Model        types.Model
	Response     provider.ChatResponse
	FallbackUsed bool
	RetryCount   int
}

// Execute drives decision.Primary then decision.Fallbacks in order. The
// attempted-model sequence never repeats a model and is always a filtered
// prefix of [primary]++fallbacks (§8 fallback monotonicity).
func (e *Executor) Execute(ctx context.Context, decision types.RouteDecision, req provider.ChatRequest, taskType types.TaskType, agentType types.AgentType, requestID string) (Result, error) {
	candidates := make([]types.Model, 0, 1+len(decision.Fallbacks))
	seen := make(map[types.Model]bool, 1+len(decision.Fallbacks))
	for _, m := range append([]types.Model{decision.Primary}, decision.Fallbacks...) {
		if !seen[m] {
			seen[m] = true
			candidates = append(candidates, m)
		}
	}

	start := time.Now()
	var lastErr error
	retryCount := 0

	for i, model := range candidates {
		if !e.resolver.Healthy(model) {
			lastErr = types.NewError(types.ErrServiceUnavailable, "provider unhealthy").WithProvider(string(model))
			continue
		}
		if !e.resolver.Allow(model) {
			lastErr = types.NewError(types.ErrRateLimit, "provider rate limit exceeded").WithProvider(string(model)).WithRetryable(true)
			continue
		}

		breaker := e.breakers.For(model)
		if breaker.State() == circuitbreaker.StateOpen {
			lastErr = types.NewError(types.ErrServiceUnavailable, "circuit breaker open").WithProvider(string(model))
			continue
		}

		resp, attempts, err := e.attemptModel(ctx, model, req)
		retryCount += attempts
		if err == nil {
			fallbackUsed := i > 0
			e.record(types.PerformanceMetric{
				Model: model, TaskType: taskType, AgentType: agentType, RequestID: requestID,
				TotalTime: time.Since(start), TokensUsed: resp.Usage.TotalTokens,
				Cost: decision.EstCost, Confidence: float64(decision.Confidence),
				Success: true, RetryCount: retryCount, FallbackUsed: fallbackUsed,
			})
			return Result{Model: model, Response: resp, FallbackUsed: fallbackUsed, RetryCount: retryCount}, nil
		}
		lastErr = err

		// A caller-cancelled/expired deadline aborts the whole chain
		// immediately rather than trying the next fallback (§5).
		if ctx.Err() != nil {
			lastErr = types.NewError(types.ErrTimeout, "request deadline exceeded").WithCause(ctx.Err())
			break
		}
	}

	e.record(types.PerformanceMetric{
		Model: decision.Primary, TaskType: taskType, AgentType: agentType, RequestID: requestID,
		TotalTime: time.Since(start), Cost: 0, Confidence: float64(decision.Confidence),
		Success: false, ErrorType: types.GetErrorCode(lastErr), RetryCount: retryCount, FallbackUsed: len(candidates) > 1,
	})
	return Result{}, lastErr
}

// attemptModel runs one model through the breaker, the per-request
// timeout, and the error-classified retry/backoff loop of §4.4, returning
// the number of failed attempts (the first included).
func (e *Executor) attemptModel(ctx context.Context, model types.Model, req provider.ChatRequest) (provider.ChatResponse, int, error) {
	p, ok := e.resolver.ProviderFor(model)
	if !ok {
		return provider.ChatResponse{}, 0, types.NewError(types.ErrNotFound, "no provider for model").WithProvider(string(model))
	}
	breaker := e.breakers.For(model)
	req.Model = model

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
		res, err := breaker.CallWithResult(attemptCtx, func() (any, error) {
			return p.Complete(attemptCtx, req)
		})
		cancel()

		if err == nil {
			return res.(provider.ChatResponse), attempts, nil
		}
		lastErr = err
		attempts++

		if attempt >= e.cfg.MaxRetries {
			break
		}
		if ctx.Err() != nil {
			break
		}

		switch types.GetErrorCode(err) {
		case types.ErrRateLimit:
			e.sleep(rateLimitWait(err, e.cfg.MaxRateLimitWait))
		case types.ErrServerError, types.ErrNetworkError, types.ErrTimeout:
			delay := retry.New(retry.DefaultPolicy(), e.logger).CalculateDelay(attempt + 1)
			e.sleep(delay)
		default:
			return provider.ChatResponse{}, attempts, lastErr
		}
	}
	return provider.ChatResponse{}, attempts, lastErr
}

// rateLimitWait honors the provider's Retry-After hint (§4.4), capped at
// the configured ceiling; a missing or zero hint falls back to the cap.
func rateLimitWait(err error, cap time.Duration) time.Duration {
	rErr, ok := err.(*types.Error)
	if !ok || rErr.RetryAfter <= 0 || rErr.RetryAfter >= cap {
		return cap
	}
	return rErr.RetryAfter
}

func (e *Executor) record(m types.PerformanceMetric) {
	if e.metrics == nil {
		return
	}
	e.metrics.Record(m)
}
