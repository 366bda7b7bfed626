// Package circuitbreaker implements a per-model circuit breaker: a guard
// that skips a model after repeated failures and auto-recovers after a
// timeout.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/modelrouter/core/types"
)

// State is one of the three breaker states.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateOpen:
		return "Open"
	case StateHalfOpen:
		return "HalfOpen"
	default:
		return "Unknown"
	}
}

// Config tunes breaker behavior.
type Config struct {
	// Threshold is the consecutive-failure count that opens the breaker.
	Threshold int

	// Timeout bounds a single call.
	Timeout time.Duration

	// ResetTimeout is how long the breaker stays Open before probing
	// again in HalfOpen.
	ResetTimeout time.Duration

	// HalfOpenMaxCalls caps concurrent probes while HalfOpen.
	HalfOpenMaxCalls int

	OnStateChange func(from, to State)
}

// DefaultConfig matches §4.4/§6: threshold=5, recoveryTimeout=60s.
func DefaultConfig() *Config {
	return &Config{
		Threshold:        5,
		Timeout:          30 * time.Second,
		ResetTimeout:     60 * time.Second,
		HalfOpenMaxCalls: 3,
	}
}

// CircuitBreaker is the guard interface consumed by the fallback executor.
type CircuitBreaker interface {
	Call(ctx context.Context, fn func() error) error
	CallWithResult(ctx context.Context, fn func() (any, error)) (any, error)
	State() State
	Reset()
}

type breaker struct {
	config *Config
	logger *zap.Logger

	mu                sync.RWMutex
	state             State
	failureCount      int
	lastFailureTime   time.Time
	halfOpenCallCount int
}

// NewCircuitBreaker creates a breaker. A nil config uses DefaultConfig.
func NewCircuitBreaker(config *Config, logger *zap.Logger) CircuitBreaker {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Threshold <= 0 {
		config.Threshold = 5
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 60 * time.Second
	}
	if config.HalfOpenMaxCalls <= 0 {
		config.HalfOpenMaxCalls = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &breaker{config: config, logger: logger, state: StateClosed}
}

func (b *breaker) Call(ctx context.Context, fn func() error) error {
	_, err := b.CallWithResult(ctx, func() (any, error) {
		return nil, fn()
	})
	return err
}

type callResult struct {
	result any
	err    error
}

// CallWithResult runs fn, honoring the breaker's state machine plus a
// per-call timeout; the call itself races against the timeout in a
// goroutine so a hung fn cannot block the breaker past Timeout.
func (b *breaker) CallWithResult(ctx context.Context, fn func() (any, error)) (any, error) {
	if err := b.beforeCall(); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, b.config.Timeout)
	defer cancel()

	resultCh := make(chan callResult, 1)
	go func() {
		result, err := fn()
		resultCh <- callResult{result: result, err: err}
	}()

	select {
	case <-callCtx.Done():
		err := types.NewError(types.ErrTimeout, "circuit breaker call timed out").WithCause(callCtx.Err()).WithRetryable(true)
		b.afterCall(false)
		return nil, err

	case res := <-resultCh:
		success := res.err == nil || isClientError(res.err)
		b.afterCall(success)
		if !success {
			return nil, res.err
		}
		return res.result, nil
	}
}

// isClientError reports whether an error should NOT count toward the
// breaker's failure threshold: request-shaped failures are the caller's
// fault, not the model's, per §4.4/§7 (AUTH_ERROR, NOT_FOUND,
// VALIDATION_ERROR never imply the model itself is unhealthy).
func isClientError(err error) bool {
	code := types.GetErrorCode(err)
	switch code {
	case types.ErrAuthError, types.ErrNotFound, types.ErrValidationErr,
		types.ErrUnauthorized, types.ErrForbidden, types.ErrQuotaExceeded,
		types.ErrContentFiltered, types.ErrToolValidation, types.ErrContextTooLong:
		return true
	}
	return false
}

func (b *breaker) beforeCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		if time.Since(b.lastFailureTime) > b.config.ResetTimeout {
			b.setState(StateHalfOpen)
			b.halfOpenCallCount = 0
			b.logger.Info("circuit breaker entering half-open")
			return nil
		}
		return ErrCircuitOpen

	case StateHalfOpen:
		if b.halfOpenCallCount >= b.config.HalfOpenMaxCalls {
			return ErrTooManyCallsInHalfOpen
		}
		b.halfOpenCallCount++
		return nil

	default:
		return fmt.Errorf("unknown circuit breaker state: %v", b.state)
	}
}

func (b *breaker) afterCall(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if success {
		b.onSuccess()
	} else {
		b.onFailure()
	}
}

func (b *breaker) onSuccess() {
	switch b.state {
	case StateClosed:
		b.failureCount = 0
	case StateHalfOpen:
		b.logger.Info("circuit breaker recovered", zap.Int("half_open_calls", b.halfOpenCallCount))
		b.setState(StateClosed)
		b.failureCount = 0
		b.halfOpenCallCount = 0
	case StateOpen:
		b.logger.Warn("success recorded while breaker open")
	}
}

func (b *breaker) onFailure() {
	b.failureCount++
	b.lastFailureTime = time.Now()

	switch b.state {
	case StateClosed:
		if b.failureCount >= b.config.Threshold {
			b.logger.Warn("circuit breaker opening",
				zap.Int("failure_count", b.failureCount), zap.Int("threshold", b.config.Threshold))
			b.setState(StateOpen)
		}
	case StateHalfOpen:
		b.logger.Warn("circuit breaker re-opening after half-open failure")
		b.setState(StateOpen)
		b.halfOpenCallCount = 0
	case StateOpen:
		b.logger.Warn("failure recorded while breaker already open")
	}
}

func (b *breaker) setState(newState State) {
	oldState := b.state
	b.state = newState
	if b.config.OnStateChange != nil {
		go b.config.OnStateChange(oldState, newState)
	}
}

func (b *breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

func (b *breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	oldState := b.state
	b.state = StateClosed
	b.failureCount = 0
	b.halfOpenCallCount = 0
	b.logger.Info("circuit breaker reset", zap.String("from_state", oldState.String()))
	if b.config.OnStateChange != nil {
		go b.config.OnStateChange(oldState, StateClosed)
	}
}

var (
	ErrCircuitOpen            = errors.New("circuit breaker open")
	ErrTooManyCallsInHalfOpen = errors.New("too many calls in half-open state")
)
