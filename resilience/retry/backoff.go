// Package retry implements exponential backoff with jitter, the delay
// engine the fallback executor drives per attempt.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/modelrouter/core/types"
)

// Policy configures the backoff curve. MaxRetries bounds attempts within
// the same model (§4.4 default ≤3).
type Policy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
	OnRetry      func(attempt int, err error, delay time.Duration)
}

// DefaultPolicy matches §4.4/§6: base backoff doubling, capped at 30s,
// at most 3 retries.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxRetries:   3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

func normalize(p *Policy) *Policy {
	if p == nil {
		return DefaultPolicy()
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 1 * time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.Multiplier < 1.0 {
		p.Multiplier = 2.0
	}
	return p
}

// Retryer drives fn through the backoff curve, retrying only errors that
// classify retryable (types.IsRetryable).
type Retryer struct {
	policy *Policy
	logger *zap.Logger
	sleep  func(d time.Duration)
}

// New builds a Retryer. A nil sleep uses time.Sleep gated on ctx.Done.
func New(policy *Policy, logger *zap.Logger) *Retryer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retryer{policy: normalize(policy), logger: logger}
}

// WithSleep overrides the sleep function, for deterministic tests.
func (r *Retryer) WithSleep(sleep func(time.Duration)) *Retryer {
	r.sleep = sleep
	return r
}

// Do runs fn, retrying per policy while types.IsRetryable(err).
func (r *Retryer) Do(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= r.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := r.CalculateDelay(attempt)
			if r.policy.OnRetry != nil {
				r.policy.OnRetry(attempt, lastErr, delay)
			}
			if err := r.wait(ctx, delay); err != nil {
				return err
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !types.IsRetryable(lastErr) {
			return lastErr
		}
		if attempt >= r.policy.MaxRetries {
			break
		}
	}
	return fmt.Errorf("exhausted %d retries: %w", r.policy.MaxRetries, lastErr)
}

func (r *Retryer) wait(ctx context.Context, delay time.Duration) error {
	if r.sleep != nil {
		r.sleep(delay)
		return nil
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("retry cancelled: %w", ctx.Err())
	case <-time.After(delay):
		return nil
	}
}

// CalculateDelay implements exponential backoff with ±25% jitter, capped
// at MaxDelay and floored at InitialDelay.
func (r *Retryer) CalculateDelay(attempt int) time.Duration {
	delay := float64(r.policy.InitialDelay) * math.Pow(r.policy.Multiplier, float64(attempt-1))
	if r.policy.Jitter {
		jitter := delay * 0.25
		delay += (rand.Float64()*2 - 1) * jitter
	}
	if delay > float64(r.policy.MaxDelay) {
		delay = float64(r.policy.MaxDelay)
	}
	if delay < float64(r.policy.InitialDelay) {
		delay = float64(r.policy.InitialDelay)
	}
	return time.Duration(delay)
}
