package types

import (
	"errors"
	"testing"
	"time"
)

func TestError_ChainingAndHelpers(t *testing.T) {
	t.Parallel()

	root := errors.New("root")
	err := NewError(ErrUpstreamError, "upstream failed").
		WithCause(root).
		WithHTTPStatus(502).
		WithRetryable(true).
		WithProvider("openai")

	if GetErrorCode(err) != ErrUpstreamError {
		t.Fatalf("expected code %s, got %s", ErrUpstreamError, GetErrorCode(err))
	}
	if !IsRetryable(err) {
		t.Fatalf("expected retryable")
	}
	if !errors.Is(err, root) {
		t.Fatalf("expected errors.Is unwrap to root")
	}
	if got := err.Error(); got == "" {
		t.Fatalf("expected non-empty error string")
	}
}

func TestError_WithRetryAfterDefaultsToZero(t *testing.T) {
	t.Parallel()

	err := NewError(ErrRateLimit, "slow down")
	if err.RetryAfter != 0 {
		t.Fatalf("expected zero RetryAfter before WithRetryAfter, got %v", err.RetryAfter)
	}
	err = err.WithRetryAfter(7 * time.Second)
	if err.RetryAfter != 7*time.Second {
		t.Fatalf("expected RetryAfter=7s, got %v", err.RetryAfter)
	}
}
