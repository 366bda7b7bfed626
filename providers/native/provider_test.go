package native

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/modelrouter/core/provider"
	"github.com/modelrouter/core/types"
)

func TestNativeProvider_Complete_SplitsSystemMessage(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "sk-test", r.Header.Get("x-api-key"))
		buf, _ := io.ReadAll(r.Body)
		gotBody = string(buf)
		w.Write([]byte(`{"content":[{"text":"hello"}],"stop_reason":"end_turn","usage":{"input_tokens":4,"output_tokens":2}}`))
	}))
	defer srv.Close()

	p := New(Config{Name: "claude", APIKey: "sk-test", BaseURL: srv.URL, Models: []types.Model{types.ModelClaude35Sonnet}}, zap.NewNop())

	resp, err := p.Complete(context.Background(), provider.ChatRequest{
		Model: types.ModelClaude35Sonnet,
		Messages: []provider.ChatMessage{
			{Role: types.RoleSystem, Content: "be concise"},
			{Role: types.RoleUser, Content: "hi"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, 6, resp.Usage.TotalTokens)
	assert.Contains(t, gotBody, `"system":"be concise"`)
	assert.NotContains(t, gotBody, `"role":"system"`)
}

func TestNativeProvider_Complete_EmptyMessages(t *testing.T) {
	p := New(Config{Name: "claude", APIKey: "k"}, zap.NewNop())
	_, err := p.Complete(context.Background(), provider.ChatRequest{})
	require.Error(t, err)
	assert.Equal(t, types.ErrValidationErr, types.GetErrorCode(err))
}

func TestNativeProvider_Complete_RateLimitCarriesRetryAfterHint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "4")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"slow down"}}`))
	}))
	defer srv.Close()

	p := New(Config{Name: "claude", APIKey: "k", BaseURL: srv.URL}, zap.NewNop())
	_, err := p.Complete(context.Background(), provider.ChatRequest{
		Messages: []provider.ChatMessage{{Role: types.RoleUser, Content: "hi"}},
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrRateLimit, types.GetErrorCode(err))
	rErr, ok := err.(*types.Error)
	require.True(t, ok)
	assert.Equal(t, 4*time.Second, rErr.RetryAfter)
}

func TestNativeProvider_Complete_MapsAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"bad key"}}`))
	}))
	defer srv.Close()

	p := New(Config{Name: "claude", APIKey: "bad", BaseURL: srv.URL}, zap.NewNop())
	_, err := p.Complete(context.Background(), provider.ChatRequest{
		Messages: []provider.ChatMessage{{Role: types.RoleUser, Content: "hi"}},
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrAuthError, types.GetErrorCode(err))
}
