package mistralcompat

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

func TestProvider_Complete_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"bonjour"},"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":3,"total_tokens":8}}`))
	}))
	defer srv.Close()

	p := New(Config{Name: "mistral", APIKey: "sk-test", BaseURL: srv.URL, Models: []types.Model{types.ModelMistral7B}}, zap.NewNop())

	resp, err := p.Complete(context.Background(), provider.ChatRequest{
		Model: types.ModelMistral7B, Messages: []provider.ChatMessage{{Role: types.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "bonjour", resp.Content)
	assert.Equal(t, 8, resp.Usage.TotalTokens)
}

func TestProvider_Complete_SendsSafePromptFlagWhenEnabled(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf, _ := io.ReadAll(r.Body)
		gotBody = string(buf)
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}],"usage":{}}`))
	}))
	defer srv.Close()

	p := New(Config{Name: "mistral", APIKey: "k", BaseURL: srv.URL, SafePrompt: true}, zap.NewNop())
	_, err := p.Complete(context.Background(), provider.ChatRequest{
		Messages: []provider.ChatMessage{{Role: types.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Contains(t, gotBody, `"safe_prompt":true`)
}

func TestProvider_Complete_OmitsSafePromptFlagWhenDisabled(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf, _ := io.ReadAll(r.Body)
		gotBody = string(buf)
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}],"usage":{}}`))
	}))
	defer srv.Close()

	p := New(Config{Name: "mistral", APIKey: "k", BaseURL: srv.URL}, zap.NewNop())
	_, err := p.Complete(context.Background(), provider.ChatRequest{
		Messages: []provider.ChatMessage{{Role: types.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	assert.NotContains(t, gotBody, "safe_prompt")
}

func TestProvider_Complete_EmptyMessages(t *testing.T) {
	p := New(Config{Name: "mistral", APIKey: "sk-test", BaseURL: "http://unused"}, zap.NewNop())
	_, err := p.Complete(context.Background(), provider.ChatRequest{})
	require.Error(t, err)
	assert.Equal(t, types.ErrValidationErr, types.GetErrorCode(err))
}

func TestProvider_Complete_MapsErrors(t *testing.T) {
	tests := []struct {
		status int
		want   types.ErrorCode
	}{
		{http.StatusUnauthorized, types.ErrAuthError},
		{http.StatusNotFound, types.ErrNotFound},
		{http.StatusTooManyRequests, types.ErrRateLimit},
		{http.StatusInternalServerError, types.ErrServerError},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
			w.Write([]byte(`{"message":"boom"}`))
		}))
		p := New(Config{Name: "mistral", APIKey: "k", BaseURL: srv.URL}, zap.NewNop())
		_, err := p.Complete(context.Background(), provider.ChatRequest{
			Messages: []provider.ChatMessage{{Role: types.RoleUser, Content: "hi"}},
		})
		require.Error(t, err)
		assert.Equal(t, tt.want, types.GetErrorCode(err))
		srv.Close()
	}
}

func TestProvider_Complete_RateLimitCarriesRetryAfterHint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "6")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"message":"slow down"}`))
	}))
	defer srv.Close()

	p := New(Config{Name: "mistral", APIKey: "k", BaseURL: srv.URL}, zap.NewNop())
	_, err := p.Complete(context.Background(), provider.ChatRequest{
		Messages: []provider.ChatMessage{{Role: types.RoleUser, Content: "hi"}},
	})
	require.Error(t, err)
	rErr, ok := err.(*types.Error)
	require.True(t, ok)
	assert.Equal(t, 6*time.Second, rErr.RetryAfter)
}

func TestProvider_Ping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := New(Config{Name: "mistral", APIKey: "k", BaseURL: srv.URL}, zap.NewNop())
	assert.True(t, p.Ping(context.Background()))
}
