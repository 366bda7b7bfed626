// Package native implements the primary wire dialect: a bespoke
// request/response shape with x-api-key auth and a separately-carried
// system message, modeled on the corpus's Anthropic-style adapter.
package native

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/modelrouter/core/provider"
	"github.com/modelrouter/core/types"
)

const defaultBaseURL = "https://api.native-llm.example/v1"
const defaultTimeout = 60 * time.Second

// Config configures a NativeProvider instance.
type Config struct {
	Name       string
	APIKey     string
	BaseURL    string
	Models     []types.Model
	Timeout    time.Duration
	HTTPClient *http.Client
}

// NativeProvider speaks the primary wire dialect: x-api-key auth, system
// messages carried outside the messages array.
type NativeProvider struct {
	name    string
	apiKey  string
	baseURL string
	models  []types.Model
	client  *http.Client
	logger  *zap.Logger
}

// New builds a NativeProvider.
func New(cfg Config, logger *zap.Logger) *NativeProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &NativeProvider{
		name:    cfg.Name,
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		models:  cfg.Models,
		client:  client,
		logger:  logger,
	}
}

func (p *NativeProvider) Name() string          { return p.name }
func (p *NativeProvider) Models() []types.Model { return p.models }

type nativeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// nativeRequest carries the system prompt separately from the turn
// history, matching the dialect's wire shape rather than folding it into
// messages[0] the way the OpenAI-compatible dialect does.
type nativeRequest struct {
	Model       string          `json:"model"`
	System      string          `json:"system,omitempty"`
	Messages    []nativeMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature float64         `json:"temperature,omitempty"`
}

type nativeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type nativeResponse struct {
	Content    []struct {
		Text string `json:"text"`
	} `json:"content"`
	StopReason string      `json:"stop_reason"`
	Usage      nativeUsage `json:"usage"`
}

type nativeErrorResp struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (p *NativeProvider) Complete(ctx context.Context, req provider.ChatRequest) (provider.ChatResponse, error) {
	if len(req.Messages) == 0 {
		return provider.ChatResponse{}, types.NewError(types.ErrValidationErr, "empty messages").WithRetryable(false)
	}

	var system string
	msgs := make([]nativeMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == types.RoleSystem {
			system = m.Content
			continue
		}
		msgs = append(msgs, nativeMessage{Role: string(m.Role), Content: m.Content})
	}

	body, err := json.Marshal(nativeRequest{
		Model:       string(req.Model),
		System:      system,
		Messages:    msgs,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return provider.ChatResponse{}, types.NewError(types.ErrValidationErr, "encode request").WithCause(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return provider.ChatResponse{}, types.NewError(types.ErrUnknown, "build request").WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return provider.ChatResponse{}, types.NewError(types.ErrNetworkError, "transport error").WithProvider(p.name).WithRetryable(true).WithCause(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return provider.ChatResponse{}, types.NewError(types.ErrNetworkError, "read response").WithCause(err).WithRetryable(true)
	}

	if resp.StatusCode >= 400 {
		return provider.ChatResponse{}, mapNativeError(resp.StatusCode, readNativeErrMsg(data), p.name, parseRetryAfter(resp.Header))
	}

	var nr nativeResponse
	if err := json.Unmarshal(data, &nr); err != nil {
		return provider.ChatResponse{}, types.NewError(types.ErrUnknown, "decode response").WithCause(err)
	}
	if len(nr.Content) == 0 {
		return provider.ChatResponse{}, types.NewError(types.ErrUnknown, "no content returned").WithProvider(p.name)
	}

	var text strings.Builder
	for _, c := range nr.Content {
		text.WriteString(c.Text)
	}

	return provider.ChatResponse{
		Content:      text.String(),
		FinishReason: nr.StopReason,
		Usage: provider.Usage{
			PromptTokens:     nr.Usage.InputTokens,
			CompletionTokens: nr.Usage.OutputTokens,
			TotalTokens:      nr.Usage.InputTokens + nr.Usage.OutputTokens,
		},
	}, nil
}

func (p *NativeProvider) Ping(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", nil)
	if err != nil {
		return false
	}
	req.Header.Set("x-api-key", p.apiKey)
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 500
}

func readNativeErrMsg(data []byte) string {
	var er nativeErrorResp
	if err := json.Unmarshal(data, &er); err == nil && er.Error.Message != "" {
		return er.Error.Message
	}
	return string(data)
}

// parseRetryAfter reads a numeric-seconds Retry-After header; an absent
// or non-numeric header yields zero, leaving the caller's own cap in force.
func parseRetryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func mapNativeError(status int, msg, providerName string, retryAfter time.Duration) *types.Error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return types.NewError(types.ErrAuthError, msg).WithHTTPStatus(status).WithProvider(providerName).WithRetryable(false)
	case http.StatusNotFound:
		return types.NewError(types.ErrNotFound, msg).WithHTTPStatus(status).WithProvider(providerName).WithRetryable(false)
	case http.StatusTooManyRequests:
		return types.NewError(types.ErrRateLimit, msg).WithHTTPStatus(status).WithProvider(providerName).WithRetryable(true).WithRetryAfter(retryAfter)
	case http.StatusBadRequest:
		return types.NewError(types.ErrValidationErr, msg).WithHTTPStatus(status).WithProvider(providerName).WithRetryable(false)
	default:
		if status >= 500 {
			return types.NewError(types.ErrServerError, msg).WithHTTPStatus(status).WithProvider(providerName).WithRetryable(true)
		}
		return types.NewError(types.ErrUnknown, msg).WithHTTPStatus(status).WithProvider(providerName).WithRetryable(false)
	}
}
