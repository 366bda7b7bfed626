// Package openaicompat implements the OpenAI-compatible external dialect:
// Bearer auth, a top-level "choices[]" response shape.
package openaicompat

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

const defaultTimeout = 60 * time.Second

// Config configures an OpenAI-compatible provider instance. The same
// adapter backs several config-level "providers" (gpt, deepseek-coder,
// code-llama), one instance each, with BaseURL pointing at the matching
// gateway.
type Config struct {
	Name       string
	APIKey     string
	BaseURL    string
	Models     []types.Model
	Timeout    time.Duration
	HTTPClient *http.Client
}

type Provider struct {
	name    string
	apiKey  string
	baseURL string
	models  []types.Model
	client  *http.Client
	logger  *zap.Logger
}

func New(cfg Config, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &Provider{
		name:    cfg.Name,
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		models:  cfg.Models,
		client:  client,
		logger:  logger,
	}
}

func (p *Provider) Name() string          { return p.name }
func (p *Provider) Models() []types.Model { return p.models }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatChoice struct {
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type errorResp struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (p *Provider) Complete(ctx context.Context, req provider.ChatRequest) (provider.ChatResponse, error) {
	if len(req.Messages) == 0 {
		return provider.ChatResponse{}, types.NewError(types.ErrValidationErr, "empty messages").WithRetryable(false)
	}
	msgs := make([]chatMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, chatMessage{Role: string(m.Role), Content: m.Content})
	}
	body, err := json.Marshal(chatRequest{
		Model:       string(req.Model),
		Messages:    msgs,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return provider.ChatResponse{}, types.NewError(types.ErrValidationErr, "encode request").WithCause(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return provider.ChatResponse{}, types.NewError(types.ErrUnknown, "build request").WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

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
		return provider.ChatResponse{}, mapOpenAIError(resp.StatusCode, readErrMsg(data), p.name, parseRetryAfter(resp.Header))
	}

	var cr chatResponse
	if err := json.Unmarshal(data, &cr); err != nil {
		return provider.ChatResponse{}, types.NewError(types.ErrUnknown, "decode response").WithCause(err)
	}
	if len(cr.Choices) == 0 {
		return provider.ChatResponse{}, types.NewError(types.ErrUnknown, "no choices returned").WithProvider(p.name)
	}
	return provider.ChatResponse{
		Content:      cr.Choices[0].Message.Content,
		FinishReason: cr.Choices[0].FinishReason,
		Usage: provider.Usage{
			PromptTokens:     cr.Usage.PromptTokens,
			CompletionTokens: cr.Usage.CompletionTokens,
			TotalTokens:      cr.Usage.TotalTokens,
		},
	}, nil
}

func (p *Provider) Ping(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 500
}

func readErrMsg(data []byte) string {
	var er errorResp
	if err := json.Unmarshal(data, &er); err == nil && er.Error.Message != "" {
		return er.Error.Message
	}
	return string(data)
}

// parseRetryAfter reads a numeric-seconds Retry-After header, the only
// form these dialects are documented to send on 429s; an absent or
// non-numeric header yields zero, leaving the caller's own cap in force.
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

func mapOpenAIError(status int, msg, providerName string, retryAfter time.Duration) *types.Error {
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
