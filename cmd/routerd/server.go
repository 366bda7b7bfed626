package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/modelrouter/core/aggregator"
	"github.com/modelrouter/core/capability"
	"github.com/modelrouter/core/classifier"
	"github.com/modelrouter/core/config"
	"github.com/modelrouter/core/contextstore"
	"github.com/modelrouter/core/executor"
	"github.com/modelrouter/core/internal/metrics"
	"github.com/modelrouter/core/orchestrator"
	"github.com/modelrouter/core/provider"
	"github.com/modelrouter/core/providers/mistralcompat"
	"github.com/modelrouter/core/providers/native"
	"github.com/modelrouter/core/providers/openaicompat"
	"github.com/modelrouter/core/resilience/circuitbreaker"
	"github.com/modelrouter/core/router"
	"github.com/modelrouter/core/types"
)

// Server owns the router's HTTP surface and its background loops
// (provider health checks, aggregation flush, alert evaluation, context
// eviction). Grounded on the teacher's cmd server: one struct owning an
// http.Server plus a WaitForShutdown that blocks on SIGINT/SIGTERM.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	registry     *provider.Registry
	capabilities *capability.Registry
	router       *router.Router
	aggregator   *aggregator.Aggregator
	store        *contextstore.Store
	classifier   *classifier.Classifier
	orchestrator *orchestrator.Orchestrator

	httpServer *http.Server
	cancel     context.CancelFunc
}

// NewServer wires every SPEC_FULL component from a loaded Config.
func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	capabilities := capability.DefaultRegistry()

	healthInterval := time.Duration(cfg.Performance.Monitoring.HealthCheckIntervalMs) * time.Millisecond
	registry := provider.NewRegistry(healthInterval, logger)
	for _, pc := range cfg.Providers {
		models := make([]types.Model, 0, len(pc.Models))
		for _, m := range pc.Models {
			models = append(models, types.Model(m))
		}
		registry.Register(newDialectProvider(pc, models, logger))
		registry.SetRateLimit(pc.Name, pc.RateLimits.RequestsPerMinute, pc.RateLimits.ConcurrentRequests)
	}

	agg := aggregator.New(capabilities, time.Now, logger)
	agg.WithMirror(metrics.NewCollector("modelrouter", logger))

	rt := router.New(capabilities, agg, logger)

	breakerCfg := circuitbreaker.DefaultConfig()
	if cfg.Fallback.Breaker.Enabled {
		breakerCfg.Threshold = cfg.Fallback.Breaker.FailureThreshold
		breakerCfg.ResetTimeout = time.Duration(cfg.Fallback.Breaker.RecoveryTimeoutMs) * time.Millisecond
	}
	execCfg := executor.DefaultConfig()
	execCfg.Breaker = breakerCfg
	if cfg.Fallback.MaxFallbacks > 0 {
		execCfg.MaxRetries = cfg.Fallback.MaxFallbacks
	}
	exec := executor.New(registry, agg, execCfg, logger)

	store := contextstore.New(time.Now, logger)
	clsfr := classifier.New(logger)

	orch := orchestrator.New(orchestrator.Deps{
		Classifier:   clsfr,
		Router:       rt,
		Executor:     execAdapter{exec},
		ContextStore: store,
		Aggregator:   agg,
		Logger:       logger,
	})

	return &Server{
		cfg:          cfg,
		logger:       logger,
		registry:     registry,
		capabilities: capabilities,
		router:       rt,
		aggregator:   agg,
		store:        store,
		classifier:   clsfr,
		orchestrator: orch,
	}, nil
}

// newDialectProvider selects the providers/<dialect> adapter named by the
// config entry (§4.1): the primary native dialect and both external
// dialects are all reachable at runtime, not just the one hard-coded
// default. An unset Dialect keeps the pre-existing behavior (openaicompat)
// so configs written before the field existed still load unchanged.
func newDialectProvider(pc config.ProviderConfig, models []types.Model, logger *zap.Logger) provider.Provider {
	switch pc.Dialect {
	case config.DialectNative:
		return native.New(native.Config{
			Name: pc.Name, APIKey: pc.APIKey, BaseURL: pc.BaseURL, Models: models, Timeout: pc.Timeout,
		}, logger)
	case config.DialectMistralCompat:
		return mistralcompat.New(mistralcompat.Config{
			Name: pc.Name, APIKey: pc.APIKey, BaseURL: pc.BaseURL, Models: models, Timeout: pc.Timeout,
			SafePrompt: pc.SafePrompt,
		}, logger)
	default:
		return openaicompat.New(openaicompat.Config{
			Name: pc.Name, APIKey: pc.APIKey, BaseURL: pc.BaseURL, Models: models, Timeout: pc.Timeout,
		}, logger)
	}
}

// execAdapter narrows *executor.Executor to orchestrator.Executor's result
// type, since the orchestrator package defines its own ExecResult rather
// than importing executor's concrete Result.
type execAdapter struct{ e *executor.Executor }

func (a execAdapter) Execute(ctx context.Context, decision types.RouteDecision, req provider.ChatRequest, taskType types.TaskType, agentType types.AgentType, requestID string) (orchestrator.ExecResult, error) {
	res, err := a.e.Execute(ctx, decision, req, taskType, agentType, requestID)
	if err != nil {
		return orchestrator.ExecResult{}, err
	}
	return orchestrator.ExecResult{
		Model: res.Model, Response: res.Response,
		FallbackUsed: res.FallbackUsed, RetryCount: res.RetryCount,
	}, nil
}

// Start launches background loops and the HTTP listener (non-blocking).
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.registry.StartHealthChecks(ctx)

	metricsInterval := time.Duration(s.cfg.Performance.Monitoring.MetricsIntervalMs) * time.Millisecond
	s.aggregator.StartAggregationLoop(ctx, metricsInterval)
	s.aggregator.StartAlertLoop(ctx, 30*time.Second)
	s.store.StartEvictionSweep(ctx, time.Hour)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/v1/complete", s.handleComplete)
	mux.HandleFunc("/v1/chat", s.handleChat)

	s.httpServer = &http.Server{Addr: ":8080", Handler: mux}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server error", zap.Error(err))
		}
	}()

	s.logger.Info("routerd listening", zap.String("addr", s.httpServer.Addr))
	return nil
}

// WaitForShutdown blocks until SIGINT/SIGTERM, then stops every loop.
func (s *Server) WaitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	s.logger.Info("shutdown signal received")
	s.cancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http server shutdown error", zap.Error(err))
	}

	s.registry.Stop()
	s.aggregator.Stop()
	s.store.Stop()
	s.orchestrator.Shutdown()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{
		"status":    "ok",
		"providers": s.registry.Snapshot(),
	})
}

type completeHTTPRequest struct {
	TaskType    string   `json:"task_type"`
	AgentType   string   `json:"agent_type"`
	Complexity  string   `json:"complexity"`
	Priority    string   `json:"priority"`
	UserTier    string   `json:"user_tier"`
	BudgetLimit *float64 `json:"budget_limit"`
	TimeLimitMs *int     `json:"time_limit_ms"`
	Messages    []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body completeHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	tc := types.TaskContext{
		Type:       types.TaskType(body.TaskType),
		AgentType:  types.AgentType(body.AgentType),
		Complexity: types.Complexity(body.Complexity),
		Priority:   types.Priority(body.Priority),
		UserTier:   types.UserTier(body.UserTier),
	}
	if body.BudgetLimit != nil {
		tc.BudgetLimit = body.BudgetLimit
	}
	if body.TimeLimitMs != nil {
		d := time.Duration(*body.TimeLimitMs) * time.Millisecond
		tc.TimeLimit = &d
	}

	messages := make([]provider.ChatMessage, 0, len(body.Messages))
	for _, m := range body.Messages {
		messages = append(messages, provider.ChatMessage{Role: types.Role(m.Role), Content: m.Content})
	}

	resp, err := s.orchestrator.Complete(r.Context(), orchestrator.CompleteRequest{
		TaskContext: tc, Messages: messages, MaxTokens: body.MaxTokens, Temperature: body.Temperature,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type chatHTTPRequest struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Text      string `json:"text"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body chatHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	result, err := s.orchestrator.ChatWithContext(r.Context(), body.SessionID, body.Text, body.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := types.GetErrorCode(err)
	if rerr, ok := err.(*types.Error); ok && rerr.HTTPStatus != 0 {
		status = rerr.HTTPStatus
	} else if code == types.ErrValidationErr || code == types.ErrCostExceeded {
		status = http.StatusBadRequest
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error(), "code": string(code)})
}
