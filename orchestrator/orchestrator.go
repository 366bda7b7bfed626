// Package orchestrator wires the Classifier, Router, Executor, Context
// Store, Aggregator and an external Response Generator behind the two
// entry points a caller uses: Complete and ChatWithContext.
//
// Grounded on the corpus's own top-level client shape (explicit
// dependency-injected struct of collaborator interfaces, a Stats()
// introspection method, a graceful Shutdown) rather than the corpus's
// singleton-registry pattern, per the redesign flags.
package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/modelrouter/core/classifier"
	"github.com/modelrouter/core/contextstore"
	"github.com/modelrouter/core/internal/clock"
	"github.com/modelrouter/core/provider"
	"github.com/modelrouter/core/types"
)

// Router is the subset of router.Router the Orchestrator depends on.
type Router interface {
	Route(tc types.TaskContext) (types.RouteDecision, error)
}

// Executor is the subset of executor.Executor the Orchestrator depends on.
type Executor interface {
	Execute(ctx context.Context, decision types.RouteDecision, req provider.ChatRequest, taskType types.TaskType, agentType types.AgentType, requestID string) (ExecResult, error)
}

// ExecResult mirrors executor.Result without importing the executor
// package, so fakes in tests don't need a real breaker pool.
type ExecResult struct {
	Model        types.Model
	Response     provider.ChatResponse
	FallbackUsed bool
	RetryCount   int
}

// Aggregator is the subset of aggregator.Aggregator the Orchestrator
// depends on.
type Aggregator interface {
	Record(m types.PerformanceMetric)
}

// ResponseGenerator delegates assistant-text generation; must be
// side-effect-free w.r.t. the core (§6).
type ResponseGenerator interface {
	Generate(ctx context.Context, intent types.Intent, contextSummary string, userText string, agentType types.AgentType) (GeneratedResponse, error)
}

// GeneratedResponse is what a ResponseGenerator returns.
type GeneratedResponse struct {
	Content           string
	Confidence        float64
	SuggestedActions  []string
	FollowUpQuestions []string
	Clarifications    []string
}

// Clock abstracts wall-clock time, injected for testability. clock.System
// and clock.Fake (internal/clock) both satisfy it.
type Clock interface {
	Now() time.Time
}

// Deps is the explicit dependency-injection struct the redesign flags call
// for, replacing per-subsystem singletons.
type Deps struct {
	Classifier        *classifier.Classifier
	Router            Router
	Executor          Executor
	ContextStore      *contextstore.Store
	Aggregator        Aggregator
	ResponseGenerator ResponseGenerator
	Clock             Clock
	Logger            *zap.Logger
}

// Orchestrator implements §4.7. It is the only component that writes to
// the Context Store on behalf of a request.
type Orchestrator struct {
	deps Deps

	mu            sync.Mutex
	requestCount  int64
	modelUsage    map[types.Model]int
	confidenceSum float64
	confidenceN   int64

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// New builds an Orchestrator. A nil Clock/Logger gets a sane default.
func New(deps Deps) *Orchestrator {
	if deps.Clock == nil {
		deps.Clock = clock.System{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Orchestrator{
		deps:       deps,
		modelUsage: make(map[types.Model]int),
		shutdownCh: make(chan struct{}),
	}
}

// CompleteRequest is the caller-supplied request to Complete.
type CompleteRequest struct {
	TaskContext types.TaskContext
	Messages    []provider.ChatMessage
	MaxTokens   int
	Temperature float64
}

// CompleteResponse enriches the provider response with routing metadata
// (§4.7 step 4).
type CompleteResponse struct {
	Content         string
	Usage           provider.Usage
	RoutingDecision types.RouteDecision
	ExecutionTime   time.Duration
	Cost            float64
	Confidence      int
	FallbackUsed    bool
	RetryCount      int
}

// Complete implements the non-chat entry point of §4.7.
func (o *Orchestrator) Complete(ctx context.Context, req CompleteRequest) (CompleteResponse, error) {
	if len(req.Messages) == 0 {
		return CompleteResponse{}, types.NewError(types.ErrValidationErr, "messages must not be empty")
	}
	if req.TaskContext.Type == "" {
		return CompleteResponse{}, types.NewError(types.ErrValidationErr, "task context must carry a task type")
	}

	requestID := o.nextRequestID()
	start := o.deps.Clock.Now()

	deadline, hasDeadline := deadlineFor(req.TaskContext)
	execCtx := ctx
	var cancel context.CancelFunc
	if hasDeadline {
		execCtx, cancel = context.WithDeadline(ctx, start.Add(deadline))
		defer cancel()
	}

	decision, err := o.deps.Router.Route(req.TaskContext)
	if err != nil {
		return CompleteResponse{}, types.NewError(types.ErrValidationErr, "routing failed").WithCause(err)
	}

	// budgetLimit is enforced hard at the executor boundary: an estimate
	// that already exceeds the caller's ceiling never reaches a provider.
	if req.TaskContext.BudgetLimit != nil && decision.EstCost > *req.TaskContext.BudgetLimit {
		if o.deps.Aggregator != nil {
			o.deps.Aggregator.Record(types.PerformanceMetric{
				Model: decision.Primary, TaskType: req.TaskContext.Type, AgentType: req.TaskContext.AgentType,
				RequestID: requestID, Cost: decision.EstCost, Success: false, ErrorType: types.ErrCostExceeded,
			})
		}
		return CompleteResponse{}, types.NewError(types.ErrCostExceeded, "estimated cost exceeds budget limit").WithRetryable(false)
	}

	chatReq := provider.ChatRequest{Messages: req.Messages, MaxTokens: req.MaxTokens, Temperature: req.Temperature}
	result, err := o.deps.Executor.Execute(execCtx, decision, chatReq, req.TaskContext.Type, req.TaskContext.AgentType, requestID)
	if err != nil {
		return CompleteResponse{}, err
	}

	o.recordUsage(result.Model, decision.Confidence)

	return CompleteResponse{
		Content:         result.Response.Content,
		Usage:           result.Response.Usage,
		RoutingDecision: decision,
		ExecutionTime:   o.deps.Clock.Now().Sub(start),
		Cost:            decision.EstCost,
		Confidence:      decision.Confidence,
		FallbackUsed:    result.FallbackUsed,
		RetryCount:      result.RetryCount,
	}, nil
}

// deadlineFor implements §5's implicit deadline = min(requestTimeout,
// taskContext.timeLimit). requestTimeout itself is owned by the executor's
// per-attempt timeout, so here we only clamp to an explicit TimeLimit.
func deadlineFor(tc types.TaskContext) (time.Duration, bool) {
	if tc.TimeLimit == nil {
		return 0, false
	}
	return *tc.TimeLimit, true
}

// ChatResult is returned by ChatWithContext.
type ChatResult struct {
	Response       GeneratedResponse
	Intent         types.ClassificationResult
	ContextSummary string
	MessageCount   int
}

// ChatWithContext implements the chat entry point of §4.7.
func (o *Orchestrator) ChatWithContext(ctx context.Context, sessionID, userText, userID string) (ChatResult, error) {
	o.deps.ContextStore.Create(sessionID, userID)

	if _, err := o.deps.ContextStore.Append(ctx, sessionID, userID, types.ContextRoleUser, userText); err != nil {
		return ChatResult{}, err
	}

	var previousTasks []types.TaskType
	if last, ok := o.deps.ContextStore.LastTask(sessionID); ok {
		previousTasks = append(previousTasks, last)
	}

	classification := o.deps.Classifier.Classify(classifier.Input{
		Text:          userText,
		Now:           o.deps.Clock.Now(),
		UserProfile:   map[string]bool{},
		PreviousTasks: previousTasks,
	})
	o.deps.ContextStore.SetLastTask(sessionID, classification.Primary.Type)

	summary := o.deps.ContextStore.Summarize(sessionID)

	generated, err := o.generateResponse(ctx, classification.Primary, summary, userText)
	if err != nil {
		o.deps.Logger.Warn("response generator failed", zap.Error(err))
	}

	if _, err := o.deps.ContextStore.Append(ctx, sessionID, userID, types.ContextRoleAssistant, generated.Content); err != nil {
		return ChatResult{}, err
	}

	return ChatResult{
		Response:       generated,
		Intent:         classification,
		ContextSummary: o.deps.ContextStore.Summarize(sessionID),
		MessageCount:   o.deps.ContextStore.MessageCount(sessionID),
	}, nil
}

// generateResponse delegates to the ResponseGenerator; a failure yields a
// canned apology at confidence=0.3 rather than aborting the chat turn
// (§7 propagation policy).
func (o *Orchestrator) generateResponse(ctx context.Context, intent types.Intent, contextSummary, userText string) (GeneratedResponse, error) {
	if o.deps.ResponseGenerator == nil {
		return GeneratedResponse{Content: cannedApology(), Confidence: cannedApologyConfidence}, nil
	}
	resp, err := o.deps.ResponseGenerator.Generate(ctx, intent, contextSummary, userText, intent.AgentType)
	if err != nil {
		return GeneratedResponse{Content: cannedApology(), Confidence: cannedApologyConfidence}, nil
	}
	return resp, nil
}

// cannedApologyConfidence is the fixed confidence attached to the fallback
// apology (§7): low enough that callers treat it as a degraded answer, not
// a real classification result.
const cannedApologyConfidence = 0.3

func cannedApology() string {
	return "Sorry, I wasn't able to generate a response for that. Could you try rephrasing?"
}

// nextRequestID mints a globally-unique request ID (google/uuid) while
// still advancing the request counter Stats() reports from.
func (o *Orchestrator) nextRequestID() string {
	atomic.AddInt64(&o.requestCount, 1)
	return uuid.NewString()
}

func (o *Orchestrator) recordUsage(model types.Model, confidence int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.modelUsage[model]++
	o.confidenceSum += float64(confidence)
	o.confidenceN++
}

// Stats is the introspection snapshot of §6, replacing global singleton
// state with a single method on the Orchestrator.
type Stats struct {
	TotalRequests    int64
	ModelUsage       map[types.Model]int
	AvgConfidence    float64
}

// Stats returns a point-in-time snapshot of routing analytics.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	usage := make(map[types.Model]int, len(o.modelUsage))
	for m, n := range o.modelUsage {
		usage[m] = n
	}
	avg := 0.0
	if o.confidenceN > 0 {
		avg = o.confidenceSum / float64(o.confidenceN)
	}
	return Stats{
		TotalRequests: atomic.LoadInt64(&o.requestCount),
		ModelUsage:    usage,
		AvgConfidence: avg,
	}
}

// Shutdown closes the orchestrator's shutdown channel; repeated calls are
// no-ops. Complete and ChatWithContext do not check that channel, so calls
// made after Shutdown still run. It does not cancel already-in-flight
// requests; callers own their own request context.
func (o *Orchestrator) Shutdown() {
	o.shutdownOnce.Do(func() {
		close(o.shutdownCh)
	})
}
