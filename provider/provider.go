// Package provider normalizes chat-completion calls across provider wire
// formats into one typed request/response shape, and reports model health.
//
// # Overview
//
// A Provider hosts a subset of models (§3 TaskContext/Model in the data
// model) and speaks one wire dialect. The core never depends on a
// provider's concrete shape — only on this interface — so a new dialect is
// a new adapter, not a change to the router or executor.
package provider

import (
	"context"
	"time"

	"github.com/modelrouter/core/types"
)

// Usage reports token accounting for one completion. Adapters construct a
// zeroed Usage when their dialect omits it rather than leaving it nil.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// ChatMessage is the wire-agnostic request message shape passed to Complete.
type ChatMessage struct {
	Role    types.Role
	Content string
}

// ChatRequest is the normalized request every dialect adapter accepts.
type ChatRequest struct {
	Model       types.Model
	Messages    []ChatMessage
	MaxTokens   int
	Temperature float64
}

// ChatResponse is the normalized tuple every dialect adapter returns.
type ChatResponse struct {
	Content      string
	Usage        Usage
	FinishReason string
}

// Provider is the capability set every wire dialect implements. The core
// depends only on this interface, never on a concrete provider type.
type Provider interface {
	// Name returns the provider's configured identifier.
	Name() string

	// Complete executes one chat-completion call. Errors are always
	// *types.Error with a code drawn from the closed taxonomy.
	Complete(ctx context.Context, req ChatRequest) (ChatResponse, error)

	// Ping reports current reachability; used by the health prober.
	Ping(ctx context.Context) bool

	// Models lists the models this provider hosts.
	Models() []types.Model
}

// HealthStatus is a provider's last-known liveness, refreshed by the
// periodic prober (default cadence 60s).
type HealthStatus struct {
	Healthy   bool
	LastCheck time.Time
}
