// Package capability holds the static per-model capability table consulted
// by the router. Lookups are pure and read-mostly; only the performance
// aggregator's alert engine ever writes, and only the enabled flag.
package capability

import (
	"sync"

	"github.com/modelrouter/core/types"
)

// entry pairs a model's capability vector with its mutable enabled flag.
type entry struct {
	vector  types.CapabilityVector
	enabled bool
}

// Registry is a read-mostly table: writers (the alert engine) serialize on
// one lock, readers take the read lock, matching the shared-resource
// policy for the capability table.
type Registry struct {
	mu      sync.RWMutex
	entries map[types.Model]entry
}

// DefaultRegistry builds the registry with the fixed capability table used
// throughout the rule selector, cost estimator and classifier.
func DefaultRegistry() *Registry {
	r := &Registry{entries: make(map[types.Model]entry)}
	for model, vec := range defaultVectors {
		r.entries[model] = entry{vector: vec, enabled: true}
	}
	return r
}

var defaultVectors = map[types.Model]types.CapabilityVector{
	types.ModelMistral7B: {
		Planning: 30, Navigation: 90, Extraction: 50, Reasoning: 35, Coding: 25,
		Summarization: 45, Speed: 95, Reliability: 85, Cost: 0.0002, ContextLength: 8000,
	},
	types.ModelMixtral8x7B: {
		Planning: 55, Navigation: 40, Extraction: 60, Reasoning: 65, Coding: 55,
		Summarization: 80, Speed: 70, Reliability: 85, Cost: 0.0007, ContextLength: 32000,
	},
	types.ModelLlama70B: {
		Planning: 85, Navigation: 45, Extraction: 65, Reasoning: 80, Coding: 60,
		Summarization: 70, Speed: 40, Reliability: 88, Cost: 0.0009, ContextLength: 8000,
	},
	types.ModelLlama8B: {
		Planning: 40, Navigation: 50, Extraction: 50, Reasoning: 45, Coding: 35,
		Summarization: 60, Speed: 90, Reliability: 82, Cost: 0.0002, ContextLength: 8000,
	},
	types.ModelCodeLlama: {
		Planning: 40, Navigation: 25, Extraction: 35, Reasoning: 55, Coding: 85,
		Summarization: 30, Speed: 65, Reliability: 80, Cost: 0.0005, ContextLength: 16000,
	},
	types.ModelDeepseekCoder: {
		Planning: 50, Navigation: 25, Extraction: 40, Reasoning: 70, Coding: 95,
		Summarization: 35, Speed: 55, Reliability: 83, Cost: 0.0008, ContextLength: 32000,
	},
	types.ModelNemoRetriever: {
		Planning: 25, Navigation: 35, Extraction: 92, Reasoning: 40, Coding: 20,
		Summarization: 50, Speed: 92, Reliability: 88, Cost: 0.0001, ContextLength: 4000,
	},
	types.ModelGPT4o: {
		Planning: 88, Navigation: 70, Extraction: 80, Reasoning: 90, Coding: 85,
		Summarization: 85, Speed: 60, Reliability: 92, Cost: 0.005, ContextLength: 128000,
	},
	types.ModelClaude35Sonnet: {
		Planning: 90, Navigation: 65, Extraction: 82, Reasoning: 92, Coding: 88,
		Summarization: 88, Speed: 55, Reliability: 95, Cost: 0.003, ContextLength: 200000,
	},
}

// Lookup is a pure read: lookup(m) == lookup(m) across calls (§8
// idempotence law), aside from the mutable Enabled flag.
func (r *Registry) Lookup(m types.Model) (types.CapabilityVector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[m]
	return e.vector, ok
}

// Enabled reports whether the model may currently be routed to.
func (r *Registry) Enabled(m types.Model) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[m]
	return ok && e.enabled
}

// SetEnabled is the alert engine's single write path (disable_model
// action); the Router honors it on the next lookup.
func (r *Registry) SetEnabled(m types.Model, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[m]
	if !ok {
		return
	}
	e.enabled = enabled
	r.entries[m] = e
}

// Models returns every model the registry knows about.
func (r *Registry) Models() []types.Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Model, 0, len(r.entries))
	for m := range r.entries {
		out = append(out, m)
	}
	return out
}
