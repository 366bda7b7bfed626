package circuitbreaker

import (
	"sync"

	"go.uber.org/zap"

	"github.com/modelrouter/core/types"
)

// Pool lazily creates and holds one breaker per model, guarded by a single
// mutex per the concurrency model's shared-resource policy for breaker
// state (hold time never spans a provider call — the map lock only
// protects lookup/insert, never the call itself).
type Pool struct {
	mu       sync.Mutex
	breakers map[types.Model]CircuitBreaker
	config   *Config
	logger   *zap.Logger
}

// NewPool builds a breaker pool sharing one Config template across models.
func NewPool(config *Config, logger *zap.Logger) *Pool {
	return &Pool{
		breakers: make(map[types.Model]CircuitBreaker),
		config:   config,
		logger:   logger,
	}
}

// For returns (creating if needed) the breaker for a model.
func (p *Pool) For(m types.Model) CircuitBreaker {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b, ok := p.breakers[m]; ok {
		return b
	}
	cfg := *p.config
	b := NewCircuitBreaker(&cfg, p.logger)
	p.breakers[m] = b
	return b
}

// State reports a model's current breaker state without creating one.
func (p *Pool) State(m types.Model) (State, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.breakers[m]
	if !ok {
		return StateClosed, false
	}
	return b.State(), true
}
