package provider

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/modelrouter/core/types"
)

// Registry tracks the configured providers, their hosted models, and their
// health, refreshed by a background prober. Grounded on the teacher's
// router.HealthChecker: probes are deduplicated per provider so a model
// pool sharing one endpoint is pinged once, not once per model.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	health    map[string]HealthStatus
	modelToProvider map[types.Model]string
	limiters  map[string]*rate.Limiter

	interval time.Duration
	logger   *zap.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewRegistry builds an empty registry. Call Register for each configured
// provider before StartHealthChecks.
func NewRegistry(interval time.Duration, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Registry{
		providers:       make(map[string]Provider),
		health:          make(map[string]HealthStatus),
		modelToProvider: make(map[types.Model]string),
		limiters:        make(map[string]*rate.Limiter),
		interval:        interval,
		logger:          logger,
	}
}

// Register adds a provider and marks it healthy until the first probe.
// Each Model must appear in exactly one provider's model set (§3
// invariant); a later registration silently wins, matching config-load
// order being the authority.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
	r.health[p.Name()] = HealthStatus{Healthy: true, LastCheck: time.Time{}}
	for _, m := range p.Models() {
		r.modelToProvider[m] = p.Name()
	}
}

// SetRateLimit attaches a requests-per-minute/burst token-bucket limiter
// (§6 providers[].rate_limits.requests_per_minute) to a registered
// provider. A zero or negative requestsPerMinute leaves the provider
// unlimited.
func (r *Registry) SetRateLimit(providerName string, requestsPerMinute, burst int) {
	if requestsPerMinute <= 0 {
		return
	}
	if burst <= 0 {
		burst = requestsPerMinute
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiters[providerName] = rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), burst)
}

// Allow reports whether a request to the model hosting provider may
// proceed now under its configured rate limit. A model with no configured
// limiter, or no owning provider, is always allowed (resolved as
// not-found by ProviderFor instead).
func (r *Registry) Allow(m types.Model) bool {
	r.mu.RLock()
	name, ok := r.modelToProvider[m]
	limiter := r.limiters[name]
	r.mu.RUnlock()
	if !ok || limiter == nil {
		return true
	}
	return limiter.Allow()
}

// ProviderFor returns the provider hosting the given model, if any.
func (r *Registry) ProviderFor(m types.Model) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.modelToProvider[m]
	if !ok {
		return nil, false
	}
	p, ok := r.providers[name]
	return p, ok
}

// Healthy reports whether the provider hosting a model is currently
// reachable. Requests routed to an unhealthy provider must fail fast with
// SERVICE_UNAVAILABLE without reaching the wire.
func (r *Registry) Healthy(m types.Model) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.modelToProvider[m]
	if !ok {
		return false
	}
	return r.health[name].Healthy
}

// ProviderSnapshot is a copy of one provider's name, health, last check
// time and hosted models; Snapshot returns one per registered provider.
type ProviderSnapshot struct {
	Name      string
	Healthy   bool
	LastCheck time.Time
	Models    []types.Model
}

func (r *Registry) Snapshot() []ProviderSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ProviderSnapshot, 0, len(r.providers))
	for name, p := range r.providers {
		out = append(out, ProviderSnapshot{
			Name:      name,
			Healthy:   r.health[name].Healthy,
			LastCheck: r.health[name].LastCheck,
			Models:    p.Models(),
		})
	}
	return out
}

// StartHealthChecks launches the background prober. Cancellable via Stop.
func (r *Registry) StartHealthChecks(ctx context.Context) {
	r.mu.Lock()
	if r.stopCh != nil {
		r.mu.Unlock()
		return
	}
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	r.mu.Unlock()

	go r.loop(ctx)
}

func (r *Registry) loop(ctx context.Context) {
	defer close(r.doneCh)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.probeAll(ctx)
		}
	}
}

func (r *Registry) probeAll(ctx context.Context) {
	r.mu.RLock()
	snapshot := make(map[string]Provider, len(r.providers))
	for name, p := range r.providers {
		snapshot[name] = p
	}
	r.mu.RUnlock()

	for name, p := range snapshot {
		healthy := p.Ping(ctx)
		r.mu.Lock()
		prev := r.health[name].Healthy
		r.health[name] = HealthStatus{Healthy: healthy, LastCheck: time.Now()}
		r.mu.Unlock()
		if prev != healthy {
			r.logger.Info("provider health changed",
				zap.String("provider", name), zap.Bool("healthy", healthy))
		}
	}
}

// Stop halts the background prober and waits for it to exit.
func (r *Registry) Stop() {
	r.mu.Lock()
	stopCh := r.stopCh
	doneCh := r.doneCh
	r.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	<-doneCh
}
