package providers

import (
	"context"
	"sync"
	"time"

	"github.com/forgeline/forgeline-backend/internal/logger"
	"github.com/forgeline/forgeline-backend/internal/types"
)

// Metrics is the rolling per-provider view used by auto-selection. Quality
// is a static operator-assigned score in [0,1]; the rest accumulate from
// observed calls.
type Metrics struct {
	SuccessRate float64
	MeanLatency time.Duration
	MeanCost    float64
	Quality     float64
}

type providerEntry struct {
	provider Provider
	quality  float64

	calls      int64
	successes  int64
	latencySum time.Duration
	costSum    float64
}

// Registry owns the provider set and their rolling metrics. Candidate order
// is registration order, which is also the selection tie-break.
type Registry struct {
	mu      sync.RWMutex
	log     *logger.Logger
	entries []*providerEntry
	byName  map[string]*providerEntry
}

func NewRegistry(baseLog *logger.Logger) *Registry {
	return &Registry{
		log:    baseLog.With("service", "ProviderRegistry"),
		byName: make(map[string]*providerEntry),
	}
}

func (r *Registry) Register(p Provider, quality float64) {
	if p == nil || p.Name() == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[p.Name()]; exists {
		r.log.Warn("Provider already registered, ignoring", "provider", p.Name())
		return
	}
	e := &providerEntry{provider: p, quality: quality}
	r.entries = append(r.entries, e)
	r.byName[p.Name()] = e
	r.log.Info("Provider registered", "provider", p.Name(), "quality", quality)
}

func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	return e.provider, true
}

// CandidatesFor returns providers supporting t, in registration order.
func (r *Registry) CandidatesFor(t types.GenerationType) []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Provider
	for _, e := range r.entries {
		if e.provider.Supports(t) {
			out = append(out, e.provider)
		}
	}
	return out
}

// RecordResult folds one observed call into the provider's rolling metrics.
func (r *Registry) RecordResult(name string, success bool, latency time.Duration, cost float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byName[name]
	if !ok {
		return
	}
	e.calls++
	if success {
		e.successes++
	}
	e.latencySum += latency
	e.costSum += cost
}

// MetricsFor returns the rolling metrics for name. A provider with no
// observed calls reports a neutral success rate of 1 so new providers are
// not starved by the selector.
func (r *Registry) MetricsFor(name string) (Metrics, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byName[name]
	if !ok {
		return Metrics{}, false
	}
	m := Metrics{Quality: e.quality, SuccessRate: 1}
	if e.calls > 0 {
		m.SuccessRate = float64(e.successes) / float64(e.calls)
		m.MeanLatency = e.latencySum / time.Duration(e.calls)
		m.MeanCost = e.costSum / float64(e.calls)
	}
	return m, true
}

// HealthSnapshot checks every registered provider. Slow vendors are bounded
// by the per-check timeout rather than blocking the whole sweep.
func (r *Registry) HealthSnapshot(ctx context.Context, perCheck time.Duration) map[string]Health {
	r.mu.RLock()
	ps := make([]Provider, 0, len(r.entries))
	for _, e := range r.entries {
		ps = append(ps, e.provider)
	}
	r.mu.RUnlock()

	out := make(map[string]Health, len(ps))
	for _, p := range ps {
		cctx, cancel := context.WithTimeout(ctx, perCheck)
		out[p.Name()] = p.HealthCheck(cctx)
		cancel()
	}
	return out
}
