package metrics

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/signalops/signalops/internal/strategy"
)

var (
	// ErrUnavailable means the metric cannot be resolved right now. Callers
	// record the trigger as N/A.
	ErrUnavailable = errors.New("metric unavailable")
	// ErrTransient marks upstream failures worth retrying (5xx, 429, network).
	ErrTransient = errors.New("transient upstream failure")
)

// Provider resolves one metric for one asset from a single data domain.
type Provider interface {
	Resolve(ctx context.Context, asset, metric string) (float64, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, asset, metric string) (float64, error)

func (f ProviderFunc) Resolve(ctx context.Context, asset, metric string) (float64, error) {
	return f(ctx, asset, metric)
}

// Router holds exactly one Provider per source category.
type Router struct {
	mu        sync.RWMutex
	providers map[strategy.Source]Provider
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{providers: make(map[strategy.Source]Provider)}
}

// Register binds p to src, replacing any previous binding.
func (r *Router) Register(src strategy.Source, p Provider) error {
	if !src.Valid() {
		return fmt.Errorf("register provider: unknown source %q", src)
	}
	if p == nil {
		return fmt.Errorf("register provider for %s: nil provider", src)
	}
	r.mu.Lock()
	r.providers[src] = p
	r.mu.Unlock()
	return nil
}

// For returns the provider for src. An unbound source yields a provider
// that always reports ErrUnavailable, so evaluation degrades to N/A.
func (r *Router) For(src strategy.Source) Provider {
	r.mu.RLock()
	p, ok := r.providers[src]
	r.mu.RUnlock()
	if !ok {
		return ProviderFunc(func(context.Context, string, string) (float64, error) {
			return 0, fmt.Errorf("%w: no provider for source %s", ErrUnavailable, src)
		})
	}
	return p
}

// Bound lists sources with a registered provider.
func (r *Router) Bound() []strategy.Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]strategy.Source, 0, len(r.providers))
	for _, s := range strategy.Sources() {
		if _, ok := r.providers[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

// StaticProvider serves fixed values. Used for fixtures and paper setups.
type StaticProvider struct {
	mu     sync.RWMutex
	values map[string]float64
	errs   map[string]error
}

// NewStaticProvider creates an empty static provider.
func NewStaticProvider() *StaticProvider {
	return &StaticProvider{
		values: make(map[string]float64),
		errs:   make(map[string]error),
	}
}

func staticKey(asset, metric string) string {
	return strings.ToUpper(asset) + "|" + metric
}

// Set stores a value and clears any configured error.
func (p *StaticProvider) Set(asset, metric string, v float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := staticKey(asset, metric)
	p.values[k] = v
	delete(p.errs, k)
}

// SetError makes Resolve fail with err for the key.
func (p *StaticProvider) SetError(asset, metric string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs[staticKey(asset, metric)] = err
}

func (p *StaticProvider) Resolve(ctx context.Context, asset, metric string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	k := staticKey(asset, metric)
	if err, ok := p.errs[k]; ok {
		return 0, err
	}
	v, ok := p.values[k]
	if !ok {
		return 0, fmt.Errorf("%w: %s %s", ErrUnavailable, asset, metric)
	}
	return v, nil
}

// checkValue rejects values that cannot be compared meaningfully.
func checkValue(v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%w: non-finite value %v", ErrUnavailable, v)
	}
	return nil
}
