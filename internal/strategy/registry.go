package strategy

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrNotFound is returned when a strategy name or version is unknown.
var ErrNotFound = errors.New("strategy not found")

// Registry stores versioned strategy snapshots. Every Put creates a new
// version; existing snapshots are never modified, so an evaluation holding
// an older pointer keeps a consistent view while an update lands.
type Registry struct {
	mu       sync.RWMutex
	versions map[string][]*Config // name -> versions, index i holds version i+1
	now      func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		versions: make(map[string][]*Config),
		now:      time.Now,
	}
}

// Put validates cfg and stores a copy of it as the next version.
func (r *Registry) Put(cfg *Config) (*Config, error) {
	if cfg == nil {
		return nil, errors.New("nil strategy config")
	}
	snap := cfg.Clone()
	if snap.Execution.ActionMode == "" {
		snap.Execution.ActionMode = ModeNotify
	}
	if snap.Execution.Bias == "" {
		snap.Execution.Bias = BiasLong
	}
	if err := Validate(snap); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	history := r.versions[snap.Name]
	snap.Version = len(history) + 1
	snap.UpdatedAt = r.now().UTC()
	r.versions[snap.Name] = append(history, snap)

	log.Info().
		Str("strategy", snap.Name).
		Int("version", snap.Version).
		Strs("assets", snap.Assets).
		Int("rules", len(snap.Rules)).
		Str("action_mode", string(snap.Execution.ActionMode)).
		Msg("Strategy stored")

	return snap.Clone(), nil
}

// Get returns the latest snapshot of a strategy. The returned value is
// shared and must be treated as read-only.
func (r *Registry) Get(name string) (*Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	history := r.versions[name]
	if len(history) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return history[len(history)-1], nil
}

// Version returns a specific historical version.
func (r *Registry) Version(name string, version int) (*Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	history := r.versions[name]
	if version < 1 || version > len(history) {
		return nil, fmt.Errorf("%w: %s v%d", ErrNotFound, name, version)
	}
	return history[version-1], nil
}

// List returns the latest version of every strategy, sorted by name.
func (r *Registry) List() []*Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Config, 0, len(r.versions))
	for _, history := range r.versions {
		out = append(out, history[len(history)-1])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
