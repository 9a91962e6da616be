package copytrade

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Registry holds the watch targets. The stream resubscribes when Version
// moves and its chain's targets differ; the poller reads them every cycle.
type Registry struct {
	mu      sync.RWMutex
	targets map[string]WatchTarget // normalized address -> target
	max     int

	version atomic.Int64
}

// NewRegistry creates a registry holding at most max targets (0 = unlimited).
func NewRegistry(max int) *Registry {
	return &Registry{
		targets: make(map[string]WatchTarget),
		max:     max,
	}
}

// Add registers a target. Re-adding a known address is a no-op since targets
// are immutable once registered. Returns true when the target was added.
func (r *Registry) Add(target WatchTarget) bool {
	if target.Address == "" || target.Chain == "" {
		return false
	}
	key := NormalizeAddress(target.Address)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.targets[key]; exists {
		return false
	}
	if r.max > 0 && len(r.targets) >= r.max {
		log.Warn().Int("max", r.max).Str("address", ShortAddr(target.Address)).Msg("copytrade: registry full, target rejected")
		return false
	}

	if target.AddedAt.IsZero() {
		target.AddedAt = time.Now()
	}
	r.targets[key] = target
	r.version.Add(1)

	log.Debug().
		Str("address", ShortAddr(target.Address)).
		Str("chain", target.Chain).
		Str("label", target.Label).
		Msg("copytrade: watch target added")
	return true
}

// Remove unregisters an address. Returns true when it was present.
func (r *Registry) Remove(address string) bool {
	key := NormalizeAddress(address)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.targets[key]; !ok {
		return false
	}
	delete(r.targets, key)
	r.version.Add(1)
	return true
}

// Lookup returns the target registered for address.
func (r *Registry) Lookup(address string) (WatchTarget, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.targets[NormalizeAddress(address)]
	return t, ok
}

// Targets returns the targets on one chain sorted by address.
func (r *Registry) Targets(chain string) []WatchTarget {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]WatchTarget, 0, len(r.targets))
	for _, t := range r.targets {
		if t.Chain == chain {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// All returns every target sorted by chain then address.
func (r *Registry) All() []WatchTarget {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]WatchTarget, 0, len(r.targets))
	for _, t := range r.targets {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Chain != out[j].Chain {
			return out[i].Chain < out[j].Chain
		}
		return out[i].Address < out[j].Address
	})
	return out
}

// Version increases on every change.
func (r *Registry) Version() int64 {
	return r.version.Load()
}

// Len returns the number of targets.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.targets)
}
