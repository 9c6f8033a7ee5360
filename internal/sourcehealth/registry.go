package sourcehealth

import (
	"sync"
	"time"
)

// Registry tracks one rolling State per source kind key, shared across
// the daemon's tick loop (which reports outcomes) and the RPC server
// (which serves snapshots via list_source_health).
type Registry struct {
	mu         sync.Mutex
	thresholds Thresholds
	states     map[string]State
}

// NewRegistry builds an empty Registry using the given thresholds for
// every tracked key.
func NewRegistry(thresholds Thresholds) *Registry {
	return &Registry{thresholds: thresholds, states: make(map[string]State)}
}

// Report advances key's health state given this tick's outcome.
func (r *Registry) Report(key string, success bool, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[key] = Next(r.thresholds, r.states[key], success, now)
}

// Snapshot returns a copy of every tracked key's current state.
func (r *Registry) Snapshot() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]State, len(r.states))
	for k, v := range r.states {
		out[k] = v
	}
	return out
}
