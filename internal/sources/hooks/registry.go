package hooks

import (
	"fmt"
	"sync"

	"github.com/agtmux/agtmux/internal/model"
)

// RegisteredSource is one entry in the hook source registry, exposed
// read-only via the `list_source_registry` RPC method.
type RegisteredSource struct {
	SourceID string
	Nonce    string
	Provider model.Provider
}

// Registry tracks which source_id/nonce pairs a session_start hook
// registered, so later hook calls from the same script instance can be
// recognized. Validation is warn-only (spec 4.5): callers use the
// returned error to log, never to reject.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]RegisteredSource
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]RegisteredSource)}
}

// Register records a source_id/nonce pair, typically on SessionStart.
func (r *Registry) Register(entry RegisteredSource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[entry.SourceID] = entry
}

// Validate reports whether source_id is known and its nonce matches.
// The returned error names the taxonomy spec 4.5 lists
// (source_registry_miss, runtime_nonce_mismatch) for the caller to log;
// it is never fatal to admission.
func (r *Registry) Validate(sourceID, nonce string) error {
	if sourceID == "" {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[sourceID]
	if !ok {
		return fmt.Errorf("source_registry_miss: %s", sourceID)
	}
	if nonce != "" && entry.Nonce != "" && entry.Nonce != nonce {
		return fmt.Errorf("runtime_nonce_mismatch: %s", sourceID)
	}
	return nil
}

// List returns a snapshot of all registered sources, for the
// `list_source_registry` RPC method.
func (r *Registry) List() []RegisteredSource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RegisteredSource, 0, len(r.entries))
	for _, entry := range r.entries {
		out = append(out, entry)
	}
	return out
}
