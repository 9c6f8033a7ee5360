// Package hooks implements the hook adapter (spec section 4.5): a
// push-side receiver fed by the RPC server's `source.ingest` method,
// translating hook payloads into deterministic evidence the gateway
// pulls on its next tick.
package hooks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agtmux/agtmux/internal/daemonlog"
	"github.com/agtmux/agtmux/internal/model"
)

// Event is the wire shape of one hook call, as carried by the
// `source.ingest` JSON-RPC params (spec 4.5).
type Event struct {
	HookID    string
	HookType  string
	SessionID string
	Timestamp time.Time
	PaneID    string
	HasPaneID bool
	Data      map[string]any
	SourceID  string
	Nonce     string
}

// activityTable maps a hook type to its activity state, per spec 4.5's
// table. Notification hook types are disambiguated by the data payload's
// subtype, handled separately in translate().
var activityTable = map[string]model.ActivityState{
	"PreToolUse":    model.ActivityRunning,
	"PostToolUse":   model.ActivityRunning,
	"SubagentStart": model.ActivityRunning,
	"Stop":          model.ActivityIdle,
	"SessionStart":  model.ActivityIdle,
	"SessionEnd":    model.ActivityIdle,
}

// Source is the gateway.Source implementation for the hook adapter. It
// never blocks the RPC caller: Submit appends to a queue that PullEvents
// drains on the next tick.
type Source struct {
	registry *Registry
	log      *daemonlog.Logger

	mu     sync.Mutex
	queue  []model.Evidence
	seq    int64
}

// New builds a hook Source. registry may be nil, in which case admission
// never warns (every source_id is treated as unregistered-but-admitted).
func New(registry *Registry, log *daemonlog.Logger) *Source {
	return &Source{registry: registry, log: log}
}

// Kind identifies this adapter to the gateway.
func (s *Source) Kind() model.SourceKind { return model.SourceHooks }

// Submit admits one hook call. Admission is warn-only in the MVP (spec
// 4.5): an unregistered source_id or mismatched nonce logs a warning but
// the event is still queued.
func (s *Source) Submit(ev Event) {
	if s.registry != nil {
		if err := s.registry.Validate(ev.SourceID, ev.Nonce); err != nil && s.log != nil {
			s.log.Warn("hooks.admission", "hook_id=", ev.HookID, " reason=", err.Error())
		}
	}

	activity, ok := translate(ev)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.queue = append(s.queue, model.Evidence{
		EventID:       fmt.Sprintf("hook-%s-%d", ev.HookID, s.seq),
		Provider:      providerFromSessionID(ev.SessionID),
		SourceKind:    model.SourceHooks,
		Tier:          model.TierDeterministic,
		ObservedAt:    ev.Timestamp,
		SessionKey:    ev.SessionID,
		PaneID:        ev.PaneID,
		HasPaneID:     ev.HasPaneID,
		SourceEventID: ev.HookID,
		EventType:     ev.HookType,
		ActivityHint:  activity,
		Confidence:    1.0,
		IsHeartbeat:   false,
	})
}

// PullEvents implements gateway.Source. The cursor is a monotonic
// drain-sequence counter; the queue itself is the adapter's only state.
func (s *Source) PullEvents(_ context.Context, _ string, limit int) ([]model.Evidence, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 || limit > len(s.queue) {
		limit = len(s.queue)
	}
	events := s.queue[:limit]
	s.queue = s.queue[limit:]

	return append([]model.Evidence(nil), events...), fmt.Sprintf("%020d", s.seq), nil
}

// translate maps a hook event to its activity state, resolving
// Notification's two subtypes via the data payload.
func translate(ev Event) (model.ActivityState, bool) {
	if ev.HookType == "Notification" {
		subtype, _ := ev.Data["subtype"].(string)
		switch subtype {
		case "permission_prompt":
			return model.ActivityWaitingApproval, true
		case "idle_prompt":
			return model.ActivityWaitingInput, true
		default:
			return model.ActivityUnknown, false
		}
	}
	state, ok := activityTable[ev.HookType]
	return state, ok
}

// providerFromSessionID is a best-effort guess used only as a default
// when the caller's data payload carries no explicit provider field;
// hooks are currently wired to Claude Code only (spec 4.5's source).
func providerFromSessionID(string) model.Provider { return model.ProviderClaude }
