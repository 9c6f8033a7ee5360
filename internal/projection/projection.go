// Package projection implements the pane-first resolver and read model
// (spec section 4.8) — the cross-cutting invariant that distinguishes this
// design: grouping by pane_id (never purely by session_key), cross-provider
// arbitration via last_real_activity, the generation guard, no-agent
// debouncing, and session representative selection. It is a single-writer,
// non-blocking step: no socket or subprocess I/O happens inside Apply.
package projection

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agtmux/agtmux/internal/classifier"
	"github.com/agtmux/agtmux/internal/model"
	"github.com/agtmux/agtmux/internal/resolver"
	"github.com/agtmux/agtmux/internal/runtime"
)

type paneEntry struct {
	state      model.PaneRuntimeState
	hysteresis classifier.HysteresisState
	tombstones []runtime.Tombstone
}

type sessionEntry struct {
	state model.SessionRuntimeState
}

// Projection holds all read-model state behind a single mutex, held only
// by Apply (spec section 5: "Projection state ... lives behind a single
// mutex held only by the projection step").
type Projection struct {
	mu sync.Mutex

	pollInterval time.Duration

	panes         map[string]*paneEntry       // keyed by pane_id
	sessions      map[string]*sessionEntry    // keyed by session_key
	sessionToPane map[string]string           // session_key -> pane_id, fallback grouping

	lastRealActivity map[string]map[model.Provider]time.Time // pane_id -> provider -> ts

	pendingTitles map[string]string // session_key -> latest conversation title (spec 4.6)

	changeLog []model.ChangeLogEntry
	version   int64
}

// New builds an empty Projection. pollInterval feeds the idle-confirmation
// hysteresis threshold (spec 4.2).
func New(pollInterval time.Duration) *Projection {
	return &Projection{
		pollInterval:     pollInterval,
		panes:            make(map[string]*paneEntry),
		sessions:         make(map[string]*sessionEntry),
		sessionToPane:    make(map[string]string),
		lastRealActivity: make(map[string]map[model.Provider]time.Time),
		pendingTitles:    make(map[string]string),
	}
}

// Apply resolves one tick's merged evidence batch into the read model. Its
// return value is the gateway's commit signal (spec 4.7 point 4): cursors
// are only persisted once Apply returns without error.
func (p *Projection) Apply(_ context.Context, batch []model.Evidence) (int, error) {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()

	groups := groupByPane(batch, p.sessionToPane)

	applied := 0
	touchedPanes := make(map[string]struct{}, len(groups))
	for paneKey, group := range groups {
		changed, err := p.applyGroup(now, paneKey, group)
		if err != nil {
			// Spec 7: errors inside a single pane's classification are
			// absorbed and surfaced as a state transition, never propagated
			// to stall the whole tick.
			continue
		}
		if changed {
			applied++
		}
		touchedPanes[paneKey] = struct{}{}
	}

	p.debounceUntouchedPanes(now, touchedPanes)
	p.recomputeSessionRepresentatives(now)

	return applied, nil
}

func (p *Projection) applyGroup(now time.Time, paneID string, group []model.Evidence) (bool, error) {
	entry, found := p.panes[paneID]
	isNew := !found
	if entry == nil {
		entry = &paneEntry{state: model.PaneRuntimeState{
			PaneInstanceID: model.PaneInstanceID{PaneID: paneID},
			Presence:       model.PresenceUnmanaged,
			EvidenceMode:   model.EvidenceNone,
		}}
		p.panes[paneID] = entry
	}

	entry.tombstones = runtime.PruneTombstones(entry.tombstones, now)

	// Generation guard: drop events from superseded generations, or from a
	// generation/birth_ts pair that collides with a still-live tombstoned
	// instance, outright.
	filtered := group[:0:0]
	maxGeneration := entry.state.PaneInstanceID.Generation
	maxGenerationBirth := entry.state.PaneInstanceID.BirthTS
	for _, e := range group {
		obs := model.PaneInstanceID{PaneID: paneID, Generation: e.PaneGeneration, BirthTS: e.PaneBirthTS}
		if err := runtime.ValidateInstance(entry.state.PaneInstanceID, entry.tombstones, obs, now); err != nil {
			continue
		}
		filtered = append(filtered, e)
		if e.PaneGeneration > maxGeneration {
			maxGeneration = e.PaneGeneration
			maxGenerationBirth = e.PaneBirthTS
		}
	}
	if len(filtered) == 0 {
		return false, nil
	}
	if maxGeneration > entry.state.PaneInstanceID.Generation {
		// The prior instance is superseded; retain it as a tombstone so a
		// late event still addressed to it is recognized for the grace
		// window rather than silently misbound to the new occupant.
		entry.tombstones = append(entry.tombstones, runtime.Tombstone{
			Instance: entry.state.PaneInstanceID,
			DiedAt:   now,
		})
		entry.state.PaneInstanceID.Generation = maxGeneration
		entry.state.PaneInstanceID.BirthTS = maxGenerationBirth
		entry.hysteresis = classifier.HysteresisState{}
		entry.state.NoAgentStreak = 0
	}

	p.updateLastRealActivity(paneID, filtered)
	p.recordTitles(filtered)

	winner, err := p.resolveWithArbitration(now, paneID, filtered)
	if err != nil {
		if isNew {
			// Resolution never got far enough to produce a real state for
			// this pane; don't leave the placeholder behind as a phantom
			// entry future ticks (and list_panes) would report forever.
			delete(p.panes, paneID)
		}
		return false, err
	}

	sig := p.classifySignature(winner)

	before := entry.state
	entry.state.ActivityState = winner.State
	entry.state.Provider = winner.Provider
	entry.state.SessionKey = winner.Evidence.SessionKey
	entry.state.EvidenceMode = evidenceModeFor(sig.Class, winner.Tier)
	entry.state.SignatureClass = sig.Class
	entry.state.SignatureReason = sig.Reason
	entry.state.SignatureConfidence = sig.Confidence
	entry.state.UpdatedAt = now

	managedThisTick := sig.Class != model.SignatureNone
	streak := entry.hysteresis.StepNoAgent(managedThisTick)
	entry.state.NoAgentStreak = streak

	hasFreshDeterministic := anyFreshDeterministic(now, filtered)
	if managedThisTick {
		entry.state.Presence = model.PresenceManaged
	} else if classifier.ShouldDemoteToUnmanaged(streak) && !hasFreshDeterministic {
		if before.Presence == model.PresenceManaged {
			entry.tombstones = append(entry.tombstones, runtime.Tombstone{
				Instance: entry.state.PaneInstanceID,
				DiedAt:   now,
			})
		}
		entry.state.Presence = model.PresenceUnmanaged
		entry.state.EvidenceMode = model.EvidenceNone
		entry.state.Provider = model.ProviderUnknown
	} else if isNew {
		entry.state.Presence = model.PresenceUnmanaged
	}

	if entry.state.SessionKey != "" {
		p.sessionToPane[entry.state.SessionKey] = paneID
	}

	changed := stateChanged(before, entry.state)
	if changed {
		p.appendChange(model.ChangePane, paneID)
	}
	return changed, nil
}

// resolveWithArbitration runs the tier resolver and, when more than one
// provider contributes fresh deterministic evidence to this pane's batch,
// arbitrates between them using last_real_activity (spec 4.8).
func (p *Projection) resolveWithArbitration(now time.Time, paneID string, group []model.Evidence) (model.ResolvedActivity, error) {
	providers := freshDeterministicProviders(now, group)
	if len(providers) <= 1 {
		return resolver.Resolve(now, group)
	}

	activity := p.lastRealActivity[paneID]
	var winner model.Provider
	var winnerTS time.Time
	for _, prov := range providers {
		ts, ok := activity[prov]
		if !ok {
			continue
		}
		if winner == "" || ts.After(winnerTS) {
			winner = prov
			winnerTS = ts
		}
	}
	if winner == "" {
		return resolver.Resolve(now, group)
	}
	restricted := make([]model.Evidence, 0, len(group))
	for _, e := range group {
		if e.Tier != model.TierDeterministic || e.Provider == winner {
			restricted = append(restricted, e)
		}
	}
	return resolver.Resolve(now, restricted)
}

func (p *Projection) updateLastRealActivity(paneID string, group []model.Evidence) {
	for _, e := range group {
		if e.IsHeartbeat || e.Tier != model.TierDeterministic {
			continue
		}
		byProvider, ok := p.lastRealActivity[paneID]
		if !ok {
			byProvider = make(map[model.Provider]time.Time)
			p.lastRealActivity[paneID] = byProvider
		}
		if prev, ok := byProvider[e.Provider]; !ok || e.ObservedAt.After(prev) {
			byProvider[e.Provider] = e.ObservedAt
		}
	}
}

// recordTitles remembers the latest non-empty conversation title carried
// by any evidence in this tick's group (spec 4.6: "a custom-title line
// updates the session's conversation title in the read model"), applied
// onto the session row in recomputeSessionRepresentatives.
func (p *Projection) recordTitles(group []model.Evidence) {
	for _, e := range group {
		if e.Title == "" || e.SessionKey == "" {
			continue
		}
		p.pendingTitles[e.SessionKey] = e.Title
	}
}

func (p *Projection) classifySignature(winner model.ResolvedActivity) classifier.Result {
	e := winner.Evidence
	if e.Tier == model.TierDeterministic {
		result, ok := classifier.ClassifyDeterministic(classifier.Signals{
			HasProvider:      e.Provider != "",
			HasPaneInstance:  e.HasPaneID,
			HasSessionKey:    e.SessionKey != "",
			HasSourceEventID: e.SourceEventID != "",
			HasEventTime:     !e.ObservedAt.IsZero(),
			SourceKind:       e.SourceKind,
		})
		if ok {
			result.Provider = e.Provider
			return result
		}
	}
	if e.SourceKind == model.SourcePoller {
		// The poller adapter already ran classifier.ClassifyHeuristic over
		// its real per-signal Signals (process hint, cmd match, capture
		// match, title match) before emitting this evidence at all, and
		// only emits when that classification was Heuristic
		// (internal/sources/poller, poller.go). Re-deriving a synthetic
		// Signals here keyed only on SourceKind would fabricate a
		// process_hint+capture_match double match for every poller
		// evidence and report confidence 1.00 regardless of which signal
		// actually won; trust the evidence's precomputed Confidence and
		// Provider instead.
		return classifier.Result{
			Class:      model.SignatureHeuristic,
			Reason:     "heuristic_match",
			Confidence: e.Confidence,
			Provider:   e.Provider,
		}
	}
	// A deterministic-tier evidence that failed ClassifyDeterministic's
	// handshake check (missing session_key/source_event_id/...) has no
	// heuristic signals of its own to fall back on.
	return classifier.Result{Class: model.SignatureNone, Reason: "wrapper-without-hint"}
}

func evidenceModeFor(class model.SignatureClass, tier model.Tier) model.EvidenceMode {
	switch class {
	case model.SignatureDeterministic:
		return model.EvidenceDeterministic
	case model.SignatureHeuristic:
		return model.EvidenceHeuristic
	default:
		return model.EvidenceNone
	}
}

func anyFreshDeterministic(now time.Time, group []model.Evidence) bool {
	for _, e := range group {
		if e.Tier == model.TierDeterministic && model.ClassifyFreshness(now, e.ObservedAt) == model.FreshnessFresh {
			return true
		}
	}
	return false
}

func freshDeterministicProviders(now time.Time, group []model.Evidence) []model.Provider {
	seen := map[model.Provider]bool{}
	var out []model.Provider
	for _, e := range group {
		if e.Tier != model.TierDeterministic {
			continue
		}
		if model.ClassifyFreshness(now, e.ObservedAt) != model.FreshnessFresh {
			continue
		}
		if !seen[e.Provider] {
			seen[e.Provider] = true
			out = append(out, e.Provider)
		}
	}
	return out
}

// debounceUntouchedPanes advances the no-agent streak for panes that
// received no evidence at all this tick, matching the "a tick produces no
// managed signal for a pane" condition in spec 4.8.
func (p *Projection) debounceUntouchedPanes(now time.Time, touched map[string]struct{}) {
	for paneID, entry := range p.panes {
		entry.tombstones = runtime.PruneTombstones(entry.tombstones, now)
		if _, ok := touched[paneID]; ok {
			continue
		}
		if entry.state.Presence != model.PresenceManaged {
			continue
		}
		streak := entry.hysteresis.StepNoAgent(false)
		entry.state.NoAgentStreak = streak
		if classifier.ShouldDemoteToUnmanaged(streak) {
			before := entry.state
			entry.tombstones = append(entry.tombstones, runtime.Tombstone{
				Instance: entry.state.PaneInstanceID,
				DiedAt:   now,
			})
			entry.state.Presence = model.PresenceUnmanaged
			entry.state.EvidenceMode = model.EvidenceNone
			entry.state.Provider = model.ProviderUnknown
			entry.state.UpdatedAt = now
			if stateChanged(before, entry.state) {
				p.appendChange(model.ChangePane, paneID)
			}
		}
	}
}

// recomputeSessionRepresentatives applies the three-step tiebreak (latest
// deterministic handshake, then latest activity, then lexical pane id)
// every tick, per spec 3's lifecycle note and 4.8's "Session representative".
func (p *Projection) recomputeSessionRepresentatives(now time.Time) {
	bySession := make(map[string][]string)
	for paneID, entry := range p.panes {
		if entry.state.SessionKey == "" {
			continue
		}
		bySession[entry.state.SessionKey] = append(bySession[entry.state.SessionKey], paneID)
	}
	for sessionKey, paneIDs := range bySession {
		sort.Slice(paneIDs, func(i, j int) bool {
			pi, pj := p.panes[paneIDs[i]], p.panes[paneIDs[j]]
			di := pi.state.EvidenceMode == model.EvidenceDeterministic
			dj := pj.state.EvidenceMode == model.EvidenceDeterministic
			if di != dj {
				return di
			}
			if !pi.state.UpdatedAt.Equal(pj.state.UpdatedAt) {
				return pi.state.UpdatedAt.After(pj.state.UpdatedAt)
			}
			return paneIDs[i] < paneIDs[j]
		})
		rep := paneIDs[0]
		repEntry := p.panes[rep]

		sess, ok := p.sessions[sessionKey]
		if !ok {
			sess = &sessionEntry{state: model.SessionRuntimeState{SessionKey: sessionKey}}
			p.sessions[sessionKey] = sess
		}
		before := sess.state
		instance := repEntry.state.PaneInstanceID
		sess.state.RepresentativePane = &instance
		sess.state.Presence = repEntry.state.Presence
		sess.state.EvidenceMode = repEntry.state.EvidenceMode
		sess.state.ActivityState = repEntry.state.ActivityState
		if repEntry.state.EvidenceMode == model.EvidenceDeterministic {
			ts := now
			sess.state.DeterministicLastSeen = &ts
		}
		if title, ok := p.pendingTitles[sessionKey]; ok {
			sess.state.ConversationTitle = title
		}
		sess.state.UpdatedAt = now
		if sessionChanged(before, sess.state) {
			p.appendChange(model.ChangeSession, sessionKey)
		}
	}
}

func stateChanged(a, b model.PaneRuntimeState) bool {
	return a.Presence != b.Presence ||
		a.EvidenceMode != b.EvidenceMode ||
		a.SignatureClass != b.SignatureClass ||
		a.ActivityState != b.ActivityState ||
		a.Provider != b.Provider ||
		a.SessionKey != b.SessionKey
}

func sessionChanged(a, b model.SessionRuntimeState) bool {
	return a.Presence != b.Presence ||
		a.EvidenceMode != b.EvidenceMode ||
		a.ActivityState != b.ActivityState ||
		a.ConversationTitle != b.ConversationTitle ||
		ptrPaneDiffers(a.RepresentativePane, b.RepresentativePane)
}

func ptrPaneDiffers(a, b *model.PaneInstanceID) bool {
	if a == nil || b == nil {
		return a != b
	}
	return *a != *b
}

func (p *Projection) appendChange(kind model.ChangeKind, key string) {
	p.version++
	p.changeLog = append(p.changeLog, model.ChangeLogEntry{Version: p.version, Kind: kind, Key: key})
}

// Version returns the current change-log version.
func (p *Projection) Version() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.version
}
