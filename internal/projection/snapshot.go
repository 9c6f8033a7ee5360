package projection

import (
	"sort"

	"github.com/agtmux/agtmux/internal/model"
)

// PaneSnapshot is a read-only copy of one pane's runtime state, safe to
// hand to an RPC handler without holding the projection's mutex.
type PaneSnapshot = model.PaneRuntimeState

// SessionSnapshot is the session equivalent of PaneSnapshot.
type SessionSnapshot = model.SessionRuntimeState

// ListPanes returns a stable-ordered snapshot of every pane's current
// state (spec 4.9 list_panes). Reads take the mutex only long enough to
// copy (spec 4.8: "Reads obtain a snapshot without blocking the writer for
// more than one field copy").
func (p *Projection) ListPanes() []PaneSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PaneSnapshot, 0, len(p.panes))
	for _, entry := range p.panes {
		out = append(out, entry.state)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PaneInstanceID.PaneID < out[j].PaneInstanceID.PaneID })
	return out
}

// ListSessions returns a stable-ordered snapshot of every session's state
// (spec 4.9 list_sessions).
func (p *Projection) ListSessions() []SessionSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SessionSnapshot, 0, len(p.sessions))
	for _, entry := range p.sessions {
		out = append(out, entry.state)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionKey < out[j].SessionKey })
	return out
}

// ChangesSince returns every change-log entry newer than sinceVersion, up
// to the current version (spec 4.9 state_changed).
func (p *Projection) ChangesSince(sinceVersion int64) []model.ChangeLogEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []model.ChangeLogEntry
	for _, c := range p.changeLog {
		if c.Version > sinceVersion {
			out = append(out, c)
		}
	}
	return out
}

// Summary is the aggregate tally served by summary_changed (spec 4.9).
type Summary struct {
	Agents     int
	Unmanaged  int
	Total      int
	PerState   map[model.ActivityState]int
	Version    int64
}

// Summarize computes the current aggregate counts.
func (p *Projection) Summarize() Summary {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Summary{PerState: make(map[model.ActivityState]int), Version: p.version}
	for _, entry := range p.panes {
		s.Total++
		if entry.state.Presence == model.PresenceManaged {
			s.Agents++
			s.PerState[entry.state.ActivityState]++
		} else {
			s.Unmanaged++
		}
	}
	return s
}

// CompactChangeLog trims change-log entries at or below the lowest version
// served to any client since the previous tick (spec 5's compaction step).
// Callers track "lowest version served" themselves and pass it in.
func (p *Projection) CompactChangeLog(keepAboveVersion int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.changeLog[:0]
	for _, c := range p.changeLog {
		if c.Version > keepAboveVersion {
			kept = append(kept, c)
		}
	}
	p.changeLog = kept
}
