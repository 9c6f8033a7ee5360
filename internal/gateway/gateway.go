// Package gateway implements the multi-source aggregation layer (spec
// section 4.7): one monotonic cursor per source, dedup by
// (provider, session_key, event_id), and at-least-once delivery whose
// commit point is the projection's acknowledgment.
package gateway

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/agtmux/agtmux/internal/model"
)

// Source is the contract every adapter (poller, appserver, hooks, jsonl)
// implements to feed the gateway. PullEvents must always return a cursor
// pointing at the source's current tail, even when it returns zero events,
// so the gateway's "write unconditionally" rule (spec 4.7) can hold.
type Source interface {
	Kind() model.SourceKind
	PullEvents(ctx context.Context, cursor string, limit int) (events []model.Evidence, nextCursor string, err error)
}

// Applier is the projection's apply-side contract the gateway commits
// against; its return is the commit signal (spec 4.7 point 4).
type Applier interface {
	Apply(ctx context.Context, batch []model.Evidence) (applied int, err error)
}

const (
	pullLimit              = 500
	invalidCursorResyncMax = 3
	invalidCursorWindow    = 60 * time.Second
	ringBufferSize         = 2048
)

type cursorState struct {
	committed        string
	invalidEvents     []time.Time
}

// Gateway owns per-source cursors and a bounded recent-event ring buffer,
// and drives the pull -> dedup -> apply -> commit sequence once per tick.
type Gateway struct {
	sources []Source
	cursors map[model.SourceKind]*cursorState
	seen    *lru.Cache[string, time.Time]
	applier Applier
}

// New builds a Gateway over sources in the fixed order spec section 5
// requires for deterministic cross-source arbitration: Poller, AppServer,
// Hooks, Jsonl. Callers are expected to pass them in that order; New does
// not reorder them itself so tests can exercise the ordering invariant
// directly.
func New(applier Applier, sources ...Source) (*Gateway, error) {
	cache, err := lru.New[string, time.Time](ringBufferSize)
	if err != nil {
		return nil, fmt.Errorf("build gateway ring buffer: %w", err)
	}
	cursors := make(map[model.SourceKind]*cursorState, len(sources))
	for _, s := range sources {
		cursors[s.Kind()] = &cursorState{}
	}
	return &Gateway{sources: sources, cursors: cursors, seen: cache, applier: applier}, nil
}

// IngestTick pulls every source once, dedupes against the ring buffer, and
// hands the merged batch to the projection in one shot so cross-source
// arbitration (spec 4.8) sees a single tick's evidence together.
func (g *Gateway) IngestTick(ctx context.Context) error {
	var batch []model.Evidence
	for _, src := range g.sources {
		state := g.cursors[src.Kind()]
		events, nextCursor, err := src.PullEvents(ctx, state.committed, pullLimit)
		if err != nil {
			// A single source failing must not block the others (spec 7:
			// errors that compromise a whole source mark it Degraded, other
			// sources keep running); callers are expected to have already
			// reflected this in sourcehealth before calling IngestTick again.
			continue
		}
		if !isMonotonic(state.committed, nextCursor) {
			g.recordInvalidCursor(state, time.Now())
			continue
		}
		for _, e := range events {
			key := dedupKey(e)
			if _, dup := g.seen.Get(key); dup {
				continue
			}
			g.seen.Add(key, e.ObservedAt)
			batch = append(batch, e)
		}
		// The cursor is written unconditionally, even with zero new events,
		// so the gateway makes progress and never re-delivers the same tail
		// forever (spec 4.7's closing paragraph).
		state.committed = nextCursor
	}

	if len(batch) == 0 {
		return nil
	}
	if _, err := g.applier.Apply(ctx, batch); err != nil {
		return fmt.Errorf("apply batch: %w", err)
	}
	return nil
}

func dedupKey(e model.Evidence) string {
	return string(e.Provider) + "\x00" + e.SessionKey + "\x00" + e.EventID
}

// isMonotonic treats an empty prior cursor as always valid (first pull),
// and otherwise requires the new cursor to be lexicographically >= the
// previous one. Sources are expected to hand out cursors that sort this
// way (e.g. zero-padded sequence numbers or RFC3339 timestamps).
func isMonotonic(prev, next string) bool {
	if prev == "" || next == "" {
		return true
	}
	return next >= prev
}

// recordInvalidCursor rewinds is a no-op here (the cursor simply is not
// advanced this tick); it tracks the invalid-cursor rate so a forced resync
// can be triggered after three such events within 60s (spec 4.7 point 2).
func (g *Gateway) recordInvalidCursor(state *cursorState, now time.Time) {
	cutoff := now.Add(-invalidCursorWindow)
	kept := state.invalidEvents[:0]
	for _, t := range state.invalidEvents {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	state.invalidEvents = append(kept, now)
	if len(state.invalidEvents) >= invalidCursorResyncMax {
		state.committed = ""
		state.invalidEvents = nil
	}
}
