// Package resolver implements the pure tier resolver (spec section 4.1):
// given a batch of evidence for one grouping key, it produces a single
// ResolvedActivity by deduping, splitting deterministic from heuristic,
// and picking a winner under the freshness and rank rules.
package resolver

import (
	"sort"
	"time"

	"github.com/agtmux/agtmux/internal/model"
)

// Resolve runs the tier-resolver algorithm over one grouping key's batch.
// now is the freshness clock; it is passed in rather than read from
// time.Now so tests can pin it exactly as spec scenarios do.
func Resolve(now time.Time, batch []model.Evidence) (model.ResolvedActivity, error) {
	deduped, err := dedup(batch)
	if err != nil {
		return model.ResolvedActivity{}, err
	}
	if len(deduped) == 0 {
		return model.ResolvedActivity{}, model.ErrInvalidSourceEvent
	}

	var deterministic, heuristic []model.Evidence
	for _, e := range deduped {
		if e.Tier == model.TierDeterministic {
			if e.SessionKey == "" || e.SourceEventID == "" || !e.HasPaneID {
				return model.ResolvedActivity{}, model.ErrSignatureInconclusive
			}
			deterministic = append(deterministic, e)
		} else {
			heuristic = append(heuristic, e)
		}
	}

	freshDeterministic := freshOnly(now, deterministic)

	var pool []model.Evidence
	var tier model.Tier
	if len(freshDeterministic) > 0 {
		pool = freshDeterministic
		tier = model.TierDeterministic
	} else if len(heuristic) > 0 {
		pool = heuristic
		tier = model.TierHeuristic
	} else if len(deterministic) > 0 {
		// Stale or down deterministic evidence with nothing heuristic to
		// fall back on still resolves, just not as a "fresh" win; the
		// projection layer is responsible for reflecting the evidence_mode
		// degradation separately.
		pool = deterministic
		tier = model.TierDeterministic
	} else {
		return model.ResolvedActivity{}, model.ErrInvalidSourceEvent
	}

	winner := pickWinner(pool)
	state := resolveState(pool)

	return model.ResolvedActivity{
		Tier:       tier,
		State:      state,
		Provider:   winner.Provider,
		Source:     winner.SourceKind,
		Confidence: winner.Confidence,
		Evidence:   winner,
	}, nil
}

func dedup(batch []model.Evidence) ([]model.Evidence, error) {
	type key struct {
		provider model.Provider
		session  string
		event    string
	}
	latest := make(map[key]model.Evidence, len(batch))
	order := make([]key, 0, len(batch))
	for _, e := range batch {
		if e.ObservedAt.IsZero() || e.SessionKey == "" {
			return nil, model.ErrInvalidSourceEvent
		}
		k := key{e.Provider, e.SessionKey, e.EventID}
		if prev, ok := latest[k]; !ok {
			latest[k] = e
			order = append(order, k)
		} else if e.ObservedAt.After(prev.ObservedAt) {
			latest[k] = e
		}
	}
	out := make([]model.Evidence, 0, len(order))
	for _, k := range order {
		out = append(out, latest[k])
	}
	return out, nil
}

func freshOnly(now time.Time, evs []model.Evidence) []model.Evidence {
	out := make([]model.Evidence, 0, len(evs))
	for _, e := range evs {
		if model.ClassifyFreshness(now, e.ObservedAt) == model.FreshnessFresh {
			out = append(out, e)
		}
	}
	return out
}

// pickWinner breaks ties by provider rank (lower wins), then observed_at
// descending, then event_id lexicographic, as spec 4.1 step 4 requires.
func pickWinner(pool []model.Evidence) model.Evidence {
	sorted := append([]model.Evidence(nil), pool...)
	sort.SliceStable(sorted, func(i, j int) bool {
		ri, oki := model.RankOf(sorted[i].Provider, sorted[i].SourceKind)
		rj, okj := model.RankOf(sorted[j].Provider, sorted[j].SourceKind)
		if oki != okj {
			return oki
		}
		if ri != rj {
			return ri < rj
		}
		if !sorted[i].ObservedAt.Equal(sorted[j].ObservedAt) {
			return sorted[i].ObservedAt.After(sorted[j].ObservedAt)
		}
		return sorted[i].EventID < sorted[j].EventID
	})
	return sorted[0]
}

// resolveState applies the ActivityState precedence order across every
// candidate in the winning partition, not just the rank-winner, since a
// single batch can carry more than one state for the same group.
func resolveState(pool []model.Evidence) model.ActivityState {
	best := model.ActivityUnknown
	bestRank := model.ActivityPrecedence[model.ActivityUnknown]
	seen := false
	for _, e := range pool {
		state := e.ActivityHint
		if state == "" {
			continue
		}
		rank, ok := model.ActivityPrecedence[state]
		if !ok {
			continue
		}
		if !seen || rank < bestRank {
			best = state
			bestRank = rank
			seen = true
		}
	}
	return best
}
