package projection

import "github.com/agtmux/agtmux/internal/model"

// groupByPane implements spec 4.8's grouping rule: group by pane_id when
// present; otherwise fall back to session_to_pane[session_key]; otherwise
// fall back to session_key itself. This is the load-bearing invariant
// (spec 9): grouping purely by session_key would let a stale heuristic
// last-writer (e.g. Poller's "poller-<pane>" key) overwrite a fresh
// deterministic winner that arrived under a different session key
// (e.g. AppServer's thread_id) for the very same pane.
func groupByPane(batch []model.Evidence, sessionToPane map[string]string) map[string][]model.Evidence {
	groups := make(map[string][]model.Evidence)
	for _, e := range batch {
		key := groupKey(e, sessionToPane)
		groups[key] = append(groups[key], e)
	}
	return groups
}

func groupKey(e model.Evidence, sessionToPane map[string]string) string {
	if e.HasPaneID && e.PaneID != "" {
		return e.PaneID
	}
	if pane, ok := sessionToPane[e.SessionKey]; ok && pane != "" {
		return pane
	}
	return "session:" + e.SessionKey
}
