// Package model defines the closed enums and records shared by every layer
// of the state-inference core: evidence, pane/session runtime state, and the
// pane-instance identity used to survive pane-id reuse.
package model

import "time"

// ActivityState is the closed enum an agent pane can be observed in.
type ActivityState string

const (
	ActivityRunning          ActivityState = "running"
	ActivityIdle             ActivityState = "idle"
	ActivityWaitingInput     ActivityState = "waiting_input"
	ActivityWaitingApproval  ActivityState = "waiting_approval"
	ActivityError            ActivityState = "error"
	ActivityUnknown          ActivityState = "unknown"
)

// ActivityPrecedence resolves in-batch conflicts when a single group
// produces more than one candidate state. Lower wins.
var ActivityPrecedence = map[ActivityState]int{
	ActivityError:           0,
	ActivityWaitingApproval: 1,
	ActivityWaitingInput:    2,
	ActivityRunning:         3,
	ActivityIdle:            4,
	ActivityUnknown:         5,
}

// Provider is the closed set of agent CLIs the core understands. Treated
// opaquely by the resolver; only arbitration and rank tables know its values.
type Provider string

const (
	ProviderClaude   Provider = "claude"
	ProviderCodex    Provider = "codex"
	ProviderGemini   Provider = "gemini"
	ProviderCopilot  Provider = "copilot"
	ProviderUnknown  Provider = ""
)

// SourceKind identifies which adapter produced a piece of evidence.
type SourceKind string

const (
	SourcePoller    SourceKind = "poller"
	SourceAppServer SourceKind = "appserver"
	SourceHooks     SourceKind = "hooks"
	SourceJsonl     SourceKind = "jsonl"
)

// Tier is the trust level of a SourceKind: deterministic sources carry a
// verifiable handshake, heuristic sources infer from observation.
type Tier string

const (
	TierDeterministic Tier = "deterministic"
	TierHeuristic     Tier = "heuristic"
)

// TierOf returns the fixed tier for a source kind.
func TierOf(s SourceKind) Tier {
	if s == SourcePoller {
		return TierHeuristic
	}
	return TierDeterministic
}

// sourceRank holds, per provider, the rank of each source kind it can
// appear under (lower wins). A source kind absent from a provider's table
// never wins arbitration for that provider.
var sourceRank = map[Provider]map[SourceKind]int{
	ProviderClaude: {
		SourceHooks:  0,
		SourceJsonl:  1,
		SourcePoller: 2,
	},
	ProviderCodex: {
		SourceAppServer: 0,
		SourcePoller:    1,
	},
}

// RankOf returns the provider-scoped rank of a source kind and whether that
// combination is recognized at all. Providers without an explicit entry
// (Gemini, Copilot) fall back to a generic two-tier table so the resolver
// still has a total order to work with.
func RankOf(p Provider, s SourceKind) (int, bool) {
	if table, ok := sourceRank[p]; ok {
		rank, ok := table[s]
		return rank, ok
	}
	if s == SourcePoller {
		return 1, true
	}
	return 0, true
}

// Freshness classifies deterministic evidence by age.
type Freshness string

const (
	FreshnessFresh Freshness = "fresh"
	FreshnessStale Freshness = "stale"
	FreshnessDown  Freshness = "down"
)

const (
	FreshWindow = 3 * time.Second
	StaleWindow = 15 * time.Second
)

// ClassifyFreshness buckets a deterministic observation by age relative to
// now. Heuristic evidence does not use this gate; callers only invoke it for
// deterministic partitions.
func ClassifyFreshness(now, observedAt time.Time) Freshness {
	age := now.Sub(observedAt)
	switch {
	case age <= FreshWindow:
		return FreshnessFresh
	case age <= StaleWindow:
		return FreshnessStale
	default:
		return FreshnessDown
	}
}

// PaneInstanceID is the triple that distinguishes a reused backend pane_id
// from the process that previously occupied it.
type PaneInstanceID struct {
	PaneID     string
	Generation int64
	BirthTS    time.Time
}

// Evidence is one event on the pipeline, as produced by any adapter.
type Evidence struct {
	EventID         string
	Provider        Provider
	SourceKind      SourceKind
	Tier            Tier
	ObservedAt      time.Time
	SessionKey      string
	PaneID          string
	PaneGeneration  int64
	HasPaneID       bool
	PaneBirthTS     time.Time
	SourceEventID   string
	EventType       string
	ActivityHint    ActivityState
	Payload         string
	Title           string
	Confidence      float64
	IsHeartbeat     bool
}

// DedupKey is the identity used for at-least-once delivery idempotence.
func (e Evidence) DedupKey() (Provider, string, string) {
	return e.Provider, e.SessionKey, e.EventID
}

// Presence marks whether a pane is judged to host an agent.
type Presence string

const (
	PresenceManaged   Presence = "managed"
	PresenceUnmanaged Presence = "unmanaged"
)

// EvidenceMode mirrors Tier but as a pane-state axis distinct from Presence;
// a pane can stay Managed while its evidence mode degrades from
// Deterministic to Heuristic as its deterministic source goes stale.
type EvidenceMode string

const (
	EvidenceDeterministic EvidenceMode = "deterministic"
	EvidenceHeuristic     EvidenceMode = "heuristic"
	EvidenceNone          EvidenceMode = "none"
)

// SignatureClass is the classifier's verdict for a pane (spec 4.2).
type SignatureClass string

const (
	SignatureDeterministic SignatureClass = "deterministic"
	SignatureHeuristic     SignatureClass = "heuristic"
	SignatureNone          SignatureClass = "none"
)

// PaneRuntimeState is the per-pane row of the read model.
type PaneRuntimeState struct {
	PaneInstanceID     PaneInstanceID
	Presence           Presence
	EvidenceMode       EvidenceMode
	SignatureClass     SignatureClass
	SignatureReason    string
	SignatureConfidence float64
	ActivityState      ActivityState
	Provider           Provider
	SessionKey         string
	NoAgentStreak      int
	UpdatedAt          time.Time
}

// SessionRuntimeState is the per-session row of the read model.
type SessionRuntimeState struct {
	SessionKey              string
	Presence                Presence
	EvidenceMode            EvidenceMode
	DeterministicLastSeen   *time.Time
	WinnerTier              Tier
	ActivityState           ActivityState
	ActivitySource          SourceKind
	RepresentativePane      *PaneInstanceID
	ConversationTitle       string
	UpdatedAt               time.Time
}

// ChangeKind distinguishes the two kinds of change-log entries.
type ChangeKind string

const (
	ChangePane    ChangeKind = "pane_changed"
	ChangeSession ChangeKind = "session_changed"
)

// ChangeLogEntry is one append-only record in the projection's version log.
type ChangeLogEntry struct {
	Version int64
	Kind    ChangeKind
	Key     string
}

// ProcessHint classifies a pane's process-tree ancestry (spec 4.3).
type ProcessHint string

const (
	ProcessHintCompetingAgent ProcessHint = "competing-agent"
	ProcessHintCodexAgent     ProcessHint = "codex-agent"
	ProcessHintNeutral        ProcessHint = "neutral"
	ProcessHintShell          ProcessHint = "shell"
)

// ProcessTier maps a ProcessHint to the poller's pane tier; only tier <= 2
// may ever be classified Managed.
func ProcessTier(h ProcessHint) int {
	switch h {
	case ProcessHintCompetingAgent:
		return 0
	case ProcessHintCodexAgent:
		return 1
	case ProcessHintNeutral:
		return 2
	default:
		return 3
	}
}

// ResolvedActivity is the tier resolver's output for one grouping key.
type ResolvedActivity struct {
	Tier       Tier
	State      ActivityState
	Provider   Provider
	Source     SourceKind
	Confidence float64
	Evidence   Evidence
}
