package rpc

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	humanize "github.com/dustin/go-humanize"

	"github.com/agtmux/agtmux/internal/model"
	"github.com/agtmux/agtmux/internal/projection"
	"github.com/agtmux/agtmux/internal/sourcehealth"
	"github.com/agtmux/agtmux/internal/sources/hooks"
)

// Reader is the read-side of the projection the dispatcher serves RPC
// calls from; satisfied by *projection.Projection.
type Reader interface {
	ListPanes() []projection.PaneSnapshot
	ListSessions() []projection.SessionSnapshot
	ChangesSince(sinceVersion int64) []model.ChangeLogEntry
	Summarize() projection.Summary
}

// Ingestor is the push-side contract source.ingest calls into; satisfied
// by *hooks.Source.
type Ingestor interface {
	Submit(ev hooks.Event)
}

// Dispatcher resolves one JSON-RPC method call against the daemon's
// components. It holds no locks of its own: every dependency already
// protects its own state (spec 5's single-mutex projection, hooks'
// queue mutex, sourcehealth's registry mutex).
type Dispatcher struct {
	Read          Reader
	Ingest        Ingestor
	SourceHealth  *sourcehealth.Registry
	SourceRegistry *hooks.Registry
	StartedAt     time.Time
	Version       string
	SocketPath    string
	PollInterval  time.Duration

	// minSince tracks the lowest since_version any client has requested
	// since the last ConsumeLowestSinceVersion call, so the tick loop can
	// compact the change log without dropping entries a client still
	// needs (spec 5's per-tick compaction step).
	minSince atomic.Int64
}

// Dispatch resolves method against params and returns the value to
// marshal as the JSON-RPC result, or an error describing the taxonomy
// reason spec 7 names.
func (d *Dispatcher) Dispatch(method string, params json.RawMessage) (any, error) {
	switch method {
	case "list_panes":
		return d.listPanes(), nil
	case "list_sessions":
		return d.listSessions(), nil
	case "list_source_health":
		return d.listSourceHealth(), nil
	case "list_source_registry":
		return d.listSourceRegistry(), nil
	case "daemon.info":
		return d.daemonInfo(), nil
	case "latency_status":
		return d.latencyStatus(), nil
	case "state_changed":
		return d.stateChanged(params)
	case "summary_changed":
		return d.summaryChanged(params)
	case "source.ingest":
		return d.sourceIngest(params)
	default:
		return nil, namedError(codeMethodNotFound, "method_not_found", fmt.Sprintf("unknown method %q", method))
	}
}

// namedErr lets handlers surface the stable reason string spec 7
// requires without reaching back into protocol.go's response plumbing.
type namedErr struct {
	code    int
	reason  string
	message string
}

func (e *namedErr) Error() string { return e.message }

func namedError(code int, reason, message string) error {
	return &namedErr{code: code, reason: reason, message: message}
}

// paneDTO is the wire shape of one list_panes row (spec 3's
// PaneRuntimeState, snake_case per spec 4.9/7).
type paneDTO struct {
	PaneID              string  `json:"pane_id"`
	Generation          int64   `json:"pane_generation"`
	BirthTS             time.Time `json:"pane_birth_ts"`
	Presence            string  `json:"presence"`
	EvidenceMode        string  `json:"evidence_mode"`
	SignatureClass      string  `json:"signature_class"`
	SignatureReason     string  `json:"signature_reason"`
	SignatureConfidence float64 `json:"signature_confidence"`
	ActivityState       string  `json:"activity_state"`
	Provider            string  `json:"provider,omitempty"`
	SessionKey          string  `json:"session_key,omitempty"`
	NoAgentStreak       int     `json:"no_agent_streak"`
	UpdatedAt           time.Time `json:"updated_at"`
}

func toPaneDTO(p projection.PaneSnapshot) paneDTO {
	return paneDTO{
		PaneID:              p.PaneInstanceID.PaneID,
		Generation:          p.PaneInstanceID.Generation,
		BirthTS:             p.PaneInstanceID.BirthTS,
		Presence:            string(p.Presence),
		EvidenceMode:        string(p.EvidenceMode),
		SignatureClass:      string(p.SignatureClass),
		SignatureReason:     p.SignatureReason,
		SignatureConfidence: p.SignatureConfidence,
		ActivityState:       string(p.ActivityState),
		Provider:            string(p.Provider),
		SessionKey:          p.SessionKey,
		NoAgentStreak:       p.NoAgentStreak,
		UpdatedAt:           p.UpdatedAt,
	}
}

func (d *Dispatcher) listPanes() []paneDTO {
	panes := d.Read.ListPanes()
	out := make([]paneDTO, 0, len(panes))
	for _, p := range panes {
		out = append(out, toPaneDTO(p))
	}
	return out
}

// sessionDTO is the wire shape of one list_sessions row.
type sessionDTO struct {
	SessionKey            string     `json:"session_key"`
	Presence               string     `json:"presence"`
	EvidenceMode           string     `json:"evidence_mode"`
	DeterministicLastSeen  *time.Time `json:"deterministic_last_seen,omitempty"`
	WinnerTier             string     `json:"winner_tier"`
	ActivityState          string     `json:"activity_state"`
	ActivitySource         string     `json:"activity_source"`
	RepresentativePaneID   string     `json:"representative_pane_id,omitempty"`
	ConversationTitle      string     `json:"conversation_title,omitempty"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

func toSessionDTO(s projection.SessionSnapshot) sessionDTO {
	dto := sessionDTO{
		SessionKey:            s.SessionKey,
		Presence:              string(s.Presence),
		EvidenceMode:          string(s.EvidenceMode),
		DeterministicLastSeen: s.DeterministicLastSeen,
		WinnerTier:            string(s.WinnerTier),
		ActivityState:         string(s.ActivityState),
		ActivitySource:        string(s.ActivitySource),
		ConversationTitle:     s.ConversationTitle,
		UpdatedAt:             s.UpdatedAt,
	}
	if s.RepresentativePane != nil {
		dto.RepresentativePaneID = s.RepresentativePane.PaneID
	}
	return dto
}

func (d *Dispatcher) listSessions() []sessionDTO {
	sessions := d.Read.ListSessions()
	out := make([]sessionDTO, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, toSessionDTO(s))
	}
	return out
}

type sourceHealthDTO struct {
	Source               string `json:"source"`
	Status                string `json:"status"`
	ConsecutiveFailures   int    `json:"consecutive_failures"`
	ConsecutiveSuccesses  int    `json:"consecutive_successes"`
}

func (d *Dispatcher) listSourceHealth() []sourceHealthDTO {
	if d.SourceHealth == nil {
		return nil
	}
	snapshot := d.SourceHealth.Snapshot()
	out := make([]sourceHealthDTO, 0, len(snapshot))
	for key, state := range snapshot {
		out = append(out, sourceHealthDTO{
			Source:               key,
			Status:               string(state.Current),
			ConsecutiveFailures:  state.ConsecutiveFailures,
			ConsecutiveSuccesses: state.ConsecutiveSuccesses,
		})
	}
	return out
}

type sourceRegistryDTO struct {
	SourceID string `json:"source_id"`
	Provider string `json:"provider"`
}

func (d *Dispatcher) listSourceRegistry() []sourceRegistryDTO {
	if d.SourceRegistry == nil {
		return nil
	}
	entries := d.SourceRegistry.List()
	out := make([]sourceRegistryDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, sourceRegistryDTO{SourceID: e.SourceID, Provider: string(e.Provider)})
	}
	return out
}

type daemonInfoDTO struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Version       string    `json:"version"`
	PollInterval  string    `json:"poll_interval"`
	SocketPath    string    `json:"socket_path"`
	StartedAt     time.Time `json:"started_at"`
	Uptime        string    `json:"uptime"`
}

func (d *Dispatcher) daemonInfo() daemonInfoDTO {
	return daemonInfoDTO{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		Version:       d.Version,
		PollInterval:  d.PollInterval.String(),
		SocketPath:    d.SocketPath,
		StartedAt:     d.StartedAt,
		Uptime:        humanize.Time(d.StartedAt),
	}
}

type latencyStatusDTO struct {
	Healthy bool `json:"healthy"`
}

// latencyStatus is a minimal stand-in: the tick loop does not yet record
// per-tick latency samples, so this reports overall health from the
// source registry rather than a real percentile (spec 4.9 names the
// method; it does not mandate a concrete metric shape).
func (d *Dispatcher) latencyStatus() latencyStatusDTO {
	if d.SourceHealth == nil {
		return latencyStatusDTO{Healthy: true}
	}
	for _, s := range d.SourceHealth.Snapshot() {
		if s.Current == sourcehealth.StatusDown {
			return latencyStatusDTO{Healthy: false}
		}
	}
	return latencyStatusDTO{Healthy: true}
}

type changedParams struct {
	SinceVersion int64 `json:"since_version"`
}

type changeEntryDTO struct {
	Version int64  `json:"version"`
	Kind    string `json:"kind"`
	Key     string `json:"key"`
}

type stateChangedResult struct {
	Changes []changeEntryDTO `json:"changes"`
	Version int64            `json:"version"`
}

func (d *Dispatcher) stateChanged(raw json.RawMessage) (any, error) {
	var p changedParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, namedError(codeInvalidParams, "invalid_params", "state_changed: "+err.Error())
		}
	}
	d.trackSinceVersion(p.SinceVersion)
	entries := d.Read.ChangesSince(p.SinceVersion)
	out := make([]changeEntryDTO, 0, len(entries))
	maxVersion := p.SinceVersion
	for _, e := range entries {
		out = append(out, changeEntryDTO{Version: e.Version, Kind: string(e.Kind), Key: e.Key})
		if e.Version > maxVersion {
			maxVersion = e.Version
		}
	}
	return stateChangedResult{Changes: out, Version: maxVersion}, nil
}

type summaryChangedResult struct {
	Agents      int                    `json:"agents"`
	Unmanaged   int                    `json:"unmanaged"`
	Total       int                    `json:"total"`
	PerState    map[string]int         `json:"per_state"`
	Version     int64                  `json:"version"`
	HasChanges  bool                   `json:"has_changes"`
}

func (d *Dispatcher) summaryChanged(raw json.RawMessage) (any, error) {
	var p changedParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, namedError(codeInvalidParams, "invalid_params", "summary_changed: "+err.Error())
		}
	}
	summary := d.Read.Summarize()
	perState := make(map[string]int, len(summary.PerState))
	for state, count := range summary.PerState {
		perState[string(state)] = count
	}
	return summaryChangedResult{
		Agents:     summary.Agents,
		Unmanaged:  summary.Unmanaged,
		Total:      summary.Total,
		PerState:   perState,
		Version:    summary.Version,
		HasChanges: summary.Version > p.SinceVersion,
	}, nil
}

// trackSinceVersion records v as a candidate low-water mark, keeping the
// smallest value seen since the last consume.
func (d *Dispatcher) trackSinceVersion(v int64) {
	for {
		cur := d.minSince.Load()
		if cur != 0 && cur <= v {
			return
		}
		if d.minSince.CompareAndSwap(cur, v) {
			return
		}
	}
}

// ConsumeLowestSinceVersion returns the lowest since_version requested
// during the current window and resets it, so the next window starts
// fresh. A return of 0 means either no client has polled state_changed
// yet or one asked for everything — either way the change log must not
// be trimmed past version 0.
func (d *Dispatcher) ConsumeLowestSinceVersion() int64 {
	return d.minSince.Swap(0)
}

// ingestParams is the wire shape source.ingest accepts (spec 4.5/6): a
// shell hook script's JSON payload, piped in fire-and-forget.
type ingestParams struct {
	HookID    string         `json:"hook_id"`
	HookType  string         `json:"hook_type"`
	SessionID string         `json:"session_id"`
	Timestamp time.Time      `json:"timestamp"`
	PaneID    string         `json:"pane_id"`
	Data      map[string]any `json:"data"`
	SourceID  string         `json:"source_id"`
	Nonce     string         `json:"nonce"`
}

func (d *Dispatcher) sourceIngest(raw json.RawMessage) (any, error) {
	if d.Ingest == nil {
		return nil, namedError(codeInternal, "hooks_unavailable", "source.ingest: no hook adapter configured")
	}
	var p ingestParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, namedError(codeInvalidParams, "invalid_params", "source.ingest: "+err.Error())
	}
	if p.HookID == "" || p.HookType == "" {
		return nil, namedError(codeInvalidParams, "invalid_source_event", "source.ingest: hook_id and hook_type are required")
	}
	ts := p.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	d.Ingest.Submit(hooks.Event{
		HookID:    p.HookID,
		HookType:  p.HookType,
		SessionID: p.SessionID,
		Timestamp: ts,
		PaneID:    p.PaneID,
		HasPaneID: p.PaneID != "",
		Data:      p.Data,
		SourceID:  p.SourceID,
		Nonce:     p.Nonce,
	})
	// Fire-and-forget: the daemon never blocks the caller on back-pressure
	// (spec 6's hook receiver contract), so the result is always empty.
	return map[string]any{}, nil
}
