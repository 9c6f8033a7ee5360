// Package appserver implements the deterministic AppServer adapter for
// Codex-class providers (spec section 4.4): it spawns the agent's
// official app-server subprocess, speaks JSON-RPC 2.0 over its stdio,
// polls per-cwd thread lists, translates notifications into evidence,
// and falls back to parsing `codex exec --json` capture output while the
// subprocess is unavailable.
package appserver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agtmux/agtmux/internal/model"
	"github.com/agtmux/agtmux/internal/mux"
	"github.com/agtmux/agtmux/internal/procinspect"
	"github.com/agtmux/agtmux/internal/runtime"
	"github.com/agtmux/agtmux/internal/security"
	"github.com/agtmux/agtmux/internal/sourcehealth"
)

// Config bundles the adapter's tuning knobs, named after spec 4.4/5.
type Config struct {
	Command               string
	Args                  []string
	HandshakeTimeout      time.Duration
	ThreadListTimeout     time.Duration
	NotificationDrain     time.Duration
	MaxCwdQueriesPerTick  int
	CaptureLines          int
}

// DefaultConfig mirrors the numbers spec sections 4 and 5 name directly.
func DefaultConfig() Config {
	return Config{
		Command:              "codex",
		Args:                 []string{"app-server"},
		HandshakeTimeout:     10 * time.Second,
		ThreadListTimeout:    500 * time.Millisecond,
		NotificationDrain:    10 * time.Millisecond,
		MaxCwdQueriesPerTick: 40,
		CaptureLines:         50,
	}
}

type threadState struct {
	status    string
	updatedAt time.Time
	lastSeen  time.Time
}

// Source is the gateway.Source implementation for the AppServer adapter.
type Source struct {
	cfg     Config
	backend mux.Backend
	walker  procinspect.Walker

	newClient func(command string, args []string) client

	mu          sync.Mutex
	cl          client
	health      sourcehealth.State
	thresholds  sourcehealth.Thresholds
	failures    int
	tickCount   int
	nextAttempt int

	threadStates map[string]threadState // keyed by thread id
	generations  map[string]runtime.Prior
	births       map[string]time.Time
	boundThisTick map[string]bool // (pane_generation,birth) binding dedup, reset per tick

	fallbackFingerprints map[string]string // pane_id -> last content hash
	seq                  int64
}

// New builds an AppServer Source. backend/walker feed the cwd-grouping
// step; cfg.Command/Args default to the real `codex app-server` binary.
func New(backend mux.Backend, walker procinspect.Walker, cfg Config) *Source {
	if cfg.Command == "" {
		cfg = DefaultConfig()
	}
	return &Source{
		cfg:                  cfg,
		backend:               backend,
		walker:                 walker,
		newClient:              func(command string, args []string) client { return newSubprocessClient(command, args) },
		thresholds:             sourcehealth.DefaultThresholds(),
		threadStates:           make(map[string]threadState),
		generations:            make(map[string]runtime.Prior),
		births:                 make(map[string]time.Time),
		fallbackFingerprints:   make(map[string]string),
	}
}

// Kind identifies this adapter to the gateway.
func (s *Source) Kind() model.SourceKind { return model.SourceAppServer }

// PullEvents implements gateway.Source (spec 4.4). The cursor is a
// monotonic tick counter; the adapter has no durable backing log.
func (s *Source) PullEvents(ctx context.Context, _ string, _ int) ([]model.Evidence, string, error) {
	s.mu.Lock()
	s.tickCount++
	tick := s.tickCount
	s.mu.Unlock()

	panes, err := s.backend.ListPanes(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("appserver list panes: %w", err)
	}

	s.ensureConnected(ctx, tick)

	var events []model.Evidence
	if s.isAlive() {
		events = s.pollViaAppServer(ctx, panes)
	} else {
		events = s.pollViaCaptureFallback(ctx, panes)
	}

	s.mu.Lock()
	s.seq++
	cursor := fmt.Sprintf("%020d", s.seq)
	s.mu.Unlock()
	return events, cursor, nil
}

func (s *Source) isAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cl != nil && s.cl.Alive()
}

// ensureConnected drives the reconnect state machine (spec 4.4): a dead
// client schedules a respawn after 2^min(failures,6) ticks and reports
// Degraded health until the respawn succeeds.
func (s *Source) ensureConnected(ctx context.Context, tick int) {
	s.mu.Lock()
	alreadyAlive := s.cl != nil && s.cl.Alive()
	due := tick >= s.nextAttempt
	s.mu.Unlock()
	if alreadyAlive {
		return
	}
	if !due {
		return
	}

	handshakeCtx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()

	newCl := s.newClient(s.cfg.Command, s.cfg.Args)
	err := newCl.Handshake(handshakeCtx)

	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if err != nil {
		s.failures++
		s.nextAttempt = tick + sourcehealth.ReconnectBackoffTicks(s.failures)
		s.health = sourcehealth.Next(s.thresholds, s.health, false, now)
		return
	}
	s.cl = newCl
	s.failures = 0
	s.health = sourcehealth.Next(s.thresholds, s.health, true, now)
}

// cwdGroup is one cwd's candidate panes, sorted by process-hint tier.
type cwdGroup struct {
	cwd   string
	panes []mux.PaneInfo
	tiers []int
}

// appserverProcessTier mirrors spec 4.4's own (distinct from the
// poller's) three-tier scale: codex-agent=0, neutral=1, competing=2.
func appserverProcessTier(hint model.ProcessHint) int {
	switch hint {
	case model.ProcessHintCodexAgent:
		return 0
	case model.ProcessHintNeutral:
		return 1
	case model.ProcessHintCompetingAgent:
		return 2
	default:
		return 3
	}
}

func (s *Source) pollViaAppServer(ctx context.Context, panes []mux.PaneInfo) []model.Evidence {
	s.mu.Lock()
	s.boundThisTick = make(map[string]bool)
	s.mu.Unlock()

	groups := s.buildCwdGroups(ctx, panes)
	sort.Slice(groups, func(i, j int) bool { return groups[i].cwd < groups[j].cwd })
	if len(groups) > s.cfg.MaxCwdQueriesPerTick {
		groups = groups[:s.cfg.MaxCwdQueriesPerTick]
	}

	var events []model.Evidence
	now := time.Now()
	for _, group := range groups {
		listCtx, cancel := context.WithTimeout(ctx, s.cfg.ThreadListTimeout)
		result, err := s.client().ThreadList(listCtx, group.cwd, 50)
		cancel()
		if err != nil {
			s.mu.Lock()
			s.failures++
			s.health = sourcehealth.Next(s.thresholds, s.health, false, now)
			if s.cl != nil {
				s.cl.Close()
			}
			s.cl = nil
			s.mu.Unlock()
			break
		}
		s.mu.Lock()
		s.health = sourcehealth.Next(s.thresholds, s.health, true, now)
		s.mu.Unlock()

		pane, ok := uniqueCandidatePane(group)
		for _, th := range result.Threads {
			if th.Status == "notLoaded" {
				continue
			}
			ev, emit := s.threadEvent(now, th, group.cwd)
			if !emit {
				continue
			}
			if ok {
				s.bindPane(&ev, pane, now)
			}
			events = append(events, ev)
		}
	}

	events = append(events, s.drainNotificationEvents(now)...)
	return events
}

func (s *Source) client() client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cl
}

// buildCwdGroups groups panes by current_path and classifies each pane's
// process-tree hint, per spec 4.4.
func (s *Source) buildCwdGroups(ctx context.Context, panes []mux.PaneInfo) []cwdGroup {
	byCwd := make(map[string]*cwdGroup)
	for _, p := range panes {
		if p.CurrentPath == "" || !p.HasPID {
			continue
		}
		hint, err := s.walker.ClassifyTree(ctx, int32(p.PanePID))
		if err != nil {
			continue
		}
		tier := appserverProcessTier(hint)
		if tier > 2 {
			continue
		}
		g, ok := byCwd[p.CurrentPath]
		if !ok {
			g = &cwdGroup{cwd: p.CurrentPath}
			byCwd[p.CurrentPath] = g
		}
		g.panes = append(g.panes, p)
		g.tiers = append(g.tiers, tier)
	}
	out := make([]cwdGroup, 0, len(byCwd))
	for _, g := range byCwd {
		sort.Slice(g.panes, func(i, j int) bool { return g.tiers[i] < g.tiers[j] })
		sort.Ints(g.tiers)
		out = append(out, *g)
	}
	return out
}

// uniqueCandidatePane reports the single pane a cwd group can bind a
// pane_id to: only when exactly one pane remains after the tier filter,
// per spec 4.4's "assign pane_id only when a unique pane remains".
func uniqueCandidatePane(g cwdGroup) (mux.PaneInfo, bool) {
	if len(g.panes) != 1 {
		return mux.PaneInfo{}, false
	}
	return g.panes[0], true
}

func (s *Source) threadEvent(now time.Time, th threadEntry, cwd string) (model.Evidence, bool) {
	s.mu.Lock()
	prev, existed := s.threadStates[th.ID]
	isHeartbeat := existed && prev.status == th.Status && now.Sub(prev.lastSeen) >= 2*time.Second
	s.threadStates[th.ID] = threadState{status: th.Status, updatedAt: th.UpdatedAt, lastSeen: now}
	s.mu.Unlock()

	activity := translateThreadStatus(th.Status)
	return model.Evidence{
		EventID:       fmt.Sprintf("appserver-thread-%s-%d", th.ID, now.UnixNano()),
		Provider:      model.ProviderCodex,
		SourceKind:    model.SourceAppServer,
		Tier:          model.TierDeterministic,
		ObservedAt:    now,
		SessionKey:    th.ID,
		SourceEventID: fmt.Sprintf("thread-list-%s-%s", th.ID, th.Status),
		EventType:     "thread.status",
		ActivityHint:  activity,
		Payload:       security.RedactEvidencePayload(cwd),
		Confidence:    1.0,
		IsHeartbeat:   isHeartbeat,
	}, true
}

func translateThreadStatus(status string) model.ActivityState {
	switch status {
	case "active":
		return model.ActivityRunning
	case "systemError":
		return model.ActivityError
	case "idle", "notLoaded", "":
		return model.ActivityIdle
	default:
		return model.ActivityIdle
	}
}

// bindPane attaches pane identity to an event once a cwd group resolved
// to a single candidate, deduping by (pane_generation, birth_ts) within
// the tick so repeated notifications for the same pane in one tick don't
// each claim a fresh generation.
func (s *Source) bindPane(ev *model.Evidence, pane mux.PaneInfo, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	obs := runtime.Observation{PaneID: pane.PaneID}
	if pane.HasPID {
		pid := pane.PanePID
		obs.PID = &pid
	}
	prior, existed := s.generations[pane.PaneID]
	var priorPtr *runtime.Prior
	if existed {
		priorPtr = &prior
	}
	gen := runtime.NextGeneration(priorPtr, obs)
	if !existed || gen != prior.Generation {
		s.births[pane.PaneID] = now
	}
	s.generations[pane.PaneID] = runtime.Prior{Generation: gen, PID: obs.PID}

	dedupKey := fmt.Sprintf("%s|%d|%d", pane.PaneID, gen, s.births[pane.PaneID].UnixNano())
	if s.boundThisTick[dedupKey] {
		return
	}
	s.boundThisTick[dedupKey] = true

	ev.PaneID = pane.PaneID
	ev.HasPaneID = true
	ev.PaneGeneration = gen
	ev.PaneBirthTS = s.births[pane.PaneID]
}

func (s *Source) drainNotificationEvents(now time.Time) []model.Evidence {
	cl := s.client()
	if cl == nil {
		return nil
	}
	notes := cl.DrainNotifications(s.cfg.NotificationDrain)
	var events []model.Evidence
	for _, n := range notes {
		activity, threadID, ok := translateNotification(n)
		if !ok {
			continue
		}
		events = append(events, model.Evidence{
			EventID:       fmt.Sprintf("appserver-notify-%s-%d", n.Method, now.UnixNano()),
			Provider:      model.ProviderCodex,
			SourceKind:    model.SourceAppServer,
			Tier:          model.TierDeterministic,
			ObservedAt:    now,
			SessionKey:    threadID,
			SourceEventID: fmt.Sprintf("notify-%s-%d", n.Method, now.UnixNano()),
			EventType:     n.Method,
			ActivityHint:  activity,
			Confidence:    1.0,
			IsHeartbeat:   false,
		})
	}
	return events
}

// translateNotification implements spec 4.4's notification translation
// table: turn.started -> Running, turn.{status} -> Idle|Error|Interrupted,
// thread.{type} -> Idle|Running|Error.
func translateNotification(n notification) (model.ActivityState, string, bool) {
	var params struct {
		ThreadID string `json:"thread_id"`
		Status   string `json:"status"`
	}
	_ = json.Unmarshal(n.Params, &params)

	switch {
	case n.Method == "turn/started":
		return model.ActivityRunning, params.ThreadID, true
	case n.Method == "turn/completed":
		return translateTurnStatus(params.Status), params.ThreadID, true
	case n.Method == "thread/status/changed":
		return translateThreadStatus(params.Status), params.ThreadID, true
	default:
		return model.ActivityUnknown, "", false
	}
}

func translateTurnStatus(status string) model.ActivityState {
	switch status {
	case "error", "failed":
		return model.ActivityError
	case "interrupted":
		return model.ActivityWaitingInput
	default:
		return model.ActivityIdle
	}
}

// pollViaCaptureFallback implements spec 4.4's fallback path: parse NDJSON
// `{"type":...}` lines produced by `codex exec --json` from the pane
// capture, dedup'd by a content-hash fingerprint across ticks.
func (s *Source) pollViaCaptureFallback(ctx context.Context, panes []mux.PaneInfo) []model.Evidence {
	now := time.Now()
	seen := make(map[string]bool, len(panes))
	var events []model.Evidence
	for _, p := range panes {
		seen[p.PaneID] = true
		capture, err := s.backend.CapturePane(ctx, p.PaneID, s.cfg.CaptureLines)
		if err != nil || capture == "" {
			continue
		}
		if !strings.Contains(capture, "\"type\"") {
			continue
		}
		fp := fingerprint(capture)
		s.mu.Lock()
		prev, existed := s.fallbackFingerprints[p.PaneID]
		s.fallbackFingerprints[p.PaneID] = fp
		s.mu.Unlock()
		if existed && prev == fp {
			continue
		}
		activity, ok := parseFallbackNDJSON(capture)
		if !ok {
			continue
		}
		events = append(events, model.Evidence{
			EventID:       fmt.Sprintf("appserver-fallback-%s-%d", p.PaneID, now.UnixNano()),
			Provider:      model.ProviderCodex,
			SourceKind:    model.SourceAppServer,
			Tier:          model.TierDeterministic,
			ObservedAt:    now,
			SessionKey:    "fallback-" + p.PaneID,
			PaneID:        p.PaneID,
			HasPaneID:     true,
			SourceEventID: fmt.Sprintf("fallback-%s-%s", p.PaneID, fp),
			EventType:     "capture.fallback",
			ActivityHint:  activity,
			Confidence:    0.9,
		})
	}

	s.mu.Lock()
	for paneID := range s.fallbackFingerprints {
		if !seen[paneID] {
			delete(s.fallbackFingerprints, paneID)
		}
	}
	s.mu.Unlock()
	return events
}

func fingerprint(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}

// parseFallbackNDJSON scans scrollback for the last well-formed
// `{"type":...}` line `codex exec --json` emits and maps its type to an
// activity state.
func parseFallbackNDJSON(capture string) (model.ActivityState, bool) {
	lines := strings.Split(capture, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") || !strings.Contains(line, "\"type\"") {
			continue
		}
		var payload struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal([]byte(line), &payload); err != nil {
			continue
		}
		switch payload.Type {
		case "agent_turn_start", "exec_command_begin":
			return model.ActivityRunning, true
		case "agent_turn_complete", "task_complete":
			return model.ActivityIdle, true
		case "error":
			return model.ActivityError, true
		default:
			continue
		}
	}
	return model.ActivityUnknown, false
}
