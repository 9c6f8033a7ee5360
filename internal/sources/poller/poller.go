// Package poller implements the heuristic poller adapter (spec section
// 4.3): for every pane the mux backend reports, it captures scrollback,
// walks the process tree, runs the signature classifier, and emits a
// heuristic event when the pane is judged Managed.
package poller

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agtmux/agtmux/internal/classifier"
	"github.com/agtmux/agtmux/internal/model"
	"github.com/agtmux/agtmux/internal/mux"
	"github.com/agtmux/agtmux/internal/procinspect"
	"github.com/agtmux/agtmux/internal/runtime"
	"github.com/agtmux/agtmux/internal/security"
)

// providerTokens are the broad, case-insensitive provider names used for
// cmd_match and title_match; capture_match instead uses the narrower
// classifier.CaptureTokens set (spec 4.2's weight table keeps them
// separate on purpose).
var providerTokens = map[model.Provider]string{
	model.ProviderClaude:  "claude",
	model.ProviderCodex:   "codex",
	model.ProviderGemini:  "gemini",
	model.ProviderCopilot: "copilot",
}

var providerOrder = []model.Provider{model.ProviderClaude, model.ProviderCodex, model.ProviderGemini, model.ProviderCopilot}

// Source is the gateway.Source implementation for the poller adapter.
type Source struct {
	backend      mux.Backend
	walker       procinspect.Walker
	captureLines int

	mu          sync.Mutex
	seq         int64
	generations map[string]runtime.Prior
	births      map[string]time.Time
}

// New builds a poller Source. captureLines <= 0 falls back to the spec's
// "last ~50 lines" default.
func New(backend mux.Backend, walker procinspect.Walker, captureLines int) *Source {
	if captureLines <= 0 {
		captureLines = 50
	}
	return &Source{
		backend:      backend,
		walker:       walker,
		captureLines: captureLines,
		generations:  make(map[string]runtime.Prior),
		births:       make(map[string]time.Time),
	}
}

// Kind identifies this adapter to the gateway.
func (s *Source) Kind() model.SourceKind { return model.SourcePoller }

// PullEvents implements gateway.Source. The poller has no durable log to
// replay, so cursor is ignored on read and a fresh monotonic tick counter
// is always returned (spec 4.3 point 4: "always emit a cursor advance").
func (s *Source) PullEvents(ctx context.Context, _ string, _ int) ([]model.Evidence, string, error) {
	panes, err := s.backend.ListPanes(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("poller list panes: %w", err)
	}

	now := time.Now()
	var events []model.Evidence
	for _, pane := range panes {
		if ev, ok := s.evaluatePane(ctx, now, pane); ok {
			events = append(events, ev)
		}
	}

	s.mu.Lock()
	s.seq++
	cursor := fmt.Sprintf("%020d", s.seq)
	s.mu.Unlock()
	return events, cursor, nil
}

func (s *Source) evaluatePane(ctx context.Context, now time.Time, pane mux.PaneInfo) (model.Evidence, bool) {
	if !pane.HasPID {
		return model.Evidence{}, false
	}

	hint, err := s.walker.ClassifyTree(ctx, int32(pane.PanePID))
	if err != nil {
		hint = model.ProcessHintShell
	}
	if model.ProcessTier(hint) > 2 {
		return model.Evidence{}, false
	}

	capture, err := s.backend.CapturePane(ctx, pane.PaneID, s.captureLines)
	if err != nil {
		capture = ""
	}

	cmdProvider, cmdMatched := matchProvider(pane.CurrentCmd)
	titleProvider, titleMatched := matchProvider(pane.PaneTitle)
	captureProvider, captureMatched := matchCaptureTokens(capture)

	processHintMatched := hint == model.ProcessHintCodexAgent || hint == model.ProcessHintCompetingAgent

	signals := classifier.Signals{
		CurrentCmd:          pane.CurrentCmd,
		ProcessHintMatched:  processHintMatched,
		ProcessHintProvider: processHintProvider(hint, cmdProvider, captureProvider),
		CmdMatched:          cmdMatched,
		CmdProvider:         cmdProvider,
		CaptureMatched:      captureMatched,
		CaptureProvider:     captureProvider,
		TitleMatched:        titleMatched,
		TitleProvider:       titleProvider,
	}
	result := classifier.ClassifyHeuristic(signals)
	if result.Class != model.SignatureHeuristic {
		return model.Evidence{}, false
	}

	activity := classifyActivity(capture, result.Provider)
	gen, birth := s.trackGeneration(pane, now)

	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	return model.Evidence{
		EventID:        fmt.Sprintf("poller-%s-%d", pane.PaneID, seq),
		Provider:       result.Provider,
		SourceKind:     model.SourcePoller,
		Tier:           model.TierHeuristic,
		ObservedAt:     now,
		SessionKey:     "poller-" + pane.PaneID,
		PaneID:         pane.PaneID,
		PaneGeneration: gen,
		HasPaneID:      true,
		PaneBirthTS:    birth,
		EventType:      string(activity),
		ActivityHint:   activity,
		Confidence:     result.Confidence,
		IsHeartbeat:    false,
		Payload:        security.RedactEvidencePayload(capture),
	}, true
}

// trackGeneration derives and stores this pane_id's current generation,
// bumping it when the occupying process changed (spec 3's PaneInstanceId,
// scenario S6).
func (s *Source) trackGeneration(pane mux.PaneInfo, now time.Time) (int64, time.Time) {
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
	return gen, s.births[pane.PaneID]
}

// processHintProvider attributes the process-tree hint to whichever
// provider cmd/capture independently identified; a competing-agent
// process with no textual match still counts as a hint, just providerless.
func processHintProvider(hint model.ProcessHint, cmdProvider, captureProvider model.Provider) model.Provider {
	if hint == model.ProcessHintCodexAgent {
		return model.ProviderCodex
	}
	if cmdProvider != model.ProviderUnknown {
		return cmdProvider
	}
	return captureProvider
}

func matchProvider(text string) (model.Provider, bool) {
	lower := strings.ToLower(text)
	for _, p := range providerOrder {
		if strings.Contains(lower, providerTokens[p]) {
			return p, true
		}
	}
	return model.ProviderUnknown, false
}

func matchCaptureTokens(capture string) (model.Provider, bool) {
	for _, p := range providerOrder {
		tokens, ok := classifier.CaptureTokens[p]
		if !ok {
			continue
		}
		for _, tok := range tokens {
			if strings.Contains(capture, tok) {
				return p, true
			}
		}
	}
	return model.ProviderUnknown, false
}

// classifyActivity reduces recent scrollback to an ActivityState using the
// narrow WaitingApproval tokens first (spec 4.3's deliberately-strict set),
// then the broader running/idle/error keyword heuristics.
func classifyActivity(capture string, provider model.Provider) model.ActivityState {
	if containsAny(capture, classifier.WaitingApprovalTokens[provider]...) {
		return model.ActivityWaitingApproval
	}

	lines := strings.Split(capture, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.ToLower(strings.TrimSpace(lines[i]))
		if line == "" {
			continue
		}
		switch {
		case containsAny(line, "fatal:", "panic:", "traceback", "exception", "runtime error"):
			return model.ActivityError
		case containsAny(line, "waiting for input", "input required", "awaiting input", "press enter", "(y/n)"):
			return model.ActivityWaitingInput
		case containsAny(line, "esc to interrupt", "ctrl+c to interrupt", "processing", "thinking", "generating"):
			return model.ActivityRunning
		case isPromptLine(line):
			return model.ActivityIdle
		}
	}
	return model.ActivityIdle
}

func isPromptLine(line string) bool {
	return line == ">" || strings.HasPrefix(line, "> ") ||
		line == "❯" || strings.HasPrefix(line, "❯ ") ||
		line == "›" || strings.HasPrefix(line, "› ")
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if n != "" && strings.Contains(s, n) {
			return true
		}
	}
	return false
}
