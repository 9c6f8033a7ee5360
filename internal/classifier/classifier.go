// Package classifier implements the signature classifier (spec section
// 4.2): a pane's signals are reduced to Deterministic/Heuristic/None with a
// reason string and confidence, subject to guardrails and hysteresis.
package classifier

import (
	"strings"

	"github.com/agtmux/agtmux/internal/model"
)

// shellBasenames is the closed set of shells whose presence as
// current_cmd's basename forces classification to None regardless of any
// other signal.
var shellBasenames = map[string]bool{
	"zsh": true, "bash": true, "fish": true, "sh": true, "dash": true,
	"nu": true, "pwsh": true, "tcsh": true, "csh": true, "ksh": true, "ash": true,
}

// Signals is the raw per-pane input to the classifier, one flag per
// weighted heuristic signal plus the provider each one implicated.
type Signals struct {
	CurrentCmd string

	ProcessHintMatched bool
	ProcessHintProvider model.Provider

	CmdMatched  bool
	CmdProvider model.Provider

	CaptureMatched  bool
	CaptureProvider model.Provider

	TitleMatched  bool
	TitleProvider model.Provider

	// Deterministic handshake fields; all must be present for Deterministic.
	HasProvider      bool
	HasPaneInstance  bool
	HasSessionKey    bool
	HasSourceEventID bool
	HasEventTime     bool
	SourceKind       model.SourceKind
}

// Result is the classifier's verdict for one pane.
type Result struct {
	Class      model.SignatureClass
	Reason     string
	Confidence float64
	Provider   model.Provider
}

const (
	weightProcessHint = 1.00
	weightCmdMatch    = 0.86
	weightCapture     = 0.78
	weightTitle       = 0.66
)

// ClassifyDeterministic reports whether the deterministic handshake fields
// are all present. It does not consult heuristic signals at all: spec 4.2
// requires every field present, full stop.
func ClassifyDeterministic(s Signals) (Result, bool) {
	if !s.HasProvider || !s.HasPaneInstance || !s.HasSessionKey || !s.HasSourceEventID || !s.HasEventTime {
		return Result{}, false
	}
	switch s.SourceKind {
	case model.SourceAppServer, model.SourceHooks, model.SourceJsonl:
	default:
		return Result{}, false
	}
	return Result{
		Class:      model.SignatureDeterministic,
		Reason:     string(s.SourceKind) + "_handshake",
		Confidence: 1.0,
	}, true
}

// ClassifyHeuristic scores a pane's heuristic signals under the guardrails.
// Returns SignatureNone with a named reason when a guardrail trips, never a
// silent fallback (spec 9's "fail-loud, not fail-silent" note).
func ClassifyHeuristic(s Signals) Result {
	if isShellCommand(s.CurrentCmd) {
		return Result{Class: model.SignatureNone, Reason: "shell-guard"}
	}
	if s.TitleMatched && !s.ProcessHintMatched && !s.CmdMatched && !s.CaptureMatched {
		return Result{Class: model.SignatureNone, Reason: "title-only-guard"}
	}

	type candidate struct {
		weight   float64
		provider model.Provider
	}
	var best *candidate
	consider := func(matched bool, weight float64, provider model.Provider) {
		if !matched {
			return
		}
		if best == nil || weight > best.weight {
			best = &candidate{weight: weight, provider: provider}
		}
	}
	consider(s.ProcessHintMatched, weightProcessHint, s.ProcessHintProvider)
	consider(s.CmdMatched, weightCmdMatch, s.CmdProvider)
	consider(s.CaptureMatched, weightCapture, s.CaptureProvider)
	consider(s.TitleMatched, weightTitle, s.TitleProvider)

	if best == nil {
		return Result{Class: model.SignatureNone, Reason: "wrapper-without-hint"}
	}
	return Result{
		Class:      model.SignatureHeuristic,
		Reason:     "heuristic_match",
		Confidence: best.weight,
		Provider:   best.provider,
	}
}

func isShellCommand(currentCmd string) bool {
	base := currentCmd
	if idx := strings.LastIndexAny(base, "/\\"); idx >= 0 {
		base = base[idx+1:]
	}
	base = strings.TrimPrefix(base, "-")
	base = strings.ToLower(strings.TrimSpace(base))
	return shellBasenames[base]
}

// CaptureTokens are the provider-specific, narrow token sets required for
// capture_match and the WaitingApproval detector (spec 4.2/4.3). Generic
// words ("permission", "approve") are deliberately excluded: they collide
// with unrelated TUI affordances.
var CaptureTokens = map[model.Provider][]string{
	model.ProviderClaude: {"claude code", "╭ claude code"},
	model.ProviderCodex:  {"codex>"},
}

// WaitingApprovalTokens are case-sensitive and deliberately narrow.
var WaitingApprovalTokens = map[model.Provider][]string{
	model.ProviderClaude: {"Allow?", "Do you want to allow"},
	model.ProviderCodex:  {"Apply patch?"},
}
