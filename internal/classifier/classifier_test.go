package classifier_test

import (
	"testing"
	"time"

	"github.com/agtmux/agtmux/internal/classifier"
	"github.com/agtmux/agtmux/internal/model"
)

func TestClassifyDeterministicRequiresAllHandshakeFields(t *testing.T) {
	full := classifier.Signals{
		HasProvider: true, HasPaneInstance: true, HasSessionKey: true,
		HasSourceEventID: true, HasEventTime: true, SourceKind: model.SourceHooks,
	}
	result, ok := classifier.ClassifyDeterministic(full)
	if !ok {
		t.Fatalf("expected complete handshake fields to classify as deterministic")
	}
	if result.Reason != "hooks_handshake" {
		t.Fatalf("expected reason hooks_handshake, got %q", result.Reason)
	}

	missing := full
	missing.HasSourceEventID = false
	if _, ok := classifier.ClassifyDeterministic(missing); ok {
		t.Fatalf("expected a missing handshake field to reject deterministic classification")
	}
}

func TestClassifyDeterministicRejectsPollerSourceKind(t *testing.T) {
	s := classifier.Signals{
		HasProvider: true, HasPaneInstance: true, HasSessionKey: true,
		HasSourceEventID: true, HasEventTime: true, SourceKind: model.SourcePoller,
	}
	if _, ok := classifier.ClassifyDeterministic(s); ok {
		t.Fatalf("poller is never a deterministic source kind")
	}
}

func TestClassifyHeuristicShellGuardRejects(t *testing.T) {
	s := classifier.Signals{
		CurrentCmd:     "/bin/zsh",
		CaptureMatched: true, CaptureProvider: model.ProviderClaude,
	}
	got := classifier.ClassifyHeuristic(s)
	if got.Class != model.SignatureNone || got.Reason != "shell-guard" {
		t.Fatalf("expected shell-guard rejection, got %+v", got)
	}
}

func TestClassifyHeuristicTitleOnlyGuardRejects(t *testing.T) {
	s := classifier.Signals{
		CurrentCmd:    "vim",
		TitleMatched:  true,
		TitleProvider: model.ProviderCodex,
	}
	got := classifier.ClassifyHeuristic(s)
	if got.Class != model.SignatureNone || got.Reason != "title-only-guard" {
		t.Fatalf("expected title-only-guard rejection, got %+v", got)
	}
}

func TestClassifyHeuristicProcessHintOutranksCapture(t *testing.T) {
	s := classifier.Signals{
		CurrentCmd:          "node",
		ProcessHintMatched:  true,
		ProcessHintProvider: model.ProviderCodex,
		CaptureMatched:      true,
		CaptureProvider:     model.ProviderClaude,
	}
	got := classifier.ClassifyHeuristic(s)
	if got.Class != model.SignatureHeuristic || got.Provider != model.ProviderCodex {
		t.Fatalf("expected process-hint (highest weight) to win over capture, got %+v", got)
	}
}

func TestClassifyHeuristicNoSignalsIsWrapperWithoutHint(t *testing.T) {
	s := classifier.Signals{CurrentCmd: "node"}
	got := classifier.ClassifyHeuristic(s)
	if got.Class != model.SignatureNone || got.Reason != "wrapper-without-hint" {
		t.Fatalf("expected wrapper-without-hint, got %+v", got)
	}
}

func TestHysteresisIdleConfirmationThresholdFloorsAtFourSeconds(t *testing.T) {
	if got := classifier.IdleConfirmationThreshold(500 * time.Millisecond); got != 4*time.Second {
		t.Fatalf("expected the 4s floor to apply for short poll intervals, got %v", got)
	}
	if got := classifier.IdleConfirmationThreshold(3 * time.Second); got != 6*time.Second {
		t.Fatalf("expected 2x poll interval to apply once it exceeds the floor, got %v", got)
	}
}

func TestHysteresisRunningPromotionAndDemotion(t *testing.T) {
	var h classifier.HysteresisState
	t0 := time.Now()
	if running := h.StepRunning(t0, true, t0); !running {
		t.Fatalf("expected immediate promotion on a fresh running hint")
	}
	later := t0.Add(46 * time.Second)
	if running := h.StepRunning(later, false, time.Time{}); running {
		t.Fatalf("expected demotion after 45s with no running hint and no interaction")
	}
}

func TestShouldDemoteToUnmanagedAtThreshold(t *testing.T) {
	if classifier.ShouldDemoteToUnmanaged(1) {
		t.Fatalf("a single no-agent tick must not demote")
	}
	if !classifier.ShouldDemoteToUnmanaged(2) {
		t.Fatalf("two consecutive no-agent ticks must demote")
	}
}
