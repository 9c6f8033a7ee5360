// Package procinspect walks a pane's process tree to classify each
// ancestor as shell, neutral, codex-agent, or competing-agent (spec 4.3),
// feeding the poller and AppServer adapters' pane-tiering guardrails.
package procinspect

import (
	"context"
	"strings"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/agtmux/agtmux/internal/model"
)

// shellNames mirrors the classifier's shell guard so the two layers agree
// on what counts as "just a shell".
var shellNames = map[string]bool{
	"zsh": true, "bash": true, "fish": true, "sh": true, "dash": true,
	"nu": true, "pwsh": true, "tcsh": true, "csh": true, "ksh": true, "ash": true,
}

// agentNameTokens classifies a single process name/cmdline token as one of
// the agent categories the poller cares about. "codex" is the provider this
// tier table is keyed to (spec 4.3's "codex-agent" hint); any other
// provider's CLI name is a "competing-agent" — a different agent already
// occupying the pane.
var competingAgentTokens = []string{"claude", "gemini", "copilot", "aider"}

func classifyProcessName(name string) model.ProcessHint {
	lower := strings.ToLower(strings.TrimSpace(name))
	base := lower
	if idx := strings.LastIndexAny(base, "/\\"); idx >= 0 {
		base = base[idx+1:]
	}
	base = strings.TrimPrefix(base, "-")
	if shellNames[base] {
		return model.ProcessHintShell
	}
	if strings.Contains(lower, "codex") {
		return model.ProcessHintCodexAgent
	}
	for _, token := range competingAgentTokens {
		if strings.Contains(lower, token) {
			return model.ProcessHintCompetingAgent
		}
	}
	return model.ProcessHintNeutral
}

// Walker inspects a process tree rooted at a pane's pid using gopsutil.
// Exposed as an interface so adapters and tests can substitute a fake
// without touching /proc.
type Walker interface {
	ClassifyTree(ctx context.Context, rootPID int32) (model.ProcessHint, error)
}

type gopsutilWalker struct {
	maxDepth int
}

// NewWalker returns a Walker backed by gopsutil/v4/process.
func NewWalker() Walker {
	return &gopsutilWalker{maxDepth: 8}
}

// ClassifyTree returns the single tightest ProcessHint found among the
// root process and its descendants: competing-agent beats codex-agent
// beats neutral beats shell, matching the poller's tier ordering (0 is
// tightest in model.ProcessTier).
func (w *gopsutilWalker) ClassifyTree(ctx context.Context, rootPID int32) (model.ProcessHint, error) {
	root, err := process.NewProcessWithContext(ctx, rootPID)
	if err != nil {
		return model.ProcessHintShell, err
	}

	best := model.ProcessHintShell
	bestTier := model.ProcessTier(best)
	visit := func(p *process.Process) {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			return
		}
		hint := classifyProcessName(name)
		if tier := model.ProcessTier(hint); tier < bestTier {
			best = hint
			bestTier = tier
		}
	}

	visit(root)
	frontier := []*process.Process{root}
	for depth := 0; depth < w.maxDepth && len(frontier) > 0; depth++ {
		var next []*process.Process
		for _, p := range frontier {
			children, err := p.ChildrenWithContext(ctx)
			if err != nil {
				continue
			}
			for _, c := range children {
				visit(c)
				next = append(next, c)
			}
		}
		frontier = next
		if bestTier == 0 {
			break
		}
	}
	return best, nil
}
