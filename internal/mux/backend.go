// Package mux defines the terminal-multiplexer collaborator interface
// (spec section 6) the core consumes: listing panes, capturing scrollback,
// and inspecting process trees. The tmux-backed implementation and parsing
// live here too, but neither is part of the scored core — they are the
// external collaborator the spec deliberately keeps out of scope.
package mux

import (
	"context"
	"time"
)

// PaneInfo is one row of a list-panes call, using the tab-delimited field
// order from spec section 6.
type PaneInfo struct {
	SessionName   string
	WindowID      string
	WindowName    string
	PaneID        string
	PanePID       int64
	HasPID        bool
	CurrentCmd    string
	CurrentPath   string
	PaneTitle     string
	Width         int
	Height        int
	Active        bool
	ObservedAt    time.Time
}

// ProcessHint is the external collaborator's raw process-tree read before
// procinspect's classification is applied (spec 4.3's `inspect_processes`).
type ProcessHint struct {
	RootPID int64
	HasPID  bool
}

// Backend is the trait spec section 6 requires: three methods, nothing
// else. Any multiplexer could implement it; this repo ships tmux.
type Backend interface {
	ListPanes(ctx context.Context) ([]PaneInfo, error)
	CapturePane(ctx context.Context, paneID string, lines int) (string, error)
	InspectProcesses(ctx context.Context, panePID int64) (ProcessHint, error)
}
