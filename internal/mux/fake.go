package mux

import (
	"context"
	"sync"
)

// Fake is an in-memory Backend for tests: scenarios set Panes/Captures
// directly instead of shelling out to a real tmux server.
type Fake struct {
	mu        sync.Mutex
	Panes     []PaneInfo
	Captures  map[string]string
	Processes map[int64]ProcessHint
}

// NewFake returns an empty fake backend.
func NewFake() *Fake {
	return &Fake{Captures: map[string]string{}, Processes: map[int64]ProcessHint{}}
}

func (f *Fake) SetPanes(panes []PaneInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Panes = panes
}

func (f *Fake) ListPanes(context.Context) ([]PaneInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]PaneInfo, len(f.Panes))
	copy(out, f.Panes)
	return out, nil
}

func (f *Fake) CapturePane(_ context.Context, paneID string, _ int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Captures[paneID], nil
}

func (f *Fake) InspectProcesses(_ context.Context, panePID int64) (ProcessHint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if hint, ok := f.Processes[panePID]; ok {
		return hint, nil
	}
	return ProcessHint{RootPID: panePID, HasPID: panePID > 0}, nil
}

var _ Backend = (*Fake)(nil)
var _ Backend = (*Tmux)(nil)
