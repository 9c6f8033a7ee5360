package appserver

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/agtmux/agtmux/internal/model"
	"github.com/agtmux/agtmux/internal/mux"
	"github.com/agtmux/agtmux/internal/sourcehealth"
)

type fakeClient struct {
	handshakeErr   error
	threadsByCwd   map[string]threadListResult
	threadErr      error
	notifications  []notification
	alive          bool
}

func (f *fakeClient) Handshake(context.Context) error {
	if f.handshakeErr != nil {
		return f.handshakeErr
	}
	f.alive = true
	return nil
}

func (f *fakeClient) ThreadList(_ context.Context, cwd string, _ int) (threadListResult, error) {
	if f.threadErr != nil {
		return threadListResult{}, f.threadErr
	}
	return f.threadsByCwd[cwd], nil
}

func (f *fakeClient) DrainNotifications(time.Duration) []notification {
	out := f.notifications
	f.notifications = nil
	return out
}

func (f *fakeClient) Alive() bool { return f.alive }
func (f *fakeClient) Close()      { f.alive = false }

type fakeWalker struct{ hint model.ProcessHint }

func (w fakeWalker) ClassifyTree(context.Context, int32) (model.ProcessHint, error) {
	return w.hint, nil
}

func TestPullEventsBindsUniquePaneToThreadStatus(t *testing.T) {
	backend := mux.NewFake()
	backend.SetPanes([]mux.PaneInfo{
		{PaneID: "%1", PanePID: 10, HasPID: true, CurrentPath: "/work/proj"},
	})
	fc := &fakeClient{
		threadsByCwd: map[string]threadListResult{
			"/work/proj": {Threads: []threadEntry{{ID: "thr_1", Cwd: "/work/proj", Status: "active"}}},
		},
	}
	src := New(backend, fakeWalker{hint: model.ProcessHintCodexAgent}, DefaultConfig())
	src.newClient = func(string, []string) client { return fc }

	events, cursor, err := src.PullEvents(context.Background(), "", 500)
	if err != nil {
		t.Fatalf("PullEvents: %v", err)
	}
	if cursor == "" {
		t.Fatalf("expected non-empty cursor")
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d: %+v", len(events), events)
	}
	ev := events[0]
	if ev.ActivityHint != model.ActivityRunning || ev.Provider != model.ProviderCodex {
		t.Fatalf("unexpected activity/provider: %+v", ev)
	}
	if !ev.HasPaneID || ev.PaneID != "%1" {
		t.Fatalf("expected the unique candidate pane to be bound, got %+v", ev)
	}
	if ev.Tier != model.TierDeterministic || ev.SourceEventID == "" {
		t.Fatalf("expected a deterministic event with a source_event_id, got %+v", ev)
	}
}

func TestPullEventsSkipsAmbiguousCwdPaneBinding(t *testing.T) {
	backend := mux.NewFake()
	backend.SetPanes([]mux.PaneInfo{
		{PaneID: "%1", PanePID: 10, HasPID: true, CurrentPath: "/work/proj"},
		{PaneID: "%2", PanePID: 20, HasPID: true, CurrentPath: "/work/proj"},
	})
	fc := &fakeClient{
		threadsByCwd: map[string]threadListResult{
			"/work/proj": {Threads: []threadEntry{{ID: "thr_1", Cwd: "/work/proj", Status: "idle"}}},
		},
	}
	src := New(backend, fakeWalker{hint: model.ProcessHintCodexAgent}, DefaultConfig())
	src.newClient = func(string, []string) client { return fc }

	events, _, err := src.PullEvents(context.Background(), "", 500)
	if err != nil {
		t.Fatalf("PullEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].HasPaneID {
		t.Fatalf("expected an ambiguous cwd group to leave the event unbound, got %+v", events[0])
	}
}

func TestPullEventsNotLoadedThreadsAreSkipped(t *testing.T) {
	backend := mux.NewFake()
	backend.SetPanes([]mux.PaneInfo{
		{PaneID: "%1", PanePID: 10, HasPID: true, CurrentPath: "/work/proj"},
	})
	fc := &fakeClient{
		threadsByCwd: map[string]threadListResult{
			"/work/proj": {Threads: []threadEntry{{ID: "thr_1", Cwd: "/work/proj", Status: "notLoaded"}}},
		},
	}
	src := New(backend, fakeWalker{hint: model.ProcessHintCodexAgent}, DefaultConfig())
	src.newClient = func(string, []string) client { return fc }

	events, _, err := src.PullEvents(context.Background(), "", 500)
	if err != nil {
		t.Fatalf("PullEvents: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected notLoaded threads to be skipped, got %+v", events)
	}
}

func TestPullEventsTranslatesNotifications(t *testing.T) {
	backend := mux.NewFake()
	backend.SetPanes(nil)
	params, _ := json.Marshal(map[string]string{"thread_id": "thr_9"})
	fc := &fakeClient{
		notifications: []notification{{Method: "turn/started", Params: params}},
	}
	src := New(backend, fakeWalker{hint: model.ProcessHintNeutral}, DefaultConfig())
	src.newClient = func(string, []string) client { return fc }

	events, _, err := src.PullEvents(context.Background(), "", 500)
	if err != nil {
		t.Fatalf("PullEvents: %v", err)
	}
	if len(events) != 1 || events[0].ActivityHint != model.ActivityRunning || events[0].SessionKey != "thr_9" {
		t.Fatalf("expected a turn/started -> Running translation, got %+v", events)
	}
}

func TestPullEventsFallsBackToCaptureWhenSubprocessDead(t *testing.T) {
	backend := mux.NewFake()
	backend.SetPanes([]mux.PaneInfo{
		{PaneID: "%1", PanePID: 10, HasPID: true, CurrentPath: "/work/proj"},
	})
	backend.Captures["%1"] = `{"type":"agent_turn_start"}` + "\n"

	src := New(backend, fakeWalker{hint: model.ProcessHintCodexAgent}, DefaultConfig())
	src.newClient = func(string, []string) client { return &fakeClient{handshakeErr: errAlwaysFails} }

	events, _, err := src.PullEvents(context.Background(), "", 500)
	if err != nil {
		t.Fatalf("PullEvents: %v", err)
	}
	if len(events) != 1 || events[0].ActivityHint != model.ActivityRunning {
		t.Fatalf("expected capture-fallback event, got %+v", events)
	}
	if events[0].Tier != model.TierDeterministic {
		t.Fatalf("fallback events remain deterministic per spec 4.4, got %+v", events[0])
	}
}

var errAlwaysFails = &staticErr{"handshake failed"}

type staticErr struct{ msg string }

func (e *staticErr) Error() string { return e.msg }

// S5 — a dead AppServer subprocess must not be respawned every tick; the
// reconnect backoff (spec 4.4) should skip ticks until the scheduled
// attempt, and its health should report Degraded rather than Down once
// RecoverSuccesses brings it back.
func TestEnsureConnectedBacksOffBetweenReconnectAttempts(t *testing.T) {
	backend := mux.NewFake()
	backend.SetPanes(nil)

	attempts := 0
	failing := func(string, []string) client {
		attempts++
		return &fakeClient{handshakeErr: errAlwaysFails}
	}

	src := New(backend, fakeWalker{hint: model.ProcessHintNeutral}, DefaultConfig())
	src.newClient = failing

	src.ensureConnected(context.Background(), 1)
	if attempts != 1 {
		t.Fatalf("expected the first tick to attempt a handshake, got %d attempts", attempts)
	}
	if src.health.Current != sourcehealth.StatusDegraded {
		t.Fatalf("expected a failed handshake to degrade health, got %+v", src.health)
	}

	before := attempts
	src.ensureConnected(context.Background(), 2)
	if attempts != before {
		t.Fatalf("expected tick 2 to be skipped by the backoff schedule, but a handshake was attempted")
	}

	succeeding := func(string, []string) client {
		attempts++
		return &fakeClient{}
	}
	src.newClient = succeeding

	due := src.nextAttempt
	src.ensureConnected(context.Background(), due)
	if attempts != before+1 {
		t.Fatalf("expected the scheduled tick to retry the handshake")
	}
	if !src.isAlive() {
		t.Fatalf("expected a successful handshake to leave the client alive")
	}
}
