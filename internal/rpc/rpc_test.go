package rpc_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/agtmux/agtmux/internal/model"
	"github.com/agtmux/agtmux/internal/projection"
	"github.com/agtmux/agtmux/internal/rpc"
	"github.com/agtmux/agtmux/internal/sourcehealth"
	"github.com/agtmux/agtmux/internal/sources/hooks"
)

func newDispatcher(t *testing.T, proj *projection.Projection, hookSrc *hooks.Source, reg *hooks.Registry) *rpc.Dispatcher {
	t.Helper()
	return &rpc.Dispatcher{
		Read:           proj,
		Ingest:         hookSrc,
		SourceHealth:   sourcehealth.NewRegistry(sourcehealth.DefaultThresholds()),
		SourceRegistry: reg,
		StartedAt:      time.Now().Add(-time.Minute),
		Version:        "test",
		SocketPath:     "/tmp/agtmux-test/agtmuxd.sock",
		PollInterval:   time.Second,
	}
}

func TestDispatchListPanesReflectsProjectionState(t *testing.T) {
	proj := projection.New(time.Second)
	ev := model.Evidence{
		EventID:       "evt-1",
		Provider:      model.ProviderClaude,
		SourceKind:    model.SourceHooks,
		Tier:          model.TierDeterministic,
		ObservedAt:    time.Now(),
		SessionKey:    "s-1",
		PaneID:        "%1",
		HasPaneID:     true,
		SourceEventID: "evt-1",
		ActivityHint:  model.ActivityRunning,
	}
	if _, err := proj.Apply(context.Background(), []model.Evidence{ev}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	d := newDispatcher(t, proj, hooks.New(hooks.NewRegistry(), nil), hooks.NewRegistry())
	result, err := d.Dispatch("list_panes", nil)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var panes []map[string]any
	if err := json.Unmarshal(encoded, &panes); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(panes) != 1 || panes[0]["pane_id"] != "%1" {
		t.Fatalf("expected pane %%1 in result, got %s", encoded)
	}
}

func TestDispatchUnknownMethodReturnsMethodNotFound(t *testing.T) {
	proj := projection.New(time.Second)
	d := newDispatcher(t, proj, hooks.New(hooks.NewRegistry(), nil), hooks.NewRegistry())
	if _, err := d.Dispatch("does_not_exist", nil); err == nil {
		t.Fatalf("expected an error for an unknown method")
	}
}

func TestDispatchSourceIngestDeliversToHookSource(t *testing.T) {
	reg := hooks.NewRegistry()
	hookSrc := hooks.New(reg, nil)
	proj := projection.New(time.Second)
	d := newDispatcher(t, proj, hookSrc, reg)

	params, _ := json.Marshal(map[string]any{
		"hook_id":    "h-1",
		"hook_type":  "PreToolUse",
		"session_id": "s-9",
		"pane_id":    "%9",
	})
	if _, err := d.Dispatch("source.ingest", params); err != nil {
		t.Fatalf("dispatch source.ingest: %v", err)
	}

	events, _, err := hookSrc.PullEvents(context.Background(), "", 10)
	if err != nil {
		t.Fatalf("pull events: %v", err)
	}
	if len(events) != 1 || events[0].ActivityHint != model.ActivityRunning {
		t.Fatalf("expected the ingested hook to translate to a running event, got %+v", events)
	}
}

func TestDispatchSourceIngestRejectsMissingHookID(t *testing.T) {
	reg := hooks.NewRegistry()
	hookSrc := hooks.New(reg, nil)
	proj := projection.New(time.Second)
	d := newDispatcher(t, proj, hookSrc, reg)

	params, _ := json.Marshal(map[string]any{"hook_type": "PreToolUse"})
	if _, err := d.Dispatch("source.ingest", params); err == nil {
		t.Fatalf("expected an error for a missing hook_id")
	}
}

func TestDispatchStateChangedReturnsOnlyNewerVersions(t *testing.T) {
	proj := projection.New(time.Second)
	ev := model.Evidence{
		EventID:       "evt-2",
		Provider:      model.ProviderClaude,
		SourceKind:    model.SourceHooks,
		Tier:          model.TierDeterministic,
		ObservedAt:    time.Now(),
		SessionKey:    "s-2",
		PaneID:        "%2",
		HasPaneID:     true,
		SourceEventID: "evt-2",
		ActivityHint:  model.ActivityRunning,
	}
	if _, err := proj.Apply(context.Background(), []model.Evidence{ev}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	d := newDispatcher(t, proj, hooks.New(hooks.NewRegistry(), nil), hooks.NewRegistry())
	params, _ := json.Marshal(map[string]any{"since_version": 0})
	result, err := d.Dispatch("state_changed", params)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	encoded, _ := json.Marshal(result)
	var decoded struct {
		Changes []map[string]any `json:"changes"`
		Version int64            `json:"version"`
	}
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(decoded.Changes) == 0 {
		t.Fatalf("expected at least one change since version 0, got %s", encoded)
	}

	// Asking again with since_version at the current high-water mark
	// yields no changes.
	params2, _ := json.Marshal(map[string]any{"since_version": decoded.Version})
	result2, err := d.Dispatch("state_changed", params2)
	if err != nil {
		t.Fatalf("dispatch second: %v", err)
	}
	encoded2, _ := json.Marshal(result2)
	var decoded2 struct {
		Changes []map[string]any `json:"changes"`
	}
	if err := json.Unmarshal(encoded2, &decoded2); err != nil {
		t.Fatalf("unmarshal second: %v", err)
	}
	if len(decoded2.Changes) != 0 {
		t.Fatalf("expected no changes past the served version, got %s", encoded2)
	}
}

func TestDispatchSummaryChangedReportsHasChanges(t *testing.T) {
	proj := projection.New(time.Second)
	ev := model.Evidence{
		EventID:       "evt-3",
		Provider:      model.ProviderCodex,
		SourceKind:    model.SourceAppServer,
		Tier:          model.TierDeterministic,
		ObservedAt:    time.Now(),
		SessionKey:    "thr-3",
		PaneID:        "%3",
		HasPaneID:     true,
		SourceEventID: "evt-3",
		ActivityHint:  model.ActivityRunning,
	}
	if _, err := proj.Apply(context.Background(), []model.Evidence{ev}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	d := newDispatcher(t, proj, hooks.New(hooks.NewRegistry(), nil), hooks.NewRegistry())
	params, _ := json.Marshal(map[string]any{"since_version": 0})
	result, err := d.Dispatch("summary_changed", params)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	encoded, _ := json.Marshal(result)
	var decoded struct {
		Agents     int  `json:"agents"`
		HasChanges bool `json:"has_changes"`
	}
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Agents != 1 || !decoded.HasChanges {
		t.Fatalf("expected 1 agent and has_changes=true, got %s", encoded)
	}
}

func TestDispatchDaemonInfoReportsSocketPath(t *testing.T) {
	proj := projection.New(time.Second)
	d := newDispatcher(t, proj, hooks.New(hooks.NewRegistry(), nil), hooks.NewRegistry())
	result, err := d.Dispatch("daemon.info", nil)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	encoded, _ := json.Marshal(result)
	var decoded struct {
		SocketPath string `json:"socket_path"`
	}
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.SocketPath != "/tmp/agtmux-test/agtmuxd.sock" {
		t.Fatalf("expected socket_path to echo the dispatcher config, got %q", decoded.SocketPath)
	}
}
