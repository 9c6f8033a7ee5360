package jsonlwatch_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/agtmux/agtmux/internal/model"
	"github.com/agtmux/agtmux/internal/mux"
	"github.com/agtmux/agtmux/internal/sources/jsonlwatch"
)

type fakeIndex struct {
	entries []jsonlwatch.IndexEntry
}

func (f fakeIndex) ReadIndex(context.Context) ([]jsonlwatch.IndexEntry, error) {
	return f.entries, nil
}

type fakeWalker struct{ hint model.ProcessHint }

func (w fakeWalker) ClassifyTree(context.Context, int32) (model.ProcessHint, error) {
	return w.hint, nil
}

func writeLog(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write log: %v", err)
	}
	return path
}

func TestPullEventsBootstrapsAtEndOfFile(t *testing.T) {
	dir := t.TempDir()
	logPath := writeLog(t, dir, "sess1.jsonl", "{\"type\":\"user\"}\n{\"type\":\"assistant\"}\n")

	backend := mux.NewFake()
	backend.SetPanes([]mux.PaneInfo{{PaneID: "%1", PanePID: 10, HasPID: true, CurrentPath: "/work/proj"}})
	index := fakeIndex{entries: []jsonlwatch.IndexEntry{{SessionID: "sess1", Cwd: "/work/proj", LogPath: logPath}}}

	src := jsonlwatch.New(backend, fakeWalker{hint: model.ProcessHintNeutral}, index)
	events, _, err := src.PullEvents(context.Background(), "", 500)
	if err != nil {
		t.Fatalf("PullEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 bootstrap event, got %d", len(events))
	}
	ev := events[0]
	if ev.IsHeartbeat {
		t.Fatalf("unique candidate pane bootstrap must not be a heartbeat: %+v", ev)
	}
	if !ev.HasPaneID || ev.PaneID != "%1" {
		t.Fatalf("expected unique pane to be bound: %+v", ev)
	}
	if ev.Tier != model.TierDeterministic || ev.Provider != model.ProviderClaude {
		t.Fatalf("unexpected tier/provider: %+v", ev)
	}
}

func TestPullEventsAmbiguousCwdMarksBootstrapHeartbeat(t *testing.T) {
	dir := t.TempDir()
	logPath := writeLog(t, dir, "sess2.jsonl", "{\"type\":\"user\"}\n")

	backend := mux.NewFake()
	backend.SetPanes([]mux.PaneInfo{
		{PaneID: "%1", PanePID: 10, HasPID: true, CurrentPath: "/work/proj"},
		{PaneID: "%2", PanePID: 20, HasPID: true, CurrentPath: "/work/proj"},
	})
	index := fakeIndex{entries: []jsonlwatch.IndexEntry{{SessionID: "sess2", Cwd: "/work/proj", LogPath: logPath}}}

	src := jsonlwatch.New(backend, fakeWalker{hint: model.ProcessHintNeutral}, index)
	events, _, err := src.PullEvents(context.Background(), "", 500)
	if err != nil {
		t.Fatalf("PullEvents: %v", err)
	}
	if len(events) != 1 || !events[0].IsHeartbeat {
		t.Fatalf("expected ambiguous bootstrap to be marked heartbeat, got %+v", events)
	}
	if events[0].HasPaneID {
		t.Fatalf("ambiguous cwd must not bind a pane: %+v", events[0])
	}
}

func TestPullEventsSubsequentPollWithNoNewLinesIsIdleHeartbeat(t *testing.T) {
	dir := t.TempDir()
	logPath := writeLog(t, dir, "sess3.jsonl", "{\"type\":\"user\"}\n")

	backend := mux.NewFake()
	backend.SetPanes([]mux.PaneInfo{{PaneID: "%1", PanePID: 10, HasPID: true, CurrentPath: "/work/proj"}})
	index := fakeIndex{entries: []jsonlwatch.IndexEntry{{SessionID: "sess3", Cwd: "/work/proj", LogPath: logPath}}}

	src := jsonlwatch.New(backend, fakeWalker{hint: model.ProcessHintNeutral}, index)
	if _, _, err := src.PullEvents(context.Background(), "", 500); err != nil {
		t.Fatalf("bootstrap poll: %v", err)
	}

	events, _, err := src.PullEvents(context.Background(), "", 500)
	if err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if len(events) != 1 || !events[0].IsHeartbeat || events[0].ActivityHint != model.ActivityIdle {
		t.Fatalf("expected an idle heartbeat with no new lines, got %+v", events)
	}
}

func TestPullEventsNewLinesProduceActivityEvent(t *testing.T) {
	dir := t.TempDir()
	logPath := writeLog(t, dir, "sess4.jsonl", "{\"type\":\"user\"}\n")

	backend := mux.NewFake()
	backend.SetPanes([]mux.PaneInfo{{PaneID: "%1", PanePID: 10, HasPID: true, CurrentPath: "/work/proj"}})
	index := fakeIndex{entries: []jsonlwatch.IndexEntry{{SessionID: "sess4", Cwd: "/work/proj", LogPath: logPath}}}

	src := jsonlwatch.New(backend, fakeWalker{hint: model.ProcessHintNeutral}, index)
	if _, _, err := src.PullEvents(context.Background(), "", 500); err != nil {
		t.Fatalf("bootstrap poll: %v", err)
	}

	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("open for append: %v", err)
	}
	if _, err := f.WriteString("{\"type\":\"assistant\"}\n"); err != nil {
		t.Fatalf("append: %v", err)
	}
	f.Close()

	events, _, err := src.PullEvents(context.Background(), "", 500)
	if err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if len(events) != 1 || events[0].IsHeartbeat || events[0].ActivityHint != model.ActivityRunning {
		t.Fatalf("expected a non-heartbeat running event after new lines, got %+v", events)
	}
}

func TestPullEventsCustomTitleLineUpdatesTitle(t *testing.T) {
	dir := t.TempDir()
	logPath := writeLog(t, dir, "sess5.jsonl", "{\"type\":\"user\"}\n")

	backend := mux.NewFake()
	backend.SetPanes([]mux.PaneInfo{{PaneID: "%1", PanePID: 10, HasPID: true, CurrentPath: "/work/proj"}})
	index := fakeIndex{entries: []jsonlwatch.IndexEntry{{SessionID: "sess5", Cwd: "/work/proj", LogPath: logPath}}}

	src := jsonlwatch.New(backend, fakeWalker{hint: model.ProcessHintNeutral}, index)
	if _, _, err := src.PullEvents(context.Background(), "", 500); err != nil {
		t.Fatalf("bootstrap poll: %v", err)
	}

	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("open for append: %v", err)
	}
	if _, err := f.WriteString("{\"type\":\"custom-title\",\"customTitle\":\"Fix the login bug\"}\n"); err != nil {
		t.Fatalf("append: %v", err)
	}
	f.Close()

	events, _, err := src.PullEvents(context.Background(), "", 500)
	if err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if len(events) != 1 || events[0].Title != "Fix the login bug" {
		t.Fatalf("expected the custom-title line to set the event's title, got %+v", events)
	}
}

func TestPullEventsSkipsCompetingAgentAndShellPanes(t *testing.T) {
	dir := t.TempDir()
	logPath := writeLog(t, dir, "sess6.jsonl", "{\"type\":\"user\"}\n")

	backend := mux.NewFake()
	backend.SetPanes([]mux.PaneInfo{{PaneID: "%1", PanePID: 10, HasPID: true, CurrentPath: "/work/proj"}})
	index := fakeIndex{entries: []jsonlwatch.IndexEntry{{SessionID: "sess6", Cwd: "/work/proj", LogPath: logPath}}}

	src := jsonlwatch.New(backend, fakeWalker{hint: model.ProcessHintCompetingAgent}, index)
	events, _, err := src.PullEvents(context.Background(), "", 500)
	if err != nil {
		t.Fatalf("PullEvents: %v", err)
	}
	if len(events) != 1 || events[0].HasPaneID {
		t.Fatalf("expected the competing-agent pane to be excluded from binding, got %+v", events)
	}
}
