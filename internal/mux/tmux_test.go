package mux

import (
	"testing"
	"time"
)

func TestParseListPanesCanonicalSeparator(t *testing.T) {
	line := "main\x1f@1\x1feditor\x1f%3\x1f4242\x1fnode\x1f/home/dev/proj\x1fclaude — proj\x1f220\x1f50\x1f1\n"
	panes, err := parseListPanes(line, time.Now())
	if err != nil {
		t.Fatalf("parseListPanes: %v", err)
	}
	if len(panes) != 1 {
		t.Fatalf("expected 1 pane, got %d", len(panes))
	}
	p := panes[0]
	if p.SessionName != "main" || p.WindowID != "@1" || p.PaneID != "%3" || p.CurrentCmd != "node" ||
		p.CurrentPath != "/home/dev/proj" || p.Width != 220 || p.Height != 50 || !p.Active {
		t.Fatalf("unexpected parse result: %+v", p)
	}
	if !p.HasPID || p.PanePID != 4242 {
		t.Fatalf("expected pid 4242 to parse, got %+v", p)
	}
}

func TestParseListPanesSkipsBlankLines(t *testing.T) {
	input := "\n\nmain\x1f@1\x1feditor\x1f%3\x1f4242\x1fnode\x1f/home\x1ftitle\x1f80\x1f24\x1f0\n"
	panes, err := parseListPanes(input, time.Now())
	if err != nil {
		t.Fatalf("parseListPanes: %v", err)
	}
	if len(panes) != 1 {
		t.Fatalf("expected blank lines to be skipped, got %d panes", len(panes))
	}
	if panes[0].Active {
		t.Fatalf("expected inactive pane (active field 0)")
	}
}

func TestParseListPanesMalformedLineErrors(t *testing.T) {
	if _, err := parseListPanes("too\x1ffew\x1ffields\n", time.Now()); err == nil {
		t.Fatalf("expected an error for a line with too few fields")
	}
}
