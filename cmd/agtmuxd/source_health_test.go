package main

import (
	"context"
	"errors"
	"testing"

	"github.com/agtmux/agtmux/internal/model"
	"github.com/agtmux/agtmux/internal/sourcehealth"
)

type stubSource struct {
	kind   model.SourceKind
	err    error
	events []model.Evidence
}

func (s stubSource) Kind() model.SourceKind { return s.kind }

func (s stubSource) PullEvents(context.Context, string, int) ([]model.Evidence, string, error) {
	return s.events, "cursor-1", s.err
}

func TestTrackHealthReportsSuccessAndFailure(t *testing.T) {
	registry := sourcehealth.NewRegistry(sourcehealth.DefaultThresholds())
	ok := trackHealth(registry, stubSource{kind: model.SourcePoller})
	if _, _, err := ok.PullEvents(context.Background(), "", 10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	snap := registry.Snapshot()
	if snap[string(model.SourcePoller)].Current != sourcehealth.StatusHealthy {
		t.Fatalf("expected poller to be healthy after a success, got %+v", snap)
	}

	failing := trackHealth(registry, stubSource{kind: model.SourceAppServer, err: errors.New("boom")})
	if _, _, err := failing.PullEvents(context.Background(), "", 10); err == nil {
		t.Fatalf("expected the wrapped error to propagate")
	}
	snap = registry.Snapshot()
	if snap[string(model.SourceAppServer)].Current != sourcehealth.StatusDegraded {
		t.Fatalf("expected appserver to degrade after a failure, got %+v", snap)
	}
}

func TestTrackHealthPreservesKind(t *testing.T) {
	registry := sourcehealth.NewRegistry(sourcehealth.DefaultThresholds())
	wrapped := trackHealth(registry, stubSource{kind: model.SourceJsonl})
	if wrapped.Kind() != model.SourceJsonl {
		t.Fatalf("expected wrapped source to report the inner kind, got %q", wrapped.Kind())
	}
}
