package main

import (
	"context"
	"time"

	"github.com/agtmux/agtmux/internal/gateway"
	"github.com/agtmux/agtmux/internal/model"
	"github.com/agtmux/agtmux/internal/sourcehealth"
)

// healthTrackingSource wraps a gateway.Source so every PullEvents call
// reports its outcome into the shared health registry, generalizing the
// AppServer adapter's own internal health machine to every adapter
// (spec 4.9's list_source_health needs real transitions for all four).
type healthTrackingSource struct {
	inner    gateway.Source
	registry *sourcehealth.Registry
}

func trackHealth(registry *sourcehealth.Registry, inner gateway.Source) gateway.Source {
	return healthTrackingSource{inner: inner, registry: registry}
}

func (h healthTrackingSource) Kind() model.SourceKind { return h.inner.Kind() }

func (h healthTrackingSource) PullEvents(ctx context.Context, cursor string, limit int) ([]model.Evidence, string, error) {
	events, next, err := h.inner.PullEvents(ctx, cursor, limit)
	h.registry.Report(string(h.inner.Kind()), err == nil, time.Now())
	return events, next, err
}
