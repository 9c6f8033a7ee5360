// Command agtmuxd is the daemon: it runs the single cooperative-
// scheduler tick (spec 5) over the mux backend, the deterministic
// adapters, and the heuristic poller, projecting their evidence into the
// read model served over the client-facing JSON-RPC socket (spec 4.9).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agtmux/agtmux/internal/config"
	"github.com/agtmux/agtmux/internal/daemonlog"
	"github.com/agtmux/agtmux/internal/gateway"
	"github.com/agtmux/agtmux/internal/mux"
	"github.com/agtmux/agtmux/internal/procinspect"
	"github.com/agtmux/agtmux/internal/projection"
	"github.com/agtmux/agtmux/internal/rpc"
	"github.com/agtmux/agtmux/internal/sourcehealth"
	"github.com/agtmux/agtmux/internal/sources/appserver"
	"github.com/agtmux/agtmux/internal/sources/hooks"
	"github.com/agtmux/agtmux/internal/sources/jsonlwatch"
	"github.com/agtmux/agtmux/internal/sources/poller"
)

// version is overridden at build time via -ldflags; daemon.info reports
// it as-is when nothing is injected.
var version = "dev"

func main() {
	cfg := config.DefaultConfig()
	flag.StringVar(&cfg.SocketPath, "socket", cfg.SocketPath, "client-facing UDS path")
	flag.StringVar(&cfg.MuxSocketPath, "mux-socket", cfg.MuxSocketPath, "tmux server socket path")
	flag.StringVar(&cfg.MuxSocketName, "mux-socket-name", cfg.MuxSocketName, "tmux server socket name")
	flag.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "tick period")
	flag.Parse()

	log := daemonlog.New(os.Stderr, daemonlog.ParseLevel(cfg.LogLevel))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	backend := mux.NewTmux(cfg.MuxSocketPath, cfg.MuxSocketName)
	walker := procinspect.NewWalker()

	health := sourcehealth.NewRegistry(sourcehealth.Thresholds{
		DegradedAfterFailures: cfg.TargetHealth.DegradedAfterFailures,
		DownFailures:          cfg.TargetHealth.DownFailures,
		DownWindow:            cfg.TargetHealth.DownWindow,
		RecoverSuccesses:      cfg.TargetHealth.RecoverSuccesses,
	})

	pollerSrc := poller.New(backend, walker, cfg.CaptureLines)
	appserverSrc := appserver.New(backend, walker, appserver.Config{
		HandshakeTimeout:     cfg.AppServerHandshakeTimeout,
		ThreadListTimeout:    cfg.AppServerThreadListTimeout,
		NotificationDrain:    cfg.AppServerNotificationDrain,
		MaxCwdQueriesPerTick: cfg.MaxCwdQueriesPerTick,
		CaptureLines:         cfg.CaptureLines,
	})
	hookRegistry := hooks.NewRegistry()
	hooksSrc := hooks.New(hookRegistry, log)
	jsonlSrc := jsonlwatch.New(backend, walker, jsonlwatch.FileIndexReader{Path: jsonlwatch.DefaultIndexPath()})

	proj := projection.New(cfg.PollInterval)

	// Sources are passed in the fixed order spec 5 requires for
	// deterministic cross-source arbitration: Poller, AppServer, Hooks,
	// Jsonl. Each is wrapped so its per-tick outcome feeds list_source_health.
	gw, err := gateway.New(proj,
		trackHealth(health, pollerSrc),
		trackHealth(health, appserverSrc),
		trackHealth(health, hooksSrc),
		trackHealth(health, jsonlSrc),
	)
	if err != nil {
		fatal(log, fmt.Errorf("build gateway: %w", err))
	}

	dispatcher := &rpc.Dispatcher{
		Read:           proj,
		Ingest:         hooksSrc,
		SourceHealth:   health,
		SourceRegistry: hookRegistry,
		StartedAt:      time.Now(),
		Version:        version,
		SocketPath:     cfg.SocketPath,
		PollInterval:   cfg.PollInterval,
	}
	server := rpc.New(cfg.SocketPath, dispatcher, log)

	go runTickLoop(ctx, cfg, log, gw, proj, dispatcher)

	if err := server.Start(ctx); err != nil && err != context.Canceled {
		fatal(log, err)
	}
}

// runTickLoop drives the pipeline at cfg.PollInterval: gateway ingest
// (which itself runs mux list/capture/poller/appserver-poll/jsonl-scan/
// hook-drain internally per source, then projection apply) followed by
// change-log compaction (spec 5's tick step list).
func runTickLoop(ctx context.Context, cfg config.Config, log *daemonlog.Logger, gw *gateway.Gateway, proj *projection.Projection, dispatcher *rpc.Dispatcher) {
	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := gw.IngestTick(ctx); err != nil {
				log.Error("tick", "err=", err)
			}
			proj.CompactChangeLog(dispatcher.ConsumeLowestSinceVersion())
		}
	}
}

func fatal(log *daemonlog.Logger, err error) {
	log.Error("fatal", err)
	os.Exit(1)
}
