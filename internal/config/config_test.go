package config_test

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/agtmux/agtmux/internal/config"
)

func TestDefaultConfigSocketPathPrefersXDGRuntimeDir(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")
	cfg := config.DefaultConfig()
	want := filepath.Join("/run/user/1000", "agtmux", "agtmuxd.sock")
	if cfg.SocketPath != want {
		t.Fatalf("expected socket path %q, got %q", want, cfg.SocketPath)
	}
	if cfg.SocketDir() != filepath.Join("/run/user/1000", "agtmux") {
		t.Fatalf("unexpected socket dir: %q", cfg.SocketDir())
	}
}

func TestDefaultConfigSocketPathFallsBackToTmp(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "")
	cfg := config.DefaultConfig()
	if filepath.Base(cfg.SocketPath) != "agtmuxd.sock" {
		t.Fatalf("expected fallback socket path to end in agtmuxd.sock, got %q", cfg.SocketPath)
	}
	wantDir := filepath.Join("/tmp", "agtmux-"+strconv.Itoa(os.Getuid()))
	if filepath.Dir(cfg.SocketPath) != wantDir {
		t.Fatalf("expected fallback dir %q, got %q", wantDir, filepath.Dir(cfg.SocketPath))
	}
}

func TestDefaultConfigValues(t *testing.T) {
	cfg := config.DefaultConfig()
	if cfg.PollInterval != time.Second {
		t.Fatalf("expected 1s default poll interval, got %v", cfg.PollInterval)
	}
	if cfg.MaxCwdQueriesPerTick != 40 {
		t.Fatalf("expected 40 max cwd queries per tick, got %d", cfg.MaxCwdQueriesPerTick)
	}
	if cfg.TargetHealth.DownFailures != 3 || cfg.TargetHealth.RecoverSuccesses != 2 {
		t.Fatalf("unexpected target health defaults: %+v", cfg.TargetHealth)
	}
}

func TestApplyFileOverridesScalars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	contents := `
poll_interval_ms = 2500
socket_path = "/tmp/custom/agtmuxd.sock"
mux_socket_name = "devbox"
`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg := config.DefaultConfig()
	if err := config.ApplyFile(&cfg, path); err != nil {
		t.Fatalf("ApplyFile: %v", err)
	}
	if cfg.PollInterval != 2500*time.Millisecond {
		t.Fatalf("expected overridden poll interval, got %v", cfg.PollInterval)
	}
	if cfg.SocketPath != "/tmp/custom/agtmuxd.sock" {
		t.Fatalf("expected overridden socket path, got %q", cfg.SocketPath)
	}
	if cfg.MuxSocketName != "devbox" {
		t.Fatalf("expected overridden mux socket name, got %q", cfg.MuxSocketName)
	}
}

func TestApplyFileMissingFileIsNotAnError(t *testing.T) {
	cfg := config.DefaultConfig()
	if err := config.ApplyFile(&cfg, filepath.Join(t.TempDir(), "missing.toml")); err != nil {
		t.Fatalf("expected a missing config file to be a no-op, got %v", err)
	}
}
