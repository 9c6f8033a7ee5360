// Package config resolves the daemon's configuration envelope (spec
// section 6): flags and environment override an optional on-disk TOML
// file, which in turn overrides the built-in defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config is the full startup envelope. Field names track spec 6's
// recognized options; additional fields are ambient tuning the spec leaves
// to "reasonable defaults" (timeouts, cwd query caps) grounded in the
// concrete numbers named across sections 4 and 5.
type Config struct {
	PollInterval time.Duration
	SocketPath   string
	MuxSocketPath string
	MuxSocketName string
	AppServerAddr string
	LogLevel     string

	AppServerHandshakeTimeout time.Duration
	AppServerThreadListTimeout time.Duration
	AppServerNotificationDrain time.Duration
	MaxCwdQueriesPerTick      int

	CaptureLines int

	TargetHealth struct {
		DegradedAfterFailures int
		DownFailures          int
		DownWindow            time.Duration
		RecoverSuccesses      int
	}
}

// DefaultConfig returns the daemon's built-in defaults, exactly the values
// named in spec sections 4 and 5.
func DefaultConfig() Config {
	cfg := Config{
		PollInterval:               1 * time.Second,
		SocketPath:                 defaultSocketPath(),
		LogLevel:                   envOr("AGTMUX_LOG", "info"),
		AppServerHandshakeTimeout:  10 * time.Second,
		AppServerThreadListTimeout: 500 * time.Millisecond,
		AppServerNotificationDrain: 10 * time.Millisecond,
		MaxCwdQueriesPerTick:       40,
		CaptureLines:               50,
	}
	cfg.TargetHealth.DegradedAfterFailures = 1
	cfg.TargetHealth.DownFailures = 3
	cfg.TargetHealth.DownWindow = 30 * time.Second
	cfg.TargetHealth.RecoverSuccesses = 2
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// defaultSocketPath implements spec 6's resolution order: XDG_RUNTIME_DIR
// first, falling back to /tmp/agtmux-<uid>.
func defaultSocketPath() string {
	if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
		return filepath.Join(runtimeDir, "agtmux", "agtmuxd.sock")
	}
	return filepath.Join(fmt.Sprintf("/tmp/agtmux-%d", os.Getuid()), "agtmuxd.sock")
}

// SocketDir is the directory that must be created mode 0700 before the
// socket itself is bound mode 0600 (spec 4.9/6).
func (c Config) SocketDir() string {
	return filepath.Dir(c.SocketPath)
}
